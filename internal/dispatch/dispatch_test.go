package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunway24/dealbridge/internal/crm"
	"github.com/sunway24/dealbridge/internal/docstore"
	"github.com/sunway24/dealbridge/internal/identity"
	"github.com/sunway24/dealbridge/internal/notify/notifytest"
	"github.com/sunway24/dealbridge/internal/stage"
	"github.com/sunway24/dealbridge/internal/stream"
)

const (
	invoiceStage   = "UC_EWKB0I"
	warehouseStage = "UC_Y5IE8J"
	customerID     = int64(1001)
)

type gatewayStub struct {
	crm.Gateway
	dealFn func(ctx context.Context, id string) (*crm.Deal, error)
}

func (g *gatewayStub) Deal(ctx context.Context, id string) (*crm.Deal, error) {
	if g.dealFn == nil {
		return nil, nil
	}
	return g.dealFn(ctx, id)
}

type fixture struct {
	pipeline *Pipeline
	gw       *gatewayStub
	links    *identity.InMemory
	cache    *stage.MemoryCache
	docs     *docstore.Store
	events   *stream.Stream
	notifier *notifytest.Recorder
}

func newFixture(t *testing.T, grace time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		gw:       &gatewayStub{},
		links:    identity.NewInMemory(),
		cache:    stage.NewMemoryCache(),
		events:   stream.New(),
		notifier: notifytest.New(),
	}
	docs, err := docstore.New(t.TempDir(), f.events)
	require.NoError(t, err)
	f.docs = docs

	f.pipeline, err = New(Config{InvoiceStage: invoiceStage, WarehouseStage: warehouseStage, Grace: grace}, Deps{
		CRM:        f.gw,
		Identities: f.links,
		Detector:   stage.NewDetector(f.cache),
		Artifacts:  f.docs,
		Notifier:   f.notifier,
		Events:     f.events,
	})
	require.NoError(t, err)
	require.NoError(t, f.links.Put(context.Background(), identity.Link{UserID: customerID, ContactID: "42"}))
	return f
}

func (f *fixture) deal(id, stageTag, contact string) {
	f.gw.dealFn = func(_ context.Context, got string) (*crm.Deal, error) {
		if got != id {
			return nil, nil
		}
		return &crm.Deal{ID: id, Stage: stageTag, ContactID: contact}, nil
	}
}

func TestDealEventInvoiceAbsent(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	f.deal("555", invoiceStage, "42")

	res, err := f.pipeline.HandleDealEvent(context.Background(), "555")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, invoiceStage, res.Stage)
	assert.Equal(t, stage.FirstObservation, res.Transition.Kind)
	assert.Equal(t, ArtifactNotYetAvailable, res.Artifact)
	assert.Equal(t, customerID, res.RecipientID)
	assert.NotEmpty(t, res.DeliveryID)

	assert.Equal(t, []string{"SendText"}, f.notifier.Methods(customerID))
	call, _ := f.notifier.Last(customerID, "SendText")
	assert.Contains(t, call.Message.Text, "#555")
	assert.Contains(t, call.Message.Text, "📄 Накладная")
}

func TestDealEventInvoicePresent(t *testing.T) {
	f := newFixture(t, time.Second)
	f.deal("555", invoiceStage, "42")
	require.NoError(t, f.docs.SaveInvoice(context.Background(), "555", strings.NewReader("%PDF")))

	res, err := f.pipeline.HandleDealEvent(context.Background(), "555")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, ArtifactSent, res.Artifact)

	assert.Equal(t, []string{"SendText", "SendDocument"}, f.notifier.Methods(customerID))
	doc, _ := f.notifier.Last(customerID, "SendDocument")
	assert.Equal(t, filepath.Join(f.docs.Root(), "invoices", "555.pdf"), doc.Path)
	assert.Contains(t, doc.Caption, "Накладная для заказа #555")
}

func TestDealEventWaitsForArtifactDuringGrace(t *testing.T) {
	f := newFixture(t, 5*time.Second)
	f.deal("555", invoiceStage, "42")

	done := make(chan Result, 1)
	go func() {
		res, err := f.pipeline.HandleDealEvent(context.Background(), "555")
		assert.NoError(t, err)
		done <- res
	}()

	require.Eventually(t, func() bool { return f.events.Subscribers() > 0 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.docs.SaveInvoice(context.Background(), "555", strings.NewReader("%PDF")))

	select {
	case res := <-done:
		assert.Equal(t, ArtifactSent, res.Artifact)
	case <-time.After(3 * time.Second):
		t.Fatal("pipeline did not observe the uploaded invoice")
	}
}

func TestDealEventWarehousePhotos(t *testing.T) {
	f := newFixture(t, 0)
	f.deal("555", warehouseStage, "42")
	for i := 0; i < 12; i++ {
		_, err := f.docs.AddPhoto(context.Background(), "555", strings.NewReader("jpeg"))
		require.NoError(t, err)
	}

	res, err := f.pipeline.HandleDealEvent(context.Background(), "555")
	require.NoError(t, err)
	assert.Equal(t, ArtifactSent, res.Artifact)
	assert.Equal(t, docstore.KindPhotos, res.Kind)

	group, ok := f.notifier.Last(customerID, "SendPhotoGroup")
	require.True(t, ok)
	assert.Len(t, group.Paths, 12)
	assert.Equal(t, "photo_001.jpg", filepath.Base(group.Paths[0]))
	assert.Contains(t, group.Caption, "Заказ #555")
}

func TestDealEventUnchangedIsNoOp(t *testing.T) {
	f := newFixture(t, 0)
	f.deal("555", "EXECUTING", "42")

	first, err := f.pipeline.HandleDealEvent(context.Background(), "555")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, first.Outcome)
	assert.Equal(t, ArtifactNone, first.Artifact)

	second, err := f.pipeline.HandleDealEvent(context.Background(), "555")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoOp, second.Outcome)
	assert.Len(t, f.notifier.Calls(), 1)
}

func TestDealEventChangedAfterObservation(t *testing.T) {
	f := newFixture(t, 0)
	f.deal("555", "EXECUTING", "42")
	_, err := f.pipeline.HandleDealEvent(context.Background(), "555")
	require.NoError(t, err)

	f.deal("555", "UC_RS7UFN", "42")
	res, err := f.pipeline.HandleDealEvent(context.Background(), "555")
	require.NoError(t, err)
	assert.Equal(t, stage.Transition{Kind: stage.Changed, From: "EXECUTING", To: "UC_RS7UFN"}, res.Transition)
	assert.Len(t, f.notifier.Calls(), 2)
}

func TestDealEventIncompleteDeal(t *testing.T) {
	for name, deal := range map[string][2]string{"no contact": {invoiceStage, ""}, "no stage": {"", "42"}} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 0)
			f.deal("555", deal[0], deal[1])

			res, err := f.pipeline.HandleDealEvent(context.Background(), "555")
			require.NoError(t, err)
			assert.Equal(t, OutcomeIncompleteDeal, res.Outcome)
			assert.Empty(t, f.notifier.Calls())
			assert.Equal(t, 0, f.cache.Len())
		})
	}
}

func TestDealEventNotFound(t *testing.T) {
	f := newFixture(t, 0)
	res, err := f.pipeline.HandleDealEvent(context.Background(), "404")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDealNotFound, res.Outcome)
	assert.Empty(t, f.notifier.Calls())
}

func TestDealEventRecipientUnresolved(t *testing.T) {
	f := newFixture(t, 0)
	f.deal("555", invoiceStage, "77")

	res, err := f.pipeline.HandleDealEvent(context.Background(), "555")
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecipientUnresolved, res.Outcome)
	assert.Empty(t, f.notifier.Calls())
	assert.Equal(t, 0, f.cache.Len())
}

func TestDealEventInvalidAndUpstream(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.pipeline.HandleDealEvent(context.Background(), " ")
	assert.ErrorIs(t, err, ErrInvalidInput)

	f.gw.dealFn = func(context.Context, string) (*crm.Deal, error) { return nil, context.Canceled }
	_, err = f.pipeline.HandleDealEvent(context.Background(), "1")
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestDealEventStageNotificationFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.deal("555", "EXECUTING", "42")
	f.notifier.Fail = func(method string, _ int64) error { return errors.New("blocked") }

	_, err := f.pipeline.HandleDealEvent(context.Background(), "555")
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestDealEventArtifactSendFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.deal("555", invoiceStage, "42")
	require.NoError(t, f.docs.SaveInvoice(context.Background(), "555", strings.NewReader("%PDF")))
	f.notifier.Fail = func(method string, _ int64) error {
		if method == "SendDocument" {
			return errors.New("too large")
		}
		return nil
	}

	res, err := f.pipeline.HandleDealEvent(context.Background(), "555")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, ArtifactSendFailed, res.Artifact)
}

func TestDealEventConcurrentDuplicatesNotifyOnce(t *testing.T) {
	f := newFixture(t, 0)
	f.deal("555", "EXECUTING", "42")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.pipeline.HandleDealEvent(context.Background(), "555")
		}()
	}
	wg.Wait()
	assert.Len(t, f.notifier.Calls(), 1)
}

func TestDealEventPublishesDispatchRecord(t *testing.T) {
	f := newFixture(t, 0)
	f.deal("555", "EXECUTING", "42")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := f.events.Subscribe(ctx)

	res, err := f.pipeline.HandleDealEvent(context.Background(), "555")
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, stream.TypeDispatch, evt.Type)
		assert.Equal(t, res.DeliveryID, evt.DeliveryID)
		assert.Equal(t, string(OutcomeSuccess), evt.Outcome)
	case <-time.After(time.Second):
		t.Fatal("no dispatch event")
	}
}

func TestUploadInvoice(t *testing.T) {
	f := newFixture(t, 0)
	f.deal("555", "EXECUTING", "42")
	require.NoError(t, f.docs.SaveInvoice(context.Background(), "555", strings.NewReader("%PDF")))

	res, err := f.pipeline.HandleArtifactUploaded(context.Background(), "555", docstore.KindInvoice)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, ArtifactSent, res.Artifact)
	assert.Equal(t, []string{"SendDocument", "SendText"}, f.notifier.Methods(customerID))
	confirm, _ := f.notifier.Last(customerID, "SendText")
	assert.Contains(t, confirm.Message.Text, "Накладная готова!")
	assert.Equal(t, 0, f.cache.Len(), "upload path must not touch the stage cache")
}

func TestUploadInvoiceMissingArtifact(t *testing.T) {
	f := newFixture(t, 0)
	f.deal("555", "EXECUTING", "42")

	res, err := f.pipeline.HandleArtifactUploaded(context.Background(), "555", docstore.KindInvoice)
	require.NoError(t, err)
	assert.Equal(t, OutcomeArtifactFailed, res.Outcome)
	assert.Equal(t, ArtifactNotYetAvailable, res.Artifact)
	assert.Empty(t, f.notifier.Calls())
}

func TestUploadInvoiceSendFailureSkipsConfirmation(t *testing.T) {
	f := newFixture(t, 0)
	f.deal("555", "EXECUTING", "42")
	require.NoError(t, f.docs.SaveInvoice(context.Background(), "555", strings.NewReader("%PDF")))
	f.notifier.Fail = func(method string, _ int64) error { return errors.New("down") }

	res, err := f.pipeline.HandleArtifactUploaded(context.Background(), "555", docstore.KindInvoice)
	require.NoError(t, err)
	assert.Equal(t, OutcomeArtifactFailed, res.Outcome)
	assert.Equal(t, ArtifactSendFailed, res.Artifact)
	assert.Empty(t, f.notifier.Calls())
}

func TestUploadPhotosStageGuard(t *testing.T) {
	f := newFixture(t, 0)
	f.deal("555", invoiceStage, "42")
	_, err := f.docs.AddPhoto(context.Background(), "555", strings.NewReader("jpeg"))
	require.NoError(t, err)

	res, err := f.pipeline.HandleArtifactUploaded(context.Background(), "555", docstore.KindPhotos)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotInStage, res.Outcome)
	assert.Empty(t, f.notifier.Calls())
}

func TestUploadPhotosInWarehouseStage(t *testing.T) {
	f := newFixture(t, 0)
	f.deal("555", warehouseStage, "42")
	for i := 0; i < 3; i++ {
		_, err := f.docs.AddPhoto(context.Background(), "555", strings.NewReader("jpeg"))
		require.NoError(t, err)
	}

	res, err := f.pipeline.HandleArtifactUploaded(context.Background(), "555", docstore.KindPhotos)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	assert.Equal(t, []string{"SendPhotoGroup", "SendText"}, f.notifier.Methods(customerID))
	confirm, _ := f.notifier.Last(customerID, "SendText")
	assert.Contains(t, confirm.Message.Text, "Фото товара доступны!")
}

func TestUploadRecipientUnresolved(t *testing.T) {
	f := newFixture(t, 0)
	f.deal("555", "EXECUTING", "77")
	res, err := f.pipeline.HandleArtifactUploaded(context.Background(), "555", docstore.KindInvoice)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecipientUnresolved, res.Outcome)
}

func TestUploadUnknownKind(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.pipeline.HandleArtifactUploaded(context.Background(), "555", docstore.Kind("video"))
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestNewRequiresDeps(t *testing.T) {
	_, err := New(Config{InvoiceStage: "a", WarehouseStage: "b"}, Deps{})
	assert.Error(t, err)
}
