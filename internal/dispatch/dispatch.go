// Package dispatch turns deal events into customer notifications and artifact deliveries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sunway24/dealbridge/internal/crm"
	"github.com/sunway24/dealbridge/internal/docstore"
	"github.com/sunway24/dealbridge/internal/identity"
	"github.com/sunway24/dealbridge/internal/ids"
	"github.com/sunway24/dealbridge/internal/notify"
	"github.com/sunway24/dealbridge/internal/obs"
	"github.com/sunway24/dealbridge/internal/stage"
	"github.com/sunway24/dealbridge/internal/stream"
)

var (
	ErrInvalidInput = errors.New("dispatch: invalid input")
	ErrUpstream     = errors.New("dispatch: upstream failure")
)

// Trigger names the entry point that produced a delivery.
type Trigger string

const (
	TriggerStage  Trigger = "stage"
	TriggerUpload Trigger = "upload"
)

// Outcome classifies a handled event.
type Outcome string

const (
	OutcomeSuccess             Outcome = "success"
	OutcomeNoOp                Outcome = "noop"
	OutcomeRecipientUnresolved Outcome = "recipient_unresolved"
	OutcomeDealNotFound        Outcome = "deal_not_found"
	OutcomeIncompleteDeal      Outcome = "incomplete_deal"
	// OutcomeNotInStage is the informational no-op of the photo upload guard.
	OutcomeNotInStage Outcome = "not_in_stage"
	// OutcomeArtifactFailed means an upload-triggered artifact was absent or could not be sent.
	OutcomeArtifactFailed Outcome = "artifact_failed"
)

// ArtifactStatus reports what happened to the artifact attached to a delivery.
type ArtifactStatus string

const (
	ArtifactNone            ArtifactStatus = ""
	ArtifactSent            ArtifactStatus = "sent"
	ArtifactNotYetAvailable ArtifactStatus = "not_yet_available"
	ArtifactSendFailed      ArtifactStatus = "send_failed"
)

// Result describes one handled event.
type Result struct {
	DeliveryID  string
	Trigger     Trigger
	DealID      string
	Stage       string
	ContactID   string
	RecipientID int64
	Outcome     Outcome
	Transition  stage.Transition
	Kind        docstore.Kind
	Artifact    ArtifactStatus
}

// Artifacts is the read side of the Document Store.
type Artifacts interface {
	InvoicePath(dealID string) (string, error)
	Photos(dealID string) ([]string, error)
	Available(dealID string, kind docstore.Kind) bool
}

// Events carries artifact availability and dispatch records.
type Events interface {
	Subscribe(ctx context.Context) <-chan stream.Event
	Publish(evt stream.Event)
}

// Config selects the action stages and the artifact grace period.
type Config struct {
	InvoiceStage   string
	WarehouseStage string
	// Grace bounds how long a stage-triggered send waits for a missing artifact to appear.
	Grace time.Duration
}

// Deps are the collaborators of a Pipeline.
type Deps struct {
	CRM        crm.Gateway
	Identities identity.Store
	Detector   *stage.Detector
	Artifacts  Artifacts
	Notifier   notify.Notifier
	Events     Events
}

// Pipeline is the dispatch pipeline.
type Pipeline struct {
	cfg  Config
	deps Deps
}

// New validates deps and returns a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	switch {
	case deps.CRM == nil, deps.Identities == nil, deps.Detector == nil,
		deps.Artifacts == nil, deps.Notifier == nil, deps.Events == nil:
		return nil, errors.New("dispatch: all dependencies are required")
	case cfg.InvoiceStage == "" || cfg.WarehouseStage == "":
		return nil, errors.New("dispatch: action stages are required")
	}
	return &Pipeline{cfg: cfg, deps: deps}, nil
}

// HandleDealEvent fetches the deal, resolves its recipient, detects a stage transition and,
// for a novel one, notifies the customer and delivers the stage's artifact.
func (p *Pipeline) HandleDealEvent(ctx context.Context, dealID string) (Result, error) {
	res := Result{DeliveryID: ids.New(), Trigger: TriggerStage, DealID: strings.TrimSpace(dealID)}
	ctx, span := obs.Tracer().Start(ctx, "dispatch.deal_event",
		trace.WithAttributes(attribute.String("deal.id", res.DealID), attribute.String("delivery.id", res.DeliveryID)))
	defer span.End()

	err := p.handleDealEvent(ctx, &res)
	p.finish(span, res, err)
	return res, err
}

func (p *Pipeline) handleDealEvent(ctx context.Context, res *Result) error {
	deal, link, err := p.resolve(ctx, res)
	if err != nil || deal == nil || link == nil {
		return err
	}

	tr, err := p.deps.Detector.Detect(ctx, res.DealID, res.Stage)
	if err != nil {
		return fmt.Errorf("%w: detect: %v", ErrUpstream, err)
	}
	res.Transition = tr
	if !tr.Novel() {
		res.Outcome = OutcomeNoOp
		return nil
	}

	if _, err := p.deps.Notifier.SendText(ctx, link.UserID, StageChangedMessage(res.DealID, res.Stage)); err != nil {
		return fmt.Errorf("%w: stage notification: %v", ErrUpstream, err)
	}
	res.Outcome = OutcomeSuccess

	switch res.Stage {
	case p.cfg.InvoiceStage:
		res.Kind = docstore.KindInvoice
	case p.cfg.WarehouseStage:
		res.Kind = docstore.KindPhotos
	default:
		return nil
	}
	if !p.awaitArtifact(ctx, res.DealID, res.Kind) {
		res.Artifact = ArtifactNotYetAvailable
		return nil
	}
	if err := p.sendArtifact(ctx, link.UserID, res.DealID, res.Kind); err != nil {
		obs.Error("dispatch_artifact_failed", map[string]any{
			"delivery_id": res.DeliveryID, "deal_id": res.DealID, "kind": string(res.Kind), "error": err,
		})
		res.Artifact = ArtifactSendFailed
		return nil
	}
	res.Artifact = ArtifactSent
	return nil
}

// HandleArtifactUploaded sends a just-uploaded artifact to the deal's customer followed by a
// confirmation. It neither reads nor updates the stage cache. Photo uploads are ignored unless
// the deal sits in the warehouse stage; invoice uploads have no stage guard.
func (p *Pipeline) HandleArtifactUploaded(ctx context.Context, dealID string, kind docstore.Kind) (Result, error) {
	res := Result{DeliveryID: ids.New(), Trigger: TriggerUpload, DealID: strings.TrimSpace(dealID), Kind: kind}
	ctx, span := obs.Tracer().Start(ctx, "dispatch.artifact_uploaded",
		trace.WithAttributes(
			attribute.String("deal.id", res.DealID),
			attribute.String("artifact.kind", string(kind)),
			attribute.String("delivery.id", res.DeliveryID)))
	defer span.End()

	err := p.handleArtifactUploaded(ctx, &res)
	p.finish(span, res, err)
	return res, err
}

func (p *Pipeline) handleArtifactUploaded(ctx context.Context, res *Result) error {
	if res.Kind != docstore.KindInvoice && res.Kind != docstore.KindPhotos {
		return fmt.Errorf("%w: unknown artifact kind %q", ErrInvalidInput, res.Kind)
	}
	deal, link, err := p.resolve(ctx, res)
	if err != nil || deal == nil {
		return err
	}
	if res.Kind == docstore.KindPhotos && deal.Stage != p.cfg.WarehouseStage {
		res.Outcome = OutcomeNotInStage
		return nil
	}
	if link == nil {
		return nil
	}

	if !p.deps.Artifacts.Available(res.DealID, res.Kind) {
		res.Outcome = OutcomeArtifactFailed
		res.Artifact = ArtifactNotYetAvailable
		return nil
	}
	if err := p.sendArtifact(ctx, link.UserID, res.DealID, res.Kind); err != nil {
		obs.Error("dispatch_artifact_failed", map[string]any{
			"delivery_id": res.DeliveryID, "deal_id": res.DealID, "kind": string(res.Kind), "error": err,
		})
		res.Outcome = OutcomeArtifactFailed
		res.Artifact = ArtifactSendFailed
		return nil
	}
	res.Artifact = ArtifactSent
	res.Outcome = OutcomeSuccess
	if _, err := p.deps.Notifier.SendText(ctx, link.UserID, UploadConfirmation(res.Kind, res.DealID)); err != nil {
		obs.Warn("dispatch_confirmation_failed", map[string]any{"delivery_id": res.DeliveryID, "deal_id": res.DealID, "error": err})
	}
	return nil
}

// resolve runs the shared steps: fetch the deal, require stage and contact, find the recipient.
// A nil deal or link with a nil error means res.Outcome already carries the terminal outcome.
func (p *Pipeline) resolve(ctx context.Context, res *Result) (*crm.Deal, *identity.Link, error) {
	if res.DealID == "" {
		return nil, nil, fmt.Errorf("%w: deal id is required", ErrInvalidInput)
	}
	deal, err := p.deps.CRM.Deal(ctx, res.DealID)
	if err != nil {
		if errors.Is(err, crm.ErrInvalidInput) {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		return nil, nil, fmt.Errorf("%w: fetch deal: %v", ErrUpstream, err)
	}
	if deal == nil {
		res.Outcome = OutcomeDealNotFound
		return nil, nil, nil
	}
	res.Stage = deal.Stage
	res.ContactID = deal.ContactID
	if deal.Stage == "" || deal.ContactID == "" {
		res.Outcome = OutcomeIncompleteDeal
		return nil, nil, nil
	}

	link, err := p.deps.Identities.FindByContact(ctx, deal.ContactID)
	if errors.Is(err, identity.ErrNotFound) {
		res.Outcome = OutcomeRecipientUnresolved
		return deal, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: resolve recipient: %v", ErrUpstream, err)
	}
	res.RecipientID = link.UserID
	return deal, &link, nil
}

// awaitArtifact reports whether the artifact exists now or appears within the grace period.
func (p *Pipeline) awaitArtifact(ctx context.Context, dealID string, kind docstore.Kind) bool {
	if p.deps.Artifacts.Available(dealID, kind) {
		return true
	}
	if p.cfg.Grace <= 0 {
		return false
	}
	waitCtx, cancel := context.WithTimeout(ctx, p.cfg.Grace)
	defer cancel()
	events := p.deps.Events.Subscribe(waitCtx)

	// Re-check after subscribing so an upload between the first check and Subscribe is not lost.
	if p.deps.Artifacts.Available(dealID, kind) {
		return true
	}
	for evt := range events {
		if evt.Type == stream.TypeArtifactStored && evt.DealID == dealID && evt.Kind == string(kind) {
			return true
		}
	}
	return p.deps.Artifacts.Available(dealID, kind)
}

func (p *Pipeline) sendArtifact(ctx context.Context, chatID int64, dealID string, kind docstore.Kind) error {
	caption := ArtifactCaption(kind, dealID)
	if kind == docstore.KindPhotos {
		paths, err := p.deps.Artifacts.Photos(dealID)
		if err != nil {
			return err
		}
		if len(paths) == 0 {
			return docstore.ErrNotFound
		}
		return p.deps.Notifier.SendPhotoGroup(ctx, chatID, paths, caption)
	}
	path, err := p.deps.Artifacts.InvoicePath(dealID)
	if err != nil {
		return err
	}
	return p.deps.Notifier.SendDocument(ctx, chatID, path, caption)
}

func (p *Pipeline) finish(span trace.Span, res Result, err error) {
	outcome := string(res.Outcome)
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("dispatch.outcome", outcome), attribute.String("deal.stage", res.Stage))
	obs.ObserveDispatch(string(res.Trigger), outcome)
	if res.Kind != "" && res.Artifact != ArtifactNone {
		obs.ObserveArtifact(string(res.Kind), string(res.Artifact))
	}

	fields := map[string]any{
		"delivery_id": res.DeliveryID,
		"trigger":     string(res.Trigger),
		"deal_id":     res.DealID,
		"stage":       res.Stage,
		"outcome":     outcome,
	}
	if res.Transition.Kind != stage.Unchanged {
		fields["transition"] = res.Transition.Kind.String()
		fields["from"] = res.Transition.From
	}
	if res.Artifact != ArtifactNone {
		fields["artifact"] = string(res.Artifact)
	}
	if err != nil {
		fields["error"] = err
		obs.Error("dispatch_failed", fields)
	} else {
		obs.Info("dispatch_complete", fields)
	}

	p.deps.Events.Publish(stream.Event{
		Type:       stream.TypeDispatch,
		DealID:     res.DealID,
		Kind:       string(res.Kind),
		Trigger:    string(res.Trigger),
		Outcome:    outcome,
		Stage:      res.Stage,
		DeliveryID: res.DeliveryID,
	})
}
