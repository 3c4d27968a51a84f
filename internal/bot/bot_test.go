package bot

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunway24/dealbridge/internal/auth"
	"github.com/sunway24/dealbridge/internal/console"
	"github.com/sunway24/dealbridge/internal/notify/notifytest"
	"github.com/sunway24/dealbridge/internal/portal"
)

type consoleStub struct {
	active bool
	inputs []console.Input
	closed []int64
	reply  console.Reply
	err    error
}

func (c *consoleStub) Handle(ctx context.Context, staffID, chatID int64, in console.Input) (console.Reply, error) {
	c.inputs = append(c.inputs, in)
	return c.reply, c.err
}

func (c *consoleStub) Active(staffID int64) bool { return c.active }

func (c *consoleStub) Close(ctx context.Context, staffID int64) { c.closed = append(c.closed, staffID) }

type portalStub struct {
	inputs   []portal.Input
	messages []int
	reply    portal.Reply
	err      error
}

func (p *portalStub) Handle(ctx context.Context, userID, chatID int64, messageID int, in portal.Input) (portal.Reply, error) {
	p.inputs = append(p.inputs, in)
	p.messages = append(p.messages, messageID)
	return p.reply, p.err
}

const user = int64(700)

func command(text string) *tgbotapi.Message {
	return &tgbotapi.Message{
		MessageID: 55,
		From:      &tgbotapi.User{ID: user},
		Chat:      &tgbotapi.Chat{ID: user},
		Text:      text,
		Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}
}

func message(mutate func(m *tgbotapi.Message)) *tgbotapi.Message {
	m := &tgbotapi.Message{MessageID: 56, From: &tgbotapi.User{ID: user}, Chat: &tgbotapi.Chat{ID: user}}
	mutate(m)
	return m
}

func callback(data string) *tgbotapi.CallbackQuery {
	return &tgbotapi.CallbackQuery{
		ID:      "cb-1",
		From:    &tgbotapi.User{ID: user},
		Message: &tgbotapi.Message{MessageID: 77, Chat: &tgbotapi.Chat{ID: user}},
		Data:    data,
	}
}

func newRouter() (*Router, *consoleStub, *portalStub, *notifytest.Recorder) {
	c, p, rec := &consoleStub{}, &portalStub{}, notifytest.New()
	return NewRouter(c, p, rec), c, p, rec
}

func TestCommandsRouting(t *testing.T) {
	r, c, p, _ := newRouter()
	ctx := context.Background()

	require.NoError(t, r.Route(ctx, tgbotapi.Update{Message: command("/start")}))
	assert.Equal(t, []portal.Input{portal.Start{}}, p.inputs)
	assert.Equal(t, []int64{user}, c.closed)

	require.NoError(t, r.Route(ctx, tgbotapi.Update{Message: command("/admin")}))
	assert.Equal(t, []console.Input{console.Enter{}}, c.inputs)

	require.NoError(t, r.Route(ctx, tgbotapi.Update{Message: command("/done")}))
	require.NoError(t, r.Route(ctx, tgbotapi.Update{Message: command("/exit")}))
	assert.Len(t, c.inputs, 1, "done and exit need an open session")

	c.active = true
	require.NoError(t, r.Route(ctx, tgbotapi.Update{Message: command("/done")}))
	require.NoError(t, r.Route(ctx, tgbotapi.Update{Message: command("/exit")}))
	assert.Equal(t, []console.Input{
		console.Enter{},
		console.PhotosDone{MessageID: 55},
		console.Exit{Command: true},
	}, c.inputs)
}

func TestActiveStaffMessagesGoToConsole(t *testing.T) {
	r, c, p, _ := newRouter()
	c.active = true
	ctx := context.Background()

	require.NoError(t, r.Route(ctx, tgbotapi.Update{Message: message(func(m *tgbotapi.Message) { m.Text = "79001234567" })}))
	require.NoError(t, r.Route(ctx, tgbotapi.Update{Message: message(func(m *tgbotapi.Message) {
		m.Document = &tgbotapi.Document{FileID: "doc-1"}
	})}))
	require.NoError(t, r.Route(ctx, tgbotapi.Update{Message: message(func(m *tgbotapi.Message) {
		m.Photo = []tgbotapi.PhotoSize{{FileID: "small", Width: 90}, {FileID: "large", Width: 1280}}
	})}))

	assert.Equal(t, []console.Input{
		console.Text{Text: "79001234567", MessageID: 56},
		console.InvoiceFile{FileID: "doc-1", MessageID: 56},
		console.Photo{FileID: "large", MessageID: 56},
	}, c.inputs)
	assert.Empty(t, p.inputs)
}

func TestInactiveUserTextIsIgnored(t *testing.T) {
	r, c, p, rec := newRouter()

	require.NoError(t, r.Route(context.Background(), tgbotapi.Update{Message: message(func(m *tgbotapi.Message) { m.Text = "hello" })}))

	assert.Empty(t, c.inputs)
	assert.Empty(t, p.inputs)
	assert.Empty(t, rec.Calls())
}

func TestSharedContactGoesToPortal(t *testing.T) {
	r, _, p, rec := newRouter()
	ctx := context.Background()

	require.NoError(t, r.Route(ctx, tgbotapi.Update{Message: message(func(m *tgbotapi.Message) {
		m.Contact = &tgbotapi.Contact{PhoneNumber: "+79001234567", UserID: user}
	})}))
	assert.Equal(t, []portal.Input{portal.SharedContact{Phone: "+79001234567"}}, p.inputs)

	require.NoError(t, r.Route(ctx, tgbotapi.Update{Message: message(func(m *tgbotapi.Message) {
		m.Contact = &tgbotapi.Contact{PhoneNumber: "+79990000000", UserID: 999}
	})}))
	assert.Len(t, p.inputs, 1)
	sent, ok := rec.Last(user, "SendText")
	require.True(t, ok)
	assert.Equal(t, foreignContact, sent.Message.Text)
}

func TestCallbacksAreAnswered(t *testing.T) {
	r, c, p, rec := newRouter()
	ctx := context.Background()
	c.reply = console.Reply{Notice: console.UnexpectedText}
	p.reply = portal.Reply{Notice: "✅ Накладная отправлена"}

	require.NoError(t, r.Route(ctx, tgbotapi.Update{CallbackQuery: callback("admin_deal_501")}))
	require.NoError(t, r.Route(ctx, tgbotapi.Update{CallbackQuery: callback("invoice_501")}))
	require.NoError(t, r.Route(ctx, tgbotapi.Update{CallbackQuery: callback("nonsense")}))

	assert.Equal(t, []console.Input{console.SelectDeal{DealID: "501"}}, c.inputs)
	assert.Equal(t, []portal.Input{portal.DownloadInvoice{DealID: "501"}}, p.inputs)
	assert.Equal(t, []int{77}, p.messages)

	var answers []string
	for _, call := range rec.Calls() {
		require.Equal(t, "AnswerCallback", call.Method)
		assert.Equal(t, "cb-1", call.CallbackID)
		answers = append(answers, call.Caption)
	}
	assert.Equal(t, []string{console.UnexpectedText, "✅ Накладная отправлена", ""}, answers)
}

func TestDenialIsDeliveredWithoutError(t *testing.T) {
	r, c, _, rec := newRouter()
	c.reply = console.Reply{Notice: console.DenialText, Alert: true}
	c.err = auth.ErrUnauthorized

	err := r.Route(context.Background(), tgbotapi.Update{Message: command("/admin")})

	require.ErrorIs(t, err, auth.ErrUnauthorized)
	sent, ok := rec.Last(user, "SendText")
	require.True(t, ok)
	assert.Equal(t, console.DenialText, sent.Message.Text)
}

func TestFailuresShowGenericNotice(t *testing.T) {
	r, _, p, rec := newRouter()
	p.err = errors.New("crm down")

	err := r.Route(context.Background(), tgbotapi.Update{CallbackQuery: callback("current_orders")})

	require.Error(t, err)
	answer, ok := rec.Last(0, "AnswerCallback")
	require.True(t, ok)
	assert.Equal(t, failureText, answer.Caption)
	assert.True(t, answer.Alert)
}

type updatesStub struct {
	ch      chan tgbotapi.Update
	stopped chan struct{}
}

func (u *updatesStub) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return u.ch
}

func (u *updatesStub) StopReceivingUpdates() {
	close(u.stopped)
}

type chanPortal chan portal.Input

func (c chanPortal) Handle(ctx context.Context, userID, chatID int64, messageID int, in portal.Input) (portal.Reply, error) {
	c <- in
	return portal.Reply{}, nil
}

func TestRunRoutesUntilCancelled(t *testing.T) {
	seen := make(chanPortal, 1)
	r := NewRouter(&consoleStub{}, seen, notifytest.New())
	src := &updatesStub{ch: make(chan tgbotapi.Update, 1), stopped: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- Run(ctx, src, r) }()

	src.ch <- tgbotapi.Update{UpdateID: 1, Message: command("/start")}
	select {
	case in := <-seen:
		assert.Equal(t, portal.Start{}, in)
	case <-time.After(time.Second):
		t.Fatal("update was not routed")
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
	<-src.stopped
}

type chanConsole struct {
	seen chan console.Input
	slow time.Duration
}

func (c *chanConsole) Handle(ctx context.Context, staffID, chatID int64, in console.Input) (console.Reply, error) {
	if p, ok := in.(console.Photo); ok && p.FileID == "photo-0" {
		time.Sleep(c.slow)
	}
	c.seen <- in
	return console.Reply{}, nil
}

func (c *chanConsole) Active(staffID int64) bool { return true }

func (c *chanConsole) Close(ctx context.Context, staffID int64) {}

func TestRunKeepsPerUserOrder(t *testing.T) {
	const n = 20
	c := &chanConsole{seen: make(chan console.Input, n), slow: 50 * time.Millisecond}
	r := NewRouter(c, &portalStub{}, notifytest.New())
	src := &updatesStub{ch: make(chan tgbotapi.Update, n), stopped: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Run(ctx, src, r) }()

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("photo-%d", i)
		src.ch <- tgbotapi.Update{UpdateID: i + 1, Message: message(func(m *tgbotapi.Message) {
			m.Photo = []tgbotapi.PhotoSize{{FileID: id, Width: 1280}}
		})}
	}
	for i := 0; i < n; i++ {
		select {
		case in := <-c.seen:
			assert.Equal(t, console.Photo{FileID: fmt.Sprintf("photo-%d", i), MessageID: 56}, in)
		case <-time.After(2 * time.Second):
			t.Fatalf("update %d was not routed", i)
		}
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
