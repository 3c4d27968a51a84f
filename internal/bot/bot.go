// Package bot turns Telegram updates into console and portal inputs.
package bot

import (
	"context"
	"errors"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/sunway24/dealbridge/internal/auth"
	"github.com/sunway24/dealbridge/internal/console"
	"github.com/sunway24/dealbridge/internal/notify"
	"github.com/sunway24/dealbridge/internal/obs"
	"github.com/sunway24/dealbridge/internal/portal"
)

const (
	failureText    = "❌ Произошла ошибка, попробуйте позже"
	foreignContact = "⚠️ Отправьте свой номер с помощью кнопки ниже"
)

// PollTimeout is the getUpdates long-poll window.
const PollTimeout = 30 * time.Second

// Console is the staff upload workflow.
type Console interface {
	Handle(ctx context.Context, staffID, chatID int64, in console.Input) (console.Reply, error)
	Active(staffID int64) bool
	Close(ctx context.Context, staffID int64)
}

// Portal is the customer self-service.
type Portal interface {
	Handle(ctx context.Context, userID, chatID int64, messageID int, in portal.Input) (portal.Reply, error)
}

// Router dispatches one update to the console or the portal and delivers their notices.
type Router struct {
	console Console
	portal  Portal
	out     notify.Messenger
}

// NewRouter wires a router.
func NewRouter(c Console, p Portal, out notify.Messenger) *Router {
	return &Router{console: c, portal: p, out: out}
}

// notice is the common shape of console and portal replies.
type notice struct {
	text  string
	alert bool
}

// Route handles one update. Staff with an open console session and admin commands or
// buttons go to the console; everything else goes to the portal.
func (r *Router) Route(ctx context.Context, u tgbotapi.Update) error {
	switch {
	case u.CallbackQuery != nil:
		return r.routeCallback(ctx, u.CallbackQuery)
	case u.Message != nil && u.Message.From != nil && u.Message.Chat != nil:
		return r.routeMessage(ctx, u.Message)
	}
	return nil
}

func (r *Router) routeCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) error {
	if cb.From == nil {
		return nil
	}
	userID := cb.From.ID
	chatID, messageID := userID, 0
	if cb.Message != nil && cb.Message.Chat != nil {
		chatID, messageID = cb.Message.Chat.ID, cb.Message.MessageID
	}

	var (
		n   notice
		err error
	)
	if in, ok := console.ParseCallback(cb.Data); ok {
		n, err = r.toConsole(ctx, userID, chatID, in)
	} else if in, ok := portal.ParseCallback(cb.Data); ok {
		n, err = r.toPortal(ctx, userID, chatID, messageID, in)
	} else {
		obs.Debug("bot_unknown_callback", map[string]any{"user_id": userID, "data": cb.Data})
	}
	if err != nil && !errors.Is(err, auth.ErrUnauthorized) {
		n = notice{text: failureText, alert: true}
	}
	if aerr := r.out.AnswerCallback(ctx, cb.ID, n.text, n.alert); aerr != nil {
		obs.Debug("bot_answer_failed", map[string]any{"user_id": userID, "error": aerr})
	}
	return err
}

func (r *Router) routeMessage(ctx context.Context, m *tgbotapi.Message) error {
	userID, chatID := m.From.ID, m.Chat.ID
	active := r.console.Active(userID)

	var (
		n   notice
		err error
	)
	switch {
	case m.IsCommand():
		n, err = r.routeCommand(ctx, m, active)
	case m.Contact != nil:
		if m.Contact.UserID != userID {
			n = notice{text: foreignContact}
			break
		}
		n, err = r.toPortal(ctx, userID, chatID, 0, portal.SharedContact{Phone: m.Contact.PhoneNumber})
	case !active:
		return nil
	case m.Document != nil:
		n, err = r.toConsole(ctx, userID, chatID, console.InvoiceFile{FileID: m.Document.FileID, MessageID: m.MessageID})
	case len(m.Photo) > 0:
		largest := m.Photo[len(m.Photo)-1]
		n, err = r.toConsole(ctx, userID, chatID, console.Photo{FileID: largest.FileID, MessageID: m.MessageID})
	case m.Text != "":
		n, err = r.toConsole(ctx, userID, chatID, console.Text{Text: m.Text, MessageID: m.MessageID})
	default:
		n = notice{text: console.UnexpectedText}
	}
	if err != nil && !errors.Is(err, auth.ErrUnauthorized) {
		n = notice{text: failureText}
	}
	if n.text != "" {
		if _, serr := r.out.SendText(ctx, chatID, notify.Text(n.text)); serr != nil {
			obs.Debug("bot_notice_failed", map[string]any{"user_id": userID, "error": serr})
		}
	}
	return err
}

func (r *Router) routeCommand(ctx context.Context, m *tgbotapi.Message, active bool) (notice, error) {
	userID, chatID := m.From.ID, m.Chat.ID
	switch m.Command() {
	case "start":
		r.console.Close(ctx, userID)
		return r.toPortal(ctx, userID, chatID, 0, portal.Start{})
	case "admin":
		return r.toConsole(ctx, userID, chatID, console.Enter{})
	case "done":
		if active {
			return r.toConsole(ctx, userID, chatID, console.PhotosDone{MessageID: m.MessageID})
		}
	case "exit":
		if active {
			return r.toConsole(ctx, userID, chatID, console.Exit{Command: true})
		}
	}
	return notice{}, nil
}

func (r *Router) toConsole(ctx context.Context, userID, chatID int64, in console.Input) (notice, error) {
	reply, err := r.console.Handle(ctx, userID, chatID, in)
	return notice{text: reply.Notice, alert: reply.Alert}, err
}

func (r *Router) toPortal(ctx context.Context, userID, chatID int64, messageID int, in portal.Input) (notice, error) {
	reply, err := r.portal.Handle(ctx, userID, chatID, messageID, in)
	return notice{text: reply.Notice, alert: reply.Alert}, err
}

// Updates is the long-polling source of a bot client.
type Updates interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Run polls updates until ctx is done. Updates from one user are routed in arrival
// order on that user's lane; different users run concurrently. Run returns after
// queued updates finish.
func Run(ctx context.Context, api Updates, r *Router) error {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = int(PollTimeout / time.Second)
	updates := api.GetUpdatesChan(cfg)

	l := &lanes{queues: make(map[int64][]tgbotapi.Update)}
	defer l.wg.Wait()
	handle := func(u tgbotapi.Update) {
		defer func() {
			if rec := recover(); rec != nil {
				obs.Error("bot_update_panic", map[string]any{"update_id": u.UpdateID, "panic": rec})
			}
		}()
		if err := r.Route(ctx, u); err != nil && !errors.Is(err, auth.ErrUnauthorized) {
			obs.Error("bot_update_failed", map[string]any{"update_id": u.UpdateID, "error": err})
		}
	}
	for {
		select {
		case <-ctx.Done():
			api.StopReceivingUpdates()
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			var key int64
			if from := u.SentFrom(); from != nil {
				key = from.ID
			}
			l.push(key, u, handle)
		}
	}
}

// lanes keeps one FIFO per user with at most one goroutine draining it.
type lanes struct {
	mu     sync.Mutex
	queues map[int64][]tgbotapi.Update
	wg     sync.WaitGroup
}

func (l *lanes) push(key int64, u tgbotapi.Update, handle func(tgbotapi.Update)) {
	l.mu.Lock()
	q, running := l.queues[key]
	l.queues[key] = append(q, u)
	l.mu.Unlock()
	if running {
		return
	}
	l.wg.Add(1)
	go l.drain(key, handle)
}

// drain handles queued updates until the lane is empty. The map entry stays while an
// update is in flight so push does not start a second drainer.
func (l *lanes) drain(key int64, handle func(tgbotapi.Update)) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		q := l.queues[key]
		if len(q) == 0 {
			delete(l.queues, key)
			l.mu.Unlock()
			return
		}
		u := q[0]
		l.queues[key] = q[1:]
		l.mu.Unlock()
		handle(u)
	}
}
