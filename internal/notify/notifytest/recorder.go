// Package notifytest provides an in-memory notify.Messenger for tests.
package notifytest

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/sunway24/dealbridge/internal/notify"
)

// Call records one outbound operation.
type Call struct {
	Method    string
	ChatID    int64
	MessageID int
	Message   notify.Message
	Path      string
	Paths     []string
	Caption   string

	// CallbackID and Alert are set for AnswerCallback.
	CallbackID string
	Alert      bool
}

// Recorder implements notify.Messenger and notify.Fetcher. Fail, when set, is consulted
// before each call and its error returned instead of recording success.
type Recorder struct {
	mu     sync.Mutex
	calls  []Call
	nextID int

	Fail  func(method string, chatID int64) error
	Files map[string]string
}

// New returns an empty recorder.
func New() *Recorder { return &Recorder{nextID: 100} }

func (r *Recorder) record(c Call) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		if err := r.Fail(c.Method, c.ChatID); err != nil {
			return 0, err
		}
	}
	r.nextID++
	if c.MessageID == 0 {
		c.MessageID = r.nextID
	}
	r.calls = append(r.calls, c)
	return c.MessageID, nil
}

func (r *Recorder) SendText(ctx context.Context, chatID int64, msg notify.Message) (int, error) {
	return r.record(Call{Method: "SendText", ChatID: chatID, Message: msg})
}

func (r *Recorder) SendDocument(ctx context.Context, chatID int64, path, caption string) error {
	_, err := r.record(Call{Method: "SendDocument", ChatID: chatID, Path: path, Caption: caption})
	return err
}

func (r *Recorder) SendPhotoGroup(ctx context.Context, chatID int64, paths []string, caption string) error {
	cp := append([]string(nil), paths...)
	_, err := r.record(Call{Method: "SendPhotoGroup", ChatID: chatID, Paths: cp, Caption: caption})
	return err
}

func (r *Recorder) EditText(ctx context.Context, chatID int64, messageID int, msg notify.Message) error {
	_, err := r.record(Call{Method: "EditText", ChatID: chatID, MessageID: messageID, Message: msg})
	return err
}

func (r *Recorder) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	_, err := r.record(Call{Method: "DeleteMessage", ChatID: chatID, MessageID: messageID})
	return err
}

func (r *Recorder) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	_, err := r.record(Call{Method: "AnswerCallback", CallbackID: callbackID, Caption: text, Alert: alert})
	return err
}

// FetchFile returns the content registered in Files for fileID.
func (r *Recorder) FetchFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		if err := r.Fail("FetchFile", 0); err != nil {
			return nil, err
		}
	}
	content, ok := r.Files[fileID]
	if !ok {
		return nil, notify.ErrUpstream
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

// Calls returns a copy of recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Call, len(r.calls))
	copy(out, r.calls)
	return out
}

// Methods lists recorded method names in order, optionally filtered by chat.
func (r *Recorder) Methods(chatID int64) []string {
	var out []string
	for _, c := range r.Calls() {
		if chatID == 0 || c.ChatID == chatID {
			out = append(out, c.Method)
		}
	}
	return out
}

// Last returns the most recent call for chatID with the given method.
func (r *Recorder) Last(chatID int64, method string) (Call, bool) {
	calls := r.Calls()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].ChatID == chatID && calls[i].Method == method {
			return calls[i], true
		}
	}
	return Call{}, false
}

// Reset clears recorded calls.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
