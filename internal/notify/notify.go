// Package notify is the outbound messaging-channel capability.
package notify

import (
	"context"
	"errors"
	"io"
)

// MaxGroupSize is the largest photo group the channel accepts in one call.
const MaxGroupSize = 10

var (
	ErrUpstream     = errors.New("notify: upstream failure")
	ErrInvalidInput = errors.New("notify: invalid input")
)

// Button is an inline keyboard button. Exactly one of Data or URL is set.
type Button struct {
	Text string
	Data string
	URL  string
}

// Message is a text message with optional keyboards. Text is HTML.
type Message struct {
	Text    string
	Buttons [][]Button
	// RequestContact, when set, shows a one-time reply keyboard with a share-contact button.
	RequestContact string
	RemoveKeyboard bool
}

// Text builds a plain message.
func Text(s string) Message { return Message{Text: s} }

// Row is shorthand for one keyboard row.
func Row(buttons ...Button) []Button { return buttons }

// DataButton builds a callback button.
func DataButton(text, data string) Button { return Button{Text: text, Data: data} }

// URLButton builds a link button.
func URLButton(text, url string) Button { return Button{Text: text, URL: url} }

// Notifier sends messages and artifacts to a chat.
type Notifier interface {
	SendText(ctx context.Context, chatID int64, msg Message) (messageID int, err error)
	SendDocument(ctx context.Context, chatID int64, path, caption string) error
	// SendPhotoGroup sends photos in groups of at most MaxGroupSize; caption goes on the first photo only.
	SendPhotoGroup(ctx context.Context, chatID int64, paths []string, caption string) error
}

// Messenger adds the interactive operations the console and portal need.
type Messenger interface {
	Notifier
	EditText(ctx context.Context, chatID int64, messageID int, msg Message) error
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error
}

// Fetcher downloads a file previously sent to the bot.
type Fetcher interface {
	FetchFile(ctx context.Context, fileID string) (io.ReadCloser, error)
}

// Chunk splits paths into consecutive groups of at most size.
func Chunk(paths []string, size int) [][]string {
	if size <= 0 {
		size = MaxGroupSize
	}
	var out [][]string
	for start := 0; start < len(paths); start += size {
		end := start + size
		if end > len(paths) {
			end = len(paths)
		}
		out = append(out, paths[start:end])
	}
	return out
}
