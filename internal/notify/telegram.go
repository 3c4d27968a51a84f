package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"

	"github.com/sunway24/dealbridge/internal/obs"
)

// Telegram implements Messenger and Fetcher over the Bot API.
type Telegram struct {
	api      *tgbotapi.BotAPI
	http     *http.Client
	limiter  *rate.Limiter
	token    string
	endpoint string
}

// NewTelegram connects to the Bot API. timeout bounds every outbound call; perSecond caps
// outbound calls and zero disables the cap.
func NewTelegram(token string, timeout time.Duration, perSecond float64) (*Telegram, error) {
	return NewTelegramWithEndpoint(token, tgbotapi.APIEndpoint, &http.Client{Timeout: timeout}, perSecond)
}

// NewTelegramWithEndpoint is NewTelegram against a custom endpoint format ("…/bot%s/%s").
func NewTelegramWithEndpoint(token, endpoint string, hc *http.Client, perSecond float64) (*Telegram, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: telegram token is empty", ErrInvalidInput)
	}
	api, err := tgbotapi.NewBotAPIWithClient(token, endpoint, hc)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", ErrUpstream, err)
	}
	limit := rate.Inf
	burst := 1
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
		burst = int(perSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Telegram{
		api:      api,
		http:     hc,
		limiter:  rate.NewLimiter(limit, burst),
		token:    token,
		endpoint: endpoint,
	}, nil
}

// API exposes the bot client used for sends.
func (t *Telegram) API() *tgbotapi.BotAPI { return t.api }

// Poller connects a second bot client for getUpdates whose HTTP timeout also covers
// pollWindow. Sends stay on the short timeout.
func (t *Telegram) Poller(pollWindow time.Duration) (*tgbotapi.BotAPI, error) {
	hc := &http.Client{Timeout: t.http.Timeout + pollWindow, Transport: t.http.Transport}
	api, err := tgbotapi.NewBotAPIWithClient(t.token, t.endpoint, hc)
	if err != nil {
		return nil, fmt.Errorf("%w: connect poller: %v", ErrUpstream, err)
	}
	return api, nil
}

func (t *Telegram) wait(ctx context.Context) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return nil
}

func (t *Telegram) send(ctx context.Context, method string, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if err := t.wait(ctx); err != nil {
		return tgbotapi.Message{}, err
	}
	msg, err := t.api.Send(c)
	obs.ObserveNotifier(method, err)
	if err != nil {
		return tgbotapi.Message{}, fmt.Errorf("%w: %s: %v", ErrUpstream, method, err)
	}
	return msg, nil
}

func (t *Telegram) request(ctx context.Context, method string, c tgbotapi.Chattable) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	_, err := t.api.Request(c)
	obs.ObserveNotifier(method, err)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUpstream, method, err)
	}
	return nil
}

func (t *Telegram) SendText(ctx context.Context, chatID int64, m Message) (int, error) {
	cfg := tgbotapi.NewMessage(chatID, m.Text)
	cfg.ParseMode = tgbotapi.ModeHTML
	switch {
	case m.RequestContact != "":
		kb := tgbotapi.NewReplyKeyboard(tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButtonContact(m.RequestContact)))
		kb.OneTimeKeyboard = true
		kb.ResizeKeyboard = true
		cfg.ReplyMarkup = kb
	case len(m.Buttons) > 0:
		cfg.ReplyMarkup = inlineKeyboard(m.Buttons)
	case m.RemoveKeyboard:
		cfg.ReplyMarkup = tgbotapi.NewRemoveKeyboard(true)
	}
	sent, err := t.send(ctx, "sendMessage", cfg)
	if err != nil {
		return 0, err
	}
	return sent.MessageID, nil
}

func (t *Telegram) SendDocument(ctx context.Context, chatID int64, path, caption string) error {
	cfg := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	cfg.Caption = caption
	cfg.ParseMode = tgbotapi.ModeHTML
	_, err := t.send(ctx, "sendDocument", cfg)
	return err
}

func (t *Telegram) SendPhotoGroup(ctx context.Context, chatID int64, paths []string, caption string) error {
	if len(paths) == 0 {
		return fmt.Errorf("%w: empty photo group", ErrInvalidInput)
	}
	for i, chunk := range Chunk(paths, MaxGroupSize) {
		c := ""
		if i == 0 {
			c = caption
		}
		if len(chunk) == 1 {
			cfg := tgbotapi.NewPhoto(chatID, tgbotapi.FilePath(chunk[0]))
			cfg.Caption = c
			cfg.ParseMode = tgbotapi.ModeHTML
			if _, err := t.send(ctx, "sendPhoto", cfg); err != nil {
				return err
			}
			continue
		}
		media := make([]interface{}, 0, len(chunk))
		for j, p := range chunk {
			photo := tgbotapi.NewInputMediaPhoto(tgbotapi.FilePath(p))
			if j == 0 && c != "" {
				photo.Caption = c
				photo.ParseMode = tgbotapi.ModeHTML
			}
			media = append(media, photo)
		}
		if err := t.wait(ctx); err != nil {
			return err
		}
		_, err := t.api.SendMediaGroup(tgbotapi.NewMediaGroup(chatID, media))
		obs.ObserveNotifier("sendMediaGroup", err)
		if err != nil {
			return fmt.Errorf("%w: sendMediaGroup: %v", ErrUpstream, err)
		}
	}
	return nil
}

func (t *Telegram) EditText(ctx context.Context, chatID int64, messageID int, m Message) error {
	cfg := tgbotapi.NewEditMessageText(chatID, messageID, m.Text)
	cfg.ParseMode = tgbotapi.ModeHTML
	if len(m.Buttons) > 0 {
		kb := inlineKeyboard(m.Buttons)
		cfg.ReplyMarkup = &kb
	}
	return t.request(ctx, "editMessageText", cfg)
}

func (t *Telegram) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	return t.request(ctx, "deleteMessage", tgbotapi.NewDeleteMessage(chatID, messageID))
}

func (t *Telegram) AnswerCallback(ctx context.Context, callbackID, text string, alert bool) error {
	cfg := tgbotapi.NewCallback(callbackID, text)
	if alert {
		cfg = tgbotapi.NewCallbackWithAlert(callbackID, text)
	}
	return t.request(ctx, "answerCallbackQuery", cfg)
}

// FetchFile downloads a file by id through its direct URL.
func (t *Telegram) FetchFile(ctx context.Context, fileID string) (io.ReadCloser, error) {
	if fileID == "" {
		return nil, fmt.Errorf("%w: empty file id", ErrInvalidInput)
	}
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	url, err := t.api.GetFileDirectURL(fileID)
	obs.ObserveNotifier("getFile", err)
	if err != nil {
		return nil, fmt.Errorf("%w: getFile: %v", ErrUpstream, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := t.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download: %v", ErrUpstream, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: download: status %d", ErrUpstream, resp.StatusCode)
	}
	return resp.Body, nil
}

func inlineKeyboard(rows [][]Button) tgbotapi.InlineKeyboardMarkup {
	out := make([][]tgbotapi.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		buttons := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			if b.URL != "" {
				buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.URL))
				continue
			}
			buttons = append(buttons, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data))
		}
		out = append(out, tgbotapi.NewInlineKeyboardRow(buttons...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(out...)
}
