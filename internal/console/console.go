// Package console is the staff document-upload workflow: find a client by phone,
// pick one of their active deals, attach an invoice or photos and notify the customer.
// It is transport-agnostic; the bot turns updates into Inputs and delivers Reply notices.
package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/sunway24/dealbridge/internal/audit"
	"github.com/sunway24/dealbridge/internal/auth"
	"github.com/sunway24/dealbridge/internal/crm"
	"github.com/sunway24/dealbridge/internal/dispatch"
	"github.com/sunway24/dealbridge/internal/docstore"
	"github.com/sunway24/dealbridge/internal/ids"
	"github.com/sunway24/dealbridge/internal/keylock"
	"github.com/sunway24/dealbridge/internal/notify"
	"github.com/sunway24/dealbridge/internal/obs"
)

var ErrInvalidInput = errors.New("console: invalid input")

// State is the position of a session in the upload workflow.
type State int

const (
	Idle State = iota
	AwaitingPhone
	AwaitingDealSelection
	AwaitingDocumentType
	AwaitingInvoiceFile
	AwaitingPhotos
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingPhone:
		return "awaiting_phone"
	case AwaitingDealSelection:
		return "awaiting_deal_selection"
	case AwaitingDocumentType:
		return "awaiting_document_type"
	case AwaitingInvoiceFile:
		return "awaiting_invoice_file"
	case AwaitingPhotos:
		return "awaiting_photos"
	default:
		return "unknown"
	}
}

// Documents is the part of the Document Store the console writes and inspects.
type Documents interface {
	SaveInvoice(ctx context.Context, dealID string, r io.Reader) error
	AddPhoto(ctx context.Context, dealID string, r io.Reader) (string, error)
	InvoicePath(dealID string) (string, error)
	Photos(dealID string) ([]string, error)
	Status(dealID string) docstore.Status
	DeleteInvoice(dealID string) error
	DeletePhotos(dealID string) (int, error)
}

// Uploader runs the document-upload trigger after a file is persisted.
type Uploader interface {
	HandleArtifactUploaded(ctx context.Context, dealID string, kind docstore.Kind) (dispatch.Result, error)
}

// Deps are the collaborators of a Console. All are required.
type Deps struct {
	Staff     *auth.Allowlist
	CRM       crm.Gateway
	Documents Documents
	Messenger notify.Messenger
	Files     notify.Fetcher
	Uploader  Uploader
}

// Session is the per-staff conversation state.
type Session struct {
	ID            string
	StaffID       int64
	ChatID        int64
	State         State
	MenuMessageID int

	Phone  string
	Client *crm.Contact
	Deals  []crm.Deal
	DealID string

	// PhotoMessages are the staff's photo messages of the running upload, deleted when it ends.
	PhotoMessages []int
	uploaded      int
}

func (s *Session) deal() crm.Deal {
	for _, d := range s.Deals {
		if d.ID == s.DealID {
			return d
		}
	}
	return crm.Deal{ID: s.DealID}
}

func (s *Session) hasDeal(id string) bool {
	for _, d := range s.Deals {
		if d.ID == id {
			return true
		}
	}
	return false
}

// Reply is shown to staff besides any rendered message: as a callback answer for
// button presses, or as a plain message otherwise.
type Reply struct {
	Notice string
	Alert  bool
}

// Console holds the sessions of every staff member.
type Console struct {
	deps  Deps
	locks keylock.Map

	mu       sync.RWMutex
	sessions map[int64]*Session
}

// New validates deps and returns an empty console.
func New(deps Deps) (*Console, error) {
	switch {
	case deps.Staff == nil:
		return nil, fmt.Errorf("%w: staff allow-list is required", ErrInvalidInput)
	case deps.CRM == nil:
		return nil, fmt.Errorf("%w: crm gateway is required", ErrInvalidInput)
	case deps.Documents == nil:
		return nil, fmt.Errorf("%w: document store is required", ErrInvalidInput)
	case deps.Messenger == nil:
		return nil, fmt.Errorf("%w: messenger is required", ErrInvalidInput)
	case deps.Files == nil:
		return nil, fmt.Errorf("%w: file fetcher is required", ErrInvalidInput)
	case deps.Uploader == nil:
		return nil, fmt.Errorf("%w: uploader is required", ErrInvalidInput)
	}
	return &Console{deps: deps, sessions: make(map[int64]*Session)}, nil
}

// Active reports whether staffID has an open session.
func (c *Console) Active(staffID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sessions[staffID]
	return ok
}

// Session returns a copy of the staff member's session. It waits for an in-flight turn.
func (c *Console) Session(staffID int64) (Session, bool) {
	unlock := c.locks.Lock(strconv.FormatInt(staffID, 10))
	defer unlock()
	s := c.lookup(staffID)
	if s == nil {
		return Session{}, false
	}
	cp := *s
	cp.Deals = append([]crm.Deal(nil), s.Deals...)
	cp.PhotoMessages = append([]int(nil), s.PhotoMessages...)
	return cp, true
}

// Close drops the staff member's session without rendering anything.
func (c *Console) Close(ctx context.Context, staffID int64) {
	unlock := c.locks.Lock(strconv.FormatInt(staffID, 10))
	defer unlock()
	s := c.lookup(staffID)
	if s == nil {
		return
	}
	c.discardPhotos(ctx, s)
	c.drop(staffID)
	obs.ObserveConsole(s.State.String(), Idle.String())
	obs.Info("console_session_closed", map[string]any{"session_id": s.ID, "staff_id": staffID})
}

func (c *Console) put(s *Session) {
	c.mu.Lock()
	c.sessions[s.StaffID] = s
	c.mu.Unlock()
}

func (c *Console) drop(staffID int64) {
	c.mu.Lock()
	delete(c.sessions, staffID)
	c.mu.Unlock()
}

func (c *Console) lookup(staffID int64) *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[staffID]
}

// Handle applies one staff input. Inputs from one staff member are serialized.
// Unauthorized callers get the generic denial and auth.ErrUnauthorized; no session is created.
func (c *Console) Handle(ctx context.Context, staffID, chatID int64, in Input) (Reply, error) {
	if in == nil {
		return Reply{}, fmt.Errorf("%w: nil input", ErrInvalidInput)
	}
	ctx, err := c.deps.Staff.Authorize(ctx, staffID)
	if err != nil {
		obs.Warn("console_denied", map[string]any{"user_id": staffID, "input": in.name()})
		return Reply{Notice: DenialText, Alert: true}, err
	}

	unlock := c.locks.Lock(strconv.FormatInt(staffID, 10))
	defer unlock()

	if _, ok := in.(Enter); ok {
		return c.enter(ctx, staffID, chatID)
	}
	s := c.lookup(staffID)
	if s == nil {
		return Reply{Notice: NoSessionText, Alert: true}, nil
	}
	s.ChatID = chatID

	from := s.State
	reply, err := c.apply(ctx, s, in)
	if s.State != from {
		obs.ObserveConsole(from.String(), s.State.String())
		obs.Debug("console_transition", map[string]any{
			"session_id": s.ID, "staff_id": staffID, "input": in.name(),
			"from": from.String(), "to": s.State.String(),
		})
	}
	return reply, err
}

func (c *Console) apply(ctx context.Context, s *Session, in Input) (Reply, error) {
	switch v := in.(type) {
	case Exit:
		return c.exit(ctx, s, v)
	case NewSearch:
		c.discardPhotos(ctx, s)
		*s = Session{ID: s.ID, StaffID: s.StaffID, ChatID: s.ChatID, State: AwaitingPhone, MenuMessageID: s.MenuMessageID}
		return Reply{}, c.render(ctx, s, promptPhone())
	}

	switch s.State {
	case AwaitingPhone:
		if v, ok := in.(Text); ok {
			return c.searchClient(ctx, s, v)
		}
	case AwaitingDealSelection:
		if v, ok := in.(SelectDeal); ok {
			return c.selectDeal(ctx, s, v.DealID)
		}
	case AwaitingDocumentType:
		switch v := in.(type) {
		case SelectDeal:
			return c.selectDeal(ctx, s, v.DealID)
		case BackToDeals:
			return c.backToDeals(ctx, s)
		case ChooseInvoice:
			s.State = AwaitingInvoiceFile
			return Reply{}, c.render(ctx, s, invoicePrompt(s.DealID))
		case ChoosePhotos:
			s.State = AwaitingPhotos
			s.uploaded = 0
			return Reply{}, c.render(ctx, s, photosPrompt(s.DealID, 0))
		case ViewInvoice:
			if v.DealID == s.DealID {
				return c.viewInvoice(ctx, s)
			}
		case ViewPhotos:
			if v.DealID == s.DealID {
				return c.viewPhotos(ctx, s)
			}
		case DeleteInvoice:
			if v.DealID == s.DealID {
				return c.deleteInvoice(ctx, s)
			}
		case DeletePhotos:
			if v.DealID == s.DealID {
				return c.deletePhotos(ctx, s)
			}
		}
	case AwaitingInvoiceFile:
		switch v := in.(type) {
		case InvoiceFile:
			return c.receiveInvoice(ctx, s, v)
		case SelectDeal:
			return c.selectDeal(ctx, s, v.DealID)
		case BackToDeals:
			return c.backToDeals(ctx, s)
		}
	case AwaitingPhotos:
		switch v := in.(type) {
		case Photo:
			return c.receivePhoto(ctx, s, v)
		case PhotosDone:
			return c.finishPhotos(ctx, s, v)
		case SelectDeal:
			return c.selectDeal(ctx, s, v.DealID)
		case BackToDeals:
			return c.backToDeals(ctx, s)
		}
	}
	obs.Debug("console_unexpected_input", map[string]any{"session_id": s.ID, "state": s.State.String(), "input": in.name()})
	return Reply{Notice: UnexpectedText}, nil
}

func (c *Console) enter(ctx context.Context, staffID, chatID int64) (Reply, error) {
	prev := c.lookup(staffID)
	from := Idle
	if prev != nil {
		from = prev.State
		c.discardPhotos(ctx, prev)
	}
	s := &Session{ID: ids.New(), StaffID: staffID, ChatID: chatID, State: AwaitingPhone}
	c.put(s)
	obs.ObserveConsole(from.String(), s.State.String())
	obs.Info("console_session_started", map[string]any{"session_id": s.ID, "staff_id": staffID})
	return Reply{}, c.send(ctx, s, promptPhone())
}

func (c *Console) exit(ctx context.Context, s *Session, v Exit) (Reply, error) {
	c.discardPhotos(ctx, s)
	c.drop(s.StaffID)
	s.State = Idle
	obs.Info("console_session_closed", map[string]any{"session_id": s.ID, "staff_id": s.StaffID})
	if v.Command {
		return Reply{}, c.send(ctx, s, exitMessage())
	}
	return Reply{}, c.render(ctx, s, exitMessage())
}

func (c *Console) searchClient(ctx context.Context, s *Session, in Text) (Reply, error) {
	c.bestEffortDelete(ctx, s.ChatID, in.MessageID)

	phone := crm.SanitizePhoneInput(in.Text)
	if crm.CleanPhone(phone) == "" {
		return Reply{Notice: UnexpectedText}, nil
	}
	if err := c.send(ctx, s, notify.Text(searchingText)); err != nil {
		return Reply{}, err
	}

	client, err := crm.FindContact(ctx, c.deps.CRM, phone)
	if err != nil && !errors.Is(err, crm.ErrInvalidInput) {
		return Reply{}, err
	}
	if client == nil {
		s.State = Idle
		obs.Info("console_client_not_found", map[string]any{"session_id": s.ID, "phone": phone})
		return Reply{}, c.render(ctx, s, clientNotFound())
	}

	deals, err := c.deps.CRM.ActiveDeals(ctx, client.ID)
	if err != nil {
		return Reply{}, err
	}
	s.Phone = crm.CleanPhone(phone)
	s.Client = client
	if len(deals) == 0 {
		s.State = Idle
		return Reply{}, c.render(ctx, s, noActiveDeals(client))
	}
	s.Deals = deals
	s.State = AwaitingDealSelection
	return Reply{}, c.render(ctx, s, dealList(s, c.deps.Documents))
}

func (c *Console) selectDeal(ctx context.Context, s *Session, dealID string) (Reply, error) {
	if !s.hasDeal(dealID) {
		return Reply{Notice: UnexpectedText}, nil
	}
	c.discardPhotos(ctx, s)
	s.DealID = dealID
	s.State = AwaitingDocumentType
	return Reply{}, c.render(ctx, s, dealMenu(s, c.deps.Documents, ""))
}

func (c *Console) backToDeals(ctx context.Context, s *Session) (Reply, error) {
	c.discardPhotos(ctx, s)
	s.DealID = ""
	s.State = AwaitingDealSelection
	return Reply{}, c.render(ctx, s, dealList(s, c.deps.Documents))
}

func (c *Console) receiveInvoice(ctx context.Context, s *Session, in InvoiceFile) (Reply, error) {
	if err := c.store(ctx, in.FileID, func(r io.Reader) error {
		return c.deps.Documents.SaveInvoice(ctx, s.DealID, r)
	}); err != nil {
		obs.Error("console_invoice_save_failed", map[string]any{"session_id": s.ID, "deal_id": s.DealID, "error": err})
		return Reply{}, c.render(ctx, s, invoiceFailed(s.DealID))
	}
	c.bestEffortDelete(ctx, s.ChatID, in.MessageID)
	_ = audit.LogEvent(ctx, "console_invoice_uploaded", map[string]any{"deal_id": s.DealID, "session_id": s.ID})

	header := c.trigger(ctx, s, docstore.KindInvoice)
	s.State = AwaitingDocumentType
	return Reply{}, c.render(ctx, s, dealMenu(s, c.deps.Documents, header))
}

func (c *Console) receivePhoto(ctx context.Context, s *Session, in Photo) (Reply, error) {
	var name string
	err := c.store(ctx, in.FileID, func(r io.Reader) error {
		var err error
		name, err = c.deps.Documents.AddPhoto(ctx, s.DealID, r)
		return err
	})
	if err != nil {
		obs.Error("console_photo_save_failed", map[string]any{"session_id": s.ID, "deal_id": s.DealID, "error": err})
		return Reply{Notice: "❌ Не удалось сохранить фото"}, nil
	}
	if in.MessageID != 0 {
		s.PhotoMessages = append(s.PhotoMessages, in.MessageID)
	}
	s.uploaded++
	obs.Debug("console_photo_stored", map[string]any{"session_id": s.ID, "deal_id": s.DealID, "file": name})
	return Reply{}, c.render(ctx, s, photosPrompt(s.DealID, s.uploaded))
}

func (c *Console) finishPhotos(ctx context.Context, s *Session, in PhotosDone) (Reply, error) {
	c.bestEffortDelete(ctx, s.ChatID, in.MessageID)
	c.discardPhotos(ctx, s)
	s.State = AwaitingDocumentType
	if s.uploaded == 0 {
		return Reply{}, c.render(ctx, s, dealMenu(s, c.deps.Documents, "ℹ️ Фото не были загружены"))
	}
	_ = audit.LogEvent(ctx, "console_photos_uploaded", map[string]any{"deal_id": s.DealID, "session_id": s.ID, "count": s.uploaded})
	s.uploaded = 0

	header := c.trigger(ctx, s, docstore.KindPhotos)
	return Reply{}, c.render(ctx, s, dealMenu(s, c.deps.Documents, header))
}

func (c *Console) viewInvoice(ctx context.Context, s *Session) (Reply, error) {
	path, err := c.deps.Documents.InvoicePath(s.DealID)
	if err != nil {
		return Reply{Notice: "❌ Накладная не найдена", Alert: true}, nil
	}
	if err := c.deps.Messenger.SendDocument(ctx, s.ChatID, path, staffInvoiceCaption(s.DealID)); err != nil {
		obs.Error("console_view_failed", map[string]any{"session_id": s.ID, "deal_id": s.DealID, "kind": docstore.KindInvoice, "error": err})
		return Reply{Notice: "❌ Ошибка отправки файла", Alert: true}, nil
	}
	return Reply{}, c.send(ctx, s, dealMenu(s, c.deps.Documents, ""))
}

func (c *Console) viewPhotos(ctx context.Context, s *Session) (Reply, error) {
	paths, err := c.deps.Documents.Photos(s.DealID)
	if err != nil || len(paths) == 0 {
		return Reply{Notice: "❌ Фото не найдены", Alert: true}, nil
	}
	if err := c.deps.Messenger.SendPhotoGroup(ctx, s.ChatID, paths, staffPhotosCaption(s.DealID, len(paths))); err != nil {
		obs.Error("console_view_failed", map[string]any{"session_id": s.ID, "deal_id": s.DealID, "kind": docstore.KindPhotos, "error": err})
		return Reply{Notice: "❌ Ошибка отправки фото", Alert: true}, nil
	}
	return Reply{}, c.send(ctx, s, dealMenu(s, c.deps.Documents, ""))
}

func (c *Console) deleteInvoice(ctx context.Context, s *Session) (Reply, error) {
	if err := c.deps.Documents.DeleteInvoice(s.DealID); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Reply{Notice: "❌ Накладная не найдена", Alert: true}, nil
		}
		return Reply{}, err
	}
	_ = audit.LogEvent(ctx, "console_invoice_deleted", map[string]any{"deal_id": s.DealID, "session_id": s.ID})
	return Reply{Notice: "✅ Накладная удалена"}, c.render(ctx, s, dealMenu(s, c.deps.Documents, ""))
}

func (c *Console) deletePhotos(ctx context.Context, s *Session) (Reply, error) {
	n, err := c.deps.Documents.DeletePhotos(s.DealID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return Reply{Notice: "❌ Фото не найдены", Alert: true}, nil
		}
		return Reply{}, err
	}
	_ = audit.LogEvent(ctx, "console_photos_deleted", map[string]any{"deal_id": s.DealID, "session_id": s.ID, "count": n})
	return Reply{Notice: fmt.Sprintf("✅ Удалено фото: %d", n)}, c.render(ctx, s, dealMenu(s, c.deps.Documents, ""))
}

// trigger runs the upload trigger and returns the header reported back to staff.
func (c *Console) trigger(ctx context.Context, s *Session, kind docstore.Kind) string {
	res, err := c.deps.Uploader.HandleArtifactUploaded(ctx, s.DealID, kind)
	if err != nil {
		obs.Error("console_notify_failed", map[string]any{"session_id": s.ID, "deal_id": s.DealID, "kind": kind, "error": err})
	}
	_ = audit.LogEvent(ctx, "console_customer_notified", map[string]any{
		"deal_id": s.DealID, "kind": kind, "outcome": res.Outcome, "delivery_id": res.DeliveryID,
	})
	return uploadHeader(kind, res, err)
}

func (c *Console) store(ctx context.Context, fileID string, save func(io.Reader) error) error {
	if fileID == "" {
		return fmt.Errorf("%w: file id is empty", ErrInvalidInput)
	}
	rc, err := c.deps.Files.FetchFile(ctx, fileID)
	if err != nil {
		return fmt.Errorf("fetch file: %w", err)
	}
	defer rc.Close()
	return save(rc)
}

// render replaces the menu message, falling back to a new message when it cannot be edited.
func (c *Console) render(ctx context.Context, s *Session, msg notify.Message) error {
	if s.MenuMessageID != 0 {
		err := c.deps.Messenger.EditText(ctx, s.ChatID, s.MenuMessageID, msg)
		if err == nil {
			return nil
		}
		obs.Debug("console_edit_failed", map[string]any{"session_id": s.ID, "message_id": s.MenuMessageID, "error": err})
	}
	return c.send(ctx, s, msg)
}

func (c *Console) send(ctx context.Context, s *Session, msg notify.Message) error {
	id, err := c.deps.Messenger.SendText(ctx, s.ChatID, msg)
	if err != nil {
		return fmt.Errorf("console: send menu: %w", err)
	}
	s.MenuMessageID = id
	return nil
}

func (c *Console) discardPhotos(ctx context.Context, s *Session) {
	for _, id := range s.PhotoMessages {
		c.bestEffortDelete(ctx, s.ChatID, id)
	}
	s.PhotoMessages = nil
}

func (c *Console) bestEffortDelete(ctx context.Context, chatID int64, messageID int) {
	if messageID == 0 {
		return
	}
	if err := c.deps.Messenger.DeleteMessage(ctx, chatID, messageID); err != nil {
		obs.Debug("console_cleanup_failed", map[string]any{"chat_id": chatID, "message_id": messageID, "error": err})
	}
}
