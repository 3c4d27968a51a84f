// Package portal is the customer side of the bot: registration by shared phone number
// and self-service views of orders, documents and photos.
package portal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sunway24/dealbridge/internal/audit"
	"github.com/sunway24/dealbridge/internal/crm"
	"github.com/sunway24/dealbridge/internal/dispatch"
	"github.com/sunway24/dealbridge/internal/docstore"
	"github.com/sunway24/dealbridge/internal/identity"
	"github.com/sunway24/dealbridge/internal/notify"
	"github.com/sunway24/dealbridge/internal/obs"
)

var ErrInvalidInput = errors.New("portal: invalid input")

// PendingTTL is how long a /start keeps the registration prompt open for a contact share.
const PendingTTL = 24 * time.Hour

// Documents is the read side of the Document Store.
type Documents interface {
	InvoicePath(dealID string) (string, error)
	Photos(dealID string) ([]string, error)
	Status(dealID string) docstore.Status
}

// Managers are the contact links offered in the consultation view.
type Managers struct {
	WhatsApp string
	Telegram string
}

// Deps are the collaborators of a Portal. Names is optional.
type Deps struct {
	CRM        crm.Gateway
	Names      crm.FieldNamer
	Identities identity.Store
	Documents  Documents
	Messenger  notify.Messenger
	Managers   Managers
}

// Reply is shown to the customer besides any rendered message.
type Reply struct {
	Notice string
	Alert  bool
}

// Portal handles customer inputs.
type Portal struct {
	deps Deps
	now  func() time.Time

	mu      sync.Mutex
	pending map[int64]time.Time
}

// New validates deps.
func New(deps Deps) (*Portal, error) {
	switch {
	case deps.CRM == nil:
		return nil, fmt.Errorf("%w: crm gateway is required", ErrInvalidInput)
	case deps.Identities == nil:
		return nil, fmt.Errorf("%w: identity store is required", ErrInvalidInput)
	case deps.Documents == nil:
		return nil, fmt.Errorf("%w: document store is required", ErrInvalidInput)
	case deps.Messenger == nil:
		return nil, fmt.Errorf("%w: messenger is required", ErrInvalidInput)
	}
	return &Portal{
		deps:    deps,
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[int64]time.Time),
	}, nil
}

// Handle applies one customer input. messageID is the message carrying the pressed
// button; views replace it, or are sent anew when it is zero or cannot be edited.
func (p *Portal) Handle(ctx context.Context, userID, chatID int64, messageID int, in Input) (Reply, error) {
	if in == nil {
		return Reply{}, fmt.Errorf("%w: nil input", ErrInvalidInput)
	}
	link, err := p.deps.Identities.Get(ctx, userID)
	registered := err == nil
	if err != nil && !errors.Is(err, identity.ErrNotFound) {
		return Reply{}, fmt.Errorf("portal: load identity: %w", err)
	}

	switch v := in.(type) {
	case Start:
		if registered {
			_, err := p.deps.Messenger.SendText(ctx, chatID, mainMenu(link))
			return Reply{}, err
		}
		p.setPending(userID, true)
		_, err := p.deps.Messenger.SendText(ctx, chatID, welcome())
		return Reply{}, err
	case SharedContact:
		if !p.isPending(userID) {
			return Reply{Notice: StartFirstText}, nil
		}
		return p.register(ctx, userID, chatID, v.Phone)
	case Consultation:
		return Reply{}, p.render(ctx, chatID, messageID, consultation(p.deps.Managers))
	}

	if !registered {
		return Reply{Notice: StartFirstText, Alert: true}, nil
	}

	switch v := in.(type) {
	case MainMenu:
		return Reply{}, p.render(ctx, chatID, messageID, mainMenu(link))
	case Profile:
		return Reply{}, p.render(ctx, chatID, messageID, profile(link))
	case CurrentOrders:
		deals, err := p.deps.CRM.ActiveDeals(ctx, link.ContactID)
		if err != nil {
			return Reply{}, err
		}
		return Reply{}, p.render(ctx, chatID, messageID, currentOrders(deals, p.deps.Documents))
	case ArchivedOrders:
		deals, err := p.deps.CRM.ArchivedDeals(ctx, link.ContactID)
		if err != nil {
			return Reply{}, err
		}
		return Reply{}, p.render(ctx, chatID, messageID, archivedOrders(deals, p.deps.Documents))
	case OrderDetails:
		deal, reply, err := p.ownDeal(ctx, link, v.DealID)
		if deal == nil {
			return reply, err
		}
		return Reply{}, p.render(ctx, chatID, messageID, p.orderDetails(ctx, deal))
	case ArchiveDetails:
		deal, reply, err := p.ownDeal(ctx, link, v.DealID)
		if deal == nil {
			return reply, err
		}
		return Reply{}, p.render(ctx, chatID, messageID, p.archiveDetails(ctx, deal))
	case DownloadInvoice:
		return p.downloadInvoice(ctx, link, chatID, v.DealID)
	case ViewPhotos:
		return p.viewPhotos(ctx, link, chatID, v.DealID)
	}
	return Reply{}, fmt.Errorf("%w: unsupported input %s", ErrInvalidInput, in.name())
}

// Registered reports whether userID has an identity link.
func (p *Portal) Registered(ctx context.Context, userID int64) bool {
	_, err := p.deps.Identities.Get(ctx, userID)
	return err == nil
}

func (p *Portal) register(ctx context.Context, userID, chatID int64, phone string) (Reply, error) {
	if _, err := p.deps.Messenger.SendText(ctx, chatID, checking()); err != nil {
		obs.Debug("portal_send_failed", map[string]any{"user_id": userID, "error": err})
	}

	contact, err := crm.FindContact(ctx, p.deps.CRM, phone)
	if err != nil && !errors.Is(err, crm.ErrInvalidInput) {
		return Reply{}, err
	}
	if contact == nil {
		obs.Info("portal_registration_failed", map[string]any{"user_id": userID})
		_, err := p.deps.Messenger.SendText(ctx, chatID, registrationFailed())
		return Reply{}, err
	}

	email := contact.PrimaryEmail()
	if full, err := p.deps.CRM.Contact(ctx, contact.ID); err == nil && full != nil {
		if e := full.PrimaryEmail(); e != "" {
			email = e
		}
	}
	link := identity.Link{
		UserID:    userID,
		ContactID: contact.ID,
		Name:      contact.DisplayName(),
		Phone:     phone,
		Email:     orDefault(email, noEmail),
		LinkedAt:  p.now(),
	}
	if err := p.deps.Identities.Put(ctx, link); err != nil {
		return Reply{}, fmt.Errorf("portal: store identity: %w", err)
	}
	p.setPending(userID, false)
	_ = audit.LogEvent(ctx, "portal_registered", map[string]any{"user_id": userID, "contact_id": contact.ID})

	if _, err := p.deps.Messenger.SendText(ctx, chatID, registered(link.Name)); err != nil {
		return Reply{}, err
	}
	_, err = p.deps.Messenger.SendText(ctx, chatID, mainMenu(link))
	return Reply{}, err
}

// ownDeal loads a deal and checks it belongs to the linked contact. A nil deal
// comes with the reply to show.
func (p *Portal) ownDeal(ctx context.Context, link identity.Link, dealID string) (*crm.Deal, Reply, error) {
	deal, err := p.deps.CRM.Deal(ctx, dealID)
	if err != nil && !errors.Is(err, crm.ErrInvalidInput) {
		return nil, Reply{}, err
	}
	if deal == nil {
		return nil, Reply{Notice: orderLoadFailed, Alert: true}, nil
	}
	if deal.ContactID != link.ContactID {
		obs.Warn("portal_foreign_deal", map[string]any{"user_id": link.UserID, "deal_id": dealID})
		return nil, Reply{Notice: orderLoadFailed, Alert: true}, nil
	}
	return deal, Reply{}, nil
}

func (p *Portal) downloadInvoice(ctx context.Context, link identity.Link, chatID int64, dealID string) (Reply, error) {
	deal, reply, err := p.ownDeal(ctx, link, dealID)
	if deal == nil {
		return reply, err
	}
	path, err := p.deps.Documents.InvoicePath(deal.ID)
	if err != nil {
		return Reply{Notice: invoiceFailed, Alert: true}, nil
	}
	if err := p.deps.Messenger.SendDocument(ctx, chatID, path, dispatch.ArtifactCaption(docstore.KindInvoice, deal.ID)); err != nil {
		obs.Error("portal_invoice_send_failed", map[string]any{"user_id": link.UserID, "deal_id": deal.ID, "error": err})
		return Reply{Notice: invoiceFailed, Alert: true}, nil
	}
	return Reply{Notice: "✅ Накладная отправлена"}, nil
}

func (p *Portal) viewPhotos(ctx context.Context, link identity.Link, chatID int64, dealID string) (Reply, error) {
	deal, reply, err := p.ownDeal(ctx, link, dealID)
	if deal == nil {
		return reply, err
	}
	paths, err := p.deps.Documents.Photos(deal.ID)
	if err != nil || len(paths) == 0 {
		return Reply{Notice: "❌ Фото не найдены", Alert: true}, nil
	}
	if err := p.deps.Messenger.SendPhotoGroup(ctx, chatID, paths, photosCaption(deal.ID, len(paths))); err != nil {
		obs.Error("portal_photos_send_failed", map[string]any{"user_id": link.UserID, "deal_id": deal.ID, "error": err})
		return Reply{Notice: "❌ Ошибка при отправке фото", Alert: true}, nil
	}
	if _, err := p.deps.Messenger.SendText(ctx, chatID, photosSent(deal.ID, len(paths))); err != nil {
		obs.Debug("portal_send_failed", map[string]any{"user_id": link.UserID, "error": err})
	}
	return Reply{Notice: fmt.Sprintf("✅ Отправлено %d фото", len(paths))}, nil
}

func (p *Portal) render(ctx context.Context, chatID int64, messageID int, msg notify.Message) error {
	if messageID != 0 {
		err := p.deps.Messenger.EditText(ctx, chatID, messageID, msg)
		if err == nil {
			return nil
		}
		obs.Debug("portal_edit_failed", map[string]any{"chat_id": chatID, "message_id": messageID, "error": err})
	}
	_, err := p.deps.Messenger.SendText(ctx, chatID, msg)
	return err
}

// setPending opens or closes the registration prompt. Opening one also drops expired prompts.
func (p *Portal) setPending(userID int64, on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !on {
		delete(p.pending, userID)
		return
	}
	now := p.now()
	for uid, at := range p.pending {
		if now.Sub(at) > PendingTTL {
			delete(p.pending, uid)
		}
	}
	p.pending[userID] = now
}

func (p *Portal) isPending(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	at, ok := p.pending[userID]
	return ok && p.now().Sub(at) <= PendingTTL
}

func (p *Portal) pendingLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
