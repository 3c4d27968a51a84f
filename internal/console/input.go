package console

import "strings"

// Input is one staff action. The set is closed: every state handles every input,
// either with a transition or with the unexpected-input reply.
type Input interface{ name() string }

// Enter opens the console (the /admin command).
type Enter struct{}

// SelectDeal picks a deal from the client's active deals.
type SelectDeal struct{ DealID string }

// ChooseInvoice starts an invoice upload for the selected deal.
type ChooseInvoice struct{}

// ChoosePhotos starts a photo upload for the selected deal.
type ChoosePhotos struct{}

// InvoiceFile is a document sent while an invoice is awaited.
type InvoiceFile struct {
	FileID    string
	MessageID int
}

// Photo is one photo sent while photos are awaited.
type Photo struct {
	FileID    string
	MessageID int
}

// PhotosDone finishes a photo upload. MessageID is set when it came as a /done command.
type PhotosDone struct{ MessageID int }

// ViewInvoice sends the stored invoice to staff.
type ViewInvoice struct{ DealID string }

// ViewPhotos sends the stored photos to staff.
type ViewPhotos struct{ DealID string }

// DeleteInvoice removes the stored invoice.
type DeleteInvoice struct{ DealID string }

// DeletePhotos removes every stored photo.
type DeletePhotos struct{ DealID string }

// BackToDeals returns to the client's deal list.
type BackToDeals struct{}

// NewSearch clears the session and asks for a phone again.
type NewSearch struct{}

// Exit leaves the console. Command is true for /exit, false for the button.
type Exit struct{ Command bool }

// Text is a typed message; while a phone is awaited it is the phone number.
type Text struct {
	Text      string
	MessageID int
}

func (Enter) name() string         { return "enter" }
func (SelectDeal) name() string    { return "select_deal" }
func (ChooseInvoice) name() string { return "choose_invoice" }
func (ChoosePhotos) name() string  { return "choose_photos" }
func (InvoiceFile) name() string   { return "invoice_file" }
func (Photo) name() string         { return "photo" }
func (PhotosDone) name() string    { return "photos_done" }
func (ViewInvoice) name() string   { return "view_invoice" }
func (ViewPhotos) name() string    { return "view_photos" }
func (DeleteInvoice) name() string { return "delete_invoice" }
func (DeletePhotos) name() string  { return "delete_photos" }
func (BackToDeals) name() string   { return "back_to_deals" }
func (NewSearch) name() string     { return "new_search" }
func (Exit) name() string          { return "exit" }
func (Text) name() string          { return "text" }

// Callback data understood by the console.
const (
	CallbackPrefix  = "admin_"
	cbDeal          = "admin_deal_"
	cbAddInvoice    = "admin_add_invoice"
	cbAddPhotos     = "admin_add_photos"
	cbPhotosDone    = "admin_photos_done"
	cbViewInvoice   = "admin_view_invoice_"
	cbViewPhotos    = "admin_view_photos_"
	cbDeleteInvoice = "admin_delete_invoice_"
	cbDeletePhotos  = "admin_delete_photos_"
	cbNewSearch     = "admin_new_search"
	cbExit          = "admin_exit"
	cbBackToDeals   = "admin_back_to_deals"
)

// ParseCallback maps inline button data to an Input.
func ParseCallback(data string) (Input, bool) {
	switch data {
	case cbAddInvoice:
		return ChooseInvoice{}, true
	case cbAddPhotos:
		return ChoosePhotos{}, true
	case cbPhotosDone:
		return PhotosDone{}, true
	case cbNewSearch:
		return NewSearch{}, true
	case cbExit:
		return Exit{}, true
	case cbBackToDeals:
		return BackToDeals{}, true
	}
	for _, p := range []struct {
		prefix string
		build  func(string) Input
	}{
		{cbDeal, func(id string) Input { return SelectDeal{DealID: id} }},
		{cbViewInvoice, func(id string) Input { return ViewInvoice{DealID: id} }},
		{cbViewPhotos, func(id string) Input { return ViewPhotos{DealID: id} }},
		{cbDeleteInvoice, func(id string) Input { return DeleteInvoice{DealID: id} }},
		{cbDeletePhotos, func(id string) Input { return DeletePhotos{DealID: id} }},
	} {
		if id, ok := strings.CutPrefix(data, p.prefix); ok && id != "" {
			return p.build(id), true
		}
	}
	return nil, false
}
