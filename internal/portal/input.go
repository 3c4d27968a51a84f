package portal

import "strings"

// Input is one customer action.
type Input interface{ name() string }

// Start is the /start command.
type Start struct{}

// SharedContact is the phone number from a contact the user shared about themselves.
type SharedContact struct{ Phone string }

// MainMenu returns to the personal-account menu.
type MainMenu struct{}

// CurrentOrders lists the customer's open deals.
type CurrentOrders struct{}

// ArchivedOrders lists the customer's closed deals.
type ArchivedOrders struct{}

// OrderDetails shows one open deal.
type OrderDetails struct{ DealID string }

// ArchiveDetails shows one closed deal.
type ArchiveDetails struct{ DealID string }

// DownloadInvoice sends the deal's invoice document.
type DownloadInvoice struct{ DealID string }

// ViewPhotos sends the deal's photo set.
type ViewPhotos struct{ DealID string }

// Consultation shows manager contacts.
type Consultation struct{}

// Profile shows the stored identity link.
type Profile struct{}

func (Start) name() string           { return "start" }
func (SharedContact) name() string   { return "shared_contact" }
func (MainMenu) name() string        { return "main_menu" }
func (CurrentOrders) name() string   { return "current_orders" }
func (ArchivedOrders) name() string  { return "archived_orders" }
func (OrderDetails) name() string    { return "order_details" }
func (ArchiveDetails) name() string  { return "archive_details" }
func (DownloadInvoice) name() string { return "download_invoice" }
func (ViewPhotos) name() string      { return "view_photos" }
func (Consultation) name() string    { return "consultation" }
func (Profile) name() string         { return "profile" }

const (
	cbMainMenu       = "back_to_menu"
	cbCurrentOrders  = "current_orders"
	cbArchivedOrders = "archive_orders"
	cbConsultation   = "consultation"
	cbProfile        = "profile"
	cbOrder          = "order_"
	cbArchive        = "archive_"
	cbInvoice        = "invoice_"
	cbPhotos         = "photos_"
)

// ParseCallback maps inline button data to an Input.
func ParseCallback(data string) (Input, bool) {
	switch data {
	case cbMainMenu:
		return MainMenu{}, true
	case cbCurrentOrders:
		return CurrentOrders{}, true
	case cbArchivedOrders:
		return ArchivedOrders{}, true
	case cbConsultation:
		return Consultation{}, true
	case cbProfile:
		return Profile{}, true
	}
	for _, p := range []struct {
		prefix string
		build  func(string) Input
	}{
		{cbOrder, func(id string) Input { return OrderDetails{DealID: id} }},
		{cbArchive, func(id string) Input { return ArchiveDetails{DealID: id} }},
		{cbInvoice, func(id string) Input { return DownloadInvoice{DealID: id} }},
		{cbPhotos, func(id string) Input { return ViewPhotos{DealID: id} }},
	} {
		if id, ok := strings.CutPrefix(data, p.prefix); ok && id != "" {
			return p.build(id), true
		}
	}
	return nil, false
}
