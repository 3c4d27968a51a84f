// Package crm is the typed gateway to the Bitrix24 CRM: deals, contacts and phone lookup.
package crm

import (
	"context"
	"errors"
	"strings"
)

// ErrInvalidInput rejects empty ids and phones. Transport and API failures are logged
// and reported as an absent result.
var ErrInvalidInput = errors.New("crm: invalid input")

// Deal is a transient read of a CRM deal. Fields holds user-defined UF_* values as text.
type Deal struct {
	ID          string
	Title       string
	Stage       string
	ContactID   string
	Opportunity string
	Currency    string
	CreatedAt   string
	ModifiedAt  string
	Fields      map[string]string
}

// Field returns a user field value, or "" when the deal does not carry it.
func (d Deal) Field(key string) string {
	if d.Fields == nil {
		return ""
	}
	return d.Fields[key]
}

// Contact is a CRM contact as returned by the phone and id lookups.
type Contact struct {
	ID       string
	Name     string
	LastName string
	Phones   []string
	Emails   []string
}

// DisplayName joins first and last name, falling back to "Клиент".
func (c Contact) DisplayName() string {
	first := strings.TrimSpace(c.Name)
	last := strings.TrimSpace(c.LastName)
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	case last != "":
		return last
	default:
		return "Клиент"
	}
}

// PrimaryEmail returns the first non-empty email, or "".
func (c Contact) PrimaryEmail() string {
	for _, e := range c.Emails {
		if e = strings.TrimSpace(e); e != "" {
			return e
		}
	}
	return ""
}

// Gateway is the CRM capability consumed by the pipeline, the console and the portal.
// Lookups that find nothing, and upstream failures, return a nil or empty result
// with a nil error; errors are reserved for invalid input and cancellation.
type Gateway interface {
	ContactByPhone(ctx context.Context, phone string) (*Contact, error)
	Contact(ctx context.Context, contactID string) (*Contact, error)
	Deal(ctx context.Context, dealID string) (*Deal, error)
	ActiveDeals(ctx context.Context, contactID string) ([]Deal, error)
	ArchivedDeals(ctx context.Context, contactID string) ([]Deal, error)
}

// FieldNamer resolves list-type user field item ids to their display values.
type FieldNamer interface {
	FieldItemName(ctx context.Context, fieldID, itemID string) string
}

// FindContact tries each phone variant in order and returns the first contact found.
func FindContact(ctx context.Context, gw Gateway, phone string) (*Contact, error) {
	variants := PhoneVariants(phone)
	if len(variants) == 0 {
		return nil, ErrInvalidInput
	}
	for _, v := range variants {
		c, err := gw.ContactByPhone(ctx, v)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
	}
	return nil, nil
}
