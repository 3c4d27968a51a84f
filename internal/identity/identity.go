// Package identity maps messaging-channel users to CRM contacts.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("identity: link not found")
	ErrInvalidInput = errors.New("identity: invalid link")
)

// Link binds one channel user to one CRM contact.
type Link struct {
	UserID    int64     `json:"user_id"`
	ContactID string    `json:"contact_id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email"`
	LinkedAt  time.Time `json:"linked_at"`
}

// Validate checks the fields every backend requires.
func (l Link) Validate() error {
	if l.UserID == 0 || strings.TrimSpace(l.ContactID) == "" {
		return ErrInvalidInput
	}
	return nil
}

// Earlier orders links by LinkedAt, then by user id.
func Earlier(a, b Link) bool {
	if !a.LinkedAt.Equal(b.LinkedAt) {
		return a.LinkedAt.Before(b.LinkedAt)
	}
	return a.UserID < b.UserID
}

// Store is the Identity Directory. At most one link exists per user id; reverse lookup by
// contact id returns the earliest link to that contact. Re-putting a link to the same
// contact keeps its original LinkedAt.
type Store interface {
	Get(ctx context.Context, userID int64) (Link, error)
	Put(ctx context.Context, link Link) error
	FindByContact(ctx context.Context, contactID string) (Link, error)
}

// InMemory implements Store with a contact index maintained on every Put.
type InMemory struct {
	mu        sync.RWMutex
	links     map[int64]Link
	byContact map[string]int64
}

// NewInMemory creates an empty directory.
func NewInMemory() *InMemory {
	return &InMemory{
		links:     make(map[int64]Link),
		byContact: make(map[string]int64),
	}
}

func (s *InMemory) Get(ctx context.Context, userID int64) (Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[userID]
	if !ok {
		return Link{}, ErrNotFound
	}
	return l, nil
}

func (s *InMemory) Put(ctx context.Context, link Link) error {
	if err := link.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.links[link.UserID]
	switch {
	case had && prev.ContactID == link.ContactID:
		link.LinkedAt = prev.LinkedAt
	case link.LinkedAt.IsZero():
		link.LinkedAt = time.Now().UTC()
	}
	s.links[link.UserID] = link

	if had && prev.ContactID != link.ContactID && s.byContact[prev.ContactID] == link.UserID {
		delete(s.byContact, prev.ContactID)
		for _, l := range s.links {
			if l.ContactID != prev.ContactID {
				continue
			}
			if uid, ok := s.byContact[prev.ContactID]; !ok || Earlier(l, s.links[uid]) {
				s.byContact[prev.ContactID] = l.UserID
			}
		}
	}
	if uid, taken := s.byContact[link.ContactID]; !taken || Earlier(link, s.links[uid]) {
		s.byContact[link.ContactID] = link.UserID
	}
	return nil
}

func (s *InMemory) FindByContact(ctx context.Context, contactID string) (Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	uid, ok := s.byContact[contactID]
	if !ok {
		return Link{}, ErrNotFound
	}
	return s.links[uid], nil
}

// Len returns the number of links.
func (s *InMemory) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.links)
}
