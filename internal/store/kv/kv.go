// Package kv is the embedded Badger state backend for identity links and stage observations.
//
// Keys:
//
//	link/<user id>     JSON identity.Link
//	contact/<id>       user id of the earliest link to that contact
//	stage/<deal id>    last observed stage tag
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"

	"github.com/sunway24/dealbridge/internal/identity"
	"github.com/sunway24/dealbridge/internal/stage"
)

var (
	_ identity.Store = (*Store)(nil)
	_ stage.Cache    = Stages{}
)

// Store wraps one Badger database. It implements identity.Store directly;
// the stage cache is exposed through Stages.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) the database under dir. An empty dir keeps everything in memory.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Ping reports whether the database is still open.
func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("kv: database closed")
	}
	return nil
}

func linkKey(userID int64) []byte { return []byte("link/" + strconv.FormatInt(userID, 10)) }

func contactKey(contactID string) []byte { return []byte("contact/" + contactID) }

func stageKey(dealID string) []byte { return []byte("stage/" + dealID) }

func (s *Store) Get(ctx context.Context, userID int64) (identity.Link, error) {
	var link identity.Link
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		link, err = getLink(txn, userID)
		return err
	})
	return link, err
}

// Put stores link and keeps the contact index pointing at the earliest link to each contact.
func (s *Store) Put(ctx context.Context, link identity.Link) error {
	if err := link.Validate(); err != nil {
		return err
	}
	link.ContactID = strings.TrimSpace(link.ContactID)
	return s.db.Update(func(txn *badger.Txn) error {
		prev, err := getLink(txn, link.UserID)
		had := err == nil
		if err != nil && !errors.Is(err, identity.ErrNotFound) {
			return err
		}
		switch {
		case had && prev.ContactID == link.ContactID:
			link.LinkedAt = prev.LinkedAt
		case link.LinkedAt.IsZero():
			link.LinkedAt = time.Now().UTC()
		}
		raw, err := json.Marshal(link)
		if err != nil {
			return err
		}
		if err := txn.Set(linkKey(link.UserID), raw); err != nil {
			return err
		}

		if had && prev.ContactID != link.ContactID {
			owner, err := getOwner(txn, prev.ContactID)
			switch {
			case err == nil && owner == link.UserID:
				if err := reindex(txn, prev.ContactID); err != nil {
					return err
				}
			case err != nil && !errors.Is(err, identity.ErrNotFound):
				return err
			}
		}

		owner, err := getOwner(txn, link.ContactID)
		if errors.Is(err, identity.ErrNotFound) {
			return setOwner(txn, link)
		}
		if err != nil {
			return err
		}
		cur, err := getLink(txn, owner)
		if errors.Is(err, identity.ErrNotFound) || (err == nil && identity.Earlier(link, cur)) {
			return setOwner(txn, link)
		}
		return err
	})
}

// reindex points contactID at its earliest remaining link, or drops the entry.
func reindex(txn *badger.Txn, contactID string) error {
	if err := txn.Delete(contactKey(contactID)); err != nil {
		return err
	}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte("link/")
	it := txn.NewIterator(opts)
	var (
		best  identity.Link
		found bool
	)
	for it.Rewind(); it.Valid(); it.Next() {
		var l identity.Link
		if err := it.Item().Value(func(val []byte) error {
			return json.Unmarshal(val, &l)
		}); err != nil {
			it.Close()
			return err
		}
		if l.ContactID == contactID && (!found || identity.Earlier(l, best)) {
			best, found = l, true
		}
	}
	it.Close()
	if !found {
		return nil
	}
	return setOwner(txn, best)
}

func setOwner(txn *badger.Txn, link identity.Link) error {
	return txn.Set(contactKey(link.ContactID), []byte(strconv.FormatInt(link.UserID, 10)))
}

func (s *Store) FindByContact(ctx context.Context, contactID string) (identity.Link, error) {
	var link identity.Link
	err := s.db.View(func(txn *badger.Txn) error {
		owner, err := getOwner(txn, strings.TrimSpace(contactID))
		if err != nil {
			return err
		}
		link, err = getLink(txn, owner)
		return err
	})
	return link, err
}

func getLink(txn *badger.Txn, userID int64) (identity.Link, error) {
	item, err := txn.Get(linkKey(userID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return identity.Link{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Link{}, err
	}
	var link identity.Link
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &link)
	})
	return link, err
}

func getOwner(txn *badger.Txn, contactID string) (int64, error) {
	item, err := txn.Get(contactKey(contactID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, identity.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	raw, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(string(raw), 10, 64)
}

// Stages returns the stage cache view.
func (s *Store) Stages() Stages { return Stages{db: s.db} }

// Stages implements stage.Cache.
type Stages struct {
	db *badger.DB
}

func (c Stages) Get(ctx context.Context, dealID string) (string, bool, error) {
	var st string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(stageKey(dealID))
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		st = string(raw)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return st, true, nil
}

func (c Stages) Put(ctx context.Context, dealID, st string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(stageKey(dealID), []byte(st))
	})
}
