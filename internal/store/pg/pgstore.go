// Package pg is the Postgres state backend: identity links and stage observations.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/sunway24/dealbridge/internal/identity"
	"github.com/sunway24/dealbridge/internal/stage"
)

type Store struct {
	db *sql.DB
}

var (
	_ identity.Store = Identities{}
	_ stage.Cache    = Stages{}
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Identities returns the identity_links view.
func (s *Store) Identities() Identities { return Identities{db: s.db} }

// Stages returns the stage_observations view.
func (s *Store) Stages() Stages { return Stages{db: s.db} }

// Identities implements identity.Store on identity_links.
type Identities struct {
	db *sql.DB
}

const linkColumns = `user_id, contact_id, name, phone, email, linked_at`

func (s Identities) Get(ctx context.Context, userID int64) (identity.Link, error) {
	row := s.db.QueryRowContext(ctx, `select `+linkColumns+` from identity_links where user_id=$1`, userID)
	return scanLink(row)
}

func (s Identities) Put(ctx context.Context, link identity.Link) error {
	if err := link.Validate(); err != nil {
		return err
	}
	if link.LinkedAt.IsZero() {
		link.LinkedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		insert into identity_links(user_id, contact_id, name, phone, email, linked_at)
		values ($1,$2,$3,$4,$5,$6)
		on conflict (user_id) do update
		set contact_id = excluded.contact_id,
		    name = excluded.name,
		    phone = excluded.phone,
		    email = excluded.email,
		    linked_at = case
		        when identity_links.contact_id = excluded.contact_id then identity_links.linked_at
		        else excluded.linked_at
		    end
	`, link.UserID, strings.TrimSpace(link.ContactID), link.Name, link.Phone, link.Email, link.LinkedAt)
	return err
}

// FindByContact returns the earliest link to contactID; ties go to the lower user id.
func (s Identities) FindByContact(ctx context.Context, contactID string) (identity.Link, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+linkColumns+` from identity_links
		where contact_id=$1
		order by linked_at asc, user_id asc
		limit 1
	`, strings.TrimSpace(contactID))
	return scanLink(row)
}

func scanLink(row *sql.Row) (identity.Link, error) {
	var l identity.Link
	err := row.Scan(&l.UserID, &l.ContactID, &l.Name, &l.Phone, &l.Email, &l.LinkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.Link{}, identity.ErrNotFound
	}
	if err != nil {
		return identity.Link{}, err
	}
	l.LinkedAt = l.LinkedAt.UTC()
	return l, nil
}

// Stages implements stage.Cache on stage_observations.
type Stages struct {
	db *sql.DB
}

func (s Stages) Get(ctx context.Context, dealID string) (string, bool, error) {
	var st string
	err := s.db.QueryRowContext(ctx, `select stage from stage_observations where deal_id=$1`, dealID).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return st, true, nil
}

func (s Stages) Put(ctx context.Context, dealID, st string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into stage_observations(deal_id, stage, observed_at)
		values ($1,$2,now())
		on conflict (deal_id) do update
		set stage = excluded.stage, observed_at = excluded.observed_at
	`, dealID, st)
	return err
}
