// Package docstore keeps per-deal invoice and photo artifacts on the filesystem.
// The directory tree is the index: invoices/{deal}.pdf and product_photos/{deal}/photo_NNN.jpg.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sunway24/dealbridge/internal/stream"
)

// Kind names an artifact kind.
type Kind string

const (
	KindInvoice Kind = "invoice"
	KindPhotos  Kind = "photos"
)

const (
	invoicesDir = "invoices"
	photosDir   = "product_photos"
)

var (
	ErrNotFound      = errors.New("docstore: artifact not found")
	ErrInvalidDealID = errors.New("docstore: invalid deal id")
	ErrUnknownKind   = errors.New("docstore: unknown artifact kind")
)

// ParseKind maps "invoice"/"photos" to a Kind.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindInvoice:
		return KindInvoice, nil
	case KindPhotos, "photo":
		return KindPhotos, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Publisher receives artifact change events.
type Publisher interface {
	Publish(evt stream.Event)
}

// Status summarizes what is stored for a deal.
type Status struct {
	HasInvoice bool `json:"has_invoice"`
	Photos     int  `json:"photos"`
}

// Store is the filesystem Document Store.
type Store struct {
	root string
	pub  Publisher

	mu sync.Mutex
}

// New prepares the directory layout under root. pub may be nil.
func New(root string, pub Publisher) (*Store, error) {
	for _, dir := range []string{invoicesDir, photosDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("docstore: create %s: %w", dir, err)
		}
	}
	return &Store{root: root, pub: pub}, nil
}

// Root returns the base directory.
func (s *Store) Root() string { return s.root }

func validDealID(dealID string) error {
	if dealID == "" || dealID == "." || strings.Contains(dealID, "..") ||
		strings.ContainsAny(dealID, `/\`+"\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidDealID, dealID)
	}
	return nil
}

func (s *Store) invoicePath(dealID string) string {
	return filepath.Join(s.root, invoicesDir, dealID+".pdf")
}

func (s *Store) photoDir(dealID string) string {
	return filepath.Join(s.root, photosDir, dealID)
}

// SaveInvoice stores r as the deal's invoice, replacing any previous one.
func (s *Store) SaveInvoice(ctx context.Context, dealID string, r io.Reader) error {
	if err := validDealID(dealID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeAtomic(s.invoicePath(dealID), r); err != nil {
		return fmt.Errorf("docstore: save invoice %s: %w", dealID, err)
	}
	s.publish(stream.TypeArtifactStored, dealID, KindInvoice)
	return nil
}

// AddPhoto appends one photo to the deal's set and returns its file name.
// The sequence number is the current count plus one, advanced past any existing name.
func (s *Store) AddPhoto(ctx context.Context, dealID string, r io.Reader) (string, error) {
	if err := validDealID(dealID); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	dir := s.photoDir(dealID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("docstore: create photo dir %s: %w", dealID, err)
	}
	names, err := listPhotos(dir)
	if err != nil {
		return "", err
	}
	seq := len(names) + 1
	name := photoName(seq)
	for contains(names, name) {
		seq++
		name = photoName(seq)
	}
	if err := writeAtomic(filepath.Join(dir, name), r); err != nil {
		return "", fmt.Errorf("docstore: save photo %s/%s: %w", dealID, name, err)
	}
	s.publish(stream.TypeArtifactStored, dealID, KindPhotos)
	return name, nil
}

// InvoicePath returns the invoice file path, or ErrNotFound.
func (s *Store) InvoicePath(dealID string) (string, error) {
	if err := validDealID(dealID); err != nil {
		return "", err
	}
	p := s.invoicePath(dealID)
	if _, err := os.Stat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", err
	}
	return p, nil
}

// HasInvoice reports whether an invoice exists for the deal.
func (s *Store) HasInvoice(dealID string) bool {
	_, err := s.InvoicePath(dealID)
	return err == nil
}

// Photos returns photo paths in upload order. An absent set yields an empty slice.
func (s *Store) Photos(dealID string) ([]string, error) {
	if err := validDealID(dealID); err != nil {
		return nil, err
	}
	dir := s.photoDir(dealID)
	names, err := listPhotos(dir)
	if err != nil {
		return nil, err
	}
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// PhotoCount returns the number of stored photos; errors count as zero.
func (s *Store) PhotoCount(dealID string) int {
	p, err := s.Photos(dealID)
	if err != nil {
		return 0
	}
	return len(p)
}

// Status reports invoice presence and photo count.
func (s *Store) Status(dealID string) Status {
	return Status{HasInvoice: s.HasInvoice(dealID), Photos: s.PhotoCount(dealID)}
}

// Available reports whether an artifact of kind exists for the deal.
func (s *Store) Available(dealID string, kind Kind) bool {
	switch kind {
	case KindInvoice:
		return s.HasInvoice(dealID)
	case KindPhotos:
		return s.PhotoCount(dealID) > 0
	}
	return false
}

// DeleteInvoice removes the deal's invoice.
func (s *Store) DeleteInvoice(dealID string) error {
	p, err := s.InvoicePath(dealID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return fmt.Errorf("docstore: delete invoice %s: %w", dealID, err)
	}
	s.publish(stream.TypeArtifactRemoved, dealID, KindInvoice)
	return nil
}

// DeletePhotos removes the whole photo set and returns how many photos it held.
func (s *Store) DeletePhotos(dealID string) (int, error) {
	if err := validDealID(dealID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.photoDir(dealID)
	names, err := listPhotos(dir)
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		return 0, ErrNotFound
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("docstore: delete photos %s: %w", dealID, err)
	}
	s.publish(stream.TypeArtifactRemoved, dealID, KindPhotos)
	return len(names), nil
}

func (s *Store) publish(typ, dealID string, kind Kind) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(stream.Event{Type: typ, DealID: dealID, Kind: string(kind)})
}

func photoName(seq int) string {
	return fmt.Sprintf("photo_%03d.jpg", seq)
}

func listPhotos(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("docstore: list %s: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func contains(names []string, name string) bool {
	i := sort.SearchStrings(names, name)
	return i < len(names) && names[i] == name
}

func writeAtomic(path string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
