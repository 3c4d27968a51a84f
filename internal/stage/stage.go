// Package stage detects deal stage transitions against a last-observed-stage cache.
package stage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sunway24/dealbridge/internal/keylock"
)

var ErrInvalidInput = errors.New("stage: deal id and stage are required")

// Cache stores the last observed stage per deal. ok is false when the deal was never observed.
type Cache interface {
	Get(ctx context.Context, dealID string) (stage string, ok bool, err error)
	Put(ctx context.Context, dealID, stage string) error
}

// Kind classifies a detection.
type Kind int

const (
	Unchanged Kind = iota
	FirstObservation
	Changed
)

func (k Kind) String() string {
	switch k {
	case FirstObservation:
		return "first_observation"
	case Changed:
		return "changed"
	default:
		return "unchanged"
	}
}

// Transition is the result of one detection. From is empty for FirstObservation.
type Transition struct {
	Kind Kind
	From string
	To   string
}

// Novel reports whether downstream dispatch should run.
func (t Transition) Novel() bool {
	return t.Kind != Unchanged
}

// Detector compares fresh stages against the cache. Read-modify-write is serialized per deal id,
// so concurrent duplicates of one transition yield a single Changed.
type Detector struct {
	cache Cache
	locks keylock.Map
}

// NewDetector wraps a cache.
func NewDetector(cache Cache) *Detector {
	return &Detector{cache: cache}
}

// Detect records freshStage for dealID and classifies the transition.
// The stage tag is not checked against any known set.
func (d *Detector) Detect(ctx context.Context, dealID, freshStage string) (Transition, error) {
	dealID = strings.TrimSpace(dealID)
	freshStage = strings.TrimSpace(freshStage)
	if dealID == "" || freshStage == "" {
		return Transition{}, ErrInvalidInput
	}

	unlock := d.locks.Lock(dealID)
	defer unlock()

	prev, ok, err := d.cache.Get(ctx, dealID)
	if err != nil {
		return Transition{}, fmt.Errorf("stage cache get %s: %w", dealID, err)
	}
	if ok && prev == freshStage {
		return Transition{Kind: Unchanged, From: prev, To: freshStage}, nil
	}
	if err := d.cache.Put(ctx, dealID, freshStage); err != nil {
		return Transition{}, fmt.Errorf("stage cache put %s: %w", dealID, err)
	}
	if !ok {
		return Transition{Kind: FirstObservation, To: freshStage}, nil
	}
	return Transition{Kind: Changed, From: prev, To: freshStage}, nil
}

// MemoryCache is the process-lifetime Cache.
type MemoryCache struct {
	mu     sync.RWMutex
	stages map[string]string
}

// NewMemoryCache creates an empty cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{stages: make(map[string]string)}
}

func (c *MemoryCache) Get(ctx context.Context, dealID string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.stages[dealID]
	return s, ok, nil
}

func (c *MemoryCache) Put(ctx context.Context, dealID, stage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stages[dealID] = stage
	return nil
}

// Len returns the number of observed deals.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.stages)
}
