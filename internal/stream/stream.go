package stream

import (
	"context"
	"sync"
	"time"
)

// Event types.
const (
	TypeArtifactStored  = "artifact_stored"
	TypeArtifactRemoved = "artifact_removed"
	TypeDispatch        = "dispatch"
)

// Event is published when an artifact changes or a deal event has been dispatched.
type Event struct {
	Type       string    `json:"type"`
	DealID     string    `json:"deal_id"`
	Kind       string    `json:"kind,omitempty"`
	Trigger    string    `json:"trigger,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Stage      string    `json:"stage,omitempty"`
	DeliveryID string    `json:"delivery_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Stream fan-outs events to all active subscribers (SSE clients and waiting dispatches).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}

// Subscribers returns the number of active subscriptions.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}
