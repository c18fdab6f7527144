// Package deadletter retains events that exhausted their retry budget for
// inspection. The store is memory-resident and bounded: when full, the oldest
// entry gives way so a broken downstream cannot grow memory without limit.
package deadletter

import (
	"sync"
	"time"

	"github.com/churnguard/eventcore/event"
)

// DefaultCapacity bounds the store when no capacity is configured.
const DefaultCapacity = 1000

// Entry is one dead-lettered event with its full error history.
type Entry struct {
	DeadAt         time.Time          `json:"dead_at"`
	EventID        string             `json:"event_id"`
	Provider       string             `json:"provider,omitempty"`
	StreamID       string             `json:"stream_id,omitempty"`
	OrganizationID string             `json:"organization_id"`
	RetryCount     int                `json:"retry_count"`
	Errors         []event.ErrorEntry `json:"errors"`
	Payload        []byte             `json:"payload"`
}

// Store is a bounded in-memory dead letter store.
type Store struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
	total    int64
}

// NewStore creates a store holding at most capacity entries.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity}
}

// AddEvent dead-letters a webhook event.
func (s *Store) AddEvent(ev *event.IngestionEvent) {
	s.add(Entry{
		DeadAt:         time.Now().UTC(),
		EventID:        ev.ID,
		Provider:       ev.Provider,
		OrganizationID: ev.OrganizationID,
		RetryCount:     ev.RetryCount,
		Errors:         append([]event.ErrorEntry(nil), ev.Errors...),
		Payload:        ev.RawPayload,
	})
}

// AddMessage dead-letters a stream message.
func (s *Store) AddMessage(msg *event.StreamMessage) {
	s.add(Entry{
		DeadAt:         time.Now().UTC(),
		EventID:        msg.ID,
		StreamID:       msg.StreamID,
		OrganizationID: msg.OrganizationID,
		RetryCount:     msg.RetryCount,
		Errors:         append([]event.ErrorEntry(nil), msg.Errors...),
		Payload:        msg.Payload,
	})
}

func (s *Store) add(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == s.capacity {
		copy(s.entries, s.entries[1:])
		s.entries = s.entries[:len(s.entries)-1]
	}
	s.entries = append(s.entries, e)
	s.total++
}

// List returns up to limit entries, newest first.
func (s *Store) List(limit int) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, limit)
	for i := 0; i < limit; i++ {
		out[i] = s.entries[n-1-i]
	}
	return out
}

// Len returns the number of retained entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Total returns the number of entries ever dead-lettered, including ones
// the capacity bound has since evicted.
func (s *Store) Total() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}
