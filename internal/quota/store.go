// Package quota enforces the soft guest-usage limit: a persisted counter,
// shared across every open client for the same state, gates new sends once
// unauthenticated usage reaches a threshold. The backend enforces its own
// authoritative limit; this one only shapes the local UX.
package quota

import (
	"context"
	"sync"
)

// CounterKey is the single persisted key holding the guest send counter as
// a base-10 integer. Absent or non-numeric values read as zero.
const CounterKey = "guest_message_count"

// Store is a small key-value store with external change notification.
// Watch delivers the new value every time another writer updates the key,
// which is what keeps concurrently open clients consistent without a
// reload. Delivery is eventually consistent, not transactional.
type Store interface {
	// Get returns the stored value, or "" with a nil error when absent.
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	// Watch returns a channel that receives the key's new value on every
	// change until ctx is cancelled.
	Watch(ctx context.Context, key string) (<-chan string, error)
}

// MemoryStore is an in-process Store. Every Set is broadcast to all
// watchers of the key, its own writer included.
type MemoryStore struct {
	mu       sync.Mutex
	values   map[string]string
	watchers map[string][]chan string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]string),
		watchers: make(map[string][]chan string),
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	s.values[key] = value
	watchers := append([]chan string(nil), s.watchers[key]...)
	s.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- value:
		default:
			// A stalled watcher only misses an intermediate value; the
			// next change carries the current one.
		}
	}
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context, key string) (<-chan string, error) {
	ch := make(chan string, 8)

	s.mu.Lock()
	s.watchers[key] = append(s.watchers[key], ch)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		chans := s.watchers[key]
		for i, c := range chans {
			if c == ch {
				s.watchers[key] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
	}()

	return ch, nil
}
