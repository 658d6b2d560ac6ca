package quota

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Gate is the guest-quota predicate: an unauthenticated caller whose send
// counter has reached the limit is blocked from starting new sends until
// they sign in. The counter only ever grows; authentication is the single
// path past the threshold, and that decision belongs to the identity layer.
type Gate struct {
	store Store
	limit int

	mu     sync.Mutex
	count  int
	authed bool
}

// NewGate reads the persisted counter and begins observing external
// changes to it; updates made by any other client with the same store
// flip the Blocked predicate here without any reload.
func NewGate(ctx context.Context, store Store, limit int) (*Gate, error) {
	raw, err := store.Get(ctx, CounterKey)
	if err != nil {
		return nil, fmt.Errorf("read guest counter: %w", err)
	}

	g := &Gate{
		store: store,
		limit: limit,
		count: parseCount(raw),
	}

	ch, err := store.Watch(ctx, CounterKey)
	if err != nil {
		return nil, fmt.Errorf("watch guest counter: %w", err)
	}
	go func() {
		for raw := range ch {
			g.mu.Lock()
			g.count = parseCount(raw)
			g.mu.Unlock()
		}
	}()

	return g, nil
}

// SetAuthenticated records whether the caller currently holds a verified
// identity. The gate never applies its predicate to authenticated callers.
func (g *Gate) SetAuthenticated(authed bool) {
	g.mu.Lock()
	g.authed = authed
	g.mu.Unlock()
}

// Authenticated reports the last value given to SetAuthenticated.
func (g *Gate) Authenticated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.authed
}

// Blocked reports whether a new send must be refused before any network
// call is made.
func (g *Gate) Blocked() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.authed && g.count >= g.limit
}

// Count returns the current counter value as last observed.
func (g *Gate) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Increment records one completed (or attempted) guest send. Called exactly
// once per terminated stream for unauthenticated callers; never called for
// authenticated ones.
func (g *Gate) Increment(ctx context.Context) error {
	g.mu.Lock()
	g.count++
	count := g.count
	g.mu.Unlock()

	if err := g.store.Set(ctx, CounterKey, strconv.Itoa(count)); err != nil {
		return fmt.Errorf("persist guest counter: %w", err)
	}
	return nil
}

// parseCount maps an absent or non-numeric persisted value to zero.
func parseCount(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
