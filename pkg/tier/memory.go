package tier

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryRegistry is the in-process Registry used by tests and
// single-node deployments.
type MemoryRegistry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{entries: make(map[string]Entry)}
}

func (r *MemoryRegistry) Create(_ context.Context, name string, initial Tier, now time.Time) error {
	if !initial.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, initial)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrClaimExists, name)
	}
	r.entries[name] = Entry{Claim: name, Tier: initial, Version: 1, ChangedAt: now.UTC()}
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrClaimNotFound, name)
	}
	return e, nil
}

func (r *MemoryRegistry) CompareAndSet(_ context.Context, name string, expect uint64, next Tier, now time.Time) (Entry, error) {
	if !next.Valid() {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidTier, next)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrClaimNotFound, name)
	}
	if e.Version != expect {
		return Entry{}, fmt.Errorf("%w: %s at version %d, expected %d", ErrVersionConflict, name, e.Version, expect)
	}
	e.Tier = next
	e.Version++
	e.ChangedAt = now.UTC()
	r.entries[name] = e
	return e, nil
}

func (r *MemoryRegistry) Snapshot(_ context.Context) (map[string]Tier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]Tier, len(r.entries))
	for name, e := range r.entries {
		out[name] = e.Tier
	}
	return out, nil
}
