package resumer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// LocatorRegistry is the shared conversation -> locator map. Existence of a
// key means a recording is in progress on the named node; the TTL expires
// abandoned recordings whose node died before deleting the key.
type LocatorRegistry interface {
	// Put stores the locator with the given TTL, overwriting any previous
	// value. Concurrent recorders race here by design: last writer wins.
	Put(ctx context.Context, conversationID uuid.UUID, loc Locator, ttl time.Duration) error
	// Get returns nil when no recording is registered.
	Get(ctx context.Context, conversationID uuid.UUID) (*Locator, error)
	// Refresh extends the TTL of an existing key.
	Refresh(ctx context.Context, conversationID uuid.UUID, ttl time.Duration) error
	Delete(ctx context.Context, conversationID uuid.UUID) error
	// Check reports which of the given conversations have a recording.
	Check(ctx context.Context, conversationIDs []uuid.UUID) (map[uuid.UUID]bool, error)
	// Available reports whether the backing store is reachable.
	Available(ctx context.Context) bool
}

// MemoryRegistry is a process-local registry for tests and single-node runs.
type MemoryRegistry struct {
	mu    sync.Mutex
	items map[uuid.UUID]memoryLocator
	now   func() time.Time
}

type memoryLocator struct {
	loc       Locator
	expiresAt time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{items: make(map[uuid.UUID]memoryLocator), now: time.Now}
}

func (r *MemoryRegistry) Put(_ context.Context, id uuid.UUID, loc Locator, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[id] = memoryLocator{loc: loc, expiresAt: r.now().Add(ttl)}
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id uuid.UUID) (*Locator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.items[id]
	if !ok {
		return nil, nil
	}
	if r.now().After(it.expiresAt) {
		delete(r.items, id)
		return nil, nil
	}
	loc := it.loc
	return &loc, nil
}

func (r *MemoryRegistry) Refresh(_ context.Context, id uuid.UUID, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.items[id]; ok {
		it.expiresAt = r.now().Add(ttl)
		r.items[id] = it
	}
	return nil
}

func (r *MemoryRegistry) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
	return nil
}

func (r *MemoryRegistry) Check(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	out := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		loc, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out[id] = loc != nil
	}
	return out, nil
}

func (r *MemoryRegistry) Available(context.Context) bool { return true }
