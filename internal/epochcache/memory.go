package epochcache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/erauner12/memory-api/internal/store"
)

// Memory is an in-process cache with the same sliding-TTL semantics as the
// redis backend. Expired keys are dropped lazily on access.
type Memory struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]*memoryItem
	now   func() time.Time
}

type memoryItem struct {
	entries   []*store.Entry
	expiresAt time.Time
}

// NewMemory builds an in-process cache with the given sliding TTL.
func NewMemory(ttl time.Duration) *Memory {
	return &Memory{
		ttl:   ttl,
		items: make(map[string]*memoryItem),
		now:   time.Now,
	}
}

func (c *Memory) Get(_ context.Context, conversationID uuid.UUID, clientID string) ([]*store.Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(conversationID, clientID)
	it, ok := c.items[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(it.expiresAt) {
		delete(c.items, key)
		return nil, false, nil
	}
	it.expiresAt = c.now().Add(c.ttl)
	return it.entries, true, nil
}

func (c *Memory) Put(_ context.Context, conversationID uuid.UUID, clientID string, entries []*store.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[cacheKey(conversationID, clientID)] = &memoryItem{
		entries:   entries,
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

func (c *Memory) Delete(_ context.Context, conversationID uuid.UUID, clientID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, cacheKey(conversationID, clientID))
	return nil
}
