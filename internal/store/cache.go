package store

import (
	"context"

	"github.com/google/uuid"
)

// EpochCache caches the full current-epoch MEMORY entry list per
// (conversation, client) key. Consulted only on LATEST reads; written through
// after any sync that appends. TTL is sliding: implementations refresh it on
// every hit and write.
type EpochCache interface {
	// Get returns the cached list and true on a hit.
	Get(ctx context.Context, conversationID uuid.UUID, clientID string) ([]*Entry, bool, error)
	Put(ctx context.Context, conversationID uuid.UUID, clientID string, entries []*Entry) error
	Delete(ctx context.Context, conversationID uuid.UUID, clientID string) error
}

// NopCache disables caching (cache.type=none).
type NopCache struct{}

func (NopCache) Get(context.Context, uuid.UUID, string) ([]*Entry, bool, error) {
	return nil, false, nil
}
func (NopCache) Put(context.Context, uuid.UUID, string, []*Entry) error { return nil }
func (NopCache) Delete(context.Context, uuid.UUID, string) error        { return nil }
