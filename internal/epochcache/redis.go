// Package epochcache provides the memory-entries cache backends: redis for
// multi-node deployments and an in-process map for single-node runs and tests.
package epochcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/memory-api/internal/store"
)

const keyPrefix = "memapi:epoch:"

// Redis caches epoch snapshots in redis with a sliding TTL: GETEX refreshes
// the expiry on every hit, SET reattaches it on every write.
type Redis struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedis builds a redis-backed cache. ttl is the sliding expiry.
func NewRedis(rdb redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

func cacheKey(conversationID uuid.UUID, clientID string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, conversationID, clientID)
}

func (c *Redis) Get(ctx context.Context, conversationID uuid.UUID, clientID string) ([]*store.Entry, bool, error) {
	raw, err := c.rdb.GetEx(ctx, cacheKey(conversationID, clientID), c.ttl).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &store.TransientError{Cause: err}
	}
	var entries []*store.Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		// A corrupt value is treated as a miss; the next write replaces it.
		log.Ctx(ctx).Warn().Err(err).Str("conversationId", conversationID.String()).
			Msg("dropping undecodable epoch cache value")
		return nil, false, nil
	}
	return entries, true, nil
}

func (c *Redis) Put(ctx context.Context, conversationID uuid.UUID, clientID string, entries []*store.Entry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, cacheKey(conversationID, clientID), raw, c.ttl).Err(); err != nil {
		return &store.TransientError{Cause: err}
	}
	return nil
}

func (c *Redis) Delete(ctx context.Context, conversationID uuid.UUID, clientID string) error {
	if err := c.rdb.Del(ctx, cacheKey(conversationID, clientID)).Err(); err != nil {
		return &store.TransientError{Cause: err}
	}
	return nil
}
