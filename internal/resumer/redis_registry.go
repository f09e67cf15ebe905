package resumer

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const locatorKeyPrefix = "memapi:resume:"

// opTimeout bounds every registry round trip; on timeout the caller degrades
// to local-only operation.
const opTimeout = 3 * time.Second

// RedisRegistry is the production locator registry.
type RedisRegistry struct {
	rdb redis.UniversalClient
}

func NewRedisRegistry(rdb redis.UniversalClient) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

func locatorKey(id uuid.UUID) string { return locatorKeyPrefix + id.String() }

func (r *RedisRegistry) Put(ctx context.Context, id uuid.UUID, loc Locator, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.rdb.Set(ctx, locatorKey(id), loc.Encode(), ttl).Err()
}

func (r *RedisRegistry) Get(ctx context.Context, id uuid.UUID) (*Locator, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	raw, err := r.rdb.Get(ctx, locatorKey(id)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	loc, err := ParseLocator(raw)
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

func (r *RedisRegistry) Refresh(ctx context.Context, id uuid.UUID, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.rdb.Expire(ctx, locatorKey(id), ttl).Err()
}

func (r *RedisRegistry) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.rdb.Del(ctx, locatorKey(id)).Err()
}

func (r *RedisRegistry) Check(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]bool{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = locatorKey(id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]bool, len(ids))
	for i, id := range ids {
		out[id] = vals[i] != nil
	}
	return out, nil
}

func (r *RedisRegistry) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.rdb.Ping(ctx).Err() == nil
}
