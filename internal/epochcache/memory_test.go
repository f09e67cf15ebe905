package epochcache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/erauner12/memory-api/internal/store"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemory(time.Minute)
	ctx := context.Background()
	id := uuid.New()

	if _, hit, err := c.Get(ctx, id, "a1"); err != nil || hit {
		t.Fatalf("get on empty cache = hit %v, err %v", hit, err)
	}

	entries := []*store.Entry{{ID: uuid.New(), Channel: store.ChannelMemory}}
	if err := c.Put(ctx, id, "a1", entries); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, hit, err := c.Get(ctx, id, "a1")
	if err != nil || !hit {
		t.Fatalf("get = hit %v, err %v", hit, err)
	}
	if len(got) != 1 || got[0].ID != entries[0].ID {
		t.Errorf("cached entries = %v", got)
	}

	// Keys are scoped per client.
	if _, hit, _ := c.Get(ctx, id, "b2"); hit {
		t.Error("hit for a different client id")
	}

	if err := c.Delete(ctx, id, "a1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, hit, _ := c.Get(ctx, id, "a1"); hit {
		t.Error("hit after delete")
	}
}

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemory(time.Minute)
	ctx := context.Background()
	id := uuid.New()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	c.now = func() time.Time { return now }

	if err := c.Put(ctx, id, "a1", []*store.Entry{{ID: uuid.New()}}); err != nil {
		t.Fatalf("put: %v", err)
	}

	// A read inside the window slides the expiry forward.
	now = base.Add(50 * time.Second)
	if _, hit, _ := c.Get(ctx, id, "a1"); !hit {
		t.Fatal("miss inside the ttl window")
	}
	now = base.Add(100 * time.Second)
	if _, hit, _ := c.Get(ctx, id, "a1"); !hit {
		t.Fatal("sliding ttl did not extend the entry")
	}

	// No access for longer than the ttl expires the key.
	now = now.Add(2 * time.Minute)
	if _, hit, _ := c.Get(ctx, id, "a1"); hit {
		t.Error("hit after expiry")
	}
}
