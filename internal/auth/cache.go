package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// KV is the subset of the Redis cache the profile cache needs.
type KV interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	// SetNX writes value only if key is absent.
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) error
}

const (
	profileTombstone = "-"

	// DefaultInvalidationHold is how long an invalidated profile stays
	// uncacheable. It must outlast a user lookup plus the cache fill that
	// follows it.
	DefaultInvalidationHold = 5 * time.Second
)

// KVProfileCache stores public profiles as JSON under "profile:<id>".
//
// Invalidate leaves a tombstone and Set only fills absent keys, so a reader
// that loaded a profile before a concurrent update cannot cache the old
// copy over the invalidation.
type KVProfileCache struct {
	kv   KV
	ttl  time.Duration
	hold time.Duration
}

func NewKVProfileCache(kv KV, ttl time.Duration) *KVProfileCache {
	return &KVProfileCache{kv: kv, ttl: ttl, hold: DefaultInvalidationHold}
}

func profileKey(id uuid.UUID) string {
	return "profile:" + id.String()
}

func (c *KVProfileCache) Get(ctx context.Context, id uuid.UUID) (*PublicProfile, bool) {
	raw, ok := c.kv.Get(ctx, profileKey(id))
	if !ok || raw == profileTombstone {
		return nil, false
	}
	var p PublicProfile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, false
	}
	return &p, true
}

// Set is best effort; a failed write only costs a later miss.
func (c *KVProfileCache) Set(ctx context.Context, p *PublicProfile) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return
	}
	_ = c.kv.SetNX(ctx, profileKey(id), string(data), c.ttl)
}

func (c *KVProfileCache) Invalidate(ctx context.Context, id uuid.UUID) {
	_ = c.kv.Set(ctx, profileKey(id), profileTombstone, c.hold)
}
