package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

// ResolverCache implements domain.ResolverCache with one JSON string per
// (resolver, identifier) pair. A confirmed miss is stored as "[]".
type ResolverCache struct {
	rdb *redis.Client
}

func NewResolverCache(c *Client) *ResolverCache {
	return &ResolverCache{rdb: c.rdb}
}

func resolverKey(resolver string, key domain.IdentifierKey) string {
	return keyPrefix + "resolver:" + resolver + ":" + key.String()
}

func (rc *ResolverCache) Get(ctx context.Context, resolver string, key domain.IdentifierKey) ([]domain.InstrumentRecord, bool, error) {
	raw, err := rc.rdb.Get(ctx, resolverKey(resolver, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis: get resolver cache %s: %w", key, err)
	}

	var recs []domain.InstrumentRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, false, fmt.Errorf("redis: decode resolver cache %s: %w", key, err)
	}
	return recs, true, nil
}

func (rc *ResolverCache) Set(ctx context.Context, resolver string, key domain.IdentifierKey, recs []domain.InstrumentRecord, ttl time.Duration) error {
	if recs == nil {
		recs = []domain.InstrumentRecord{}
	}
	raw, err := json.Marshal(recs)
	if err != nil {
		return fmt.Errorf("redis: encode resolver cache %s: %w", key, err)
	}
	if err := rc.rdb.Set(ctx, resolverKey(resolver, key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set resolver cache %s: %w", key, err)
	}
	return nil
}

var _ domain.ResolverCache = (*ResolverCache)(nil)
