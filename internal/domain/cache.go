package domain

import (
	"context"
	"time"
)

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub between processes.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// ResolverCache stores identifier resolution results keyed by resolver name
// and identifier key. A cached nil slice records a confirmed miss.
type ResolverCache interface {
	Get(ctx context.Context, resolver string, key IdentifierKey) (recs []InstrumentRecord, ok bool, err error)
	Set(ctx context.Context, resolver string, key IdentifierKey, recs []InstrumentRecord, ttl time.Duration) error
}

// RateLimiter counts requests per key over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
