package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

// CachedResolver fronts an IdResolver with a ResolverCache. Hits are kept
// for ttl and confirmed misses for missTTL.
type CachedResolver struct {
	inner   domain.IdResolver
	cache   domain.ResolverCache
	ttl     time.Duration
	missTTL time.Duration
	logger  *slog.Logger
}

// NewCachedResolver wraps inner. A zero missTTL disables negative caching.
func NewCachedResolver(inner domain.IdResolver, cache domain.ResolverCache, ttl, missTTL time.Duration, logger *slog.Logger) *CachedResolver {
	return &CachedResolver{
		inner:   inner,
		cache:   cache,
		ttl:     ttl,
		missTTL: missTTL,
		logger:  logger.With(slog.String("component", "cached_resolver"), slog.String("resolver", inner.Name())),
	}
}

func (c *CachedResolver) Name() string { return c.inner.Name() }

// Resolve answers cached keys from the cache and forwards the rest. Cache
// errors are logged and treated as misses.
func (c *CachedResolver) Resolve(ctx context.Context, keys []domain.IdentifierKey) ([]domain.InstrumentRecord, error) {
	var (
		out  []domain.InstrumentRecord
		miss []domain.IdentifierKey
		seen = map[string]bool{}
	)
	add := func(recs []domain.InstrumentRecord) {
		for _, rec := range recs {
			fp := fingerprint(rec)
			if !seen[fp] {
				seen[fp] = true
				out = append(out, rec)
			}
		}
	}

	for _, k := range keys {
		recs, ok, err := c.cache.Get(ctx, c.inner.Name(), k)
		if err != nil {
			c.logger.WarnContext(ctx, "cache read failed",
				slog.String("key", k.String()),
				slog.String("error", err.Error()),
			)
		}
		if err != nil || !ok {
			miss = append(miss, k)
			continue
		}
		add(recs)
	}
	if len(miss) == 0 {
		return out, nil
	}

	fresh, err := c.inner.Resolve(ctx, miss)
	if err != nil {
		return nil, err
	}
	add(fresh)

	byKey := make(map[domain.IdentifierKey][]domain.InstrumentRecord, len(miss))
	for _, rec := range fresh {
		for _, k := range rec.Identifiers {
			byKey[k] = append(byKey[k], rec)
		}
	}
	for _, k := range miss {
		recs, ttl := byKey[k], c.ttl
		if len(recs) == 0 {
			if c.missTTL <= 0 {
				continue
			}
			ttl = c.missTTL
		}
		if err := c.cache.Set(ctx, c.inner.Name(), k, recs, ttl); err != nil {
			c.logger.WarnContext(ctx, "cache write failed",
				slog.String("key", k.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return out, nil
}

// fingerprint identifies a record by its type and identifier set so a record
// reached through several cached keys is returned once.
func fingerprint(rec domain.InstrumentRecord) string {
	keys := sortedKeys(append([]domain.IdentifierKey(nil), rec.Identifiers...))
	return fmt.Sprintf("%s|%s|%v", rec.Type, rec.ListingMIC, keys)
}
