// Package resolver implements identifier resolution: strategies that find
// instrument descriptions for a batch's unresolved identifiers and stage
// them, and the IdResolver sources those strategies consult.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
	"github.com/alanyoungcy/portfoliodb/internal/metrics"
)

// SimpleResolver consults a single IdResolver.
type SimpleResolver struct {
	ex       domain.Executor
	resolver domain.IdResolver
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewSimpleResolver creates a SimpleResolver that reads and writes staging
// through ex.
func NewSimpleResolver(ex domain.Executor, r domain.IdResolver, logger *slog.Logger) *SimpleResolver {
	return &SimpleResolver{
		ex:       ex,
		resolver: r,
		logger:   logger.With(slog.String("component", "simple_resolver")),
	}
}

// WithMetrics records resolver calls on m.
func (s *SimpleResolver) WithMetrics(m *metrics.Metrics) *SimpleResolver {
	s.metrics = m
	return s
}

// Resolve looks up the batch's unresolved identifiers and stages whatever
// the resolver finds under the resolver's name. No lookup is made when
// nothing is unresolved.
func (s *SimpleResolver) Resolve(ctx context.Context, batchID int64) error {
	keys, err := unresolvedKeys(ctx, s.ex, batchID)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	start := time.Now()
	recs, err := s.resolver.Resolve(ctx, keys)
	s.metrics.ResolverCall(s.resolver.Name(), time.Since(start), err)
	if err != nil {
		return fmt.Errorf("resolver: %s: %w", s.resolver.Name(), err)
	}

	s.logger.InfoContext(ctx, "identifiers resolved",
		slog.Int64("batch_id", batchID),
		slog.String("resolver", s.resolver.Name()),
		slog.Int("requested", len(keys)),
		slog.Int("instruments", len(recs)),
	)
	if len(recs) == 0 {
		return nil
	}
	if _, err := s.ex.Staging().StageInstruments(ctx, batchID, s.resolver.Name(), recs); err != nil {
		return fmt.Errorf("resolver: stage %s results: %w", s.resolver.Name(), err)
	}
	return nil
}

func unresolvedKeys(ctx context.Context, ex domain.Executor, batchID int64) ([]domain.IdentifierKey, error) {
	unresolved, err := ex.Staging().UnresolvedIdentifiers(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("resolver: load unresolved identifiers: %w", err)
	}
	keys := make([]domain.IdentifierKey, 0, len(unresolved))
	for _, u := range unresolved {
		if !u.Key.IsZero() {
			keys = append(keys, u.Key)
		}
	}
	return sortedKeys(keys), nil
}

func sortedKeys(keys []domain.IdentifierKey) []domain.IdentifierKey {
	slices.SortFunc(keys, func(a, b domain.IdentifierKey) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	return slices.Compact(keys)
}
