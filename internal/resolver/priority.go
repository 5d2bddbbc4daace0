package resolver

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
	"github.com/alanyoungcy/portfoliodb/internal/metrics"
)

// Source is an IdResolver with a priority. Lower values are consulted
// first.
type Source struct {
	Resolver domain.IdResolver
	Priority int
}

// PriorityResolver consults several IdResolvers in priority tiers.
// Resolvers sharing a priority run concurrently and each one's matches are
// staged under its own name, so the merge engine sees every source's view.
// Identifiers matched by a tier are not sent to later tiers.
type PriorityResolver struct {
	ex      domain.Executor
	tiers   [][]domain.IdResolver
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewPriorityResolver creates a PriorityResolver over sources.
func NewPriorityResolver(ex domain.Executor, logger *slog.Logger, sources ...Source) *PriorityResolver {
	sorted := slices.Clone(sources)
	slices.SortStableFunc(sorted, func(a, b Source) int { return cmp.Compare(a.Priority, b.Priority) })

	var tiers [][]domain.IdResolver
	for i, src := range sorted {
		if i == 0 || src.Priority != sorted[i-1].Priority {
			tiers = append(tiers, nil)
		}
		tiers[len(tiers)-1] = append(tiers[len(tiers)-1], src.Resolver)
	}

	return &PriorityResolver{
		ex:     ex,
		tiers:  tiers,
		logger: logger.With(slog.String("component", "priority_resolver")),
	}
}

// WithMetrics records resolver calls on m.
func (p *PriorityResolver) WithMetrics(m *metrics.Metrics) *PriorityResolver {
	p.metrics = m
	return p
}

// Resolve stages the findings of every tier for the batch's unresolved
// identifiers. A failing resolver is skipped; Resolve fails only when every
// resolver of a tier fails.
func (p *PriorityResolver) Resolve(ctx context.Context, batchID int64) error {
	remaining, err := unresolvedKeys(ctx, p.ex, batchID)
	if err != nil {
		return err
	}

	for tier, group := range p.tiers {
		if len(remaining) == 0 {
			return nil
		}

		results := make([][]domain.InstrumentRecord, len(group))
		errs := make([]error, len(group))

		// A resolver error is recorded per member; only cancellation of the
		// caller's context aborts the tier.
		g, gctx := errgroup.WithContext(ctx)
		for i, r := range group {
			keys := remaining
			g.Go(func() error {
				start := time.Now()
				results[i], errs[i] = r.Resolve(gctx, keys)
				p.metrics.ResolverCall(r.Name(), time.Since(start), errs[i])
				return ctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("resolver: tier %d: %w", tier, err)
		}

		failed := 0
		for _, err := range errs {
			if err != nil {
				failed++
			}
		}
		if failed == len(group) {
			return fmt.Errorf("resolver: tier %d: all resolvers failed: %w", tier, errors.Join(errs...))
		}

		matched := map[domain.IdentifierKey]struct{}{}
		for i, r := range group {
			if errs[i] != nil {
				p.logger.WarnContext(ctx, "resolver failed",
					slog.Int64("batch_id", batchID),
					slog.String("resolver", r.Name()),
					slog.String("error", errs[i].Error()),
				)
				continue
			}
			if len(results[i]) == 0 {
				continue
			}
			if _, err := p.ex.Staging().StageInstruments(ctx, batchID, r.Name(), results[i]); err != nil {
				return fmt.Errorf("resolver: stage %s results: %w", r.Name(), err)
			}
			for _, rec := range results[i] {
				for _, k := range rec.Identifiers {
					matched[k] = struct{}{}
				}
			}
		}

		remaining = slices.DeleteFunc(remaining, func(k domain.IdentifierKey) bool {
			_, ok := matched[k]
			return ok
		})
	}
	return nil
}
