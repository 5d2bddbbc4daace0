package memory

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

type auditStore struct{ e *Executor }

func (s auditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	return s.e.write(func(st *state) error {
		st.audit = append(st.audit, domain.AuditEntry{
			ID:        st.next("audit_log"),
			Event:     event,
			Detail:    maps.Clone(detail),
			CreatedAt: time.Now().UTC(),
		})
		return nil
	})
}

func (s auditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	var out []domain.AuditEntry
	err := s.e.read(func(st *state) error {
		for _, e := range slices.Backward(st.audit) {
			if opts.Since != nil && e.CreatedAt.Before(*opts.Since) {
				continue
			}
			if opts.Until != nil && e.CreatedAt.After(*opts.Until) {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if opts.Offset > 0 {
		if opts.Offset >= len(out) {
			return nil, err
		}
		out = out[opts.Offset:]
	}
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, err
}
