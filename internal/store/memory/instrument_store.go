package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

type instrumentStore struct{ e *Executor }

func (s instrumentStore) Create(ctx context.Context, inst domain.Instrument) (int64, error) {
	if inst.Status == "" {
		inst.Status = domain.InstrumentStatusActive
	}
	var id int64
	err := s.e.write(func(st *state) error {
		id = st.next("instruments")
		inst.ID = id
		inst.CreatedAt = time.Now().UTC()
		st.instruments[id] = inst
		return nil
	})
	return id, err
}

func (s instrumentStore) Get(ctx context.Context, id int64) (domain.Instrument, error) {
	var inst domain.Instrument
	err := s.e.read(func(st *state) error {
		got, ok := st.instruments[id]
		if !ok {
			return fmt.Errorf("memory: instrument %d: %w", id, domain.ErrNotFound)
		}
		inst = got
		return nil
	})
	return inst, err
}

func (s instrumentStore) CreateDerivative(ctx context.Context, d domain.Derivative) (int64, error) {
	if d.Multiplier.IsZero() {
		d.Multiplier = domain.DefaultMultiplier
	}
	var id int64
	err := s.e.write(func(st *state) error {
		if _, ok := st.instruments[d.InstrumentID]; !ok {
			return fmt.Errorf("memory: derivative instrument %d: %w", d.InstrumentID, domain.ErrNotFound)
		}
		if _, ok := st.instruments[d.UnderlyingID]; !ok {
			return fmt.Errorf("memory: underlying instrument %d: %w", d.UnderlyingID, domain.ErrNotFound)
		}
		if _, dup := st.derivatives[d.InstrumentID]; dup {
			return fmt.Errorf("memory: derivative of %d: %w", d.InstrumentID, domain.ErrAlreadyExists)
		}
		id = st.next("derivatives")
		d.ID = id
		st.derivatives[d.InstrumentID] = d
		return nil
	})
	return id, err
}

func (s instrumentStore) DerivativeOf(ctx context.Context, instrumentID int64) (domain.Derivative, error) {
	var d domain.Derivative
	err := s.e.read(func(st *state) error {
		got, ok := st.derivatives[instrumentID]
		if !ok {
			return fmt.Errorf("memory: derivative of %d: %w", instrumentID, domain.ErrNotFound)
		}
		d = got
		return nil
	})
	return d, err
}

func (s instrumentStore) FindByIdentifiers(ctx context.Context, keys []domain.IdentifierKey) ([]int64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	want := make(map[domain.IdentifierKey]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	var ids []int64
	err := s.e.read(func(st *state) error {
		for _, id := range st.identifiers {
			if _, ok := want[id.Key]; ok {
				ids = append(ids, id.InstrumentID)
			}
		}
		return nil
	})
	slices.Sort(ids)
	return slices.Compact(ids), err
}

func (s instrumentStore) IdentifiersOf(ctx context.Context, instrumentIDs []int64) ([]domain.IdentifierKey, error) {
	if len(instrumentIDs) == 0 {
		return nil, nil
	}
	var keys []domain.IdentifierKey
	err := s.e.read(func(st *state) error {
		for _, id := range st.identifiers {
			if slices.Contains(instrumentIDs, id.InstrumentID) {
				keys = append(keys, id.Key)
			}
		}
		return nil
	})
	slices.SortFunc(keys, compareKeys)
	return slices.Compact(keys), err
}

func compareKeys(a, b domain.IdentifierKey) int {
	switch {
	case a.Less(b):
		return -1
	case b.Less(a):
		return 1
	}
	return 0
}

func (s instrumentStore) ListIdentifiers(ctx context.Context, instrumentID int64) ([]domain.Identifier, error) {
	var out []domain.Identifier
	err := s.e.read(func(st *state) error {
		for _, id := range st.identifiers {
			if id.InstrumentID == instrumentID {
				out = append(out, id)
			}
		}
		return nil
	})
	return out, err
}

func (s instrumentStore) InsertIdentifiers(ctx context.Context, instrumentID int64, source string, keys []domain.IdentifierKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	written := 0
	err := s.e.write(func(st *state) error {
		if _, ok := st.instruments[instrumentID]; !ok {
			return fmt.Errorf("memory: instrument %d: %w", instrumentID, domain.ErrNotFound)
		}
		for _, k := range keys {
			held := slices.ContainsFunc(st.identifiers, func(id domain.Identifier) bool {
				return id.InstrumentID == instrumentID && id.Key == k
			})
			if held {
				continue
			}
			st.identifiers = append(st.identifiers, domain.Identifier{
				ID:           st.next("identifiers"),
				InstrumentID: instrumentID,
				Key:          k,
				Source:       source,
				CreatedAt:    time.Now().UTC(),
			})
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func (s instrumentStore) DeleteIdentifiers(ctx context.Context, instrumentIDs []int64) (int64, error) {
	if len(instrumentIDs) == 0 {
		return 0, nil
	}
	var n int64
	err := s.e.write(func(st *state) error {
		before := len(st.identifiers)
		st.identifiers = slices.DeleteFunc(st.identifiers, func(id domain.Identifier) bool {
			return slices.Contains(instrumentIDs, id.InstrumentID)
		})
		n = int64(before - len(st.identifiers))
		return nil
	})
	return n, err
}

// DeleteInstruments removes instruments and their derivative rows. It
// refuses to leave dangling references, mirroring the foreign keys of the
// relational schema; identifiers are not cascaded.
func (s instrumentStore) DeleteInstruments(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var n int64
	err := s.e.write(func(st *state) error {
		for _, id := range st.identifiers {
			if slices.Contains(ids, id.InstrumentID) {
				return fmt.Errorf("memory: delete instrument %d: identifiers still attached", id.InstrumentID)
			}
		}
		for _, t := range st.transactions {
			if slices.Contains(ids, t.InstrumentID) {
				return fmt.Errorf("memory: delete instrument %d: transactions still attached", t.InstrumentID)
			}
		}
		for _, p := range st.prices {
			if slices.Contains(ids, p.InstrumentID) {
				return fmt.Errorf("memory: delete instrument %d: prices still attached", p.InstrumentID)
			}
		}
		for _, d := range st.derivatives {
			if slices.Contains(ids, d.UnderlyingID) && !slices.Contains(ids, d.InstrumentID) {
				return fmt.Errorf("memory: delete instrument %d: still an underlying", d.UnderlyingID)
			}
		}
		for _, id := range ids {
			if _, ok := st.instruments[id]; ok {
				delete(st.instruments, id)
				delete(st.derivatives, id)
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s instrumentStore) RepointUnderlyings(ctx context.Context, from []int64, to int64) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	var n int64
	err := s.e.write(func(st *state) error {
		for k, d := range st.derivatives {
			if slices.Contains(from, d.UnderlyingID) {
				d.UnderlyingID = to
				st.derivatives[k] = d
				n++
			}
		}
		return nil
	})
	return n, err
}
