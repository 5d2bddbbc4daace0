package memory

import (
	"maps"
	"slices"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

// state is one complete copy of the database. Transactions work on a clone
// and swap it in on commit.
type state struct {
	seq map[string]int64

	batches            map[int64]domain.Batch
	stagingTxs         []domain.StagingTx
	stagingInstruments []domain.StagingInstrument
	stagingIdentifiers []domain.StagingIdentifier
	stagingPrices      []domain.StagingPrice

	instruments map[int64]domain.Instrument
	identifiers []domain.Identifier
	derivatives map[int64]domain.Derivative // keyed by instrument id

	transactions []domain.Transaction
	prices       []domain.Price
	audit        []domain.AuditEntry
}

func newState() *state {
	return &state{
		seq:         map[string]int64{},
		batches:     map[int64]domain.Batch{},
		instruments: map[int64]domain.Instrument{},
		derivatives: map[int64]domain.Derivative{},
	}
}

func (s *state) next(table string) int64 {
	s.seq[table]++
	return s.seq[table]
}

// clone deep-copies the state. Row values are plain structs; the only
// shared references are pointer fields such as ProcessedAt, which are never
// mutated in place.
func (s *state) clone() *state {
	c := &state{
		seq:                maps.Clone(s.seq),
		batches:            maps.Clone(s.batches),
		stagingTxs:         slices.Clone(s.stagingTxs),
		stagingInstruments: slices.Clone(s.stagingInstruments),
		stagingIdentifiers: slices.Clone(s.stagingIdentifiers),
		stagingPrices:      slices.Clone(s.stagingPrices),
		instruments:        maps.Clone(s.instruments),
		identifiers:        slices.Clone(s.identifiers),
		derivatives:        maps.Clone(s.derivatives),
		transactions:       slices.Clone(s.transactions),
		prices:             slices.Clone(s.prices),
		audit:              slices.Clone(s.audit),
	}
	for i, e := range c.audit {
		c.audit[i].Detail = maps.Clone(e.Detail)
	}
	return c
}

// resolve returns the lowest instrument id holding key.
func (s *state) resolve(key domain.IdentifierKey) (int64, bool) {
	var (
		best  int64
		found bool
	)
	for _, id := range s.identifiers {
		if id.Key == key && (!found || id.InstrumentID < best) {
			best, found = id.InstrumentID, true
		}
	}
	return best, found
}

func (s *state) hasIdentifier(key domain.IdentifierKey) bool {
	_, ok := s.resolve(key)
	return ok
}
