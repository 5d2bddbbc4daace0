package memory

import (
	"context"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

type stagingStore struct{ e *Executor }

func (s stagingStore) StageTxs(ctx context.Context, batchID int64, txs []domain.Tx) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}
	err := s.e.write(func(st *state) error {
		for _, t := range txs {
			st.stagingTxs = append(st.stagingTxs, domain.StagingTx{
				ID:      st.next("staging_txs"),
				BatchID: batchID,
				Tx:      t,
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(txs), nil
}

func (s stagingStore) StageInstruments(ctx context.Context, batchID int64, source string, instruments []domain.InstrumentRecord) (int, error) {
	if len(instruments) == 0 {
		return 0, nil
	}
	written := 0
	err := s.e.write(func(st *state) error {
		for _, rec := range instruments {
			si := domain.FlattenInstrument(batchID, source, rec)
			si.ID = st.next("staging_instruments")
			st.stagingInstruments = append(st.stagingInstruments, si)
			written++

			for _, k := range rec.Identifiers {
				st.stagingIdentifiers = append(st.stagingIdentifiers, domain.StagingIdentifier{
					ID:                  st.next("staging_identifiers"),
					BatchID:             batchID,
					StagingInstrumentID: si.ID,
					Key:                 k,
					Source:              source,
				})
				written++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func (s stagingStore) StageIdentifiers(ctx context.Context, batchID int64, source string, keys []domain.IdentifierKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	err := s.e.write(func(st *state) error {
		for _, k := range keys {
			st.stagingIdentifiers = append(st.stagingIdentifiers, domain.StagingIdentifier{
				ID:      st.next("staging_identifiers"),
				BatchID: batchID,
				Key:     k,
				Source:  source,
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

func (s stagingStore) StagePrices(ctx context.Context, batchID int64, prices []domain.PriceRecord) (int, error) {
	if len(prices) == 0 {
		return 0, nil
	}
	err := s.e.write(func(st *state) error {
		for _, p := range prices {
			st.stagingPrices = append(st.stagingPrices, domain.StagingPrice{
				ID:          st.next("staging_prices"),
				BatchID:     batchID,
				PriceRecord: p,
			})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(prices), nil
}

func (s stagingStore) UnresolvedIdentifiers(ctx context.Context, batchID int64) ([]domain.StagingIdentifier, error) {
	var out []domain.StagingIdentifier
	err := s.e.read(func(st *state) error {
		for _, si := range st.stagingIdentifiers {
			if si.BatchID == batchID && !st.hasIdentifier(si.Key) {
				out = append(out, si)
			}
		}
		return nil
	})
	return out, err
}

func (s stagingStore) InvalidTxs(ctx context.Context, batchID int64) ([]domain.StagingTx, error) {
	var out []domain.StagingTx
	err := s.e.read(func(st *state) error {
		for _, t := range st.stagingTxs {
			if t.BatchID == batchID && !t.Complete() {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

func (s stagingStore) StagedInstruments(ctx context.Context, batchID int64) ([]domain.StagedInstrument, error) {
	var out []domain.StagedInstrument
	err := s.e.read(func(st *state) error {
		index := map[int64]int{}
		for _, si := range st.stagingInstruments {
			if si.BatchID != batchID {
				continue
			}
			index[si.ID] = len(out)
			out = append(out, domain.StagedInstrument{Instrument: si})
		}
		for _, id := range st.stagingIdentifiers {
			if i, ok := index[id.StagingInstrumentID]; ok && id.BatchID == batchID {
				out[i].Identifiers = append(out[i].Identifiers, id.Key)
			}
		}
		return nil
	})
	return out, err
}

func (s stagingStore) CountRows(ctx context.Context, batchID int64) (int, error) {
	n := 0
	err := s.e.read(func(st *state) error {
		for _, r := range st.stagingTxs {
			if r.BatchID == batchID {
				n++
			}
		}
		for _, r := range st.stagingInstruments {
			if r.BatchID == batchID {
				n++
			}
		}
		for _, r := range st.stagingIdentifiers {
			if r.BatchID == batchID {
				n++
			}
		}
		for _, r := range st.stagingPrices {
			if r.BatchID == batchID {
				n++
			}
		}
		return nil
	})
	return n, err
}
