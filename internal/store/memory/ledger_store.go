package memory

import (
	"context"
	"slices"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

type ledgerStore struct{ e *Executor }

func (s ledgerStore) RepointTransactions(ctx context.Context, from []int64, to int64) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	var n int64
	err := s.e.write(func(st *state) error {
		for i, t := range st.transactions {
			if slices.Contains(from, t.InstrumentID) {
				st.transactions[i].InstrumentID = to
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s ledgerStore) RepointPrices(ctx context.Context, from []int64, to int64) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	var n int64
	err := s.e.write(func(st *state) error {
		for i, p := range st.prices {
			if slices.Contains(from, p.InstrumentID) {
				st.prices[i].InstrumentID = to
				n++
			}
		}
		return nil
	})
	return n, err
}

func (s ledgerStore) PromoteTxs(ctx context.Context, batchID, userID int64) (int, int, error) {
	var promoted, unmatched int
	err := s.e.write(func(st *state) error {
		for _, t := range st.stagingTxs {
			if t.BatchID != batchID {
				continue
			}
			instID, ok := st.resolve(t.Identifier)
			if !ok {
				unmatched++
				continue
			}
			st.transactions = append(st.transactions, domain.Transaction{
				ID:           st.next("transactions"),
				BatchID:      batchID,
				UserID:       userID,
				InstrumentID: instID,
				AccountID:    t.AccountID,
				Currency:     t.Currency,
				Units:        t.Units,
				UnitPrice:    t.UnitPrice,
				TradeDate:    t.TradeDate,
				SettledDate:  t.SettledDate,
				Type:         t.Type,
				Description:  t.Description,
			})
			promoted++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return promoted, unmatched, nil
}

func (s ledgerStore) PromotePrices(ctx context.Context, batchID int64) (int, int, error) {
	var promoted, unmatched int
	err := s.e.write(func(st *state) error {
		for _, p := range st.stagingPrices {
			if p.BatchID != batchID {
				continue
			}
			instID, ok := st.resolve(p.Identifier)
			if !ok {
				unmatched++
				continue
			}
			st.prices = append(st.prices, domain.Price{
				ID:           st.next("prices"),
				InstrumentID: instID,
				Currency:     p.Currency,
				Price:        p.Price,
				AsOf:         p.AsOf,
				BatchID:      batchID,
			})
			promoted++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return promoted, unmatched, nil
}

func (s ledgerStore) TransactionsOf(ctx context.Context, instrumentID int64) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := s.e.read(func(st *state) error {
		for _, t := range st.transactions {
			if t.InstrumentID == instrumentID {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

func (s ledgerStore) PricesOf(ctx context.Context, instrumentID int64) ([]domain.Price, error) {
	var out []domain.Price
	err := s.e.read(func(st *state) error {
		for _, p := range st.prices {
			if p.InstrumentID == instrumentID {
				out = append(out, p)
			}
		}
		return nil
	})
	return out, err
}
