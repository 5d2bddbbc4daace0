package postgres

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

// LedgerStore implements domain.LedgerStore using PostgreSQL.
type LedgerStore struct {
	ex *Executor
}

// RepointTransactions moves transactions from the retiring instruments to
// the survivor.
func (s *LedgerStore) RepointTransactions(ctx context.Context, from []int64, to int64) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	tag, err := s.ex.q().Exec(ctx,
		`UPDATE transactions SET instrument_id = $2 WHERE instrument_id = ANY($1)`, from, to)
	if err != nil {
		return 0, fmt.Errorf("postgres: repoint transactions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RepointPrices moves prices from the retiring instruments to the survivor.
func (s *LedgerStore) RepointPrices(ctx context.Context, from []int64, to int64) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	tag, err := s.ex.q().Exec(ctx,
		`UPDATE prices SET instrument_id = $2 WHERE instrument_id = ANY($1)`, from, to)
	if err != nil {
		return 0, fmt.Errorf("postgres: repoint prices: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PromoteTxs copies staged transactions whose identifier resolves to an
// instrument into transactions. When a key resolves to more than one
// instrument the lowest id wins.
func (s *LedgerStore) PromoteTxs(ctx context.Context, batchID, userID int64) (int, int, error) {
	const insert = `
		INSERT INTO transactions (
			batch_id, user_id, instrument_id, account_id, currency,
			units, unit_price, trade_date, settled_date, tx_type, description
		)
		SELECT s.batch_id, $2, r.instrument_id, s.account_id, s.currency,
		       s.units, s.unit_price, s.trade_date, s.settled_date, s.tx_type, s.description
		FROM staging_txs s
		JOIN LATERAL (
			SELECT MIN(i.instrument_id) AS instrument_id
			FROM identifiers i
			WHERE i.namespace = s.namespace
			  AND i.domain = s.domain
			  AND i.identifier = s.identifier
		) r ON r.instrument_id IS NOT NULL
		WHERE s.batch_id = $1
		ORDER BY s.id`

	var promoted, total int
	err := inScope(ctx, s.ex, func(ex *Executor) error {
		tag, err := ex.q().Exec(ctx, insert, batchID, userID)
		if err != nil {
			return fmt.Errorf("postgres: promote txs: %w", err)
		}
		promoted = int(tag.RowsAffected())

		var n int64
		if err := ex.q().QueryRow(ctx,
			`SELECT COUNT(*) FROM staging_txs WHERE batch_id = $1`, batchID).Scan(&n); err != nil {
			return fmt.Errorf("postgres: count staged txs: %w", err)
		}
		total = int(n)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return promoted, total - promoted, nil
}

// PromotePrices copies staged prices whose identifier resolves to an
// instrument into prices.
func (s *LedgerStore) PromotePrices(ctx context.Context, batchID int64) (int, int, error) {
	const insert = `
		INSERT INTO prices (batch_id, instrument_id, currency, price, as_of)
		SELECT s.batch_id, r.instrument_id, s.currency, s.price, s.as_of
		FROM staging_prices s
		JOIN LATERAL (
			SELECT MIN(i.instrument_id) AS instrument_id
			FROM identifiers i
			WHERE i.namespace = s.namespace
			  AND i.domain = s.domain
			  AND i.identifier = s.identifier
		) r ON r.instrument_id IS NOT NULL
		WHERE s.batch_id = $1
		ORDER BY s.id`

	var promoted, total int
	err := inScope(ctx, s.ex, func(ex *Executor) error {
		tag, err := ex.q().Exec(ctx, insert, batchID)
		if err != nil {
			return fmt.Errorf("postgres: promote prices: %w", err)
		}
		promoted = int(tag.RowsAffected())

		var n int64
		if err := ex.q().QueryRow(ctx,
			`SELECT COUNT(*) FROM staging_prices WHERE batch_id = $1`, batchID).Scan(&n); err != nil {
			return fmt.Errorf("postgres: count staged prices: %w", err)
		}
		total = int(n)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return promoted, total - promoted, nil
}

// TransactionsOf returns the transactions booked against an instrument.
func (s *LedgerStore) TransactionsOf(ctx context.Context, instrumentID int64) ([]domain.Transaction, error) {
	const query = `
		SELECT id, batch_id, user_id, instrument_id, account_id, currency,
		       units, unit_price, trade_date, settled_date, tx_type, description
		FROM transactions
		WHERE instrument_id = $1
		ORDER BY trade_date, id`

	rows, err := s.ex.q().Query(ctx, query, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: transactions of %d: %w", instrumentID, err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		var (
			t      domain.Transaction
			txType string
		)
		if err := rows.Scan(&t.ID, &t.BatchID, &t.UserID, &t.InstrumentID, &t.AccountID, &t.Currency,
			&t.Units, &t.UnitPrice, &t.TradeDate, &t.SettledDate, &txType, &t.Description); err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		t.Type = domain.TxType(txType)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: transactions rows: %w", err)
	}
	return out, nil
}

// PricesOf returns the price history of an instrument.
func (s *LedgerStore) PricesOf(ctx context.Context, instrumentID int64) ([]domain.Price, error) {
	const query = `
		SELECT id, instrument_id, currency, price, as_of, batch_id
		FROM prices
		WHERE instrument_id = $1
		ORDER BY as_of, id`

	rows, err := s.ex.q().Query(ctx, query, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: prices of %d: %w", instrumentID, err)
	}
	defer rows.Close()

	var out []domain.Price
	for rows.Next() {
		var p domain.Price
		if err := rows.Scan(&p.ID, &p.InstrumentID, &p.Currency, &p.Price, &p.AsOf, &p.BatchID); err != nil {
			return nil, fmt.Errorf("postgres: scan price: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: prices rows: %w", err)
	}
	return out, nil
}
