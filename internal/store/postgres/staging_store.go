package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

// StagingStore implements domain.StagingStore using PostgreSQL.
type StagingStore struct {
	ex *Executor
}

const stagingTxSelectCols = `id, batch_id, namespace, domain, identifier, description,
	account_id, currency, units, unit_price, trade_date, settled_date, tx_type`

func scanStagingTxRows(rows pgx.Rows) ([]domain.StagingTx, error) {
	var out []domain.StagingTx
	for rows.Next() {
		var (
			t      domain.StagingTx
			txType string
		)
		if err := rows.Scan(
			&t.ID, &t.BatchID, &t.Identifier.Namespace, &t.Identifier.Domain, &t.Identifier.Value,
			&t.Description, &t.AccountID, &t.Currency, &t.Units, &t.UnitPrice,
			&t.TradeDate, &t.SettledDate, &txType,
		); err != nil {
			return nil, err
		}
		t.Type = domain.TxType(txType)
		out = append(out, t)
	}
	return out, rows.Err()
}

// StageTxs bulk-inserts raw transactions for a batch.
func (s *StagingStore) StageTxs(ctx context.Context, batchID int64, txs []domain.Tx) (int, error) {
	if len(txs) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO staging_txs (
			batch_id, namespace, domain, identifier, description,
			account_id, currency, units, unit_price,
			trade_date, settled_date, tx_type
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12
		)`

	batch := &pgx.Batch{}
	for _, t := range txs {
		batch.Queue(query,
			batchID, t.Identifier.Namespace, t.Identifier.Domain, t.Identifier.Value, t.Description,
			t.AccountID, t.Currency, t.Units, t.UnitPrice,
			t.TradeDate, t.SettledDate, string(t.Type),
		)
	}

	err := inScope(ctx, s.ex, func(ex *Executor) error {
		br := ex.q().SendBatch(ctx, batch)
		defer br.Close()
		for i := range txs {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("postgres: stage tx %d: %w", i, err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return len(txs), nil
}

// StageInstruments writes one staging instrument per record plus one
// staging identifier per claim, tied to that instrument. It returns the
// number of instruments and identifiers written.
func (s *StagingStore) StageInstruments(ctx context.Context, batchID int64, source string, instruments []domain.InstrumentRecord) (int, error) {
	if len(instruments) == 0 {
		return 0, nil
	}

	const insertInstrument = `
		INSERT INTO staging_instruments (
			batch_id, source, instrument_type, status, listing_mic, currency,
			underlying_namespace, underlying_domain, underlying_identifier,
			derivative_type, option_expiration_date, option_put_call,
			option_strike_price, option_style
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9,
			$10, $11, $12,
			$13, $14
		) RETURNING id`

	written := 0
	err := inScope(ctx, s.ex, func(ex *Executor) error {
		for i, rec := range instruments {
			si := domain.FlattenInstrument(batchID, source, rec)

			var id int64
			err := ex.q().QueryRow(ctx, insertInstrument,
				batchID, source, string(si.Type), string(si.Status), si.ListingMIC, si.Currency,
				si.Underlying.Namespace, si.Underlying.Domain, si.Underlying.Value,
				string(si.DerivativeKind), si.OptionExpiration, string(si.OptionPutCall),
				si.OptionStrike, string(si.OptionStyle),
			).Scan(&id)
			if err != nil {
				return fmt.Errorf("postgres: stage instrument %d: %w", i, err)
			}
			written++

			n, err := insertStagingIdentifiers(ctx, ex, batchID, id, source, rec.Identifiers)
			if err != nil {
				return err
			}
			written += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// StageIdentifiers records identifier claims that are not yet attached to a
// staged instrument.
func (s *StagingStore) StageIdentifiers(ctx context.Context, batchID int64, source string, keys []domain.IdentifierKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	var n int
	err := inScope(ctx, s.ex, func(ex *Executor) error {
		var err error
		n, err = insertStagingIdentifiers(ctx, ex, batchID, 0, source, keys)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func insertStagingIdentifiers(ctx context.Context, ex *Executor, batchID, stagingInstrumentID int64, source string, keys []domain.IdentifierKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO staging_identifiers (batch_id, staging_instrument_id, namespace, domain, identifier, source)
		VALUES ($1, NULLIF($2::bigint, 0), $3, $4, $5, $6)`

	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(query, batchID, stagingInstrumentID, k.Namespace, k.Domain, k.Value, source)
	}

	br := ex.q().SendBatch(ctx, batch)
	defer br.Close()
	for i := range keys {
		if _, err := br.Exec(); err != nil {
			return 0, fmt.Errorf("postgres: stage identifier %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("postgres: stage identifiers: %w", err)
	}
	return len(keys), nil
}

// StagePrices bulk-inserts raw prices for a batch.
func (s *StagingStore) StagePrices(ctx context.Context, batchID int64, prices []domain.PriceRecord) (int, error) {
	if len(prices) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO staging_prices (batch_id, namespace, domain, identifier, currency, price, as_of)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	batch := &pgx.Batch{}
	for _, p := range prices {
		batch.Queue(query, batchID,
			p.Identifier.Namespace, p.Identifier.Domain, p.Identifier.Value,
			p.Currency, p.Price, p.AsOf,
		)
	}

	err := inScope(ctx, s.ex, func(ex *Executor) error {
		br := ex.q().SendBatch(ctx, batch)
		defer br.Close()
		for i := range prices {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("postgres: stage price %d: %w", i, err)
			}
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return len(prices), nil
}

// UnresolvedIdentifiers returns the batch's claims with no matching
// canonical identifier.
func (s *StagingStore) UnresolvedIdentifiers(ctx context.Context, batchID int64) ([]domain.StagingIdentifier, error) {
	const query = `
		SELECT s.id, s.batch_id, COALESCE(s.staging_instrument_id, 0),
		       s.namespace, s.domain, s.identifier, s.source
		FROM staging_identifiers s
		LEFT JOIN identifiers i
		  ON i.namespace = s.namespace
		 AND i.domain = s.domain
		 AND i.identifier = s.identifier
		WHERE s.batch_id = $1 AND i.id IS NULL
		ORDER BY s.id`

	rows, err := s.ex.q().Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("postgres: unresolved identifiers: %w", err)
	}
	defer rows.Close()

	var out []domain.StagingIdentifier
	for rows.Next() {
		var si domain.StagingIdentifier
		if err := rows.Scan(&si.ID, &si.BatchID, &si.StagingInstrumentID,
			&si.Key.Namespace, &si.Key.Domain, &si.Key.Value, &si.Source); err != nil {
			return nil, fmt.Errorf("postgres: scan staging identifier: %w", err)
		}
		out = append(out, si)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: unresolved identifiers rows: %w", err)
	}
	return out, nil
}

// InvalidTxs returns staged transactions that cannot be linked to an
// instrument.
func (s *StagingStore) InvalidTxs(ctx context.Context, batchID int64) ([]domain.StagingTx, error) {
	query := `SELECT ` + stagingTxSelectCols + ` FROM staging_txs
		WHERE batch_id = $1
		  AND description = ''
		  AND (namespace = '' OR domain = '' OR identifier = '')
		ORDER BY id`

	rows, err := s.ex.q().Query(ctx, query, batchID)
	if err != nil {
		return nil, fmt.Errorf("postgres: invalid txs: %w", err)
	}
	defer rows.Close()

	txs, err := scanStagingTxRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan invalid txs: %w", err)
	}
	return txs, nil
}

// StagedInstruments returns the batch's staged instruments with their
// identifier claims, ordered by staging id.
func (s *StagingStore) StagedInstruments(ctx context.Context, batchID int64) ([]domain.StagedInstrument, error) {
	const instQuery = `
		SELECT id, batch_id, source, instrument_type, status, listing_mic, currency,
		       underlying_namespace, underlying_domain, underlying_identifier,
		       derivative_type, option_expiration_date, option_put_call,
		       option_strike_price, option_style
		FROM staging_instruments
		WHERE batch_id = $1
		ORDER BY id`

	rows, err := s.ex.q().Query(ctx, instQuery, batchID)
	if err != nil {
		return nil, fmt.Errorf("postgres: staged instruments: %w", err)
	}

	var (
		out   []domain.StagedInstrument
		index = map[int64]int{}
	)
	for rows.Next() {
		var (
			si                           domain.StagingInstrument
			typ, status, kind, pc, style string
		)
		if err := rows.Scan(
			&si.ID, &si.BatchID, &si.Source, &typ, &status, &si.ListingMIC, &si.Currency,
			&si.Underlying.Namespace, &si.Underlying.Domain, &si.Underlying.Value,
			&kind, &si.OptionExpiration, &pc,
			&si.OptionStrike, &style,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan staged instrument: %w", err)
		}
		si.Type = domain.InstrumentType(typ)
		si.Status = domain.InstrumentStatus(status)
		si.DerivativeKind = domain.DerivativeKind(kind)
		si.OptionPutCall = domain.PutCall(pc)
		si.OptionStyle = domain.OptionStyle(style)

		index[si.ID] = len(out)
		out = append(out, domain.StagedInstrument{Instrument: si})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: staged instruments rows: %w", err)
	}
	if len(out) == 0 {
		return nil, nil
	}

	const idQuery = `
		SELECT staging_instrument_id, namespace, domain, identifier
		FROM staging_identifiers
		WHERE batch_id = $1 AND staging_instrument_id IS NOT NULL
		ORDER BY id`

	idRows, err := s.ex.q().Query(ctx, idQuery, batchID)
	if err != nil {
		return nil, fmt.Errorf("postgres: staged instrument identifiers: %w", err)
	}
	defer idRows.Close()

	for idRows.Next() {
		var (
			instID int64
			k      domain.IdentifierKey
		)
		if err := idRows.Scan(&instID, &k.Namespace, &k.Domain, &k.Value); err != nil {
			return nil, fmt.Errorf("postgres: scan staged instrument identifier: %w", err)
		}
		if i, ok := index[instID]; ok {
			out[i].Identifiers = append(out[i].Identifiers, k)
		}
	}
	if err := idRows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: staged instrument identifiers rows: %w", err)
	}
	return out, nil
}

// CountRows returns the number of staged rows of every kind for a batch.
func (s *StagingStore) CountRows(ctx context.Context, batchID int64) (int, error) {
	const query = `
		SELECT (SELECT COUNT(*) FROM staging_txs WHERE batch_id = $1)
		     + (SELECT COUNT(*) FROM staging_instruments WHERE batch_id = $1)
		     + (SELECT COUNT(*) FROM staging_identifiers WHERE batch_id = $1)
		     + (SELECT COUNT(*) FROM staging_prices WHERE batch_id = $1)`

	var n int64
	if err := s.ex.q().QueryRow(ctx, query, batchID).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count staged rows: %w", err)
	}
	return int(n), nil
}
