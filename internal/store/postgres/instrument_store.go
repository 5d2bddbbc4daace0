package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
)

// InstrumentStore implements domain.InstrumentStore using PostgreSQL.
type InstrumentStore struct {
	ex *Executor
}

func splitKeys(keys []domain.IdentifierKey) (ns, dom, val []string) {
	ns = make([]string, len(keys))
	dom = make([]string, len(keys))
	val = make([]string, len(keys))
	for i, k := range keys {
		ns[i], dom[i], val[i] = k.Namespace, k.Domain, k.Value
	}
	return ns, dom, val
}

// Create inserts a canonical instrument and returns its id.
func (s *InstrumentStore) Create(ctx context.Context, inst domain.Instrument) (int64, error) {
	if inst.Status == "" {
		inst.Status = domain.InstrumentStatusActive
	}
	const query = `
		INSERT INTO instruments (instrument_type, status, listing_mic, currency)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	var id int64
	err := s.ex.q().QueryRow(ctx, query,
		string(inst.Type), string(inst.Status), inst.ListingMIC, inst.Currency,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create instrument: %w", err)
	}
	return id, nil
}

// Get returns an instrument by id.
func (s *InstrumentStore) Get(ctx context.Context, id int64) (domain.Instrument, error) {
	const query = `
		SELECT id, instrument_type, status, listing_mic, currency, created_at
		FROM instruments WHERE id = $1`

	var (
		inst        domain.Instrument
		typ, status string
	)
	err := s.ex.q().QueryRow(ctx, query, id).Scan(
		&inst.ID, &typ, &status, &inst.ListingMIC, &inst.Currency, &inst.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Instrument{}, fmt.Errorf("postgres: instrument %d: %w", id, domain.ErrNotFound)
		}
		return domain.Instrument{}, fmt.Errorf("postgres: get instrument %d: %w", id, err)
	}
	inst.Type = domain.InstrumentType(typ)
	inst.Status = domain.InstrumentStatus(status)
	return inst, nil
}

// CreateDerivative links a derivative instrument to its underlying.
func (s *InstrumentStore) CreateDerivative(ctx context.Context, d domain.Derivative) (int64, error) {
	if d.Multiplier.IsZero() {
		d.Multiplier = domain.DefaultMultiplier
	}
	const query = `
		INSERT INTO derivatives (
			instrument_id, underlying_id, derivative_type, put_call,
			strike_price, expiration_date, multiplier, option_style
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	var id int64
	err := s.ex.q().QueryRow(ctx, query,
		d.InstrumentID, d.UnderlyingID, string(d.Kind), string(d.PutCall),
		d.StrikePrice, d.Expiration, d.Multiplier, string(d.Style),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create derivative: %w", err)
	}
	return id, nil
}

// DerivativeOf returns the derivative row of an instrument.
func (s *InstrumentStore) DerivativeOf(ctx context.Context, instrumentID int64) (domain.Derivative, error) {
	const query = `
		SELECT id, instrument_id, underlying_id, derivative_type, put_call,
		       strike_price, expiration_date, multiplier, option_style
		FROM derivatives WHERE instrument_id = $1`

	var (
		d               domain.Derivative
		kind, pc, style string
	)
	err := s.ex.q().QueryRow(ctx, query, instrumentID).Scan(
		&d.ID, &d.InstrumentID, &d.UnderlyingID, &kind, &pc,
		&d.StrikePrice, &d.Expiration, &d.Multiplier, &style,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Derivative{}, fmt.Errorf("postgres: derivative of %d: %w", instrumentID, domain.ErrNotFound)
		}
		return domain.Derivative{}, fmt.Errorf("postgres: get derivative of %d: %w", instrumentID, err)
	}
	d.Kind = domain.DerivativeKind(kind)
	d.PutCall = domain.PutCall(pc)
	d.Style = domain.OptionStyle(style)
	return d, nil
}

// FindByIdentifiers returns the distinct ids of instruments holding any of
// keys, ascending.
func (s *InstrumentStore) FindByIdentifiers(ctx context.Context, keys []domain.IdentifierKey) ([]int64, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	ns, dom, val := splitKeys(keys)

	const query = `
		SELECT DISTINCT i.instrument_id
		FROM identifiers i
		JOIN unnest($1::text[], $2::text[], $3::text[]) AS k(namespace, domain, identifier)
		  ON i.namespace = k.namespace
		 AND i.domain = k.domain
		 AND i.identifier = k.identifier
		ORDER BY i.instrument_id`

	rows, err := s.ex.q().Query(ctx, query, ns, dom, val)
	if err != nil {
		return nil, fmt.Errorf("postgres: find instruments by identifiers: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("postgres: scan instrument ids: %w", err)
	}
	return ids, nil
}

// IdentifiersOf returns the distinct identifier keys held by any of the
// instruments.
func (s *InstrumentStore) IdentifiersOf(ctx context.Context, instrumentIDs []int64) ([]domain.IdentifierKey, error) {
	if len(instrumentIDs) == 0 {
		return nil, nil
	}
	const query = `
		SELECT DISTINCT namespace, domain, identifier
		FROM identifiers
		WHERE instrument_id = ANY($1)
		ORDER BY namespace, domain, identifier`

	rows, err := s.ex.q().Query(ctx, query, instrumentIDs)
	if err != nil {
		return nil, fmt.Errorf("postgres: identifiers of instruments: %w", err)
	}
	defer rows.Close()

	var out []domain.IdentifierKey
	for rows.Next() {
		var k domain.IdentifierKey
		if err := rows.Scan(&k.Namespace, &k.Domain, &k.Value); err != nil {
			return nil, fmt.Errorf("postgres: scan identifier key: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: identifiers of instruments rows: %w", err)
	}
	return out, nil
}

// ListIdentifiers returns the full identifier rows of one instrument.
func (s *InstrumentStore) ListIdentifiers(ctx context.Context, instrumentID int64) ([]domain.Identifier, error) {
	const query = `
		SELECT id, instrument_id, namespace, domain, identifier, source,
		       authoritative, valid_from, valid_to, created_at
		FROM identifiers
		WHERE instrument_id = $1
		ORDER BY id`

	rows, err := s.ex.q().Query(ctx, query, instrumentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list identifiers: %w", err)
	}
	defer rows.Close()

	var out []domain.Identifier
	for rows.Next() {
		var id domain.Identifier
		if err := rows.Scan(&id.ID, &id.InstrumentID,
			&id.Key.Namespace, &id.Key.Domain, &id.Key.Value, &id.Source,
			&id.Authoritative, &id.ValidFrom, &id.ValidTo, &id.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan identifier: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list identifiers rows: %w", err)
	}
	return out, nil
}

// InsertIdentifiers attaches keys to an instrument. Keys the instrument
// already holds are skipped via ON CONFLICT DO NOTHING.
func (s *InstrumentStore) InsertIdentifiers(ctx context.Context, instrumentID int64, source string, keys []domain.IdentifierKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}

	const query = `
		INSERT INTO identifiers (instrument_id, namespace, domain, identifier, source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instrument_id, namespace, domain, identifier) DO NOTHING`

	batch := &pgx.Batch{}
	for _, k := range keys {
		batch.Queue(query, instrumentID, k.Namespace, k.Domain, k.Value, source)
	}

	written := 0
	err := inScope(ctx, s.ex, func(ex *Executor) error {
		br := ex.q().SendBatch(ctx, batch)
		defer br.Close()
		for i := range keys {
			tag, err := br.Exec()
			if err != nil {
				return fmt.Errorf("postgres: insert identifier %d: %w", i, err)
			}
			written += int(tag.RowsAffected())
		}
		return br.Close()
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// DeleteIdentifiers removes every identifier held by the instruments.
func (s *InstrumentStore) DeleteIdentifiers(ctx context.Context, instrumentIDs []int64) (int64, error) {
	if len(instrumentIDs) == 0 {
		return 0, nil
	}
	tag, err := s.ex.q().Exec(ctx,
		`DELETE FROM identifiers WHERE instrument_id = ANY($1)`, instrumentIDs)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete identifiers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteInstruments removes instruments together with their own derivative
// rows.
func (s *InstrumentStore) DeleteInstruments(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var deleted int64
	err := inScope(ctx, s.ex, func(ex *Executor) error {
		if _, err := ex.q().Exec(ctx,
			`DELETE FROM derivatives WHERE instrument_id = ANY($1)`, ids); err != nil {
			return fmt.Errorf("postgres: delete derivatives: %w", err)
		}
		tag, err := ex.q().Exec(ctx, `DELETE FROM instruments WHERE id = ANY($1)`, ids)
		if err != nil {
			return fmt.Errorf("postgres: delete instruments: %w", err)
		}
		deleted = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// RepointUnderlyings moves derivative underlying references from the
// retiring instruments to the survivor.
func (s *InstrumentStore) RepointUnderlyings(ctx context.Context, from []int64, to int64) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	tag, err := s.ex.q().Exec(ctx,
		`UPDATE derivatives SET underlying_id = $2 WHERE underlying_id = ANY($1)`, from, to)
	if err != nil {
		return 0, fmt.Errorf("postgres: repoint underlyings: %w", err)
	}
	return tag.RowsAffected(), nil
}
