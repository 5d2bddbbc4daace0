package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
	"github.com/alanyoungcy/portfoliodb/internal/metrics"
)

// IngestResult summarizes one ingestion run.
type IngestResult struct {
	BatchID   int64
	RequestID string
	Status    domain.BatchStatus
	Total     int
	Processed int
	Errors    int
	Created   int
	Merged    int
	Archive   string
}

// IngestService drives a batch through the pipeline: create, stage,
// validate, resolve, reconcile instruments, promote, complete.
type IngestService struct {
	root      domain.Executor
	batches   *BatchService
	validator *Validator
	resolver  domain.StagingResolver
	merger    *MergeEngine
	archive   domain.PayloadArchive
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewIngestService creates an IngestService. resolver may be nil, in which
// case only identifiers already known to the store are linked.
func NewIngestService(
	root domain.Executor,
	batches *BatchService,
	validator *Validator,
	resolver domain.StagingResolver,
	merger *MergeEngine,
	logger *slog.Logger,
) *IngestService {
	return &IngestService{
		root:      root,
		batches:   batches,
		validator: validator,
		resolver:  resolver,
		merger:    merger,
		logger:    logger.With(slog.String("component", "ingest_service")),
	}
}

// WithArchive keeps every ingested payload in archive before staging.
func (s *IngestService) WithArchive(archive domain.PayloadArchive) *IngestService {
	s.archive = archive
	return s
}

// WithMetrics records run durations on m.
func (s *IngestService) WithMetrics(m *metrics.Metrics) *IngestService {
	s.metrics = m
	return s
}

// Ingest runs a payload through the pipeline. Once a batch exists, any error
// leaves it FAILED with the error text; the result carries the batch id in
// that case too.
func (s *IngestService) Ingest(ctx context.Context, payload domain.BatchPayload) (IngestResult, error) {
	return s.run(ctx, payload, s.archive != nil)
}

// Replay re-ingests an archived payload as a new batch.
func (s *IngestService) Replay(ctx context.Context, path string) (IngestResult, error) {
	if s.archive == nil {
		return IngestResult{}, errors.New("ingest_service: replay: no payload archive configured")
	}
	payload, err := s.archive.Load(ctx, path)
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest_service: replay: %w", err)
	}
	s.logger.InfoContext(ctx, "replaying archived payload",
		slog.String("path", path),
		slog.String("request_id", payload.RequestID),
	)
	return s.run(ctx, payload, false)
}

// Batch returns the current state of a batch.
func (s *IngestService) Batch(ctx context.Context, id int64) (domain.Batch, error) {
	return s.root.Batches().Get(ctx, id)
}

// RecentBatches returns the most recently created batches.
func (s *IngestService) RecentBatches(ctx context.Context, limit int) ([]domain.Batch, error) {
	return s.root.Batches().ListRecent(ctx, limit)
}

func (s *IngestService) run(ctx context.Context, payload domain.BatchPayload, archive bool) (IngestResult, error) {
	start := time.Now()
	defer func() { s.metrics.BatchFinished(time.Since(start)) }()

	if payload.RequestID == "" {
		payload.RequestID = uuid.NewString()
	}
	res := IngestResult{RequestID: payload.RequestID}

	req := payload.Request()
	if _, err := domain.ParseBatchType(string(req.Type)); err != nil {
		return res, fmt.Errorf("ingest_service: %w", err)
	}
	if err := req.Period.Validate(); err != nil {
		return res, fmt.Errorf("ingest_service: %w", err)
	}

	id, err := s.batches.Create(ctx, s.root, req)
	if err != nil {
		return res, err
	}
	res.BatchID = id
	log := s.logger.With(slog.Int64("batch_id", id), slog.String("request_id", payload.RequestID))

	if archive {
		path, err := s.archive.Archive(ctx, id, payload)
		if err != nil {
			log.WarnContext(ctx, "archive payload", slog.String("error", err.Error()))
		}
		res.Archive = path
	}

	if err := s.stage(ctx, id, payload); err != nil {
		return s.finish(ctx, res, err)
	}
	if err := s.refreshTotal(ctx, id); err != nil {
		return s.finish(ctx, res, err)
	}
	if err := s.batches.Transition(ctx, s.root, id, domain.BatchStatusProcessing, ""); err != nil {
		return s.finish(ctx, res, err)
	}

	if len(payload.Txs) > 0 {
		if err := s.validator.ValidateTxs(ctx, s.root, id); err != nil {
			return s.finish(ctx, res, err)
		}
	}

	if s.resolver != nil {
		if err := s.resolver.Resolve(ctx, id); err != nil {
			return s.finish(ctx, res, fmt.Errorf("ingest_service: resolve: %w", err))
		}
		if err := s.refreshTotal(ctx, id); err != nil {
			return s.finish(ctx, res, err)
		}
	}

	rec, err := s.reconcile(ctx, id, req.UserID)
	if err != nil {
		return s.finish(ctx, res, err)
	}
	res.Created, res.Merged = rec.created, rec.merged
	res.Processed, res.Errors = rec.processed, rec.unmatched

	if err := s.root.Batches().UpdateCounts(ctx, id, rec.processed, rec.unmatched); err != nil {
		return s.finish(ctx, res, fmt.Errorf("ingest_service: update counts: %w", err))
	}
	if err := s.batches.Transition(ctx, s.root, id, domain.BatchStatusCompleted, ""); err != nil {
		return s.finish(ctx, res, err)
	}

	log.InfoContext(ctx, "batch completed",
		slog.Int("processed", rec.processed),
		slog.Int("unmatched", rec.unmatched),
		slog.Int("instruments_created", rec.created),
		slog.Int("instruments_merged", rec.merged),
		slog.Duration("elapsed", time.Since(start)),
	)
	return s.finish(ctx, res, nil)
}

// finish fills in the final batch state and fails the batch if err is set
// and it is not already terminal.
func (s *IngestService) finish(ctx context.Context, res IngestResult, err error) (IngestResult, error) {
	if err != nil {
		if b, gerr := s.root.Batches().Get(ctx, res.BatchID); gerr == nil && !b.Status.Terminal() {
			s.batches.Fail(ctx, s.root, res.BatchID, err)
		}
	}
	if b, gerr := s.root.Batches().Get(ctx, res.BatchID); gerr == nil {
		res.Status = b.Status
		res.Total = b.TotalRecords
	}
	return res, err
}

func (s *IngestService) stage(ctx context.Context, id int64, p domain.BatchPayload) error {
	if _, err := s.batches.StageTxs(ctx, s.root, id, p.Txs); err != nil {
		return err
	}
	if _, err := s.batches.StageIdentifiers(ctx, s.root, id, domain.SourceTx, txKeys(p.Txs)); err != nil {
		return err
	}
	if _, err := s.batches.StageInstruments(ctx, s.root, id, domain.SourceUser, p.Instruments); err != nil {
		return err
	}
	if _, err := s.batches.StagePrices(ctx, s.root, id, p.Prices); err != nil {
		return err
	}
	if _, err := s.batches.StageIdentifiers(ctx, s.root, id, domain.SourcePrice, priceKeys(p.Prices)); err != nil {
		return err
	}
	return nil
}

func (s *IngestService) refreshTotal(ctx context.Context, id int64) error {
	total, err := s.root.Staging().CountRows(ctx, id)
	if err != nil {
		return fmt.Errorf("ingest_service: count staged rows: %w", err)
	}
	return s.batches.UpdateTotalRecords(ctx, s.root, id, total)
}

type reconciliation struct {
	created   int
	merged    int
	processed int
	unmatched int
}

// reconcile turns staged instruments into canonical ones and promotes the
// batch's transactions and prices, all in one transaction. The merge locks
// for every staged identifier are held until that transaction commits.
func (s *IngestService) reconcile(ctx context.Context, batchID, userID int64) (reconciliation, error) {
	var rec reconciliation

	staged, err := s.root.Staging().StagedInstruments(ctx, batchID)
	if err != nil {
		return rec, fmt.Errorf("ingest_service: load staged instruments: %w", err)
	}
	var keys []domain.IdentifierKey
	for _, si := range staged {
		keys = append(keys, si.Identifiers...)
	}
	unlock, err := s.merger.Lock(ctx, keys)
	if err != nil {
		return rec, err
	}
	defer unlock()

	tx, err := s.root.Save(ctx)
	if err != nil {
		return rec, fmt.Errorf("ingest_service: begin reconcile: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, si := range staged {
		if len(si.Identifiers) == 0 {
			continue
		}
		before, err := tx.Instruments().FindByIdentifiers(ctx, si.Identifiers)
		if err != nil {
			return rec, fmt.Errorf("ingest_service: find instruments: %w", err)
		}

		survivor, ok, err := s.merger.Merge(ctx, tx, si.Identifiers)
		if err != nil {
			return rec, err
		}
		if !ok {
			if _, err := s.createInstrument(ctx, tx, si); err != nil {
				return rec, err
			}
			rec.created++
			continue
		}
		if len(before) > 1 {
			rec.merged += len(before) - 1
		}
		if _, err := tx.Instruments().InsertIdentifiers(ctx, survivor, si.Instrument.Source, si.Identifiers); err != nil {
			return rec, fmt.Errorf("ingest_service: attach identifiers: %w", err)
		}
	}

	txOK, txMiss, err := tx.Ledger().PromoteTxs(ctx, batchID, userID)
	if err != nil {
		return rec, fmt.Errorf("ingest_service: promote txs: %w", err)
	}
	pxOK, pxMiss, err := tx.Ledger().PromotePrices(ctx, batchID)
	if err != nil {
		return rec, fmt.Errorf("ingest_service: promote prices: %w", err)
	}
	s.metrics.Promoted("tx", txOK, txMiss)
	s.metrics.Promoted("price", pxOK, pxMiss)
	rec.processed = txOK + pxOK
	rec.unmatched = txMiss + pxMiss

	if err := tx.Commit(ctx); err != nil {
		return rec, fmt.Errorf("ingest_service: commit reconcile: %w", err)
	}
	return rec, nil
}

func (s *IngestService) createInstrument(ctx context.Context, ex domain.Executor, si domain.StagedInstrument) (int64, error) {
	in := si.Instrument
	id, err := ex.Instruments().Create(ctx, domain.Instrument{
		Type:       in.Type,
		Status:     in.Status,
		ListingMIC: in.ListingMIC,
		Currency:   in.Currency,
	})
	if err != nil {
		return 0, fmt.Errorf("ingest_service: create instrument: %w", err)
	}
	if _, err := ex.Instruments().InsertIdentifiers(ctx, id, in.Source, si.Identifiers); err != nil {
		return 0, fmt.Errorf("ingest_service: attach identifiers: %w", err)
	}

	if in.DerivativeKind == domain.DerivativeKindNone || in.Underlying.IsZero() {
		return id, nil
	}
	under, err := ex.Instruments().FindByIdentifiers(ctx, []domain.IdentifierKey{in.Underlying})
	if err != nil {
		return 0, fmt.Errorf("ingest_service: find underlying: %w", err)
	}
	if len(under) == 0 {
		s.logger.WarnContext(ctx, "derivative underlying not found",
			slog.Int64("instrument_id", id),
			slog.String("underlying", in.Underlying.String()),
		)
		return id, nil
	}
	d := domain.Derivative{
		InstrumentID: id,
		UnderlyingID: under[0],
		Kind:         in.DerivativeKind,
		PutCall:      in.OptionPutCall,
		Expiration:   in.OptionExpiration,
		Style:        in.OptionStyle,
	}
	if in.OptionStrike.Valid {
		d.StrikePrice = in.OptionStrike.Decimal
	}
	if _, err := ex.Instruments().CreateDerivative(ctx, d); err != nil {
		return 0, fmt.Errorf("ingest_service: create derivative: %w", err)
	}
	return id, nil
}

func txKeys(txs []domain.Tx) []domain.IdentifierKey {
	keys := make([]domain.IdentifierKey, 0, len(txs))
	for _, t := range txs {
		if t.Identifier.Complete() {
			keys = append(keys, t.Identifier)
		}
	}
	return distinctKeys(keys)
}

func priceKeys(prices []domain.PriceRecord) []domain.IdentifierKey {
	keys := make([]domain.IdentifierKey, 0, len(prices))
	for _, p := range prices {
		if p.Identifier.Complete() {
			keys = append(keys, p.Identifier)
		}
	}
	return distinctKeys(keys)
}
