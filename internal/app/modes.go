package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/portfoliodb/internal/domain"
	"github.com/alanyoungcy/portfoliodb/internal/server"
	"github.com/alanyoungcy/portfoliodb/internal/server/handler"
	"github.com/alanyoungcy/portfoliodb/internal/server/ws"
	"github.com/alanyoungcy/portfoliodb/internal/service"
)

// ServerMode serves the ops API, the batch event websocket and, when
// senders are configured, chat alerts until ctx is cancelled.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies, svcs *Services) error {
	g, ctx := errgroup.WithContext(ctx)

	hub := ws.NewHub(deps.SignalBus, a.logger)
	g.Go(func() error { return hub.Run(ctx) })

	if deps.Notifier.Enabled() {
		g.Go(func() error { return deps.Notifier.Watch(ctx, deps.SignalBus) })
	}

	handlers := server.Handlers{
		Health:      handler.NewHealthHandler(deps.Checks, a.logger),
		Batches:     handler.NewBatchHandler(svcs.Ingest, a.logger),
		Instruments: handler.NewInstrumentHandler(deps.Root.Instruments(), svcs.Merge, a.logger),
	}
	if deps.Metrics != nil {
		handlers.Metrics = deps.Metrics.Handler()
	}

	srv := server.NewServer(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		APIKey:       a.cfg.Server.APIKey,
		APIKeyHash:   a.cfg.Server.APIKeyHash,
		RateLimitRPM: a.cfg.Server.RateLimitRPM,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// IngestMode runs one JSON payload file through the pipeline.
func (a *App) IngestMode(ctx context.Context, svcs *Services) error {
	if a.opts.IngestFile == "" {
		return errors.New("app: ingest mode needs a payload file")
	}
	payload, err := readPayload(a.opts.IngestFile)
	if err != nil {
		return err
	}
	res, err := svcs.Ingest.Ingest(ctx, payload)
	a.logResult(ctx, a.opts.IngestFile, res, err)
	return err
}

// ReplayMode re-ingests archived payloads. A path ending in .json names a
// single payload; anything else is a prefix replayed in key order. Replay
// continues past failed batches and reports how many failed.
func (a *App) ReplayMode(ctx context.Context, deps *Dependencies, svcs *Services) error {
	if deps.Archive == nil {
		return errors.New("app: replay mode needs s3 enabled")
	}

	paths := []string{a.opts.ReplayPath}
	if !strings.HasSuffix(a.opts.ReplayPath, ".json") {
		infos, err := deps.Archive.List(ctx, a.opts.ReplayPath)
		if err != nil {
			return fmt.Errorf("app: list archive: %w", err)
		}
		paths = paths[:0]
		for _, info := range infos {
			if strings.HasSuffix(info.Path, ".json") {
				paths = append(paths, info.Path)
			}
		}
		slices.Sort(paths)
	}
	if len(paths) == 0 {
		a.logger.InfoContext(ctx, "nothing to replay", slog.String("prefix", a.opts.ReplayPath))
		return nil
	}

	var failed int
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := svcs.Ingest.Replay(ctx, p)
		a.logResult(ctx, p, res, err)
		if err != nil {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("app: replay: %d of %d payloads failed", failed, len(paths))
	}
	return nil
}

// MigrateMode applies pending schema migrations and exits.
func (a *App) MigrateMode(ctx context.Context, deps *Dependencies) error {
	if deps.Postgres == nil {
		return errors.New("app: migrate mode needs the postgres driver")
	}
	applied, err := deps.Postgres.RunMigrations(ctx)
	if err != nil {
		return fmt.Errorf("app: migrate: %w", err)
	}
	a.logger.InfoContext(ctx, "migrations complete",
		slog.Int("applied", len(applied)),
		slog.Any("files", applied),
	)
	return nil
}

func (a *App) logResult(ctx context.Context, source string, res service.IngestResult, err error) {
	attrs := []any{
		slog.String("source", source),
		slog.Int64("batch_id", res.BatchID),
		slog.String("status", string(res.Status)),
		slog.Int("total", res.Total),
		slog.Int("processed", res.Processed),
		slog.Int("errors", res.Errors),
		slog.Int("created", res.Created),
		slog.Int("merged", res.Merged),
	}
	if err != nil {
		a.logger.ErrorContext(ctx, "batch failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	a.logger.InfoContext(ctx, "batch completed", attrs...)
}

// readPayload decodes a batch payload from path, or stdin for "-".
func readPayload(path string) (domain.BatchPayload, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return domain.BatchPayload{}, fmt.Errorf("app: open payload: %w", err)
		}
		defer f.Close()
		r = f
	}

	var p domain.BatchPayload
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return domain.BatchPayload{}, fmt.Errorf("app: decode payload %s: %w", path, err)
	}
	return p, nil
}
