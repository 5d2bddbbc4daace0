package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/portfoliodb/internal/blob/s3"
	"github.com/alanyoungcy/portfoliodb/internal/cache/redis"
	"github.com/alanyoungcy/portfoliodb/internal/config"
	"github.com/alanyoungcy/portfoliodb/internal/domain"
	"github.com/alanyoungcy/portfoliodb/internal/metrics"
	"github.com/alanyoungcy/portfoliodb/internal/notify"
	"github.com/alanyoungcy/portfoliodb/internal/resolver"
	"github.com/alanyoungcy/portfoliodb/internal/server/handler"
	"github.com/alanyoungcy/portfoliodb/internal/server/middleware"
	"github.com/alanyoungcy/portfoliodb/internal/service"
	"github.com/alanyoungcy/portfoliodb/internal/store/memory"
	"github.com/alanyoungcy/portfoliodb/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes run on. Optional
// backends are nil when disabled.
type Dependencies struct {
	Root     domain.Executor
	Postgres *postgres.Client

	LockManager   domain.LockManager
	SignalBus     domain.SignalBus
	ResolverCache domain.ResolverCache
	RateLimiter   domain.RateLimiter

	Archive *s3blob.PayloadArchive

	Metrics  *metrics.Metrics
	Notifier *notify.Notifier

	// Checks feeds the health endpoint.
	Checks map[string]handler.Check
}

// Services is the ingestion pipeline built over Dependencies.
type Services struct {
	Batches *service.BatchService
	Merge   *service.MergeEngine
	Ingest  *service.IngestService
}

// Wire constructs the configured backends and returns them with a cleanup
// function releasing them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}
	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New()
	}

	switch cfg.Store.Driver {
	case "memory":
		deps.Root = memory.New().Executor()
		logger.WarnContext(ctx, "using in-memory store; single writer, data is lost on exit")
	default:
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pg.Close)

		if cfg.Database.RunMigrations && cfg.Mode != "migrate" {
			applied, err := pg.RunMigrations(ctx)
			if err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
			if len(applied) > 0 {
				logger.InfoContext(ctx, "applied migrations", slog.Any("files", applied))
			}
		}
		deps.Postgres = pg
		deps.Root = pg.Executor()
		deps.Checks["postgres"] = pg.Health
	}

	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = rc.Close() })

		deps.LockManager = redis.NewLockManager(rc)
		deps.SignalBus = redis.NewSignalBus(rc)
		deps.ResolverCache = redis.NewResolverCache(rc)
		deps.RateLimiter = redis.NewRateLimiter(rc)
		deps.Checks["redis"] = rc.Health
	} else {
		deps.SignalBus = memory.NewSignalBus()
		deps.RateLimiter = middleware.NewLocalLimiter()
	}

	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Archive = s3blob.NewPayloadArchive(
			s3blob.NewWriter(sc), s3blob.NewReader(sc), deps.Root.Audit(), cfg.S3.Prefix,
		)
		deps.Checks["s3"] = sc.Health
	}

	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Statuses, logger)

	return deps, cleanup, nil
}

// BuildServices assembles the ingestion pipeline from deps.
func BuildServices(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (*Services, error) {
	batches := service.NewBatchService(logger).
		WithSignalBus(deps.SignalBus).
		WithMetrics(deps.Metrics)

	merge := service.NewMergeEngine(deps.Root, logger).WithMetrics(deps.Metrics)
	if deps.LockManager != nil {
		merge.WithLocks(deps.LockManager, cfg.Redis.LockTTL.Duration, cfg.Pipeline.MergeLockWait.Duration)
	}

	res, err := buildResolver(cfg, deps, logger)
	if err != nil {
		return nil, err
	}

	ingest := service.NewIngestService(
		deps.Root,
		batches,
		service.NewValidator(batches, logger).WithMetrics(deps.Metrics),
		res,
		merge,
		logger,
	).WithMetrics(deps.Metrics)
	if deps.Archive != nil && cfg.Pipeline.ArchivePayloads {
		ingest.WithArchive(deps.Archive)
	} else if deps.Archive != nil {
		// Replay still needs to read archived payloads.
		ingest.WithArchive(readOnlyArchive{deps.Archive})
	}

	return &Services{Batches: batches, Merge: merge, Ingest: ingest}, nil
}

// buildResolver creates the configured IdResolvers, wraps remote ones in the
// redis result cache and combines them per the resolver strategy. It
// returns nil when no sources are configured.
func buildResolver(cfg *config.Config, deps *Dependencies, logger *slog.Logger) (domain.StagingResolver, error) {
	var sources []resolver.Source
	for _, src := range cfg.Resolver.Sources {
		var r domain.IdResolver
		switch src.Kind {
		case "static":
			sr, err := resolver.LoadStaticResolver(src.Name, src.File)
			if err != nil {
				return nil, fmt.Errorf("wire: resolver %s: %w", src.Name, err)
			}
			r = sr
		case "openfigi":
			r = resolver.NewOpenFIGIResolver(resolver.OpenFIGIConfig{
				BaseURL:           cfg.Resolver.OpenFIGI.BaseURL,
				APIKey:            cfg.Resolver.OpenFIGI.APIKey,
				RequestsPerSecond: cfg.Resolver.OpenFIGI.RequestsPerSecond,
				Timeout:           cfg.Resolver.OpenFIGI.Timeout.Duration,
			})
			if deps.ResolverCache != nil {
				r = resolver.NewCachedResolver(r, deps.ResolverCache,
					cfg.Redis.ResolverCacheTTL.Duration, cfg.Redis.ResolverMissTTL.Duration, logger)
			}
		default:
			return nil, fmt.Errorf("wire: resolver %s: unknown kind %q", src.Name, src.Kind)
		}
		sources = append(sources, resolver.Source{Resolver: r, Priority: src.Priority})
	}

	if len(sources) == 0 {
		return nil, nil
	}
	if cfg.Resolver.Strategy == "priority" {
		return resolver.NewPriorityResolver(deps.Root, logger, sources...).WithMetrics(deps.Metrics), nil
	}
	if len(sources) > 1 {
		logger.Warn("simple resolver strategy uses only the first source",
			slog.String("source", sources[0].Resolver.Name()),
		)
	}
	return resolver.NewSimpleResolver(deps.Root, sources[0].Resolver, logger).WithMetrics(deps.Metrics), nil
}

// readOnlyArchive serves replay without archiving new payloads.
type readOnlyArchive struct{ domain.PayloadArchive }

func (readOnlyArchive) Archive(context.Context, int64, domain.BatchPayload) (string, error) {
	return "", nil
}
