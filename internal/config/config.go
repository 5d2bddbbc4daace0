// Package config defines the portfoliodb configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from a TOML file and may be
// overridden by PORTFOLIODB_* environment variables.
type Config struct {
	Database DatabaseConfig `toml:"database"`
	Store    StoreConfig    `toml:"store"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Resolver ResolverConfig `toml:"resolver"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Server   ServerConfig   `toml:"server"`
	Metrics  MetricsConfig  `toml:"metrics"`
	Notify   NotifyConfig   `toml:"notify"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// DatabaseConfig holds PostgreSQL connection parameters.
type DatabaseConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// StoreConfig selects the relational store implementation.
type StoreConfig struct {
	// Driver is "postgres" or "memory". The memory driver is single-writer:
	// when two ingests overlap, the later reconcile commit fails with a
	// conflict and its batch ends FAILED. Use it for development and one-shot
	// ingest runs only.
	Driver string `toml:"driver"`
}

// RedisConfig holds Redis connection parameters and the TTLs of the
// Redis-backed services.
type RedisConfig struct {
	Enabled          bool     `toml:"enabled"`
	Addr             string   `toml:"addr"`
	Password         string   `toml:"password"`
	DB               int      `toml:"db"`
	PoolSize         int      `toml:"pool_size"`
	MaxRetries       int      `toml:"max_retries"`
	TLSEnabled       bool     `toml:"tls_enabled"`
	LockTTL          Duration `toml:"lock_ttl"`
	ResolverCacheTTL Duration `toml:"resolver_cache_ttl"`
	ResolverMissTTL  Duration `toml:"resolver_miss_ttl"`
}

// S3Config holds object storage parameters for the payload archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ResolverConfig selects the identifier resolution strategy and its sources.
type ResolverConfig struct {
	// Strategy is "simple" (first source only) or "priority".
	Strategy string           `toml:"strategy"`
	Sources  []ResolverSource `toml:"sources"`
	OpenFIGI OpenFIGIConfig   `toml:"openfigi"`
}

// ResolverSource is one IdResolver. Kind is "openfigi" or "static"; static
// sources read their instrument table from File.
type ResolverSource struct {
	Name     string `toml:"name"`
	Kind     string `toml:"kind"`
	Priority int    `toml:"priority"`
	File     string `toml:"file"`
}

// OpenFIGIConfig holds OpenFIGI API parameters.
type OpenFIGIConfig struct {
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	Timeout           Duration `toml:"timeout"`
}

// PipelineConfig tunes ingestion.
type PipelineConfig struct {
	MergeLockWait   Duration `toml:"merge_lock_wait"`
	ArchivePayloads bool     `toml:"archive_payloads"`
}

// ServerConfig holds ops HTTP server parameters. APIKeyHash, a bcrypt hash,
// takes precedence over APIKey. With neither set the API is open.
type ServerConfig struct {
	Port         int      `toml:"port"`
	APIKey       string   `toml:"api_key"`
	APIKeyHash   string   `toml:"api_key_hash"`
	CORSOrigins  []string `toml:"cors_origins"`
	RateLimitRPM int      `toml:"rate_limit_rpm"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// NotifyConfig routes batch status alerts to chat channels. Statuses lists
// the batch statuses that trigger an alert.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Statuses          []string `toml:"statuses"`
}

// Duration decodes TOML strings such as "5m" or "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with the built-in defaults.
func Defaults() Config {
	return Config{
		Database: DatabaseConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "portfoliodb",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Store: StoreConfig{Driver: "postgres"},
		Redis: RedisConfig{
			Addr:             "localhost:6379",
			PoolSize:         20,
			MaxRetries:       3,
			LockTTL:          Duration{30 * time.Second},
			ResolverCacheTTL: Duration{24 * time.Hour},
			ResolverMissTTL:  Duration{time.Hour},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "portfoliodb-payloads",
			Prefix:         "batches",
			ForcePathStyle: true,
		},
		Resolver: ResolverConfig{
			Strategy: "simple",
			Sources:  []ResolverSource{{Name: "openfigi", Kind: "openfigi"}},
			OpenFIGI: OpenFIGIConfig{
				BaseURL: "https://api.openfigi.com",
				Timeout: Duration{30 * time.Second},
			},
		},
		Pipeline: PipelineConfig{
			MergeLockWait:   Duration{10 * time.Second},
			ArchivePayloads: true,
		},
		Server: ServerConfig{
			Port:         8080,
			CORSOrigins:  []string{"http://localhost:3000"},
			RateLimitRPM: 600,
		},
		Metrics:  MetricsConfig{Enabled: true},
		Notify:   NotifyConfig{Statuses: []string{"FAILED"}},
		Mode:     "server",
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	"server":  true,
	"ingest":  true,
	"replay":  true,
	"migrate": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate reports every invalid or missing value in one error.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: server, ingest, replay, migrate)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	switch c.Store.Driver {
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			if c.Database.Host == "" {
				errs = append(errs, "database: host must not be empty (or set database.dsn)")
			}
			if c.Database.Port <= 0 || c.Database.Port > 65535 {
				errs = append(errs, fmt.Sprintf("database: port must be 1-65535, got %d", c.Database.Port))
			}
			if c.Database.Database == "" {
				errs = append(errs, "database: database must not be empty")
			}
		}
		if c.Database.PoolMaxConns < 1 {
			errs = append(errs, "database: pool_max_conns must be >= 1")
		}
		if c.Database.PoolMinConns < 0 || c.Database.PoolMinConns > c.Database.PoolMaxConns {
			errs = append(errs, "database: pool_min_conns must be between 0 and pool_max_conns")
		}
	case "memory":
		if c.Mode == "migrate" {
			errs = append(errs, "store: migrate mode requires the postgres driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: postgres, memory)", c.Store.Driver))
	}

	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
		if c.Redis.LockTTL.Duration <= 0 {
			errs = append(errs, "redis: lock_ttl must be > 0")
		}
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			errs = append(errs, "s3: region must not be empty")
		}
	}
	if c.Mode == "replay" && !c.S3.Enabled {
		errs = append(errs, "s3: replay mode requires s3.enabled")
	}

	switch c.Resolver.Strategy {
	case "simple", "priority":
	default:
		errs = append(errs, fmt.Sprintf("resolver: unknown strategy %q (valid: simple, priority)", c.Resolver.Strategy))
	}
	names := map[string]bool{}
	for i, src := range c.Resolver.Sources {
		if src.Name == "" {
			errs = append(errs, fmt.Sprintf("resolver: sources[%d]: name must not be empty", i))
		} else if names[src.Name] {
			errs = append(errs, fmt.Sprintf("resolver: duplicate source name %q", src.Name))
		}
		names[src.Name] = true
		switch src.Kind {
		case "openfigi":
		case "static":
			if src.File == "" {
				errs = append(errs, fmt.Sprintf("resolver: static source %q needs a file", src.Name))
			}
		default:
			errs = append(errs, fmt.Sprintf("resolver: source %q has unknown kind %q (valid: openfigi, static)", src.Name, src.Kind))
		}
	}
	if c.Resolver.OpenFIGI.RequestsPerSecond < 0 {
		errs = append(errs, "resolver: openfigi.requests_per_second must be >= 0")
	}

	if c.Mode == "server" && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimitRPM < 0 {
		errs = append(errs, "server: rate_limit_rpm must be >= 0")
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}
	for _, st := range c.Notify.Statuses {
		switch st {
		case "PENDING", "PROCESSING", "COMPLETED", "FAILED":
		default:
			errs = append(errs, fmt.Sprintf("notify: unknown batch status %q", st))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
