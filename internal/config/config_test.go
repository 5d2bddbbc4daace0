package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portfoliodb.toml")
	data := `
mode = "ingest"

[store]
driver = "memory"

[redis]
enabled = true
lock_ttl = "45s"

[resolver]
strategy = "priority"

[[resolver.sources]]
name = "seed"
kind = "static"
file = "seed.json"
priority = 0

[[resolver.sources]]
name = "openfigi"
kind = "openfigi"
priority = 10
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PORTFOLIODB_LOG_LEVEL", "debug")
	t.Setenv("PORTFOLIODB_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("PORTFOLIODB_OPENFIGI_API_KEY", "figi-key")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if cfg.Mode != "ingest" || cfg.Store.Driver != "memory" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected top-level values: %+v", cfg)
	}
	if cfg.Redis.LockTTL.Duration != 45*time.Second {
		t.Fatalf("lock_ttl = %v", cfg.Redis.LockTTL)
	}
	if cfg.Redis.ResolverCacheTTL.Duration != 24*time.Hour {
		t.Fatalf("default resolver_cache_ttl lost: %v", cfg.Redis.ResolverCacheTTL)
	}
	if len(cfg.Resolver.Sources) != 2 || cfg.Resolver.Sources[0].Kind != "static" {
		t.Fatalf("sources = %+v", cfg.Resolver.Sources)
	}
	if got := cfg.Server.CORSOrigins; len(got) != 2 || got[1] != "https://b.example" {
		t.Fatalf("cors origins = %v", got)
	}
	if cfg.Resolver.OpenFIGI.APIKey != "figi-key" {
		t.Fatalf("api key override not applied")
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Store.Driver = "sqlite"
	cfg.Resolver.Strategy = "random"
	cfg.Resolver.Sources = []ResolverSource{
		{Name: "a", Kind: "static"},
		{Name: "a", Kind: "bloomberg"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown driver "sqlite"`,
		`unknown strategy "random"`,
		`static source "a" needs a file`,
		`duplicate source name "a"`,
		`unknown kind "bloomberg"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error missing %q:\n%v", want, err)
		}
	}
}

func TestValidateModeRequirements(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "replay"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "replay mode requires s3.enabled") {
		t.Fatalf("replay without s3 should fail, got %v", err)
	}

	cfg = Defaults()
	cfg.Mode = "migrate"
	cfg.Store.Driver = "memory"
	if err := cfg.Validate(); err == nil {
		t.Fatal("migrate with memory driver should fail")
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Password = "pw"
	cfg.Server.APIKey = "key"
	cfg.Resolver.OpenFIGI.APIKey = "figi"

	out := RedactedConfig(&cfg)
	if out.Database.Password != redacted || out.Server.APIKey != redacted || out.Resolver.OpenFIGI.APIKey != redacted {
		t.Fatalf("secrets not redacted: %+v", out)
	}
	if out.Server.APIKeyHash != "" {
		t.Fatalf("empty secret should stay empty")
	}
	if cfg.Database.Password != "pw" {
		t.Fatal("original config was modified")
	}

	out.Resolver.Sources[0].Name = "changed"
	if cfg.Resolver.Sources[0].Name == "changed" {
		t.Fatal("redacted copy shares the sources slice")
	}
}
