package config

import (
	"testing"
	"time"
)

func TestLoad_valid(t *testing.T) {
	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 15*time.Second {
		t.Errorf("Server.ReadTimeout = %v, want 15s", cfg.Server.ReadTimeout)
	}
	if cfg.Identity.Issuer != "https://auth.example.com" {
		t.Errorf("Identity.Issuer = %q", cfg.Identity.Issuer)
	}
	if len(cfg.Identity.Algorithms) != 2 {
		t.Errorf("Identity.Algorithms = %v, want 2 entries", cfg.Identity.Algorithms)
	}
	if !cfg.Schemas.StrictChecksums {
		t.Error("Schemas.StrictChecksums = false, want true")
	}
	if cfg.InstanceStore.Driver != "postgres" {
		t.Errorf("InstanceStore.Driver = %q, want postgres", cfg.InstanceStore.Driver)
	}
	if cfg.InstanceStore.DSNEnv != "AFYA_PG_DSN" {
		t.Errorf("InstanceStore.DSNEnv = %q", cfg.InstanceStore.DSNEnv)
	}
	if cfg.Sync.Interval != 20*time.Second {
		t.Errorf("Sync.Interval = %v, want 20s", cfg.Sync.Interval)
	}
	if cfg.Sync.Backoff.Max != 30*time.Minute {
		t.Errorf("Sync.Backoff.Max = %v, want 30m", cfg.Sync.Backoff.Max)
	}
	if cfg.Sync.Store.Driver != "redis" {
		t.Errorf("Sync.Store.Driver = %q, want redis", cfg.Sync.Store.Driver)
	}
}

func TestLoad_missing_file(t *testing.T) {
	_, err := Load("testdata/nonexistent.yaml")
	if err == nil {
		t.Fatal("Load() with missing file should return error")
	}
}

func TestLoad_missing_identity(t *testing.T) {
	_, err := Load("testdata/missing_identity.yaml")
	if err == nil {
		t.Fatal("Load() with missing identity should return error")
	}
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.Port != 8080 {
		t.Errorf("default Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sync.Backoff.Initial != 30*time.Second {
		t.Errorf("default Sync.Backoff.Initial = %v, want 30s", cfg.Sync.Backoff.Initial)
	}
	if cfg.Sync.Backoff.Max != 30*time.Minute {
		t.Errorf("default Sync.Backoff.Max = %v, want 30m", cfg.Sync.Backoff.Max)
	}
	if cfg.InstanceStore.Driver != "memory" {
		t.Errorf("default InstanceStore.Driver = %q, want memory", cfg.InstanceStore.Driver)
	}
	if cfg.Observability.LogLevel != "info" {
		t.Errorf("default LogLevel = %q, want info", cfg.Observability.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AFYA_SERVER_PORT", "3000")
	t.Setenv("AFYA_IDENTITY_ISSUER", "https://env-issuer.com")
	t.Setenv("AFYA_SYNC_ENDPOINT", "https://env-hub.example.com/v1/encounters")
	t.Setenv("AFYA_OBSERVABILITY_LOG_LEVEL", "error")

	cfg, err := Load("testdata/valid.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 3000 {
		t.Errorf("Server.Port = %d, want 3000 (env override)", cfg.Server.Port)
	}
	if cfg.Identity.Issuer != "https://env-issuer.com" {
		t.Errorf("Identity.Issuer = %q, want env override", cfg.Identity.Issuer)
	}
	if cfg.Sync.Endpoint != "https://env-hub.example.com/v1/encounters" {
		t.Errorf("Sync.Endpoint = %q, want env override", cfg.Sync.Endpoint)
	}
	if cfg.Observability.LogLevel != "error" {
		t.Errorf("LogLevel = %q, want error (env override)", cfg.Observability.LogLevel)
	}
}

func TestValidate_invalid_drivers(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Sync.Endpoint = "https://hub.example.com"
	cfg.InstanceStore.Driver = "sqlite"

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with unknown instance store driver should return error")
	}

	cfg.InstanceStore.Driver = "memory"
	cfg.Sync.Store.Driver = "dynamo"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with unknown sync store driver should return error")
	}
}

func TestValidate_sync_endpoint_required_when_enabled(t *testing.T) {
	cfg := Defaults()
	cfg.Identity.Issuer = "https://auth.example.com"
	cfg.Identity.JWKSURL = "https://auth.example.com/.well-known/jwks.json"
	cfg.Sync.Enabled = true
	cfg.Sync.Endpoint = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() with sync enabled and no endpoint should return error")
	}

	cfg.Sync.Enabled = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() with sync disabled should not require endpoint, got %v", err)
	}
}
