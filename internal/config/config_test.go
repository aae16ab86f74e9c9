package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_DB_DSN", "postgres://u:p@localhost:5432/db?sslmode=disable")
	t.Setenv("APP_OAUTH_CLIENT_ID", "client")
	t.Setenv("APP_OAUTH_CLIENT_SECRET", "secret")
	t.Setenv("APP_OAUTH_ISSUER_URL", "https://id.example.com")
	t.Setenv("APP_SESSION_SECRET", strings.Repeat("s", 32))
	t.Setenv("APP_TOKEN_KEY", strings.Repeat("k", 32))
	t.Setenv("APP_TRUSTED_PROXIES", "10.0.0.0/8")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q, want :8080", cfg.ListenAddr)
	}
	if cfg.OneDrive.RootPath != "/Cabinet/Clients" {
		t.Errorf("OneDrive.RootPath = %q", cfg.OneDrive.RootPath)
	}
	if cfg.Health.CacheTTL != 5*time.Minute {
		t.Errorf("Health.CacheTTL = %v", cfg.Health.CacheTTL)
	}
	if cfg.Sync.ReverseInterval != 0 {
		t.Errorf("reverse sync should be disabled by default, got %v", cfg.Sync.ReverseInterval)
	}
	if cfg.Google.DefaultCalendarID != "primary" {
		t.Errorf("Google.DefaultCalendarID = %q", cfg.Google.DefaultCalendarID)
	}
}

func TestLoadBuildsDSNFromParts(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_DB_DSN", "")
	t.Setenv("APP_DB_HOST", "db")
	t.Setenv("APP_DB_NAME", "portal")
	t.Setenv("APP_DB_USER", "portal")
	t.Setenv("APP_DB_PASSWORD", "pw")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := "postgres://portal:pw@db:5432/portal?sslmode=disable"
	if cfg.DB.DSN != want {
		t.Errorf("DSN = %q, want %q", cfg.DB.DSN, want)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr string
	}{
		{name: "short session secret", key: "APP_SESSION_SECRET", value: "short", wantErr: "APP_SESSION_SECRET"},
		{name: "short token key", key: "APP_TOKEN_KEY", value: "short", wantErr: "APP_TOKEN_KEY"},
		{name: "bad duration", key: "APP_SYNC_INTERVAL", value: "soon", wantErr: "APP_SYNC_INTERVAL"},
		{name: "bad concurrency", key: "APP_REVERSE_SYNC_CONCURRENCY", value: "0", wantErr: "APP_REVERSE_SYNC_CONCURRENCY"},
		{name: "relative root", key: "APP_ONEDRIVE_ROOT_PATH", value: "Clients", wantErr: "APP_ONEDRIVE_ROOT_PATH"},
		{name: "bad log level", key: "APP_LOG_LEVEL", value: "loud", wantErr: "APP_LOG_LEVEL"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			if err == nil {
				t.Fatalf("expected error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want mention of %s", err, tc.wantErr)
			}
		})
	}
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	setRequiredEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "dossiersync.toml")
	contents := `
listen_addr = ":9090"

[onedrive]
root_path = "/Firm/Clients"
cabinet_folder = "Interne"

[sync]
reverse_interval = "6h"
reverse_concurrency = 8

[health]
cache_ttl = "1m"
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("APP_LISTEN_ADDR", ":7070")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ListenAddr != ":7070" {
		t.Errorf("env should override file, ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.OneDrive.RootPath != "/Firm/Clients" {
		t.Errorf("RootPath = %q", cfg.OneDrive.RootPath)
	}
	if cfg.OneDrive.CabinetFolder != "Interne" {
		t.Errorf("CabinetFolder = %q", cfg.OneDrive.CabinetFolder)
	}
	if cfg.OneDrive.ClientFolder != "Client" {
		t.Errorf("ClientFolder should keep default, got %q", cfg.OneDrive.ClientFolder)
	}
	if cfg.Sync.ReverseInterval != 6*time.Hour {
		t.Errorf("ReverseInterval = %v", cfg.Sync.ReverseInterval)
	}
	if cfg.Sync.ReverseConcurrency != 8 {
		t.Errorf("ReverseConcurrency = %d", cfg.Sync.ReverseConcurrency)
	}
	if cfg.Health.CacheTTL != time.Minute {
		t.Errorf("CacheTTL = %v", cfg.Health.CacheTTL)
	}
}

func TestLoadFileMissing(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.toml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
