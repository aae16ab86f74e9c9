package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig mirrors the TOML layout. Empty values leave defaults untouched.
type fileConfig struct {
	ListenAddr        string   `toml:"listen_addr"`
	BaseURL           string   `toml:"base_url"`
	PrometheusEnabled *bool    `toml:"prometheus_enabled"`
	TrustedProxies    []string `toml:"trusted_proxies"`

	Logging struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"logging"`

	Database struct {
		DSN string `toml:"dsn"`
	} `toml:"database"`

	OAuth struct {
		ClientID     string `toml:"client_id"`
		ClientSecret string `toml:"client_secret"`
		IssuerURL    string `toml:"issuer_url"`
		RedirectPath string `toml:"redirect_path"`
	} `toml:"oauth"`

	OneDrive struct {
		ClientID      string `toml:"client_id"`
		ClientSecret  string `toml:"client_secret"`
		TenantID      string `toml:"tenant_id"`
		GraphBaseURL  string `toml:"graph_base_url"`
		RootPath      string `toml:"root_path"`
		CabinetFolder string `toml:"cabinet_folder"`
		ClientFolder  string `toml:"client_folder"`
	} `toml:"onedrive"`

	Google struct {
		ClientID          string `toml:"client_id"`
		ClientSecret      string `toml:"client_secret"`
		APIBaseURL        string `toml:"api_base_url"`
		DefaultCalendarID string `toml:"default_calendar_id"`
	} `toml:"google"`

	Sync struct {
		Interval           string `toml:"interval"`
		ReverseInterval    string `toml:"reverse_interval"`
		ReverseConcurrency int    `toml:"reverse_concurrency"`
		RefreshHorizon     string `toml:"refresh_horizon"`
		ImportWindow       string `toml:"import_window"`
		DetailLimit        int    `toml:"detail_limit"`
	} `toml:"sync"`

	Health struct {
		CacheTTL     string `toml:"cache_ttl"`
		PingTimeout string `toml:"ping_timeout"`
	} `toml:"health"`
}

// loadFile applies a TOML config file on top of cfg. Secrets are expected in
// the environment, so the file carries no session or token keys.
func loadFile(path string, cfg *Config) error {
	var fc fileConfig
	md, err := toml.DecodeFile(path, &fc)
	if err != nil {
		return fmt.Errorf("load config file %s: %w", path, err)
	}
	for _, key := range md.Undecoded() {
		slog.Warn("unknown config key ignored", slog.String("key", key.String()), slog.String("file", path))
	}

	setString(&cfg.ListenAddr, fc.ListenAddr)
	setString(&cfg.BaseURL, fc.BaseURL)
	if fc.PrometheusEnabled != nil {
		cfg.PrometheusEnabled = *fc.PrometheusEnabled
	}
	if len(fc.TrustedProxies) > 0 {
		cfg.TrustedProxies = fc.TrustedProxies
	}
	if fc.Logging.Level != "" {
		level, err := parseLogLevel(fc.Logging.Level)
		if err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
		cfg.LogLevel = level
	}
	setString(&cfg.LogFormat, fc.Logging.Format)
	setString(&cfg.DB.DSN, fc.Database.DSN)

	setString(&cfg.OAuth.ClientID, fc.OAuth.ClientID)
	setString(&cfg.OAuth.ClientSecret, fc.OAuth.ClientSecret)
	setString(&cfg.OAuth.IssuerURL, fc.OAuth.IssuerURL)
	setString(&cfg.OAuth.RedirectPath, fc.OAuth.RedirectPath)

	setString(&cfg.OneDrive.ClientID, fc.OneDrive.ClientID)
	setString(&cfg.OneDrive.ClientSecret, fc.OneDrive.ClientSecret)
	setString(&cfg.OneDrive.TenantID, fc.OneDrive.TenantID)
	setString(&cfg.OneDrive.GraphBaseURL, fc.OneDrive.GraphBaseURL)
	setString(&cfg.OneDrive.RootPath, fc.OneDrive.RootPath)
	setString(&cfg.OneDrive.CabinetFolder, fc.OneDrive.CabinetFolder)
	setString(&cfg.OneDrive.ClientFolder, fc.OneDrive.ClientFolder)

	setString(&cfg.Google.ClientID, fc.Google.ClientID)
	setString(&cfg.Google.ClientSecret, fc.Google.ClientSecret)
	setString(&cfg.Google.APIBaseURL, fc.Google.APIBaseURL)
	setString(&cfg.Google.DefaultCalendarID, fc.Google.DefaultCalendarID)

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"sync.interval", fc.Sync.Interval, &cfg.Sync.Interval},
		{"sync.reverse_interval", fc.Sync.ReverseInterval, &cfg.Sync.ReverseInterval},
		{"sync.refresh_horizon", fc.Sync.RefreshHorizon, &cfg.Sync.RefreshHorizon},
		{"sync.import_window", fc.Sync.ImportWindow, &cfg.Sync.ImportWindow},
		{"health.cache_ttl", fc.Health.CacheTTL, &cfg.Health.CacheTTL},
		{"health.ping_timeout", fc.Health.PingTimeout, &cfg.Health.PingTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.key, d.raw)
		}
		*d.dst = parsed
	}
	if fc.Sync.ReverseConcurrency > 0 {
		cfg.Sync.ReverseConcurrency = fc.Sync.ReverseConcurrency
	}
	if fc.Sync.DetailLimit > 0 {
		cfg.Sync.DetailLimit = fc.Sync.DetailLimit
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
