package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process-wide settings. Values come from an optional TOML file
// (APP_CONFIG_FILE) and are then overridden by APP_* environment variables.
type Config struct {
	ListenAddr string
	BaseURL    string
	LogLevel   slog.Level
	LogFormat  string
	DB         struct {
		DSN string
	}
	OAuth struct {
		ClientID     string
		ClientSecret string
		IssuerURL    string
		RedirectPath string
	}
	Session struct {
		Secret string
	}
	// TokenKey seeds the at-rest encryption of integration tokens.
	TokenKey          string
	PrometheusEnabled bool
	TrustedProxies    []string

	OneDrive OneDriveConfig
	Google   GoogleConfig
	Sync     SyncConfig
	Health   HealthConfig
}

// OneDriveConfig configures the Microsoft Graph integration.
type OneDriveConfig struct {
	ClientID     string
	ClientSecret string
	TenantID     string
	GraphBaseURL string
	// RootPath is the drive folder that holds one folder per client.
	RootPath      string
	CabinetFolder string
	ClientFolder  string
}

// Enabled reports whether OAuth credentials are configured.
func (c OneDriveConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// GoogleConfig configures the Google Calendar integration.
type GoogleConfig struct {
	ClientID          string
	ClientSecret      string
	APIBaseURL        string
	DefaultCalendarID string
}

// Enabled reports whether OAuth credentials are configured.
func (c GoogleConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// SyncConfig tunes the sync engines and scheduler.
type SyncConfig struct {
	Interval            time.Duration
	ReverseInterval     time.Duration
	ReverseConcurrency  int
	RefreshHorizon      time.Duration
	ImportWindow        time.Duration
	DetailLimit         int
	ScheduledRunTimeout time.Duration
}

// HealthConfig tunes the integration health service.
type HealthConfig struct {
	CacheTTL     time.Duration
	PingTimeout time.Duration
}

func defaults() *Config {
	cfg := &Config{}
	cfg.ListenAddr = ":8080"
	cfg.BaseURL = "http://localhost:8080"
	cfg.LogLevel = slog.LevelInfo
	cfg.LogFormat = "json"
	cfg.OAuth.RedirectPath = "/auth/callback"
	cfg.OneDrive = OneDriveConfig{
		TenantID:      "common",
		GraphBaseURL:  "https://graph.microsoft.com/v1.0",
		RootPath:      "/Cabinet/Clients",
		CabinetFolder: "Cabinet",
		ClientFolder:  "Client",
	}
	cfg.Google = GoogleConfig{
		APIBaseURL:        "https://www.googleapis.com/calendar/v3",
		DefaultCalendarID: "primary",
	}
	cfg.Sync = SyncConfig{
		Interval:            15 * time.Minute,
		ReverseConcurrency:  4,
		RefreshHorizon:      5 * time.Minute,
		ImportWindow:        30 * 24 * time.Hour,
		DetailLimit:         20,
		ScheduledRunTimeout: 10 * time.Minute,
	}
	cfg.Health = HealthConfig{
		CacheTTL:     5 * time.Minute,
		PingTimeout: 10 * time.Second,
	}
	return cfg
}

// Load builds the configuration and validates required settings.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("APP_CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", cfg.ListenAddr)
	cfg.BaseURL = strings.TrimRight(getenvDefault("APP_BASE_URL", cfg.BaseURL), "/")
	cfg.LogFormat = getenvDefault("APP_LOG_FORMAT", cfg.LogFormat)
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		level, err := parseLogLevel(v)
		if err != nil {
			return nil, fmt.Errorf("APP_LOG_LEVEL: %w", err)
		}
		cfg.LogLevel = level
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("APP_LOG_FORMAT: invalid value %q (json or text)", cfg.LogFormat)
	}

	cfg.DB.DSN = getenvDefault("APP_DB_DSN", cfg.DB.DSN)
	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")
		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.OAuth.ClientID = getenvDefault("APP_OAUTH_CLIENT_ID", cfg.OAuth.ClientID)
	cfg.OAuth.ClientSecret = getenvDefault("APP_OAUTH_CLIENT_SECRET", cfg.OAuth.ClientSecret)
	cfg.OAuth.IssuerURL = getenvDefault("APP_OAUTH_ISSUER_URL", cfg.OAuth.IssuerURL)
	cfg.OAuth.RedirectPath = getenvDefault("APP_OAUTH_REDIRECT_PATH", cfg.OAuth.RedirectPath)
	cfg.Session.Secret = getenvDefault("APP_SESSION_SECRET", cfg.Session.Secret)
	cfg.TokenKey = getenvDefault("APP_TOKEN_KEY", cfg.TokenKey)
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", cfg.PrometheusEnabled)
	if proxies := getenvList("APP_TRUSTED_PROXIES"); proxies != nil {
		cfg.TrustedProxies = proxies
	}

	cfg.OneDrive.ClientID = getenvDefault("APP_ONEDRIVE_CLIENT_ID", cfg.OneDrive.ClientID)
	cfg.OneDrive.ClientSecret = getenvDefault("APP_ONEDRIVE_CLIENT_SECRET", cfg.OneDrive.ClientSecret)
	cfg.OneDrive.TenantID = getenvDefault("APP_ONEDRIVE_TENANT_ID", cfg.OneDrive.TenantID)
	cfg.OneDrive.GraphBaseURL = strings.TrimRight(getenvDefault("APP_ONEDRIVE_GRAPH_URL", cfg.OneDrive.GraphBaseURL), "/")
	cfg.OneDrive.RootPath = getenvDefault("APP_ONEDRIVE_ROOT_PATH", cfg.OneDrive.RootPath)
	cfg.OneDrive.CabinetFolder = getenvDefault("APP_ONEDRIVE_CABINET_FOLDER", cfg.OneDrive.CabinetFolder)
	cfg.OneDrive.ClientFolder = getenvDefault("APP_ONEDRIVE_CLIENT_FOLDER", cfg.OneDrive.ClientFolder)

	cfg.Google.ClientID = getenvDefault("APP_GOOGLE_CLIENT_ID", cfg.Google.ClientID)
	cfg.Google.ClientSecret = getenvDefault("APP_GOOGLE_CLIENT_SECRET", cfg.Google.ClientSecret)
	cfg.Google.APIBaseURL = strings.TrimRight(getenvDefault("APP_GOOGLE_API_URL", cfg.Google.APIBaseURL), "/")
	cfg.Google.DefaultCalendarID = getenvDefault("APP_GOOGLE_DEFAULT_CALENDAR", cfg.Google.DefaultCalendarID)

	var err error
	if cfg.Sync.Interval, err = getenvDuration("APP_SYNC_INTERVAL", cfg.Sync.Interval); err != nil {
		return nil, err
	}
	if cfg.Sync.ReverseInterval, err = getenvDuration("APP_REVERSE_SYNC_INTERVAL", cfg.Sync.ReverseInterval); err != nil {
		return nil, err
	}
	if cfg.Sync.RefreshHorizon, err = getenvDuration("APP_TOKEN_REFRESH_HORIZON", cfg.Sync.RefreshHorizon); err != nil {
		return nil, err
	}
	if cfg.Sync.ImportWindow, err = getenvDuration("APP_CALENDAR_IMPORT_WINDOW", cfg.Sync.ImportWindow); err != nil {
		return nil, err
	}
	if cfg.Sync.ReverseConcurrency, err = getenvInt("APP_REVERSE_SYNC_CONCURRENCY", cfg.Sync.ReverseConcurrency); err != nil {
		return nil, err
	}
	if cfg.Health.CacheTTL, err = getenvDuration("APP_HEALTH_CACHE_TTL", cfg.Health.CacheTTL); err != nil {
		return nil, err
	}
	if cfg.Health.PingTimeout, err = getenvDuration("APP_HEALTH_PING_TIMEOUT", cfg.Health.PingTimeout); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(cfg.TrustedProxies) == 0 {
		fmt.Println("WARNING: No APP_TRUSTED_PROXIES configured. All proxies will be trusted - Not recommended for public environments.")
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DB.DSN == "" {
		return errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if c.OAuth.ClientID == "" || c.OAuth.ClientSecret == "" {
		return fmt.Errorf("oauth configuration is required: client id and secret")
	}
	if c.OAuth.IssuerURL == "" {
		return errors.New("APP_OAUTH_ISSUER_URL is required")
	}
	if len(c.Session.Secret) < 32 {
		return fmt.Errorf("APP_SESSION_SECRET must be at least 32 characters long (got %d)", len(c.Session.Secret))
	}
	if len(c.TokenKey) < 32 {
		return fmt.Errorf("APP_TOKEN_KEY must be at least 32 characters long (got %d)", len(c.TokenKey))
	}
	if c.Sync.ReverseConcurrency < 1 || c.Sync.ReverseConcurrency > 32 {
		return fmt.Errorf("APP_REVERSE_SYNC_CONCURRENCY: %d outside 1-32", c.Sync.ReverseConcurrency)
	}
	if c.Sync.Interval <= 0 {
		return errors.New("APP_SYNC_INTERVAL must be positive")
	}
	if !strings.HasPrefix(c.OneDrive.RootPath, "/") {
		return fmt.Errorf("APP_ONEDRIVE_ROOT_PATH must be absolute, got %q", c.OneDrive.RootPath)
	}
	return nil
}

// SetupLogger builds the process logger and installs it as the slog default.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}

func getenvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, v)
	}
	return n, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q (use 30s, 15m, 1h)", key, v)
	}
	return d, nil
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid level %q (debug, info, warn, error)", level)
	}
}
