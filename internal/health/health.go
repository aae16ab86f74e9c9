// Package health reports the state of the OneDrive and Google Calendar
// integrations: token presence and freshness, the latest sync run, and a live
// ping of each provider.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/singleflight"

	"gitea.jw6.us/james/dossiersync/internal/integrations/gcal"
	"gitea.jw6.us/james/dossiersync/internal/integrations/onedrive"
	"gitea.jw6.us/james/dossiersync/internal/integrations/remote"
	"gitea.jw6.us/james/dossiersync/internal/metrics"
	"gitea.jw6.us/james/dossiersync/internal/store"
	"gitea.jw6.us/james/dossiersync/internal/tokens"
)

// Status is the health of one integration.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusNotConnected Status = "not_connected"
	StatusExpired      Status = "expired"
	StatusDegraded     Status = "degraded"
	StatusError        Status = "error"
)

const (
	maxStatsDays     = 30
	defaultStatsDays = 7
	maxHistory       = 100
	defaultHistory   = 20
	reportKey        = "report"
)

// ErrUnknownType rejects a history filter that names no integration.
var ErrUnknownType = errors.New("unknown sync type")

// Report is the cached integration summary.
type Report struct {
	GeneratedAt  time.Time     `json:"generated_at"`
	Healthy      bool          `json:"healthy"`
	Integrations []Integration `json:"integrations"`
}

// Integration is the state of one service's shared connection.
type Integration struct {
	Service             store.Service `json:"service"`
	Status              Status        `json:"status"`
	Configured          bool          `json:"configured"`
	AccountEmail        string        `json:"account_email,omitempty"`
	TokenExpiresAt      *time.Time    `json:"token_expires_at,omitempty"`
	PersonalConnections int           `json:"personal_connections"`
	Ping               *PingResult  `json:"ping,omitempty"`
	LastSync            *LastSync     `json:"last_sync,omitempty"`
	Message             string        `json:"message,omitempty"`
}

// PingResult is the outcome of one lightweight authenticated call.
type PingResult struct {
	Service   store.Service `json:"service"`
	Reachable bool          `json:"reachable"`
	Status    Status        `json:"status"`
	LatencyMS int64         `json:"latency_ms"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// LastSync summarizes the newest sync log row of a service.
type LastSync struct {
	RunID     string            `json:"run_id"`
	Operation string            `json:"operation,omitempty"`
	Mode      store.SyncMode    `json:"mode"`
	Outcome   store.SyncOutcome `json:"outcome"`
	Message   string            `json:"message,omitempty"`
	Processed int               `json:"processed"`
	Errored   int               `json:"errored"`
	Fatal     string            `json:"fatal,omitempty"`
	Problems  []string          `json:"problems,omitempty"`
	At        time.Time         `json:"at"`
}

// runDetails is the subset of sync log details the report surfaces.
type runDetails struct {
	Operation string   `mapstructure:"operation"`
	Fatal     string   `mapstructure:"fatal"`
	Errors    []string `mapstructure:"errors"`
	Details   []string `mapstructure:"details"`
}

// Config wires the service.
type Config struct {
	Store        *store.Store
	Tokens       *tokens.Store
	Drive        *onedrive.Client
	Calendar     *gcal.Client
	CacheTTL     time.Duration
	PingTimeout time.Duration
	Logger       *slog.Logger
}

// Service builds health reports and sync statistics.
type Service struct {
	store        *store.Store
	tokens       *tokens.Store
	drive        *onedrive.Client
	calendar     *gcal.Client
	pingTimeout time.Duration
	cache        *expirable.LRU[string, *Report]
	flight       singleflight.Group
	logger       *slog.Logger
	now          func() time.Time
}

// New creates the service with an empty report cache.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		store:        cfg.Store,
		tokens:       cfg.Tokens,
		drive:        cfg.Drive,
		calendar:     cfg.Calendar,
		pingTimeout: timeout,
		cache:        expirable.NewLRU[string, *Report](1, nil, ttl),
		logger:       logger.With(slog.String("component", "health")),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// GetHealthReport returns the cached report, rebuilding it with fresh pings
// when the cache expired or forceRefresh is set.
func (s *Service) GetHealthReport(ctx context.Context, forceRefresh bool) (*Report, error) {
	if !forceRefresh {
		if r, ok := s.cache.Get(reportKey); ok {
			return r, nil
		}
	}
	v, err, _ := s.flight.Do(reportKey, func() (any, error) {
		r, err := s.build(ctx)
		if err != nil {
			return nil, err
		}
		s.cache.Add(reportKey, r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Report), nil
}

// Invalidate drops the cached report.
func (s *Service) Invalidate() {
	s.cache.Remove(reportKey)
}

// ObserveRun drops the cached report when a finished run of service ended
// with another outcome than the one the report shows. Runs that repeat the
// cached outcome leave it in place until the TTL expires.
func (s *Service) ObserveRun(service store.Service, outcome store.SyncOutcome) {
	r, ok := s.cache.Peek(reportKey)
	if !ok {
		return
	}
	for _, in := range r.Integrations {
		if in.Service == service && in.LastSync != nil && in.LastSync.Outcome == outcome {
			return
		}
	}
	s.Invalidate()
}

func (s *Service) build(ctx context.Context) (*Report, error) {
	report := &Report{GeneratedAt: s.now(), Healthy: true}
	for _, service := range store.Services {
		in, err := s.integration(ctx, service)
		if err != nil {
			return nil, err
		}
		if in.Status != StatusConnected {
			report.Healthy = false
		}
		report.Integrations = append(report.Integrations, in)
	}
	s.logger.Debug("health report built", slog.Bool("healthy", report.Healthy))
	return report, nil
}

func (s *Service) integration(ctx context.Context, service store.Service) (Integration, error) {
	in := Integration{Service: service, Configured: s.tokens.Configured(service)}

	all, err := s.tokens.List(ctx, service)
	if err != nil {
		return in, fmt.Errorf("list %s tokens: %w", service, err)
	}
	for _, t := range all {
		if t.OperatorID != nil {
			in.PersonalConnections++
		}
	}

	last, err := s.lastSync(ctx, service)
	if err != nil {
		return in, err
	}
	in.LastSync = last

	tok, err := s.tokens.Get(ctx, service, nil)
	switch {
	case errors.Is(err, tokens.ErrNotConnected):
		in.Status = StatusNotConnected
		in.Message = "no shared connection"
		metrics.SetIntegrationUp(string(service), false)
		return in, nil
	case err != nil:
		in.Status = StatusError
		in.Message = err.Error()
		return in, nil
	}
	in.AccountEmail = tok.AccountEmail
	in.TokenExpiresAt = tok.ExpiresAt

	ping := s.ping(ctx, service)
	in.Ping = &ping
	in.Status = ping.Status
	in.Message = ping.Error
	if ping.Reachable && last != nil && last.Outcome != store.OutcomeSuccess {
		in.Status = StatusDegraded
		in.Message = fmt.Sprintf("last sync %s: %s", last.Outcome, last.Message)
	}
	return in, nil
}

func (s *Service) lastSync(ctx context.Context, service store.Service) (*LastSync, error) {
	row, err := s.store.SyncLogs.Latest(ctx, service)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest %s sync: %w", service, err)
	}
	last := &LastSync{
		RunID:     row.RunID,
		Mode:      row.Mode,
		Outcome:   row.Outcome,
		Message:   row.Message,
		Processed: row.Processed,
		Errored:   row.Errored,
		At:        row.CreatedAt,
	}
	var d runDetails
	if err := decodeDetails(row.Details, &d); err != nil {
		s.logger.Warn("unreadable sync log details", slog.String("run_id", row.RunID), slog.String("error", err.Error()))
		return last, nil
	}
	last.Operation = d.Operation
	last.Fatal = d.Fatal
	last.Problems = append(d.Errors, d.Details...)
	return last, nil
}

func decodeDetails(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// PerformHealthChecks pings every service that has a shared connection. It
// reads tokens only and writes no sync log rows.
func (s *Service) PerformHealthChecks(ctx context.Context) []PingResult {
	results := make([]PingResult, 0, len(store.Services))
	for _, service := range store.Services {
		if _, err := s.tokens.Get(ctx, service, nil); err != nil {
			status := StatusError
			if errors.Is(err, tokens.ErrNotConnected) {
				status = StatusNotConnected
			}
			metrics.SetIntegrationUp(string(service), false)
			results = append(results, PingResult{Service: service, Status: status, Error: err.Error(), CheckedAt: s.now()})
			continue
		}
		results = append(results, s.ping(ctx, service))
	}
	return results
}

func (s *Service) ping(ctx context.Context, service store.Service) PingResult {
	ctx, cancel := context.WithTimeout(ctx, s.pingTimeout)
	defer cancel()

	creds := s.tokens.Source(service, nil)
	start := time.Now()
	var err error
	switch service {
	case store.ServiceOneDrive:
		err = s.drive.WithCredentials(creds).Ping(ctx)
	case store.ServiceGoogleCalendar:
		err = s.calendar.WithCredentials(creds).Ping(ctx)
	default:
		err = fmt.Errorf("unknown service %q", service)
	}
	result := PingResult{
		Service:   service,
		Reachable: err == nil,
		Status:    StatusConnected,
		LatencyMS: time.Since(start).Milliseconds(),
		CheckedAt: s.now(),
	}
	if err != nil {
		result.Status = pingStatus(err)
		result.Error = err.Error()
		s.logger.Warn("integration ping failed", slog.String("service", string(service)), slog.String("error", err.Error()))
	}
	metrics.SetIntegrationUp(string(service), result.Reachable)
	return result
}

// pingStatus tells a broken grant apart from an unreachable provider.
func pingStatus(err error) Status {
	var refreshErr *tokens.RefreshError
	switch {
	case errors.As(err, &refreshErr), remote.IsUnauthorized(err):
		return StatusExpired
	case errors.Is(err, tokens.ErrNotConnected):
		return StatusNotConnected
	}
	return StatusError
}

// Statistics aggregates sync runs over a trailing window.
type Statistics struct {
	Days  int         `json:"days"`
	Since time.Time   `json:"since"`
	Types []TypeStats `json:"types"`
}

// TypeStats is the aggregate of one sync type.
type TypeStats struct {
	Type        store.Service `json:"type"`
	Runs        int           `json:"runs"`
	Successes   int           `json:"successes"`
	Partials    int           `json:"partials"`
	Failures    int           `json:"failures"`
	SuccessRate float64       `json:"success_rate"`
	Processed   int           `json:"processed"`
	Created     int           `json:"created"`
	Updated     int           `json:"updated"`
	Deleted     int           `json:"deleted"`
	Errored     int           `json:"errored"`
	LastRunAt   *time.Time    `json:"last_run_at,omitempty"`
}

// ClampDays bounds a statistics window to 1..30 days; non-positive values
// select the default week.
func ClampDays(days int) int {
	switch {
	case days <= 0:
		return defaultStatsDays
	case days > maxStatsDays:
		return maxStatsDays
	}
	return days
}

// ClampLimit bounds a history page to 1..100 rows; non-positive values select
// the default of 20.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultHistory
	case limit > maxHistory:
		return maxHistory
	}
	return limit
}

// GetSyncStatistics aggregates sync log rows per type. Every known service is
// listed, with zero counts when it has no runs in the window.
func (s *Service) GetSyncStatistics(ctx context.Context, days int) (Statistics, error) {
	days = ClampDays(days)
	since := s.now().Add(-time.Duration(days) * 24 * time.Hour)
	rows, err := s.store.SyncLogs.StatsSince(ctx, since)
	if err != nil {
		return Statistics{}, fmt.Errorf("sync statistics: %w", err)
	}
	byType := make(map[store.Service]store.SyncStat, len(rows))
	for _, r := range rows {
		byType[r.Type] = r
	}
	out := Statistics{Days: days, Since: since, Types: make([]TypeStats, 0, len(store.Services))}
	for _, service := range store.Services {
		r := byType[service]
		ts := TypeStats{
			Type:      service,
			Runs:      r.Runs,
			Successes: r.Successes,
			Partials:  r.Partials,
			Failures:  r.Failures,
			Processed: r.Processed,
			Created:   r.Created,
			Updated:   r.Updated,
			Deleted:   r.Deleted,
			Errored:   r.Errored,
			LastRunAt: r.LastRunAt,
		}
		if r.Runs > 0 {
			ts.SuccessRate = float64(r.Successes) / float64(r.Runs)
		}
		out.Types = append(out.Types, ts)
	}
	return out, nil
}

// HistoryEntry is one sync log row as served to operators.
type HistoryEntry struct {
	ID          int64             `json:"id"`
	RunID       string            `json:"run_id"`
	Type        store.Service     `json:"type"`
	Mode        store.SyncMode    `json:"mode"`
	Outcome     store.SyncOutcome `json:"outcome"`
	Processed   int               `json:"processed"`
	Created     int               `json:"created"`
	Updated     int               `json:"updated"`
	Deleted     int               `json:"deleted"`
	Errored     int               `json:"errored"`
	Message     string            `json:"message"`
	Details     map[string]any    `json:"details,omitempty"`
	DurationMS  int64             `json:"duration_ms"`
	TriggeredBy *int64            `json:"triggered_by,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// History returns recent sync runs, newest first. An empty type lists all.
func (s *Service) History(ctx context.Context, syncType store.Service, limit int) ([]HistoryEntry, error) {
	if syncType != "" && !syncType.Valid() {
		return nil, fmt.Errorf("%w %q", ErrUnknownType, syncType)
	}
	rows, err := s.store.SyncLogs.ListRecent(ctx, syncType, ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("sync history: %w", err)
	}
	out := make([]HistoryEntry, 0, len(rows))
	for _, r := range rows {
		out = append(out, HistoryEntry{
			ID:          r.ID,
			RunID:       r.RunID,
			Type:        r.Type,
			Mode:        r.Mode,
			Outcome:     r.Outcome,
			Processed:   r.Processed,
			Created:     r.Created,
			Updated:     r.Updated,
			Deleted:     r.Deleted,
			Errored:     r.Errored,
			Message:     r.Message,
			Details:     r.Details,
			DurationMS:  r.DurationMS,
			TriggeredBy: r.TriggeredBy,
			CreatedAt:   r.CreatedAt,
		})
	}
	return out, nil
}
