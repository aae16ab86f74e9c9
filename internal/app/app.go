// Package app assembles the sync services from configuration. The server and
// dossierctl share it so both run against identical wiring.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"gitea.jw6.us/james/dossiersync/internal/calendarsync"
	"gitea.jw6.us/james/dossiersync/internal/config"
	"gitea.jw6.us/james/dossiersync/internal/forward"
	"gitea.jw6.us/james/dossiersync/internal/health"
	"gitea.jw6.us/james/dossiersync/internal/integrations/gcal"
	"gitea.jw6.us/james/dossiersync/internal/integrations/onedrive"
	"gitea.jw6.us/james/dossiersync/internal/integrations/remote"
	"gitea.jw6.us/james/dossiersync/internal/jobs"
	"gitea.jw6.us/james/dossiersync/internal/metrics"
	"gitea.jw6.us/james/dossiersync/internal/provision"
	"gitea.jw6.us/james/dossiersync/internal/reversesync"
	"gitea.jw6.us/james/dossiersync/internal/store"
	"gitea.jw6.us/james/dossiersync/internal/synclog"
	"gitea.jw6.us/james/dossiersync/internal/tokens"
)

// App holds the wired services.
type App struct {
	Config    *config.Config
	Store     *store.Store
	Tokens    *tokens.Store
	Drive     *onedrive.Client
	Calendar  *gcal.Client
	Recorder  *synclog.Recorder
	Provision *provision.Service
	Forward   *forward.Service
	Calendars *calendarsync.Service
	Reverse   *reversesync.Service
	Health    *health.Service

	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open connects to the database, applies pending migrations and wires every
// service.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	pool, err := pgxpool.New(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, fmt.Errorf("create db pool: %w", err)
	}
	if err := store.ApplyMigrations(ctx, pool, logger); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	a, err := New(cfg, store.New(pool), logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.pool = pool
	return a, nil
}

// New wires the services over an existing store.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cipher, err := tokens.NewCipher(cfg.TokenKey)
	if err != nil {
		return nil, fmt.Errorf("token cipher: %w", err)
	}
	tok := tokens.NewStore(st.Tokens, cipher, logger,
		tokens.WithOAuthConfig(store.ServiceOneDrive, tokens.OneDriveOAuthConfig(cfg.OneDrive, cfg.BaseURL)),
		tokens.WithOAuthConfig(store.ServiceGoogleCalendar, tokens.GoogleOAuthConfig(cfg.Google, cfg.BaseURL)),
		tokens.WithRefreshHorizon(cfg.Sync.RefreshHorizon),
	)

	drive := onedrive.New(cfg.OneDrive.GraphBaseURL, tok.Source(store.ServiceOneDrive, nil), remote.WithLogger(logger))
	calendar := gcal.New(cfg.Google.APIBaseURL, nil, gcal.WithLogger(logger))
	recorder := synclog.New(st.SyncLogs, logger)
	prov := provision.New(st, drive, cfg.OneDrive, logger)

	return &App{
		Config:    cfg,
		Store:     st,
		Tokens:    tok,
		Drive:     drive,
		Calendar:  calendar,
		Recorder:  recorder,
		Provision: prov,
		Forward: forward.New(forward.Config{
			Store:             st,
			Folders:           prov,
			Drive:             drive,
			Calendar:          calendar,
			Tokens:            tok,
			Recorder:          recorder,
			DefaultCalendarID: cfg.Google.DefaultCalendarID,
			Logger:            logger,
		}),
		Calendars: calendarsync.New(st, tok, calendar, recorder, cfg.Sync.ImportWindow, logger),
		Reverse:   reversesync.New(st, drive, cfg.OneDrive, recorder, cfg.Sync.ReverseConcurrency, logger),
		Health: health.New(health.Config{
			Store:        st,
			Tokens:       tok,
			Drive:        drive,
			Calendar:     calendar,
			CacheTTL:     cfg.Health.CacheTTL,
			PingTimeout: cfg.Health.PingTimeout,
			Logger:       logger,
		}),
		logger: logger.With(slog.String("component", "app")),
	}, nil
}

// Close releases the database pool.
func (a *App) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

// Jobs returns the scheduled-mode runs. Runs for an integration without any
// connection are skipped instead of logging a failed run every tick.
func (a *App) Jobs() []jobs.Job {
	return []jobs.Job{
		{Name: "push-events", Interval: a.Config.Sync.Interval, Run: a.pushEvents},
		{Name: "import-events", Interval: a.Config.Sync.Interval, Run: a.importEvents},
		{Name: "reverse-sync", Interval: a.Config.Sync.ReverseInterval, Run: a.reverseSync},
	}
}

func (a *App) connected(ctx context.Context, service store.Service) (bool, error) {
	toks, err := a.Tokens.List(ctx, service)
	if err != nil {
		return false, err
	}
	return len(toks) > 0, nil
}

func (a *App) pushEvents(ctx context.Context) error {
	ctx = metrics.WithRoute(ctx, "job:push-events")
	if ok, err := a.connected(ctx, store.ServiceGoogleCalendar); err != nil || !ok {
		return err
	}
	res, err := a.Forward.PushPending(ctx, store.SyncModeScheduled, nil)
	a.observe(store.ServiceGoogleCalendar, res.Outcome, err)
	return err
}

// importEvents refreshes every connection's calendar list before pulling
// events so new calendars show up without an operator action.
func (a *App) importEvents(ctx context.Context) error {
	ctx = metrics.WithRoute(ctx, "job:import-events")
	toks, err := a.Tokens.List(ctx, store.ServiceGoogleCalendar)
	if err != nil || len(toks) == 0 {
		return err
	}
	for _, t := range toks {
		if _, err := a.Calendars.Refresh(ctx, t.OperatorID); err != nil {
			a.logger.Warn("calendar directory refresh failed", slog.Int64("token_id", t.ID), slog.String("error", err.Error()))
		}
	}
	res, err := a.Calendars.Import(ctx, store.SyncModeScheduled, nil)
	a.observe(store.ServiceGoogleCalendar, res.Outcome, err)
	return err
}

func (a *App) reverseSync(ctx context.Context) error {
	ctx = metrics.WithRoute(ctx, "job:reverse-sync")
	if _, err := a.Tokens.Get(ctx, store.ServiceOneDrive, nil); errors.Is(err, tokens.ErrNotConnected) {
		return nil
	} else if err != nil {
		return err
	}
	report, err := a.Reverse.Run(ctx, store.SyncModeScheduled, nil)
	a.observe(store.ServiceOneDrive, report.Outcome, err)
	return err
}

// observe hands a scheduled run's outcome to the health cache.
func (a *App) observe(service store.Service, outcome store.SyncOutcome, err error) {
	if err != nil {
		outcome = store.OutcomeError
	}
	a.Health.ObserveRun(service, outcome)
}
