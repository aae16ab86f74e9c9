package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gitea.jw6.us/james/dossiersync/internal/app"
	appauth "gitea.jw6.us/james/dossiersync/internal/auth"
	"gitea.jw6.us/james/dossiersync/internal/config"
	httpserver "gitea.jw6.us/james/dossiersync/internal/http"
	"gitea.jw6.us/james/dossiersync/internal/http/api"
	"gitea.jw6.us/james/dossiersync/internal/jobs"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := config.SetupLogger(cfg)
	logger.Info("starting dossiersync server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer a.Close()

	sessionManager := appauth.NewSessionManager(cfg)
	authService, err := appauth.NewService(ctx, cfg, a.Store, sessionManager, logger)
	if err != nil {
		logger.Error("failed to initialize auth service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	apiHandler := api.New(api.Deps{
		Store:     a.Store,
		Tokens:    a.Tokens,
		Sessions:  sessionManager,
		Health:    a.Health,
		Provision: a.Provision,
		Forward:   a.Forward,
		Calendars: a.Calendars,
		Reverse:   a.Reverse,
		Drive:     a.Drive,
		Calendar:  a.Calendar,
		Logger:    logger,
	})
	r := httpserver.NewRouter(cfg, a.Store, authService, apiHandler)

	// Manual sync triggers run inside the request.
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	scheduler := jobs.New(cfg.Sync.ScheduledRunTimeout, logger)
	for _, job := range a.Jobs() {
		scheduler.Add(job)
	}
	scheduler.Start(ctx)

	go func() {
		logger.Info("server listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.String("error", err.Error()))
	}
	scheduler.Stop()
}
