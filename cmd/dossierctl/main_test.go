package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"gitea.jw6.us/james/dossiersync/internal/app"
	"gitea.jw6.us/james/dossiersync/internal/config"
	"gitea.jw6.us/james/dossiersync/internal/integrations/gcal/gcaltest"
	"gitea.jw6.us/james/dossiersync/internal/integrations/onedrive/onedrivetest"
	"gitea.jw6.us/james/dossiersync/internal/reversesync"
	"gitea.jw6.us/james/dossiersync/internal/store"
	"gitea.jw6.us/james/dossiersync/internal/store/storetest"
	"gitea.jw6.us/james/dossiersync/internal/tokens"
)

type cliFixture struct {
	mem   *storetest.Memory
	drive *onedrivetest.Drive
	opens int
}

// stubSetup replaces config loading and app wiring with in-memory fakes for
// the duration of the test.
func stubSetup(t *testing.T) *cliFixture {
	t.Helper()
	f := &cliFixture{drive: onedrivetest.New(t)}
	cal := gcaltest.New(t, "agenda@cabinet.example")
	cfg := &config.Config{BaseURL: "https://portal.cabinet.example", TokenKey: strings.Repeat("c", 32)}
	cfg.OneDrive = config.OneDriveConfig{GraphBaseURL: f.drive.URL(), RootPath: "/Cabinet/Clients", CabinetFolder: "Cabinet", ClientFolder: "Client"}
	cfg.Google = config.GoogleConfig{APIBaseURL: cal.URL()}
	cfg.Sync = config.SyncConfig{Interval: time.Minute, ReverseConcurrency: 2, RefreshHorizon: time.Minute, ImportWindow: time.Hour, DetailLimit: 2}

	st, mem := storetest.New()
	f.mem = mem
	prevLoad, prevOpen := loadConfig, openApp
	loadConfig = func() (*config.Config, error) { return cfg, nil }
	openApp = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app.App, error) {
		f.opens++
		a, err := app.New(cfg, st, logger)
		if err != nil {
			return nil, err
		}
		_, err = a.Tokens.Save(ctx, store.ServiceOneDrive, nil, tokens.Credentials{AccessToken: "graph", Expiry: time.Now().Add(time.Hour)})
		return a, err
	}
	t.Cleanup(func() { loadConfig, openApp = prevLoad, prevOpen })
	return f
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestUsageErrors(t *testing.T) {
	f := stubSetup(t)
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"resync"}},
		{"bad flag", []string{"stats", "-weeks", "2"}},
		{"provision without dossier", []string{"provision"}},
		{"provision negative dossier", []string{"provision", "-dossier", "-4"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code, _, _ := runCLI(tt.args...); code != exitUsage {
				t.Fatalf("exit = %d, want %d", code, exitUsage)
			}
		})
	}
	if f.opens != 0 {
		t.Fatalf("usage errors opened the app %d times", f.opens)
	}
}

func TestSetupFailureExitsOne(t *testing.T) {
	stubSetup(t)
	openApp = func(context.Context, *config.Config, *slog.Logger) (*app.App, error) {
		return nil, errors.New("connection refused")
	}
	code, _, stderr := runCLI("health")
	if code != exitSetup || !strings.Contains(stderr, "connection refused") {
		t.Fatalf("exit = %d stderr = %q", code, stderr)
	}
}

func TestReverseSyncWithErrorsExitsZero(t *testing.T) {
	f := stubSetup(t)
	f.mem.AddClient("Jane", "Doe")
	f.drive.MkdirAll("/Cabinet/Clients/Jane Doe")
	for i := range 4 {
		f.drive.MkdirAll(fmt.Sprintf("/Cabinet/Clients/Nobody %d", i))
	}

	code, stdout, stderr := runCLI("reverse-sync", "-details", "1")
	if code != exitOK {
		t.Fatalf("exit = %d stderr = %q", code, stderr)
	}
	for _, want := range []string{"unmatched client folders (4):", "  - Nobody 0", "  - Nobody 3"} {
		if !strings.Contains(stdout, want) {
			t.Errorf("output lacks %q:\n%s", want, stdout)
		}
	}
	if logs := f.mem.SyncLogs(); len(logs) != 1 || logs[0].Mode != store.SyncModeManual {
		t.Fatalf("logs = %+v", logs)
	}
}

func TestReverseSyncFatalIsReported(t *testing.T) {
	stubSetup(t)
	code, stdout, _ := runCLI("reverse-sync")
	if code != exitOK || !strings.Contains(stdout, "fatal:") || !strings.Contains(stdout, ": error") {
		t.Fatalf("exit = %d output:\n%s", code, stdout)
	}
}

func TestPrintReverseReportOverflow(t *testing.T) {
	report := reversesync.Report{
		RunID:            "run-1",
		Outcome:          store.OutcomePartial,
		Created:          3,
		LinkedDossiers:   1,
		Errors:           2,
		UnmatchedClients: []string{"Nobody"},
		Details:          []string{"a", "b", "c", "d", "e"},
	}
	tests := []struct {
		limit int
		want  []string
		skip  []string
	}{
		{limit: 2, want: []string{"  - a", "  - b", "  ... and 3 more"}, skip: []string{"  - c"}},
		{limit: 5, want: []string{"  - e"}, skip: []string{"more"}},
		{limit: 0, want: []string{"details (5):", "  ... and 5 more"}, skip: []string{"  - a"}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.limit), func(t *testing.T) {
			var buf bytes.Buffer
			printReverseReport(&buf, report, nil, tt.limit)
			out := buf.String()
			if !strings.Contains(out, "reverse sync run-1: partial") || !strings.Contains(out, "created:         3") {
				t.Fatalf("header missing:\n%s", out)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("missing %q in:\n%s", w, out)
				}
			}
			for _, s := range tt.skip {
				if strings.Contains(out, s) {
					t.Errorf("unexpected %q in:\n%s", s, out)
				}
			}
		})
	}
}

func TestStatsCommand(t *testing.T) {
	f := stubSetup(t)
	f.mem.AddSyncLog(store.SyncLog{RunID: "a", Type: store.ServiceOneDrive, Mode: store.SyncModeScheduled, Outcome: store.OutcomeSuccess, CreatedAt: time.Now()})
	f.mem.AddSyncLog(store.SyncLog{RunID: "b", Type: store.ServiceOneDrive, Mode: store.SyncModeScheduled, Outcome: store.OutcomeError, CreatedAt: time.Now()})

	code, stdout, stderr := runCLI("stats", "-days", "90")
	if code != exitOK {
		t.Fatalf("exit = %d stderr = %q", code, stderr)
	}
	if !strings.Contains(stdout, "last 30 days") || !strings.Contains(stdout, "50.0%") {
		t.Fatalf("output:\n%s", stdout)
	}
}
