// Command dossierctl triggers sync runs and inspects integration health from
// the shell. It reads the same APP_* configuration as the server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"gitea.jw6.us/james/dossiersync/internal/app"
	"gitea.jw6.us/james/dossiersync/internal/config"
	"gitea.jw6.us/james/dossiersync/internal/health"
	"gitea.jw6.us/james/dossiersync/internal/reversesync"
	"gitea.jw6.us/james/dossiersync/internal/store"
)

const (
	exitOK    = 0
	exitSetup = 1
	exitUsage = 2
)

type runner func(ctx context.Context, a *app.App, out io.Writer) error

type command struct {
	name  string
	help  string
	flags func(fs *flag.FlagSet, cfg *config.Config) runner
	// check validates parsed flags before anything connects.
	check func(fs *flag.FlagSet) error
}

var (
	loadConfig = config.Load
	openApp    = app.Open
)

var commands = []command{
	{name: "reverse-sync", help: "import files added directly in OneDrive", flags: reverseSyncCmd},
	{name: "health", help: "print the integration health report", flags: healthCmd},
	{name: "health-check", help: "ping every connected integration", flags: healthCheckCmd},
	{name: "push-events", help: "push pending events to Google Calendar", flags: pushEventsCmd},
	{name: "import-events", help: "import events from active Google calendars", flags: importEventsCmd},
	{name: "provision", help: "create the OneDrive folders of a dossier", flags: provisionCmd, check: requireDossier},
	{name: "stats", help: "print sync statistics", flags: statsCmd},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: dossierctl <command> [flags]")
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range commands {
		fmt.Fprintf(tw, "  %s\t%s\n", c.name, c.help)
	}
	_ = tw.Flush()
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == args[0] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		usage(stderr)
		return exitUsage
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitSetup
	}
	fs := flag.NewFlagSet(cmd.name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	exec := cmd.flags(fs, cfg)
	if err := fs.Parse(args[1:]); err != nil {
		return exitUsage
	}
	if cmd.check != nil {
		if err := cmd.check(fs); err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", cmd.name, err)
			fs.Usage()
			return exitUsage
		}
	}

	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "setup: %v\n", err)
		return exitSetup
	}
	defer a.Close()

	if err := exec(ctx, a, stdout); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd.name, err)
		return exitSetup
	}
	return exitOK
}

func reverseSyncCmd(fs *flag.FlagSet, cfg *config.Config) runner {
	details := fs.Int("details", cfg.Sync.DetailLimit, "number of detail lines to print")
	return func(ctx context.Context, a *app.App, out io.Writer) error {
		report, err := a.Reverse.Run(ctx, store.SyncModeManual, nil)
		printReverseReport(out, report, err, *details)
		return nil
	}
}

func printReverseReport(w io.Writer, r reversesync.Report, fatal error, details int) {
	fmt.Fprintf(w, "reverse sync %s: %s\n", r.RunID, r.Outcome)
	if fatal != nil {
		fmt.Fprintf(w, "  fatal: %v\n", fatal)
	}
	fmt.Fprintf(w, "  processed:       %d\n", r.Processed)
	fmt.Fprintf(w, "  created:         %d\n", r.Created)
	fmt.Fprintf(w, "  linked dossiers: %d\n", r.LinkedDossiers)
	fmt.Fprintf(w, "  errors:          %d\n", r.Errors)
	printList(w, "unmatched client folders", r.UnmatchedClients, -1)
	printList(w, "unmatched dossier folders", r.UnmatchedDossiers, -1)
	printList(w, "details", r.Details, details)
}

// printList prints at most limit items; a negative limit prints all.
func printList(w io.Writer, title string, items []string, limit int) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(w, "%s (%d):\n", title, len(items))
	shown := items
	if limit >= 0 && len(items) > limit {
		shown = items[:limit]
	}
	for _, it := range shown {
		fmt.Fprintf(w, "  - %s\n", it)
	}
	if more := len(items) - len(shown); more > 0 {
		fmt.Fprintf(w, "  ... and %d more\n", more)
	}
}

func healthCmd(fs *flag.FlagSet, _ *config.Config) runner {
	refresh := fs.Bool("refresh", false, "ignore the cached report and ping again")
	return func(ctx context.Context, a *app.App, out io.Writer) error {
		report, err := a.Health.GetHealthReport(ctx, *refresh)
		if err != nil {
			return err
		}
		printHealth(out, report)
		return nil
	}
}

func printHealth(w io.Writer, r *health.Report) {
	state := "healthy"
	if !r.Healthy {
		state = "unhealthy"
	}
	fmt.Fprintf(w, "integrations %s at %s\n", state, r.GeneratedAt.Format(time.RFC3339))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tSTATUS\tACCOUNT\tEXPIRES\tPERSONAL\tLAST SYNC")
	for _, in := range r.Integrations {
		expires := "-"
		if in.TokenExpiresAt != nil {
			expires = in.TokenExpiresAt.Format(time.RFC3339)
		}
		last := "-"
		if in.LastSync != nil {
			last = fmt.Sprintf("%s %s", in.LastSync.Outcome, in.LastSync.At.Format(time.RFC3339))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n", in.Service, in.Status, orDash(in.AccountEmail), expires, in.PersonalConnections, last)
	}
	_ = tw.Flush()
	for _, in := range r.Integrations {
		if in.Message != "" {
			fmt.Fprintf(w, "%s: %s\n", in.Service, in.Message)
		}
	}
}

func healthCheckCmd(_ *flag.FlagSet, _ *config.Config) runner {
	return func(ctx context.Context, a *app.App, out io.Writer) error {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SERVICE\tREACHABLE\tSTATUS\tLATENCY\tERROR")
		for _, p := range a.Health.PerformHealthChecks(ctx) {
			fmt.Fprintf(tw, "%s\t%t\t%s\t%dms\t%s\n", p.Service, p.Reachable, p.Status, p.LatencyMS, orDash(p.Error))
		}
		return tw.Flush()
	}
}

func pushEventsCmd(_ *flag.FlagSet, _ *config.Config) runner {
	return func(ctx context.Context, a *app.App, out io.Writer) error {
		res, err := a.Forward.PushPending(ctx, store.SyncModeManual, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "push events %s: %s (created %d, updated %d, failed %d)\n", res.RunID, res.Outcome, res.Counts.Created, res.Counts.Updated, res.Counts.Errored)
		printList(out, "details", res.Details, -1)
		return nil
	}
}

func importEventsCmd(_ *flag.FlagSet, _ *config.Config) runner {
	return func(ctx context.Context, a *app.App, out io.Writer) error {
		res, err := a.Calendars.Import(ctx, store.SyncModeManual, nil)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "import events %s: %s (%d calendars, created %d, updated %d, failed %d)\n", res.RunID, res.Outcome, res.Calendars, res.Counts.Created, res.Counts.Updated, res.Counts.Errored)
		printList(out, "details", res.Details, -1)
		return nil
	}
}

func provisionCmd(fs *flag.FlagSet, _ *config.Config) runner {
	dossier := fs.Int64("dossier", 0, "dossier id (required)")
	return func(ctx context.Context, a *app.App, out io.Writer) error {
		res := a.Provision.EnsureFolders(ctx, *dossier)
		if !res.Success {
			fmt.Fprintf(out, "dossier %d: provisioning failed after %d folders: %s\n", *dossier, res.Created, res.Error)
			return nil
		}
		fmt.Fprintf(out, "dossier %d: %s (%d folders created)\n", *dossier, res.RootPath, res.Created)
		return nil
	}
}

func requireDossier(fs *flag.FlagSet) error {
	if f := fs.Lookup("dossier"); f == nil || f.Value.String() == "0" || strings.HasPrefix(f.Value.String(), "-") {
		return errors.New("-dossier must be a positive id")
	}
	return nil
}

func statsCmd(fs *flag.FlagSet, _ *config.Config) runner {
	days := fs.Int("days", 7, "window in days (max 30)")
	return func(ctx context.Context, a *app.App, out io.Writer) error {
		stats, err := a.Health.GetSyncStatistics(ctx, *days)
		if err != nil {
			return err
		}
		printStats(out, stats)
		return nil
	}
}

func printStats(w io.Writer, s health.Statistics) {
	fmt.Fprintf(w, "sync statistics for the last %d days (since %s)\n", s.Days, s.Since.Format(time.DateOnly))
	types := append([]health.TypeStats(nil), s.Types...)
	sort.Slice(types, func(i, j int) bool { return types[i].Type < types[j].Type })
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tRUNS\tSUCCESS\tPARTIAL\tFAILED\tRATE\tPROCESSED\tERRORS")
	for _, t := range types {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%.1f%%\t%d\t%d\n", t.Type, t.Runs, t.Successes, t.Partials, t.Failures, 100*t.SuccessRate, t.Processed, t.Errored)
	}
	_ = tw.Flush()
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
