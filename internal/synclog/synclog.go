// Package synclog records one immutable row per sync run and mirrors it into
// metrics and the structured log.
package synclog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gitea.jw6.us/james/dossiersync/internal/metrics"
	"gitea.jw6.us/james/dossiersync/internal/store"
	"github.com/google/uuid"
)

// Operation names the kind of run stored in details.operation.
type Operation string

const (
	OpReverseSync  Operation = "reverse_sync"
	OpPushEvents   Operation = "push_events"
	OpImportEvents Operation = "import_events"
)

// Counts are the five counters of a run.
type Counts struct {
	Processed int
	Created   int
	Updated   int
	Deleted   int
	Errored   int
}

// Outcome derives the run outcome. A fatal error or a run where every
// processed item failed is an error; some failures make it partial.
func Outcome(c Counts, fatal error) store.SyncOutcome {
	switch {
	case fatal != nil:
		return store.OutcomeError
	case c.Errored == 0:
		return store.OutcomeSuccess
	case c.Created+c.Updated+c.Deleted > 0 || c.Processed > c.Errored:
		return store.OutcomePartial
	default:
		return store.OutcomeError
	}
}

// Outcome derives the outcome of a run of op. A reverse sync that walked the
// whole tree is partial however many items failed.
func (op Operation) Outcome(c Counts, fatal error) store.SyncOutcome {
	if op == OpReverseSync && fatal == nil && c.Errored > 0 {
		return store.OutcomePartial
	}
	return Outcome(c, fatal)
}

// Run is an in-flight sync run.
type Run struct {
	ID          string
	Type        store.Service
	Mode        store.SyncMode
	Operation   Operation
	TriggeredBy *int64
	started     time.Time
}

// Recorder writes sync log rows.
type Recorder struct {
	repo   store.SyncLogRepository
	logger *slog.Logger
	now    func() time.Time
}

// New creates a recorder.
func New(repo store.SyncLogRepository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{
		repo:   repo,
		logger: logger.With(slog.String("component", "synclog")),
		now:    time.Now,
	}
}

// Start opens a run. Mode is manual when an operator triggered it.
func (r *Recorder) Start(syncType store.Service, mode store.SyncMode, op Operation, triggeredBy *int64) *Run {
	return &Run{
		ID:          uuid.NewString(),
		Type:        syncType,
		Mode:        mode,
		Operation:   op,
		TriggeredBy: triggeredBy,
		started:     r.now(),
	}
}

// Finish writes the run row. The write outlives cancellation of ctx so a
// cancelled run is still recorded.
func (r *Recorder) Finish(ctx context.Context, run *Run, counts Counts, fatal error, message string, details map[string]any) (*store.SyncLog, error) {
	duration := r.now().Sub(run.started)
	outcome := run.Operation.Outcome(counts, fatal)
	if details == nil {
		details = map[string]any{}
	}
	details["operation"] = string(run.Operation)
	if fatal != nil {
		details["fatal"] = fatal.Error()
		if message == "" {
			message = fatal.Error()
		}
	}

	entry := store.SyncLog{
		RunID:       run.ID,
		Type:        run.Type,
		Mode:        run.Mode,
		Outcome:     outcome,
		Processed:   counts.Processed,
		Created:     counts.Created,
		Updated:     counts.Updated,
		Deleted:     counts.Deleted,
		Errored:     counts.Errored,
		Message:     message,
		Details:     details,
		DurationMS:  duration.Milliseconds(),
		TriggeredBy: run.TriggeredBy,
	}

	syncType := string(run.Type)
	metrics.ObserveSyncRun(syncType, string(outcome), duration)
	metrics.AddSyncItems(syncType, "processed", counts.Processed)
	metrics.AddSyncItems(syncType, "created", counts.Created)
	metrics.AddSyncItems(syncType, "updated", counts.Updated)
	metrics.AddSyncItems(syncType, "deleted", counts.Deleted)
	metrics.AddSyncItems(syncType, "errored", counts.Errored)

	level := slog.LevelInfo
	if outcome != store.OutcomeSuccess {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "sync run finished",
		slog.String("run_id", run.ID),
		slog.String("type", syncType),
		slog.String("mode", string(run.Mode)),
		slog.String("operation", string(run.Operation)),
		slog.String("outcome", string(outcome)),
		slog.Int("processed", counts.Processed),
		slog.Int("created", counts.Created),
		slog.Int("updated", counts.Updated),
		slog.Int("errored", counts.Errored),
		slog.Duration("duration", duration),
	)

	saved, err := r.repo.Create(context.WithoutCancel(ctx), entry)
	if err != nil {
		r.logger.Error("sync log write failed", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return nil, fmt.Errorf("record sync run: %w", err)
	}
	return saved, nil
}
