package synclog

import (
	"context"
	"errors"
	"testing"
	"time"

	"gitea.jw6.us/james/dossiersync/internal/store"
	"gitea.jw6.us/james/dossiersync/internal/store/storetest"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		name   string
		counts Counts
		fatal  error
		want   store.SyncOutcome
	}{
		{name: "clean", counts: Counts{Processed: 3, Created: 2}, want: store.OutcomeSuccess},
		{name: "nothing to do", counts: Counts{}, want: store.OutcomeSuccess},
		{name: "some failed", counts: Counts{Processed: 3, Created: 2, Errored: 1}, want: store.OutcomePartial},
		{name: "failed but others skipped cleanly", counts: Counts{Processed: 4, Errored: 1}, want: store.OutcomePartial},
		{name: "all failed", counts: Counts{Processed: 2, Errored: 2}, want: store.OutcomeError},
		{name: "fatal", counts: Counts{Processed: 5, Created: 5}, fatal: errors.New("token revoked"), want: store.OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Outcome(tt.counts, tt.fatal); got != tt.want {
				t.Fatalf("Outcome = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestReverseSyncOutcomeToleratesItemErrors(t *testing.T) {
	tests := []struct {
		name   string
		op     Operation
		counts Counts
		fatal  error
		want   store.SyncOutcome
	}{
		{name: "scan with only listing failures", op: OpReverseSync, counts: Counts{Errored: 1}, want: store.OutcomePartial},
		{name: "scan where every file failed", op: OpReverseSync, counts: Counts{Processed: 2, Errored: 2}, want: store.OutcomePartial},
		{name: "scan that never started", op: OpReverseSync, counts: Counts{Errored: 1}, fatal: errors.New("root missing"), want: store.OutcomeError},
		{name: "clean scan", op: OpReverseSync, counts: Counts{Processed: 1, Created: 1}, want: store.OutcomeSuccess},
		{name: "push where every event failed", op: OpPushEvents, counts: Counts{Processed: 2, Errored: 2}, want: store.OutcomeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.op.Outcome(tt.counts, tt.fatal); got != tt.want {
				t.Fatalf("Outcome = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestFinishWritesRow(t *testing.T) {
	st, mem := storetest.New()
	rec := New(st.SyncLogs, nil)
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	ticks := []time.Time{start, start.Add(1500 * time.Millisecond)}
	rec.now = func() time.Time {
		t := ticks[0]
		ticks = ticks[1:]
		return t
	}
	operator := int64(7)

	run := rec.Start(store.ServiceOneDrive, store.SyncModeManual, OpReverseSync, &operator)
	if run.ID == "" {
		t.Fatal("expected run id")
	}
	saved, err := rec.Finish(context.Background(), run, Counts{Processed: 4, Created: 3, Errored: 1}, nil, "imported 3 documents", map[string]any{"linked_dossiers": 2})
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if saved.Outcome != store.OutcomePartial || saved.DurationMS != 1500 {
		t.Fatalf("saved = %+v", saved)
	}

	logs := mem.SyncLogs()
	if len(logs) != 1 {
		t.Fatalf("expected 1 row, got %d", len(logs))
	}
	got := logs[0]
	if got.RunID != run.ID || got.Mode != store.SyncModeManual || *got.TriggeredBy != 7 {
		t.Fatalf("row = %+v", got)
	}
	if got.Details["operation"] != "reverse_sync" || got.Details["linked_dossiers"] != 2 {
		t.Fatalf("details = %v", got.Details)
	}
}

func TestFinishRecordsFatalAfterCancel(t *testing.T) {
	st, mem := storetest.New()
	rec := New(st.SyncLogs, nil)
	ctx, cancel := context.WithCancel(context.Background())
	run := rec.Start(store.ServiceGoogleCalendar, store.SyncModeScheduled, OpPushEvents, nil)
	cancel()

	saved, err := rec.Finish(ctx, run, Counts{}, context.Canceled, "", nil)
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if saved.Outcome != store.OutcomeError || saved.Message != context.Canceled.Error() {
		t.Fatalf("saved = %+v", saved)
	}
	if mem.SyncLogs()[0].Details["fatal"] != context.Canceled.Error() {
		t.Fatalf("details = %v", mem.SyncLogs()[0].Details)
	}
}
