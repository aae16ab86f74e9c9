// Package calendarsync keeps the local calendar directory in step with the
// Google calendar list and imports events from active calendars.
package calendarsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gitea.jw6.us/james/dossiersync/internal/integrations/gcal"
	"gitea.jw6.us/james/dossiersync/internal/store"
	"gitea.jw6.us/james/dossiersync/internal/synclog"
	"gitea.jw6.us/james/dossiersync/internal/tokens"
)

// Service manages calendar directory entries and event import.
type Service struct {
	store    *store.Store
	tokens   *tokens.Store
	calendar *gcal.Client
	recorder *synclog.Recorder
	window   time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates the service. window bounds how far ahead events are imported.
func New(st *store.Store, tok *tokens.Store, calendar *gcal.Client, recorder *synclog.Recorder, window time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &Service{
		store:    st,
		tokens:   tok,
		calendar: calendar,
		recorder: recorder,
		window:   window,
		logger:   logger.With(slog.String("component", "calendarsync")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Entry is a directory row with the account it belongs to.
type Entry struct {
	store.CalendarEntry
	AccountEmail string `json:"account_email"`
	OperatorID   *int64 `json:"operator_id,omitempty"`
}

// Refresh upserts the remote calendar list of (operator) into the directory.
// New entries start active only for the primary calendar; existing entries
// keep their active flag.
func (s *Service) Refresh(ctx context.Context, operatorID *int64) ([]store.CalendarEntry, error) {
	tok, err := s.tokens.Get(ctx, store.ServiceGoogleCalendar, operatorID)
	if err != nil {
		return nil, err
	}
	client := s.calendar.WithCredentials(s.tokens.Source(store.ServiceGoogleCalendar, operatorID))
	cals, err := client.ListCalendars(ctx)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	for _, c := range cals {
		if _, err := s.store.Calendars.Upsert(ctx, store.CalendarEntry{
			TokenID:   tok.ID,
			RemoteID:  c.ID,
			Name:      c.Summary,
			Color:     c.BackgroundColor,
			IsPrimary: c.Primary,
			Active:    c.Primary,
		}); err != nil {
			return nil, fmt.Errorf("store calendar %s: %w", c.ID, err)
		}
	}
	s.logger.Info("calendar directory refreshed", slog.Int64("token_id", tok.ID), slog.Int("calendars", len(cals)))
	return s.store.Calendars.ListByToken(ctx, tok.ID)
}

// List returns every directory entry across Google connections.
func (s *Service) List(ctx context.Context) ([]Entry, error) {
	toks, err := s.tokens.List(ctx, store.ServiceGoogleCalendar)
	if err != nil {
		return nil, err
	}
	out := []Entry{}
	for _, tok := range toks {
		entries, err := s.store.Calendars.ListByToken(ctx, tok.ID)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			out = append(out, Entry{CalendarEntry: e, AccountEmail: tok.AccountEmail, OperatorID: tok.OperatorID})
		}
	}
	return out, nil
}

// SetActive turns sync on or off for an entry without deleting it.
func (s *Service) SetActive(ctx context.Context, entryID int64, active bool) (*store.CalendarEntry, error) {
	if err := s.store.Calendars.SetActive(ctx, entryID, active); err != nil {
		return nil, err
	}
	s.logger.Info("calendar entry updated", slog.Int64("entry_id", entryID), slog.Bool("active", active))
	return s.store.Calendars.GetByID(ctx, entryID)
}

// ImportResult summarizes an import run.
type ImportResult struct {
	RunID     string            `json:"run_id"`
	Outcome   store.SyncOutcome `json:"outcome"`
	Calendars int               `json:"calendars"`
	Counts    synclog.Counts    `json:"counts"`
	Details   []string          `json:"details"`
}

// Import pulls events of every active calendar in the import window. Unknown
// remote events become unattached local events; known ones are refreshed
// unless they carry unpushed local edits. Remote copies of dossier events are
// ignored.
func (s *Service) Import(ctx context.Context, mode store.SyncMode, triggeredBy *int64) (ImportResult, error) {
	run := s.recorder.Start(store.ServiceGoogleCalendar, mode, synclog.OpImportEvents, triggeredBy)
	entries, err := s.store.Calendars.ListActive(ctx)
	if err != nil {
		fatal := fmt.Errorf("list active calendars: %w", err)
		_, _ = s.recorder.Finish(ctx, run, synclog.Counts{}, fatal, "", nil)
		return ImportResult{RunID: run.ID, Outcome: store.OutcomeError}, fatal
	}

	now := s.now()
	from, to := now.Add(-24*time.Hour), now.Add(s.window)
	var counts synclog.Counts
	details := []string{}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			counts.Errored++
			details = append(details, "cancelled: "+err.Error())
			break
		}
		if err := s.importEntry(ctx, entry, from, to, &counts, &details); err != nil {
			counts.Errored++
			details = append(details, fmt.Sprintf("calendar %q: %v", entry.Name, err))
		}
	}

	message := fmt.Sprintf("imported %d calendars: %d created, %d updated, %d failed", len(entries), counts.Created, counts.Updated, counts.Errored)
	out := ImportResult{RunID: run.ID, Outcome: synclog.Outcome(counts, nil), Calendars: len(entries), Counts: counts, Details: details}
	if _, err := s.recorder.Finish(ctx, run, counts, nil, message, map[string]any{"calendars": len(entries), "errors": details}); err != nil {
		return out, err
	}
	return out, nil
}

func (s *Service) importEntry(ctx context.Context, entry store.CalendarEntry, from, to time.Time, counts *synclog.Counts, details *[]string) error {
	tok, err := s.tokens.GetByID(ctx, entry.TokenID)
	if err != nil {
		return err
	}
	client := s.calendar.WithCredentials(s.tokens.Source(tok.Service, tok.OperatorID))
	remoteEvents, err := client.ListEvents(ctx, entry.RemoteID, from, to)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	for _, rev := range remoteEvents {
		if rev.Cancelled() {
			continue
		}
		counts.Processed++
		if err := s.importEvent(ctx, entry, rev, counts); err != nil {
			counts.Errored++
			*details = append(*details, fmt.Sprintf("event %q in %q: %v", rev.Summary, entry.Name, err))
		}
	}
	return nil
}

func (s *Service) importEvent(ctx context.Context, entry store.CalendarEntry, rev gcal.Event, counts *synclog.Counts) error {
	start, end, allDay, err := rev.Times()
	if err != nil {
		return err
	}
	syncedAt := s.now()
	incoming := store.Event{
		Owner:         store.CalendarOwner{CalendarEntryID: entry.ID},
		Title:         rev.Summary,
		Description:   rev.Description,
		Location:      rev.Location,
		StartsAt:      start,
		EndsAt:        end,
		AllDay:        allDay,
		RemoteEventID: rev.ID,
		LastSyncedAt:  &syncedAt,
		SyncEnabled:   true,
	}

	existing, err := s.store.Events.GetByRemoteID(ctx, entry.ID, rev.ID)
	if errors.Is(err, store.ErrNotFound) {
		if rev.LocalID() != 0 {
			return nil
		}
		if _, err := s.store.Events.Create(ctx, incoming); err != nil {
			return err
		}
		counts.Created++
		return nil
	}
	if err != nil {
		return err
	}
	if existing.Modified() || sameContent(*existing, incoming) {
		return nil
	}
	incoming.ID = existing.ID
	if err := s.store.Events.UpdateFromRemote(ctx, incoming); err != nil {
		return err
	}
	counts.Updated++
	return nil
}

func sameContent(a, b store.Event) bool {
	return a.Title == b.Title &&
		a.Description == b.Description &&
		a.Location == b.Location &&
		a.AllDay == b.AllDay &&
		a.StartsAt.Equal(b.StartsAt) &&
		a.EndsAt.Equal(b.EndsAt)
}
