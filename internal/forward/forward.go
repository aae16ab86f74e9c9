// Package forward pushes local documents and events to OneDrive and Google
// Calendar. Push failures are logged and reported in the result; they never
// undo or fail the local mutation that triggered them.
package forward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gitea.jw6.us/james/dossiersync/internal/integrations/gcal"
	"gitea.jw6.us/james/dossiersync/internal/integrations/onedrive"
	"gitea.jw6.us/james/dossiersync/internal/integrations/remote"
	"gitea.jw6.us/james/dossiersync/internal/metrics"
	"gitea.jw6.us/james/dossiersync/internal/store"
	"gitea.jw6.us/james/dossiersync/internal/synclog"
	"gitea.jw6.us/james/dossiersync/internal/tokens"
)

// Action says what a push did remotely.
type Action string

const (
	ActionCreated Action = "created"
	ActionUpdated Action = "updated"
	ActionSkipped Action = "skipped"
	ActionFailed  Action = "failed"
)

// ErrInvalidDocument rejects an upload before anything is stored.
var ErrInvalidDocument = errors.New("invalid document")

// Result is the outcome of one push.
type Result struct {
	Success  bool   `json:"success"`
	Action   Action `json:"action"`
	RemoteID string `json:"remote_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Folders resolves the remote folder of a dossier location.
type Folders interface {
	Folder(ctx context.Context, dossierID int64, loc store.Location) (string, error)
}

// Uploader stores file content in a remote folder.
type Uploader interface {
	Upload(ctx context.Context, parentID, name, contentType string, content []byte) (*onedrive.Item, error)
}

// Service is the forward sync engine.
type Service struct {
	store           *store.Store
	folders         Folders
	drive           Uploader
	calendar        *gcal.Client
	tokens          *tokens.Store
	recorder        *synclog.Recorder
	defaultCalendar string
	batchLimit      int
	logger          *slog.Logger
	now             func() time.Time
}

// Config wires the engine.
type Config struct {
	Store    *store.Store
	Folders  Folders
	Drive    Uploader
	Calendar *gcal.Client
	Tokens   *tokens.Store
	Recorder *synclog.Recorder
	// DefaultCalendarID receives dossier events on the shared connection.
	DefaultCalendarID string
	Logger            *slog.Logger
}

// New creates the engine.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	defaultCalendar := cfg.DefaultCalendarID
	if defaultCalendar == "" {
		defaultCalendar = "primary"
	}
	return &Service{
		store:           cfg.Store,
		folders:         cfg.Folders,
		drive:           cfg.Drive,
		calendar:        cfg.Calendar,
		tokens:          cfg.Tokens,
		recorder:        cfg.Recorder,
		defaultCalendar: defaultCalendar,
		batchLimit:      500,
		logger:          logger.With(slog.String("component", "forward")),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// NewDocument is a local upload.
type NewDocument struct {
	DossierID  int64
	Name       string
	MimeType   string
	Location   store.Location
	UploadedBy store.Uploader
	Content    []byte
}

// UploadDocument records the document locally and then pushes it. The
// document is returned even when the push fails.
func (s *Service) UploadDocument(ctx context.Context, in NewDocument) (*store.Document, Result, error) {
	if in.Name == "" {
		return nil, Result{}, fmt.Errorf("%w: name is required", ErrInvalidDocument)
	}
	if !in.Location.Valid() {
		return nil, Result{}, fmt.Errorf("%w: unknown location %q", ErrInvalidDocument, in.Location)
	}
	doc, err := s.store.Documents.Create(ctx, store.Document{
		DossierID:  in.DossierID,
		Name:       in.Name,
		Size:       int64(len(in.Content)),
		MimeType:   in.MimeType,
		Location:   in.Location,
		UploadedBy: in.UploadedBy,
	})
	if err != nil {
		return nil, Result{}, fmt.Errorf("create document: %w", err)
	}
	res := s.PushDocument(ctx, doc, in.Content)
	if res.Success {
		doc.RemoteFileID = res.RemoteID
		if refreshed, err := s.store.Documents.GetByID(ctx, doc.ID); err == nil {
			doc = refreshed
		}
	}
	return doc, res, nil
}

// PushDocument uploads content into the sub-folder matching the document
// location and stores the remote identifiers.
func (s *Service) PushDocument(ctx context.Context, doc *store.Document, content []byte) Result {
	log := s.logger.With(slog.Int64("document_id", doc.ID), slog.Int64("dossier_id", doc.DossierID))
	folderID, err := s.folders.Folder(ctx, doc.DossierID, doc.Location)
	if err != nil {
		return s.failDocument(log, fmt.Errorf("resolve %s folder: %w", doc.Location, err))
	}
	item, err := s.drive.Upload(ctx, folderID, onedrive.SanitizeName(doc.Name), doc.MimeType, content)
	if err != nil {
		return s.failDocument(log, fmt.Errorf("upload: %w", err))
	}
	if err := s.store.Documents.SetRemote(ctx, doc.ID, item.ID, item.WebURL, item.DownloadURL); err != nil {
		return s.failDocument(log, fmt.Errorf("store remote ids: %w", err))
	}
	metrics.AddSyncItems(string(store.ServiceOneDrive), "document_uploaded", 1)
	log.Info("document pushed", slog.String("remote_id", item.ID))
	return Result{Success: true, Action: ActionCreated, RemoteID: item.ID}
}

func (s *Service) failDocument(log *slog.Logger, err error) Result {
	metrics.AddSyncItems(string(store.ServiceOneDrive), "push_failed", 1)
	log.Warn("document push failed", slog.String("error", err.Error()))
	return Result{Action: ActionFailed, Error: describe(store.ServiceOneDrive, err)}
}

// PushEvent creates or updates the remote copy of a sync-enabled event. The
// remote id is left untouched on failure so the next trigger retries.
func (s *Service) PushEvent(ctx context.Context, eventID int64) Result {
	log := s.logger.With(slog.Int64("event_id", eventID))
	ev, err := s.store.Events.GetByID(ctx, eventID)
	if err != nil {
		return s.failEvent(log, fmt.Errorf("load event: %w", err))
	}
	if !ev.PendingPush() && !ev.Modified() {
		return Result{Success: true, Action: ActionSkipped, RemoteID: ev.RemoteEventID}
	}

	client, calendarID, ok, err := s.target(ctx, ev)
	if err != nil {
		return s.failEvent(log, err)
	}
	if !ok {
		return Result{Success: true, Action: ActionSkipped, RemoteID: ev.RemoteEventID}
	}

	body := gcal.NewEvent(ev.Title, ev.Description, ev.Location, ev.StartsAt, ev.EndsAt, ev.AllDay)
	body.TagLocal(ev.ID)
	action := ActionUpdated
	var remoteEv *gcal.Event
	if ev.RemoteEventID != "" {
		remoteEv, err = client.PatchEvent(ctx, calendarID, ev.RemoteEventID, body)
		if remote.IsNotFound(err) {
			log.Info("remote event gone, recreating", slog.String("remote_id", ev.RemoteEventID))
			remoteEv, err = nil, nil
		}
	}
	if remoteEv == nil && err == nil {
		action = ActionCreated
		remoteEv, err = client.InsertEvent(ctx, calendarID, body)
	}
	if err != nil {
		return s.failEvent(log, fmt.Errorf("%s remote event: %w", verb(action), err))
	}

	if err := s.store.Events.MarkSynced(ctx, ev.ID, remoteEv.ID, s.now()); err != nil {
		return s.failEvent(log, fmt.Errorf("mark synced: %w", err))
	}
	metrics.AddSyncItems(string(store.ServiceGoogleCalendar), "event_"+string(action), 1)
	log.Info("event pushed", slog.String("action", string(action)), slog.String("remote_id", remoteEv.ID))
	return Result{Success: true, Action: action, RemoteID: remoteEv.ID}
}

// target picks the calendar for an event. Dossier events go to the default
// calendar of the shared connection; imported events go back to their own
// calendar while it is active.
func (s *Service) target(ctx context.Context, ev *store.Event) (*gcal.Client, string, bool, error) {
	switch owner := ev.Owner.(type) {
	case store.DossierOwner:
		return s.calendar.WithCredentials(s.tokens.Source(store.ServiceGoogleCalendar, nil)), s.defaultCalendar, true, nil
	case store.CalendarOwner:
		entry, err := s.store.Calendars.GetByID(ctx, owner.CalendarEntryID)
		if err != nil {
			return nil, "", false, fmt.Errorf("load calendar entry: %w", err)
		}
		if !entry.Active {
			return nil, "", false, nil
		}
		tok, err := s.tokens.GetByID(ctx, entry.TokenID)
		if err != nil {
			return nil, "", false, err
		}
		return s.calendar.WithCredentials(s.tokens.Source(tok.Service, tok.OperatorID)), entry.RemoteID, true, nil
	default:
		return nil, "", false, fmt.Errorf("event has no owner")
	}
}

func (s *Service) failEvent(log *slog.Logger, err error) Result {
	metrics.AddSyncItems(string(store.ServiceGoogleCalendar), "push_failed", 1)
	log.Warn("event push failed", slog.String("error", err.Error()))
	return Result{Action: ActionFailed, Error: describe(store.ServiceGoogleCalendar, err)}
}

// BatchResult summarizes PushPending.
type BatchResult struct {
	RunID   string            `json:"run_id"`
	Outcome store.SyncOutcome `json:"outcome"`
	Counts  synclog.Counts    `json:"counts"`
	Details []string          `json:"details"`
}

// PushPending pushes every event that was never pushed or changed since its
// last push, and records the run in the sync log.
func (s *Service) PushPending(ctx context.Context, mode store.SyncMode, triggeredBy *int64) (BatchResult, error) {
	run := s.recorder.Start(store.ServiceGoogleCalendar, mode, synclog.OpPushEvents, triggeredBy)
	events, err := s.store.Events.ListNeedingPush(ctx, s.batchLimit)
	if err != nil {
		fatal := fmt.Errorf("list pending events: %w", err)
		_, _ = s.recorder.Finish(ctx, run, synclog.Counts{}, fatal, "", nil)
		return BatchResult{RunID: run.ID, Outcome: store.OutcomeError}, fatal
	}

	var counts synclog.Counts
	details := []string{}
	for _, ev := range events {
		if ctx.Err() != nil {
			details = append(details, "cancelled: "+ctx.Err().Error())
			counts.Errored++
			break
		}
		counts.Processed++
		res := s.PushEvent(ctx, ev.ID)
		switch res.Action {
		case ActionCreated:
			counts.Created++
		case ActionUpdated:
			counts.Updated++
		case ActionFailed:
			counts.Errored++
			details = append(details, fmt.Sprintf("event %d (%s): %s", ev.ID, ev.Title, res.Error))
		}
	}

	message := fmt.Sprintf("pushed %d events: %d created, %d updated, %d failed", counts.Processed, counts.Created, counts.Updated, counts.Errored)
	saved, err := s.recorder.Finish(ctx, run, counts, nil, message, map[string]any{"errors": details})
	out := BatchResult{RunID: run.ID, Outcome: synclog.Outcome(counts, nil), Counts: counts, Details: details}
	if err != nil {
		return out, err
	}
	out.Outcome = saved.Outcome
	return out, nil
}

func verb(a Action) string {
	if a == ActionCreated {
		return "create"
	}
	return "update"
}

func describe(service store.Service, err error) string {
	var refreshErr *tokens.RefreshError
	switch {
	case errors.Is(err, tokens.ErrNotConnected):
		return string(service) + " is not connected"
	case errors.As(err, &refreshErr):
		return string(service) + " token could not be refreshed: " + refreshErr.Err.Error()
	}
	return err.Error()
}
