// Package api serves the operator JSON API over the sync and health services.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"gitea.jw6.us/james/dossiersync/internal/auth"
	"gitea.jw6.us/james/dossiersync/internal/calendarsync"
	"gitea.jw6.us/james/dossiersync/internal/forward"
	"gitea.jw6.us/james/dossiersync/internal/health"
	"gitea.jw6.us/james/dossiersync/internal/http/csrf"
	httperrors "gitea.jw6.us/james/dossiersync/internal/http/errors"
	"gitea.jw6.us/james/dossiersync/internal/integrations/gcal"
	"gitea.jw6.us/james/dossiersync/internal/integrations/onedrive"
	"gitea.jw6.us/james/dossiersync/internal/provision"
	"gitea.jw6.us/james/dossiersync/internal/reversesync"
	"gitea.jw6.us/james/dossiersync/internal/store"
	"gitea.jw6.us/james/dossiersync/internal/tokens"
)

const maxUploadBody = 8 << 20

// Deps are the services behind the API.
type Deps struct {
	Store     *store.Store
	Tokens    *tokens.Store
	Sessions  *auth.SessionManager
	Health    *health.Service
	Provision *provision.Service
	Forward   *forward.Service
	Calendars *calendarsync.Service
	Reverse   *reversesync.Service
	Drive     *onedrive.Client
	Calendar  *gcal.Client
	Logger    *slog.Logger
}

// Handler implements the API routes.
type Handler struct {
	Deps
	logger *slog.Logger
}

func New(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Handler{Deps: d, logger: logger.With(slog.String("component", "api"))}
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

func queryBool(r *http.Request, name string) bool {
	switch strings.ToLower(r.URL.Query().Get(name)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// Session returns the signed-in operator and the CSRF token for mutating calls.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.UserFromContext(r.Context())
	if !ok {
		httperrors.Error(w, http.StatusUnauthorized, "authentication required")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{
		"user": map[string]any{
			"id":    user.ID,
			"email": user.PrimaryEmail,
			"name":  user.DisplayName,
		},
		"csrf_token": csrf.TokenFromContext(r.Context()),
	})
}

func (h *Handler) HealthReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.Health.GetHealthReport(r.Context(), queryBool(r, "refresh"))
	if err != nil {
		httperrors.InternalError(w, r, err, "build health report")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, report)
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	results := h.Health.PerformHealthChecks(r.Context())
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *Handler) SyncHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		httperrors.BadRequestError(w, r, err, "limit must be a number")
		return
	}
	entries, err := h.Health.History(r.Context(), store.Service(r.URL.Query().Get("type")), limit)
	if errors.Is(err, health.ErrUnknownType) {
		httperrors.BadRequestError(w, r, err, "unknown sync type")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "load sync history")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"limit": health.ClampLimit(limit), "entries": entries})
}

func (h *Handler) SyncStats(w http.ResponseWriter, r *http.Request) {
	days, err := queryInt(r, "days")
	if err != nil {
		httperrors.BadRequestError(w, r, err, "days must be a number")
		return
	}
	stats, err := h.Health.GetSyncStatistics(r.Context(), days)
	if err != nil {
		httperrors.InternalError(w, r, err, "load sync statistics")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, stats)
}

// ReverseSync runs a manual scan. The report is returned even when the scan
// could not start; fatal carries the reason.
func (h *Handler) ReverseSync(w http.ResponseWriter, r *http.Request) {
	report, err := h.Reverse.Run(r.Context(), store.SyncModeManual, auth.OperatorID(r.Context()))
	h.Health.Invalidate()
	resp := struct {
		reversesync.Report
		Fatal string `json:"fatal,omitempty"`
	}{Report: report}
	if err != nil {
		resp.Fatal = err.Error()
	}
	httperrors.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) PushEvents(w http.ResponseWriter, r *http.Request) {
	res, err := h.Forward.PushPending(r.Context(), store.SyncModeManual, auth.OperatorID(r.Context()))
	h.Health.Invalidate()
	if err != nil {
		httperrors.InternalError(w, r, err, "push events")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) ImportEvents(w http.ResponseWriter, r *http.Request) {
	res, err := h.Calendars.Import(r.Context(), store.SyncModeManual, auth.OperatorID(r.Context()))
	h.Health.Invalidate()
	if err != nil {
		httperrors.InternalError(w, r, err, "import events")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, res)
}

type calendarView struct {
	ID           int64  `json:"id"`
	RemoteID     string `json:"remote_id"`
	Name         string `json:"name"`
	Color        string `json:"color,omitempty"`
	Primary      bool   `json:"primary"`
	Active       bool   `json:"active"`
	AccountEmail string `json:"account_email,omitempty"`
	OperatorID   *int64 `json:"operator_id,omitempty"`
}

func viewCalendar(e store.CalendarEntry) calendarView {
	return calendarView{ID: e.ID, RemoteID: e.RemoteID, Name: e.Name, Color: e.Color, Primary: e.IsPrimary, Active: e.Active}
}

func (h *Handler) ListCalendars(w http.ResponseWriter, r *http.Request) {
	entries, err := h.Calendars.List(r.Context())
	if err != nil {
		httperrors.InternalError(w, r, err, "list calendars")
		return
	}
	out := make([]calendarView, 0, len(entries))
	for _, e := range entries {
		v := viewCalendar(e.CalendarEntry)
		v.AccountEmail, v.OperatorID = e.AccountEmail, e.OperatorID
		out = append(out, v)
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"calendars": out})
}

// RefreshCalendars reloads the calendar list of the shared connection, or of
// the operator's own connection with scope=personal.
func (h *Handler) RefreshCalendars(w http.ResponseWriter, r *http.Request) {
	operator, err := scopeOperator(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, err.Error())
		return
	}
	entries, err := h.Calendars.Refresh(r.Context(), operator)
	if errors.Is(err, tokens.ErrNotConnected) {
		httperrors.Error(w, http.StatusConflict, "google calendar is not connected")
		return
	}
	if err != nil {
		httperrors.LogError(r, "refresh calendars", err)
		httperrors.Error(w, http.StatusBadGateway, "calendar list could not be loaded")
		return
	}
	out := make([]calendarView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewCalendar(e))
	}
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"calendars": out})
}

func (h *Handler) SetCalendarActive(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid calendar id")
		return
	}
	var body struct {
		Active *bool `json:"active"`
	}
	if err := decodeJSON(r, &body); err != nil || body.Active == nil {
		httperrors.Error(w, http.StatusBadRequest, `body must be {"active": true|false}`)
		return
	}
	entry, err := h.Calendars.SetActive(r.Context(), id, *body.Active)
	if errors.Is(err, store.ErrNotFound) {
		httperrors.NotFound(w, "calendar")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "update calendar")
		return
	}
	httperrors.WriteJSON(w, http.StatusOK, viewCalendar(*entry))
}

func (h *Handler) Disconnect(w http.ResponseWriter, r *http.Request) {
	service := store.Service(chi.URLParam(r, "service"))
	if !service.Valid() {
		httperrors.NotFound(w, "integration")
		return
	}
	operator, err := scopeOperator(r)
	if err != nil {
		httperrors.BadRequestError(w, r, err, err.Error())
		return
	}
	err = h.Tokens.Disconnect(r.Context(), service, operator)
	if errors.Is(err, tokens.ErrNotConnected) {
		httperrors.NotFound(w, "connection")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "disconnect integration")
		return
	}
	h.Health.Invalidate()
	httperrors.WriteJSON(w, http.StatusOK, map[string]any{"service": service, "connected": false})
}

// EnsureFolders provisions the OneDrive folders of a dossier. A failed
// provision answers 502 with the structured result.
func (h *Handler) EnsureFolders(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid dossier id")
		return
	}
	if _, err := h.Store.Dossiers.GetByID(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		httperrors.NotFound(w, "dossier")
		return
	} else if err != nil {
		httperrors.InternalError(w, r, err, "load dossier")
		return
	}
	res := h.Provision.EnsureFolders(r.Context(), id)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	httperrors.WriteJSON(w, status, res)
}

type documentView struct {
	ID           int64          `json:"id"`
	DossierID    int64          `json:"dossier_id"`
	Name         string         `json:"name"`
	Location     store.Location `json:"location"`
	Size         int64          `json:"size"`
	MimeType     string         `json:"mime_type,omitempty"`
	RemoteFileID string         `json:"remote_file_id,omitempty"`
	WebURL       string         `json:"web_url,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// UploadDocument stores a multipart "file" in the dossier and pushes it to
// OneDrive. The document is created even when the push fails; the sync
// result tells the caller.
func (h *Handler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid dossier id")
		return
	}
	if _, err := h.Store.Dossiers.GetByID(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		httperrors.NotFound(w, "dossier")
		return
	} else if err != nil {
		httperrors.InternalError(w, r, err, "load dossier")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	file, header, err := r.FormFile("file")
	if err != nil {
		httperrors.BadRequestError(w, r, err, "multipart field \"file\" is required")
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		httperrors.BadRequestError(w, r, err, "could not read upload")
		return
	}

	location := store.Location(r.FormValue("location"))
	if location == "" {
		location = store.LocationCabinet
	}
	var uploader store.Uploader = store.SystemUploader{}
	if op := auth.OperatorID(r.Context()); op != nil {
		uploader = store.OperatorUploader{UserID: *op}
	}
	doc, res, err := h.Forward.UploadDocument(r.Context(), forward.NewDocument{
		DossierID:  id,
		Name:       header.Filename,
		MimeType:   header.Header.Get("Content-Type"),
		Location:   location,
		UploadedBy: uploader,
		Content:    content,
	})
	if errors.Is(err, forward.ErrInvalidDocument) {
		httperrors.BadRequestError(w, r, err, err.Error())
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "create document")
		return
	}
	httperrors.WriteJSON(w, http.StatusCreated, map[string]any{
		"document": documentView{
			ID:           doc.ID,
			DossierID:    doc.DossierID,
			Name:         doc.Name,
			Location:     doc.Location,
			Size:         doc.Size,
			MimeType:     doc.MimeType,
			RemoteFileID: doc.RemoteFileID,
			WebURL:       doc.WebURL,
			CreatedAt:    doc.CreatedAt,
		},
		"sync": res,
	})
}

func (h *Handler) PushEvent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		httperrors.BadRequestError(w, r, err, "invalid event id")
		return
	}
	if _, err := h.Store.Events.GetByID(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		httperrors.NotFound(w, "event")
		return
	} else if err != nil {
		httperrors.InternalError(w, r, err, "load event")
		return
	}
	res := h.Forward.PushEvent(r.Context(), id)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	httperrors.WriteJSON(w, status, res)
}

// scopeOperator maps ?scope=shared|personal to the token owner.
func scopeOperator(r *http.Request) (*int64, error) {
	switch r.URL.Query().Get("scope") {
	case "", "shared":
		return nil, nil
	case "personal":
		op := auth.OperatorID(r.Context())
		if op == nil {
			return nil, errors.New("personal scope needs a signed-in operator")
		}
		return op, nil
	}
	return nil, errors.New("scope must be shared or personal")
}
