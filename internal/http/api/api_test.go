package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"gitea.jw6.us/james/dossiersync/internal/auth"
	"gitea.jw6.us/james/dossiersync/internal/calendarsync"
	"gitea.jw6.us/james/dossiersync/internal/config"
	"gitea.jw6.us/james/dossiersync/internal/forward"
	"gitea.jw6.us/james/dossiersync/internal/health"
	"gitea.jw6.us/james/dossiersync/internal/integrations/gcal"
	"gitea.jw6.us/james/dossiersync/internal/integrations/gcal/gcaltest"
	"gitea.jw6.us/james/dossiersync/internal/integrations/onedrive"
	"gitea.jw6.us/james/dossiersync/internal/integrations/onedrive/onedrivetest"
	"gitea.jw6.us/james/dossiersync/internal/integrations/remote"
	"gitea.jw6.us/james/dossiersync/internal/provision"
	"gitea.jw6.us/james/dossiersync/internal/reversesync"
	"gitea.jw6.us/james/dossiersync/internal/store"
	"gitea.jw6.us/james/dossiersync/internal/store/storetest"
	"gitea.jw6.us/james/dossiersync/internal/synclog"
	"gitea.jw6.us/james/dossiersync/internal/tokens"
)

var driveLayout = config.OneDriveConfig{RootPath: "/Cabinet/Clients", CabinetFolder: "Cabinet", ClientFolder: "Client"}

type fixture struct {
	h        *Handler
	router   http.Handler
	mem      *storetest.Memory
	tokens   *tokens.Store
	sessions *auth.SessionManager
	drive    *onedrivetest.Drive
	cal      *gcaltest.Server
	user     store.User
}

// newFixture wires the handler against in-memory storage and fake providers.
// oauth, when set, registers the same OAuth client for both services.
func newFixture(t *testing.T, oauth *oauth2.Config) fixture {
	t.Helper()
	st, mem := storetest.New()
	cipher, err := tokens.NewCipher(strings.Repeat("k", 32))
	if err != nil {
		t.Fatal(err)
	}
	var opts []tokens.Option
	if oauth != nil {
		opts = append(opts, tokens.WithOAuthConfig(store.ServiceOneDrive, oauth), tokens.WithOAuthConfig(store.ServiceGoogleCalendar, oauth))
	}
	tok := tokens.NewStore(st.Tokens, cipher, nil, opts...)

	drive := onedrivetest.New(t)
	cal := gcaltest.New(t, "agenda@cabinet.example")
	fast := remote.WithRetryDelay(time.Millisecond, time.Millisecond)
	driveClient := onedrive.New(drive.URL(), tok.Source(store.ServiceOneDrive, nil), fast)
	calClient := gcal.New(cal.URL(), nil, gcal.WithRetryDelay(time.Millisecond))
	recorder := synclog.New(st.SyncLogs, nil)
	prov := provision.New(st, driveClient, driveLayout, nil)

	cfg := &config.Config{BaseURL: "https://portal.cabinet.example"}
	cfg.Session.Secret = strings.Repeat("s", 40)
	sessions := auth.NewSessionManager(cfg)

	h := New(Deps{
		Store:     st,
		Tokens:    tok,
		Sessions:  sessions,
		Health:    health.New(health.Config{Store: st, Tokens: tok, Drive: driveClient, Calendar: calClient, CacheTTL: time.Minute, PingTimeout: time.Second}),
		Provision: prov,
		Forward: forward.New(forward.Config{
			Store: st, Folders: prov, Drive: driveClient, Calendar: calClient, Tokens: tok, Recorder: recorder,
		}),
		Calendars: calendarsync.New(st, tok, calClient, recorder, 24*time.Hour, nil),
		Reverse:   reversesync.New(st, driveClient, driveLayout, recorder, 2, nil),
		Drive:     driveClient,
		Calendar:  calClient,
	})

	user := mem.AddUser("maitre@cabinet.example")
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			u := user
			next.ServeHTTP(w, req.WithContext(auth.WithUser(req.Context(), &u)))
		})
	})
	r.Route("/api", h.Register)
	h.RegisterConsent(r)

	return fixture{h: h, router: r, mem: mem, tokens: tok, sessions: sessions, drive: drive, cal: cal, user: user}
}

func (f fixture) connect(t *testing.T, service store.Service) {
	t.Helper()
	if _, err := f.tokens.Save(context.Background(), service, nil, tokens.Credentials{
		AccessToken: "access",
		Expiry:      time.Now().Add(time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
}

func (f fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestSessionReturnsOperator(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/session", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	user := decode(t, rec)["user"].(map[string]any)
	if user["email"] != "maitre@cabinet.example" || user["id"].(float64) != float64(f.user.ID) {
		t.Fatalf("user = %+v", user)
	}
}

func TestHealthReportEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, store.ServiceOneDrive)

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/integrations/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	f.do(t, httptest.NewRequest(http.MethodGet, "/api/integrations/health", nil))
	if f.drive.Pings() != 1 {
		t.Fatalf("cached report pingd %d times", f.drive.Pings())
	}
	f.do(t, httptest.NewRequest(http.MethodGet, "/api/integrations/health?refresh=1", nil))
	if f.drive.Pings() != 2 {
		t.Fatalf("refresh did not ping: %d", f.drive.Pings())
	}
}

func TestSyncHistoryValidation(t *testing.T) {
	f := newFixture(t, nil)
	for range 3 {
		f.mem.AddSyncLog(store.SyncLog{RunID: "r", Type: store.ServiceOneDrive, Mode: store.SyncModeScheduled, Outcome: store.OutcomeSuccess})
	}

	tests := []struct {
		query   string
		status  int
		entries int
	}{
		{"", http.StatusOK, 3},
		{"?type=onedrive&limit=2", http.StatusOK, 2},
		{"?type=google_calendar", http.StatusOK, 0},
		{"?type=dropbox", http.StatusBadRequest, -1},
		{"?limit=many", http.StatusBadRequest, -1},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/integrations/sync-history"+tt.query, nil))
			if rec.Code != tt.status {
				t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
			}
			if tt.entries < 0 {
				return
			}
			entries, _ := decode(t, rec)["entries"].([]any)
			if len(entries) != tt.entries {
				t.Fatalf("entries = %d, want %d", len(entries), tt.entries)
			}
		})
	}
}

func TestSyncStatsClampsDays(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/integrations/sync-stats?days=365", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var stats health.Statistics
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Days != 30 || len(stats.Types) != len(store.Services) {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestEnsureFolders(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, store.ServiceOneDrive)
	client := f.mem.AddClient("Jane", "Doe")
	d := f.mem.AddDossier(store.Dossier{ClientID: client.ID, Reference: "AFF-001"})

	missing := f.do(t, httptest.NewRequest(http.MethodPost, "/api/dossiers/999/folders", nil))
	if missing.Code != http.StatusNotFound {
		t.Fatalf("missing dossier = %d", missing.Code)
	}

	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/dossiers/"+strconv.FormatInt(d.ID, 10)+"/folders", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if !f.drive.Exists("/Cabinet/Clients/Jane Doe/AFF-001/Cabinet") || !f.mem.Dossier(d.ID).HasFolders() {
		t.Fatal("folders not provisioned")
	}
}

func TestEnsureFoldersRemoteFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, store.ServiceOneDrive)
	f.drive.FailCreate("Clients", http.StatusForbidden)
	client := f.mem.AddClient("Jane", "Doe")
	d := f.mem.AddDossier(store.Dossier{ClientID: client.ID, Reference: "AFF-001"})

	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/dossiers/"+strconv.FormatInt(d.ID, 10)+"/folders", nil))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if body := decode(t, rec); body["success"] != false || body["error"] == "" {
		t.Fatalf("body = %+v", body)
	}
}

func uploadRequest(t *testing.T, dossierID int64, location, name string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if location != "" {
		if err := mw.WriteField("location", location); err != nil {
			t.Fatal(err)
		}
	}
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/dossiers/"+strconv.FormatInt(dossierID, 10)+"/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUploadDocument(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, store.ServiceOneDrive)
	client := f.mem.AddClient("Jane", "Doe")
	d := f.mem.AddDossier(store.Dossier{ClientID: client.ID, Reference: "AFF-001"})

	rec := f.do(t, uploadRequest(t, d.ID, "client", "id-card.pdf", []byte("%PDF")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if sync := body["sync"].(map[string]any); sync["success"] != true {
		t.Fatalf("sync = %+v", sync)
	}
	docs := f.mem.Documents()
	if len(docs) != 1 || docs[0].Location != store.LocationClient || docs[0].RemoteFileID == "" {
		t.Fatalf("documents = %+v", docs)
	}
	if docs[0].UploadedBy != (store.OperatorUploader{UserID: f.user.ID}) {
		t.Fatalf("uploader = %#v", docs[0].UploadedBy)
	}
	if got := f.drive.Content("/Cabinet/Clients/Jane Doe/AFF-001/Client/id-card.pdf"); string(got) != "%PDF" {
		t.Fatalf("remote content = %q", got)
	}
}

func TestUploadDocumentRejects(t *testing.T) {
	f := newFixture(t, nil)
	client := f.mem.AddClient("Jane", "Doe")
	d := f.mem.AddDossier(store.Dossier{ClientID: client.ID, Reference: "AFF-001"})

	if rec := f.do(t, uploadRequest(t, d.ID, "archive", "x.pdf", []byte("x"))); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad location = %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, uploadRequest(t, d.ID+100, "", "x.pdf", []byte("x"))); rec.Code != http.StatusNotFound {
		t.Fatalf("missing dossier = %d", rec.Code)
	}
	if len(f.mem.Documents()) != 0 {
		t.Fatal("rejected upload was stored")
	}
}

func TestPushEventEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, store.ServiceGoogleCalendar)
	client := f.mem.AddClient("Jane", "Doe")
	d := f.mem.AddDossier(store.Dossier{ClientID: client.ID, Reference: "AFF-001"})
	start := time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC)
	ev := f.mem.AddEvent(store.Event{Owner: store.DossierOwner{DossierID: d.ID}, Title: "Hearing", StartsAt: start, EndsAt: start.Add(time.Hour), SyncEnabled: true})

	if rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/events/424242/push", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("missing event = %d", rec.Code)
	}
	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/events/"+strconv.FormatInt(ev.ID, 10)+"/push", nil))
	if rec.Code != http.StatusOK || decode(t, rec)["action"] != string(forward.ActionCreated) {
		t.Fatalf("push = %d %s", rec.Code, rec.Body.String())
	}
	if f.cal.Inserts() != 1 {
		t.Fatalf("inserts = %d", f.cal.Inserts())
	}
}

func TestReverseSyncReportsFatal(t *testing.T) {
	f := newFixture(t, nil)
	f.connect(t, store.ServiceOneDrive)

	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/integrations/onedrive/reverse-sync", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["outcome"] != string(store.OutcomeError) || body["fatal"] == nil {
		t.Fatalf("body = %+v", body)
	}
	logs := f.mem.SyncLogs()
	if len(logs) != 1 || logs[0].TriggeredBy == nil || *logs[0].TriggeredBy != f.user.ID {
		t.Fatalf("logs = %+v", logs)
	}
}

func TestCalendarDirectory(t *testing.T) {
	f := newFixture(t, nil)

	notConnected := f.do(t, httptest.NewRequest(http.MethodPost, "/api/integrations/google/calendars/refresh", nil))
	if notConnected.Code != http.StatusConflict {
		t.Fatalf("refresh without token = %d", notConnected.Code)
	}

	f.connect(t, store.ServiceGoogleCalendar)
	f.cal.AddCalendar(gcal.Calendar{ID: "hearings", Summary: "Hearings", AccessRole: "owner"})
	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/integrations/google/calendars/refresh", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("refresh = %d %s", rec.Code, rec.Body.String())
	}
	entries := f.mem.CalendarEntries()
	if len(entries) != 2 {
		t.Fatalf("entries = %+v", entries)
	}
	var hearings store.CalendarEntry
	for _, e := range entries {
		if e.RemoteID == "hearings" {
			hearings = e
		}
	}
	if hearings.Active {
		t.Fatal("secondary calendar should start inactive")
	}

	path := "/api/integrations/google/calendars/" + strconv.FormatInt(hearings.ID, 10)
	bad := httptest.NewRequest(http.MethodPut, path, strings.NewReader(`{"enabled":true}`))
	if rec := f.do(t, bad); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad body = %d", rec.Code)
	}
	put := httptest.NewRequest(http.MethodPut, path, strings.NewReader(`{"active":true}`))
	if rec := f.do(t, put); rec.Code != http.StatusOK || decode(t, rec)["active"] != true {
		t.Fatalf("set active = %d %s", rec.Code, rec.Body.String())
	}
	missing := httptest.NewRequest(http.MethodPut, "/api/integrations/google/calendars/9999", strings.NewReader(`{"active":false}`))
	if rec := f.do(t, missing); rec.Code != http.StatusNotFound {
		t.Fatalf("missing entry = %d", rec.Code)
	}

	list := f.do(t, httptest.NewRequest(http.MethodGet, "/api/integrations/google/calendars", nil))
	if cals, _ := decode(t, list)["calendars"].([]any); len(cals) != 2 {
		t.Fatalf("list = %s", list.Body.String())
	}
}

func TestDisconnect(t *testing.T) {
	f := newFixture(t, nil)

	if rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/integrations/onedrive/disconnect", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("not connected = %d", rec.Code)
	}
	if rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/integrations/dropbox/disconnect", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown service = %d", rec.Code)
	}

	f.connect(t, store.ServiceOneDrive)
	if _, err := f.h.Health.GetHealthReport(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/api/integrations/onedrive/disconnect", nil))
	if rec.Code != http.StatusOK || len(f.mem.Tokens()) != 0 {
		t.Fatalf("disconnect = %d tokens = %d", rec.Code, len(f.mem.Tokens()))
	}
	report, err := f.h.Health.GetHealthReport(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	for _, in := range report.Integrations {
		if in.Service == store.ServiceOneDrive && in.Status != health.StatusNotConnected {
			t.Fatalf("stale health after disconnect: %+v", in)
		}
	}
}

func tokenEndpoint(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "consent-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"refresh_token": "fresh-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConnectFlow(t *testing.T) {
	endpoint := tokenEndpoint(t)
	f := newFixture(t, &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{AuthURL: "https://login.provider.example/authorize", TokenURL: endpoint.URL},
		RedirectURL:  "https://portal.cabinet.example/integrations/google_calendar/callback",
	})

	start := f.do(t, httptest.NewRequest(http.MethodGet, "/integrations/google_calendar/connect?scope=personal", nil))
	if start.Code != http.StatusFound {
		t.Fatalf("connect = %d %s", start.Code, start.Body.String())
	}
	loc, err := url.Parse(start.Header().Get("Location"))
	if err != nil || loc.Host != "login.provider.example" {
		t.Fatalf("redirect = %v %v", loc, err)
	}
	state := loc.Query().Get("state")

	cb := httptest.NewRequest(http.MethodGet, "/integrations/google_calendar/callback?state="+state+"&code=consent-code", nil)
	for _, c := range start.Result().Cookies() {
		cb.AddCookie(c)
	}
	rec := f.do(t, cb)
	if rec.Code != http.StatusOK {
		t.Fatalf("callback = %d %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["account_email"] != "agenda@cabinet.example" || body["personal"] != true {
		t.Fatalf("body = %+v", body)
	}

	stored, err := f.tokens.Get(context.Background(), store.ServiceGoogleCalendar, &f.user.ID)
	if err != nil || stored.AccessToken != "fresh-access" || stored.RefreshToken != "fresh-refresh" {
		t.Fatalf("stored = %+v, %v", stored, err)
	}
	if entries := f.mem.CalendarEntries(); len(entries) != 1 || entries[0].TokenID != stored.ID {
		t.Fatalf("directory not refreshed: %+v", entries)
	}

	replay := httptest.NewRequest(http.MethodGet, "/integrations/google_calendar/callback?state="+state+"&code=consent-code", nil)
	if rec := f.do(t, replay); rec.Code != http.StatusBadRequest {
		t.Fatalf("replayed callback = %d", rec.Code)
	}
}

func TestConnectRejects(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		path   string
		status int
	}{
		{"/integrations/onedrive/connect", http.StatusBadRequest},
		{"/integrations/dropbox/connect", http.StatusNotFound},
		{"/integrations/onedrive/connect?scope=team", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if rec := f.do(t, httptest.NewRequest(http.MethodGet, tt.path, nil)); rec.Code != tt.status {
			t.Errorf("%s = %d, want %d", tt.path, rec.Code, tt.status)
		}
	}
}
