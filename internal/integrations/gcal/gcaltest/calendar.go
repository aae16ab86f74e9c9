// Package gcaltest serves an in-memory Google Calendar account.
package gcaltest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"google.golang.org/api/calendar/v3"

	"gitea.jw6.us/james/dossiersync/internal/integrations/gcal"
)

// Server is a fake calendar account.
type Server struct {
	mu        sync.Mutex
	nextID    int
	calendars []gcal.Calendar
	events    map[string][]gcal.Event
	inserts   int
	patches   int
	pings    int
	lastQuery map[string]string

	failInsert int
	failPatch  int
	failList   map[string]int
	failPing  int
	// dropInsert stores the next inserts but answers them with 504.
	dropInsert int

	// Token is the only bearer token accepted; empty accepts any.
	Token string

	server *httptest.Server
}

// New starts a fake account with a primary calendar owned by email.
func New(t testing.TB, email string) *Server {
	s := &Server{
		events:   map[string][]gcal.Event{},
		failList: map[string]int{},
		calendars: []gcal.Calendar{
			{ID: email, Summary: email, Primary: true, AccessRole: "owner", BackgroundColor: "#4285f4"},
		},
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.server.Close)
	return s
}

// URL is the API endpoint to hand to gcal.New.
func (s *Server) URL() string { return s.server.URL }

// AddCalendar appends a calendar to the list.
func (s *Server) AddCalendar(cal gcal.Calendar) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendars = append(s.calendars, cal)
}

// AddEvent stores ev in calendarID, assigning an id when empty.
func (s *Server) AddEvent(calendarID string, ev gcal.Event) gcal.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store(s.resolve(calendarID), ev)
}

// Events returns the events of calendarID.
func (s *Server) Events(calendarID string) []gcal.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]gcal.Event(nil), s.events[s.resolve(calendarID)]...)
}

// Inserts counts insert requests.
func (s *Server) Inserts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

// Patches counts patch requests.
func (s *Server) Patches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.patches
}

// Pings counts calendar list requests.
func (s *Server) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// LastEventsQuery returns the query of the latest events listing.
func (s *Server) LastEventsQuery() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastQuery
}

// FailInsert makes inserts answer status; zero clears it.
func (s *Server) FailInsert(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInsert = status
}

// DropInsertResponses stores the next n inserted events but answers each with
// 504, as when a response is lost after the provider committed.
func (s *Server) DropInsertResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropInsert = n
}

// FailPatch makes patches answer status; zero clears it.
func (s *Server) FailPatch(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPatch = status
}

// FailList makes listing events of calendarID answer status.
func (s *Server) FailList(calendarID string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failList[calendarID] = status
}

// FailPing makes calendar list requests answer status; zero clears it.
func (s *Server) FailPing(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPing = status
}

func (s *Server) resolve(calendarID string) string {
	if calendarID == "primary" {
		return s.calendars[0].ID
	}
	return calendarID
}

func (s *Server) store(calendarID string, ev gcal.Event) gcal.Event {
	if ev.ID == "" {
		s.nextID++
		ev.ID = "evt" + strconv.Itoa(s.nextID)
	}
	if ev.Status == "" {
		ev.Status = "confirmed"
	}
	s.events[calendarID] = append(s.events[calendarID], ev)
	return ev
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	if s.Token != "" && r.Header.Get("Authorization") != "Bearer "+s.Token {
		writeError(w, http.StatusUnauthorized, "authError", "Invalid Credentials")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p := r.URL.Path
	switch {
	case p == "/users/me/calendarList" && r.Method == http.MethodGet:
		s.pings++
		if s.failPing != 0 {
			writeError(w, s.failPing, "backendError", "backend error")
			return
		}
		items := make([]*calendar.CalendarListEntry, 0, len(s.calendars))
		for _, c := range s.calendars {
			items = append(items, c.API())
		}
		writeJSON(w, http.StatusOK, &calendar.CalendarList{Items: items})
	case p == "/calendars/primary" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, &calendar.Calendar{Id: s.calendars[0].ID, Summary: s.calendars[0].Summary})
	case strings.HasPrefix(p, "/calendars/") && strings.Contains(p, "/events"):
		rest := strings.TrimPrefix(p, "/calendars/")
		calendarID, tail, _ := strings.Cut(rest, "/events")
		calendarID = s.resolve(calendarID)
		eventID := strings.TrimPrefix(tail, "/")
		switch {
		case r.Method == http.MethodGet && eventID == "":
			s.list(w, r, calendarID)
		case r.Method == http.MethodPost && eventID == "":
			s.insert(w, r, calendarID)
		case r.Method == http.MethodPatch && eventID != "":
			s.patch(w, r, calendarID, eventID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "methodNotAllowed", "unsupported")
		}
	default:
		writeError(w, http.StatusNotFound, "notFound", "Not Found")
	}
}

func (s *Server) list(w http.ResponseWriter, r *http.Request, calendarID string) {
	q := map[string]string{}
	for k := range r.URL.Query() {
		q[k] = r.URL.Query().Get(k)
	}
	s.lastQuery = q
	if status := s.failList[calendarID]; status != 0 {
		writeError(w, status, "forbidden", "listing failed")
		return
	}
	events := append([]gcal.Event(nil), s.events[calendarID]...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].ID < events[j].ID })
	items := make([]*calendar.Event, 0, len(events))
	for _, ev := range events {
		items = append(items, ev.API())
	}
	writeJSON(w, http.StatusOK, &calendar.Events{Items: items})
}

func (s *Server) insert(w http.ResponseWriter, r *http.Request, calendarID string) {
	s.inserts++
	if s.failInsert != 0 {
		writeError(w, s.failInsert, "backendError", "insert failed")
		return
	}
	ev, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	ev.ID = ""
	stored := s.store(calendarID, ev)
	if s.dropInsert > 0 {
		s.dropInsert--
		writeError(w, http.StatusGatewayTimeout, "backendError", "deadline exceeded")
		return
	}
	writeJSON(w, http.StatusOK, stored.API())
}

func (s *Server) patch(w http.ResponseWriter, r *http.Request, calendarID, eventID string) {
	s.patches++
	if s.failPatch != 0 {
		writeError(w, s.failPatch, "backendError", "patch failed")
		return
	}
	ev, ok := decodeEvent(w, r)
	if !ok {
		return
	}
	for i, existing := range s.events[calendarID] {
		if existing.ID == eventID {
			ev.ID, ev.Status = eventID, existing.Status
			s.events[calendarID][i] = ev
			writeJSON(w, http.StatusOK, ev.API())
			return
		}
	}
	writeError(w, http.StatusNotFound, "notFound", "Not Found")
}

func decodeEvent(w http.ResponseWriter, r *http.Request) (gcal.Event, bool) {
	var body calendar.Event
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid", err.Error())
		return gcal.Event{}, false
	}
	return gcal.EventFromAPI(&body), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]any{
		"code":    status,
		"message": msg,
		"errors":  []map[string]string{{"reason": reason, "message": msg}},
	}})
}
