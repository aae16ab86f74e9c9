// Package storetest provides an in-memory store.Store for service tests.
package storetest

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"gitea.jw6.us/james/dossiersync/internal/store"
)

// Memory holds every table in maps guarded by one mutex.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	now    func() time.Time

	users     map[int64]store.User
	tokens    map[int64]store.Token
	calendars map[int64]store.CalendarEntry
	clients   map[int64]store.Client
	dossiers  map[int64]store.Dossier
	documents map[int64]store.Document
	events    map[int64]store.Event
	syncLogs  []store.SyncLog

	// FailSetFolder makes SetFolder fail for the given slot.
	FailSetFolder map[store.FolderSlot]error
	// FailCreateDocument makes Create fail for documents with this name.
	FailCreateDocument map[string]error
}

// New returns a Store whose repositories share one Memory.
func New() (*store.Store, *Memory) {
	m := &Memory{
		now:       func() time.Time { return time.Now().UTC() },
		users:     map[int64]store.User{},
		tokens:    map[int64]store.Token{},
		calendars: map[int64]store.CalendarEntry{},
		clients:   map[int64]store.Client{},
		dossiers:  map[int64]store.Dossier{},
		documents: map[int64]store.Document{},
		events:    map[int64]store.Event{},
	}
	s := &store.Store{
		Users:     userRepo{m},
		Tokens:    tokenRepo{m},
		Calendars: calendarRepo{m},
		Clients:   clientRepo{m},
		Dossiers:  dossierRepo{m},
		Documents: documentRepo{m},
		Events:    eventRepo{m},
		SyncLogs:  syncLogRepo{m},
	}
	return s, m
}

// SetClock overrides the time source used for timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) id() int64 {
	m.nextID++
	return m.nextID
}

// AddClient seeds a client.
func (m *Memory) AddClient(first, last string) store.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := store.Client{ID: m.id(), FirstName: first, LastName: last, CreatedAt: m.now()}
	m.clients[c.ID] = c
	return c
}

// AddDossier seeds a dossier.
func (m *Memory) AddDossier(d store.Dossier) store.Dossier {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = m.id()
	d.CreatedAt = m.now()
	m.dossiers[d.ID] = d
	return d
}

// AddEvent seeds an event as-is.
func (m *Memory) AddEvent(e store.Event) store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = m.id()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = m.now()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	m.events[e.ID] = e
	return e
}

// AddUser seeds an operator.
func (m *Memory) AddUser(email string) store.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := store.User{ID: m.id(), OAuthSubject: "sub-" + email, PrimaryEmail: email, CreatedAt: m.now(), LastLoginAt: m.now()}
	m.users[u.ID] = u
	return u
}

// Dossier returns the current row.
func (m *Memory) Dossier(id int64) store.Dossier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dossiers[id]
}

// Event returns the current row.
func (m *Memory) Event(id int64) store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[id]
}

// Documents returns all documents ordered by id.
func (m *Memory) Documents() []store.Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedValues(m.documents, func(d store.Document) int64 { return d.ID })
}

// Events returns all events ordered by id.
func (m *Memory) Events() []store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedValues(m.events, func(e store.Event) int64 { return e.ID })
}

// Tokens returns all token rows ordered by id.
func (m *Memory) Tokens() []store.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedValues(m.tokens, func(t store.Token) int64 { return t.ID })
}

// CalendarEntries returns all directory rows ordered by id.
func (m *Memory) CalendarEntries() []store.CalendarEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedValues(m.calendars, func(c store.CalendarEntry) int64 { return c.ID })
}

// SyncLogs returns every log entry in insertion order.
func (m *Memory) SyncLogs() []store.SyncLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.syncLogs)
}

// AddSyncLog seeds a log entry with an explicit timestamp.
func (m *Memory) AddSyncLog(l store.SyncLog) store.SyncLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = m.id()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = m.now()
	}
	m.syncLogs = append(m.syncLogs, l)
	return l
}

func sortedValues[T any](in map[int64]T, key func(T) int64) []T {
	out := make([]T, 0, len(in))
	for _, v := range in {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return key(out[i]) < key(out[j]) })
	return out
}

func sameOperator(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type userRepo struct{ m *Memory }

func (r userRepo) UpsertOAuthUser(ctx context.Context, subject, email, name string) (*store.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for id, u := range r.m.users {
		if u.OAuthSubject == subject {
			u.PrimaryEmail, u.DisplayName, u.LastLoginAt = email, name, r.m.now()
			r.m.users[id] = u
			return &u, nil
		}
	}
	u := store.User{ID: r.m.id(), OAuthSubject: subject, PrimaryEmail: email, DisplayName: name, CreatedAt: r.m.now(), LastLoginAt: r.m.now()}
	r.m.users[u.ID] = u
	return &u, nil
}

func (r userRepo) GetByID(ctx context.Context, id int64) (*store.User, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	u, ok := r.m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

type tokenRepo struct{ m *Memory }

func (r tokenRepo) Get(ctx context.Context, service store.Service, operatorID *int64) (*store.Token, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, t := range r.m.tokens {
		if t.Service == service && sameOperator(t.OperatorID, operatorID) {
			return &t, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r tokenRepo) GetByID(ctx context.Context, id int64) (*store.Token, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	t, ok := r.m.tokens[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (r tokenRepo) ListByService(ctx context.Context, service store.Service) ([]store.Token, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []store.Token
	for _, t := range sortedValues(r.m.tokens, func(t store.Token) int64 { return t.ID }) {
		if t.Service == service {
			out = append(out, t)
		}
	}
	return out, nil
}

func (r tokenRepo) Upsert(ctx context.Context, token store.Token) (*store.Token, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	now := r.m.now()
	for id, existing := range r.m.tokens {
		if existing.Service != token.Service || !sameOperator(existing.OperatorID, token.OperatorID) {
			continue
		}
		existing.AccessToken = token.AccessToken
		existing.ExpiresAt = token.ExpiresAt
		if token.RefreshToken != "" {
			existing.RefreshToken = token.RefreshToken
		}
		if token.AccountEmail != "" {
			existing.AccountEmail = token.AccountEmail
		}
		if token.AccountName != "" {
			existing.AccountName = token.AccountName
		}
		if len(token.Scopes) > 0 {
			existing.Scopes = token.Scopes
		}
		existing.UpdatedAt = now
		r.m.tokens[id] = existing
		return &existing, nil
	}
	token.ID = r.m.id()
	token.CreatedAt, token.UpdatedAt = now, now
	r.m.tokens[token.ID] = token
	return &token, nil
}

func (r tokenRepo) Delete(ctx context.Context, id int64) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if _, ok := r.m.tokens[id]; !ok {
		return store.ErrNotFound
	}
	delete(r.m.tokens, id)
	for cid, c := range r.m.calendars {
		if c.TokenID != id {
			continue
		}
		delete(r.m.calendars, cid)
		for eid, e := range r.m.events {
			if owner, ok := e.Owner.(store.CalendarOwner); ok && owner.CalendarEntryID == cid {
				delete(r.m.events, eid)
			}
		}
	}
	return nil
}

type calendarRepo struct{ m *Memory }

func (r calendarRepo) Upsert(ctx context.Context, entry store.CalendarEntry) (*store.CalendarEntry, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	now := r.m.now()
	for id, existing := range r.m.calendars {
		if existing.TokenID == entry.TokenID && existing.RemoteID == entry.RemoteID {
			existing.Name, existing.Color, existing.IsPrimary = entry.Name, entry.Color, entry.IsPrimary
			existing.UpdatedAt = now
			r.m.calendars[id] = existing
			return &existing, nil
		}
	}
	entry.ID = r.m.id()
	entry.CreatedAt, entry.UpdatedAt = now, now
	r.m.calendars[entry.ID] = entry
	return &entry, nil
}

func (r calendarRepo) GetByID(ctx context.Context, id int64) (*store.CalendarEntry, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.calendars[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (r calendarRepo) ListByToken(ctx context.Context, tokenID int64) ([]store.CalendarEntry, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []store.CalendarEntry
	for _, c := range sortedValues(r.m.calendars, func(c store.CalendarEntry) int64 { return c.ID }) {
		if c.TokenID == tokenID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r calendarRepo) ListActive(ctx context.Context) ([]store.CalendarEntry, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []store.CalendarEntry
	for _, c := range sortedValues(r.m.calendars, func(c store.CalendarEntry) int64 { return c.ID }) {
		if c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r calendarRepo) SetActive(ctx context.Context, id int64, active bool) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.calendars[id]
	if !ok {
		return store.ErrNotFound
	}
	c.Active = active
	c.UpdatedAt = r.m.now()
	r.m.calendars[id] = c
	return nil
}

type clientRepo struct{ m *Memory }

func (r clientRepo) GetByID(ctx context.Context, id int64) (*store.Client, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	c, ok := r.m.clients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (r clientRepo) List(ctx context.Context) ([]store.Client, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	return sortedValues(r.m.clients, func(c store.Client) int64 { return c.ID }), nil
}

type dossierRepo struct{ m *Memory }

func (r dossierRepo) GetByID(ctx context.Context, id int64) (*store.Dossier, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d, ok := r.m.dossiers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (r dossierRepo) ListByClient(ctx context.Context, clientID int64) ([]store.Dossier, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []store.Dossier
	for _, d := range sortedValues(r.m.dossiers, func(d store.Dossier) int64 { return d.ID }) {
		if d.ClientID == clientID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r dossierRepo) SetFolder(ctx context.Context, id int64, slot store.FolderSlot, folderID, path string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.FailSetFolder[slot]; err != nil {
		return err
	}
	d, ok := r.m.dossiers[id]
	if !ok {
		return store.ErrNotFound
	}
	switch slot {
	case store.FolderRoot:
		d.RootFolderID, d.RootFolderPath = folderID, path
	case store.FolderCabinet:
		d.CabinetFolderID, d.CabinetFolderPath = folderID, path
	case store.FolderClient:
		d.ClientFolderID, d.ClientFolderPath = folderID, path
	}
	r.m.dossiers[id] = d
	return nil
}

func (r dossierRepo) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d, ok := r.m.dossiers[id]
	if !ok {
		return store.ErrNotFound
	}
	d.LastSyncedAt = &at
	r.m.dossiers[id] = d
	return nil
}

type documentRepo struct{ m *Memory }

func (r documentRepo) Create(ctx context.Context, doc store.Document) (*store.Document, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	if err := r.m.FailCreateDocument[doc.Name]; err != nil {
		return nil, err
	}
	if doc.RemoteFileID != "" {
		for _, existing := range r.m.documents {
			if existing.RemoteFileID == doc.RemoteFileID {
				return nil, store.ErrConflict
			}
		}
	}
	doc.ID = r.m.id()
	doc.CreatedAt = r.m.now()
	r.m.documents[doc.ID] = doc
	return &doc, nil
}

func (r documentRepo) GetByID(ctx context.Context, id int64) (*store.Document, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d, ok := r.m.documents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (r documentRepo) RemoteFileIDs(ctx context.Context, dossierID int64) ([]string, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var ids []string
	for _, d := range r.m.documents {
		if d.DossierID == dossierID && d.RemoteFileID != "" {
			ids = append(ids, d.RemoteFileID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r documentRepo) SetRemote(ctx context.Context, id int64, remoteFileID, webURL, downloadURL string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	d, ok := r.m.documents[id]
	if !ok {
		return store.ErrNotFound
	}
	d.RemoteFileID, d.WebURL, d.DownloadURL = remoteFileID, webURL, downloadURL
	r.m.documents[id] = d
	return nil
}

type eventRepo struct{ m *Memory }

func (r eventRepo) Create(ctx context.Context, event store.Event) (*store.Event, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	event.ID = r.m.id()
	event.CreatedAt = r.m.now()
	event.UpdatedAt = event.CreatedAt
	if event.LastSyncedAt != nil {
		event.UpdatedAt = *event.LastSyncedAt
	}
	r.m.events[event.ID] = event
	return &event, nil
}

func (r eventRepo) GetByID(ctx context.Context, id int64) (*store.Event, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &e, nil
}

func (r eventRepo) GetByRemoteID(ctx context.Context, calendarEntryID int64, remoteEventID string) (*store.Event, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, e := range r.m.events {
		owner, ok := e.Owner.(store.CalendarOwner)
		if ok && owner.CalendarEntryID == calendarEntryID && e.RemoteEventID == remoteEventID {
			return &e, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r eventRepo) ListNeedingPush(ctx context.Context, limit int) ([]store.Event, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []store.Event
	for _, e := range sortedValues(r.m.events, func(e store.Event) int64 { return e.ID }) {
		if e.PendingPush() || e.Modified() {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r eventRepo) MarkSynced(ctx context.Context, id int64, remoteEventID string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.events[id]
	if !ok {
		return store.ErrNotFound
	}
	e.RemoteEventID = remoteEventID
	e.LastSyncedAt = &at
	r.m.events[id] = e
	return nil
}

func (r eventRepo) UpdateFromRemote(ctx context.Context, event store.Event) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	e, ok := r.m.events[event.ID]
	if !ok {
		return store.ErrNotFound
	}
	syncedAt := r.m.now()
	if event.LastSyncedAt != nil {
		syncedAt = *event.LastSyncedAt
	}
	e.Title, e.Description, e.Location = event.Title, event.Description, event.Location
	e.StartsAt, e.EndsAt, e.AllDay = event.StartsAt, event.EndsAt, event.AllDay
	e.LastSyncedAt = &syncedAt
	e.UpdatedAt = syncedAt
	r.m.events[e.ID] = e
	return nil
}

type syncLogRepo struct{ m *Memory }

func (r syncLogRepo) Create(ctx context.Context, entry store.SyncLog) (*store.SyncLog, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	entry.ID = r.m.id()
	entry.CreatedAt = r.m.now()
	if entry.Details == nil {
		entry.Details = map[string]any{}
	}
	r.m.syncLogs = append(r.m.syncLogs, entry)
	return &entry, nil
}

func (r syncLogRepo) newestFirst() []store.SyncLog {
	logs := slices.Clone(r.m.syncLogs)
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].CreatedAt.Equal(logs[j].CreatedAt) {
			return logs[i].ID > logs[j].ID
		}
		return logs[i].CreatedAt.After(logs[j].CreatedAt)
	})
	return logs
}

func (r syncLogRepo) ListRecent(ctx context.Context, syncType store.Service, limit int) ([]store.SyncLog, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []store.SyncLog
	for _, l := range r.newestFirst() {
		if syncType != "" && l.Type != syncType {
			continue
		}
		out = append(out, l)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r syncLogRepo) Latest(ctx context.Context, syncType store.Service) (*store.SyncLog, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, l := range r.newestFirst() {
		if l.Type == syncType {
			return &l, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r syncLogRepo) StatsSince(ctx context.Context, since time.Time) ([]store.SyncStat, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	byType := map[store.Service]*store.SyncStat{}
	for _, l := range r.m.syncLogs {
		if l.CreatedAt.Before(since) {
			continue
		}
		s, ok := byType[l.Type]
		if !ok {
			s = &store.SyncStat{Type: l.Type}
			byType[l.Type] = s
		}
		s.Runs++
		switch l.Outcome {
		case store.OutcomeSuccess:
			s.Successes++
		case store.OutcomePartial:
			s.Partials++
		case store.OutcomeError:
			s.Failures++
		}
		s.Processed += l.Processed
		s.Created += l.Created
		s.Updated += l.Updated
		s.Deleted += l.Deleted
		s.Errored += l.Errored
		if s.LastRunAt == nil || l.CreatedAt.After(*s.LastRunAt) {
			at := l.CreatedAt
			s.LastRunAt = &at
		}
	}
	out := make([]store.SyncStat, 0, len(byType))
	for _, s := range byType {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}
