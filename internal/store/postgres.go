package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// userRepo implements UserRepository.
type userRepo struct {
	pool PgxPool
}

const userColumns = `id, oauth_subject, primary_email, display_name, created_at, last_login_at`

func scanUser(row pgx.Row) (*User, error) {
	var u User
	if err := row.Scan(&u.ID, &u.OAuthSubject, &u.PrimaryEmail, &u.DisplayName, &u.CreatedAt, &u.LastLoginAt); err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (r *userRepo) UpsertOAuthUser(ctx context.Context, subject, email, name string) (*User, error) {
	defer observeDB(ctx, "users.upsert")()
	const q = `INSERT INTO users (oauth_subject, primary_email, display_name)
VALUES ($1, $2, $3)
ON CONFLICT (oauth_subject) DO UPDATE SET
    primary_email = EXCLUDED.primary_email,
    display_name = EXCLUDED.display_name,
    last_login_at = NOW()
RETURNING ` + userColumns
	return scanUser(r.pool.QueryRow(ctx, q, subject, email, name))
}

func (r *userRepo) GetByID(ctx context.Context, id int64) (*User, error) {
	defer observeDB(ctx, "users.get")()
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, id))
}

// tokenRepo implements TokenRepository.
type tokenRepo struct {
	pool PgxPool
}

const tokenColumns = `id, service, operator_id, access_token, refresh_token, expires_at, account_email, account_name, scopes, created_at, updated_at`

func scanToken(row pgx.Row) (*Token, error) {
	var t Token
	var service string
	if err := row.Scan(&t.ID, &service, &t.OperatorID, &t.AccessToken, &t.RefreshToken, &t.ExpiresAt,
		&t.AccountEmail, &t.AccountName, &t.Scopes, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, translate(err)
	}
	t.Service = Service(service)
	return &t, nil
}

func (r *tokenRepo) Get(ctx context.Context, service Service, operatorID *int64) (*Token, error) {
	defer observeDB(ctx, "tokens.get")()
	const q = `SELECT ` + tokenColumns + ` FROM integration_tokens
WHERE service=$1 AND COALESCE(operator_id, 0)=COALESCE($2::bigint, 0)`
	return scanToken(r.pool.QueryRow(ctx, q, string(service), operatorID))
}

func (r *tokenRepo) GetByID(ctx context.Context, id int64) (*Token, error) {
	defer observeDB(ctx, "tokens.get_by_id")()
	return scanToken(r.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM integration_tokens WHERE id=$1`, id))
}

func (r *tokenRepo) ListByService(ctx context.Context, service Service) ([]Token, error) {
	defer observeDB(ctx, "tokens.list")()
	rows, err := r.pool.Query(ctx, `SELECT `+tokenColumns+` FROM integration_tokens WHERE service=$1 ORDER BY id`, string(service))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, *t)
	}
	return tokens, rows.Err()
}

func (r *tokenRepo) Upsert(ctx context.Context, token Token) (*Token, error) {
	defer observeDB(ctx, "tokens.upsert")()
	const q = `INSERT INTO integration_tokens
    (service, operator_id, access_token, refresh_token, expires_at, account_email, account_name, scopes)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (service, (COALESCE(operator_id, 0))) DO UPDATE SET
    access_token = EXCLUDED.access_token,
    refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), integration_tokens.refresh_token),
    expires_at = EXCLUDED.expires_at,
    account_email = COALESCE(NULLIF(EXCLUDED.account_email, ''), integration_tokens.account_email),
    account_name = COALESCE(NULLIF(EXCLUDED.account_name, ''), integration_tokens.account_name),
    scopes = CASE WHEN cardinality(EXCLUDED.scopes) > 0 THEN EXCLUDED.scopes ELSE integration_tokens.scopes END,
    updated_at = NOW()
RETURNING ` + tokenColumns
	scopes := token.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return scanToken(r.pool.QueryRow(ctx, q, string(token.Service), token.OperatorID, token.AccessToken,
		token.RefreshToken, token.ExpiresAt, token.AccountEmail, token.AccountName, scopes))
}

func (r *tokenRepo) Delete(ctx context.Context, id int64) error {
	defer observeDB(ctx, "tokens.delete")()
	tag, err := r.pool.Exec(ctx, `DELETE FROM integration_tokens WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// calendarEntryRepo implements CalendarEntryRepository.
type calendarEntryRepo struct {
	pool PgxPool
}

const calendarEntryColumns = `id, token_id, remote_id, name, color, is_primary, active, created_at, updated_at`

func scanCalendarEntry(row pgx.Row) (*CalendarEntry, error) {
	var e CalendarEntry
	if err := row.Scan(&e.ID, &e.TokenID, &e.RemoteID, &e.Name, &e.Color, &e.IsPrimary, &e.Active, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, translate(err)
	}
	return &e, nil
}

func (r *calendarEntryRepo) list(ctx context.Context, q string, args ...any) ([]CalendarEntry, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []CalendarEntry
	for rows.Next() {
		e, err := scanCalendarEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Upsert keeps the stored active flag on conflict so a refresh never
// re-enables a calendar the operator switched off.
func (r *calendarEntryRepo) Upsert(ctx context.Context, entry CalendarEntry) (*CalendarEntry, error) {
	defer observeDB(ctx, "calendar_entries.upsert")()
	const q = `INSERT INTO calendar_entries (token_id, remote_id, name, color, is_primary, active)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (token_id, remote_id) DO UPDATE SET
    name = EXCLUDED.name,
    color = EXCLUDED.color,
    is_primary = EXCLUDED.is_primary,
    updated_at = NOW()
RETURNING ` + calendarEntryColumns
	return scanCalendarEntry(r.pool.QueryRow(ctx, q, entry.TokenID, entry.RemoteID, entry.Name, entry.Color, entry.IsPrimary, entry.Active))
}

func (r *calendarEntryRepo) GetByID(ctx context.Context, id int64) (*CalendarEntry, error) {
	defer observeDB(ctx, "calendar_entries.get")()
	return scanCalendarEntry(r.pool.QueryRow(ctx, `SELECT `+calendarEntryColumns+` FROM calendar_entries WHERE id=$1`, id))
}

func (r *calendarEntryRepo) ListByToken(ctx context.Context, tokenID int64) ([]CalendarEntry, error) {
	defer observeDB(ctx, "calendar_entries.list")()
	return r.list(ctx, `SELECT `+calendarEntryColumns+` FROM calendar_entries WHERE token_id=$1 ORDER BY is_primary DESC, name`, tokenID)
}

func (r *calendarEntryRepo) ListActive(ctx context.Context) ([]CalendarEntry, error) {
	defer observeDB(ctx, "calendar_entries.list_active")()
	return r.list(ctx, `SELECT `+calendarEntryColumns+` FROM calendar_entries WHERE active ORDER BY token_id, id`)
}

func (r *calendarEntryRepo) SetActive(ctx context.Context, id int64, active bool) error {
	defer observeDB(ctx, "calendar_entries.set_active")()
	tag, err := r.pool.Exec(ctx, `UPDATE calendar_entries SET active=$2, updated_at=NOW() WHERE id=$1`, id, active)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// clientRepo implements ClientRepository.
type clientRepo struct {
	pool PgxPool
}

const clientColumns = `id, first_name, last_name, email, created_at`

func scanClient(row pgx.Row) (*Client, error) {
	var c Client
	if err := row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.Email, &c.CreatedAt); err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (r *clientRepo) GetByID(ctx context.Context, id int64) (*Client, error) {
	defer observeDB(ctx, "clients.get")()
	return scanClient(r.pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id=$1`, id))
}

func (r *clientRepo) List(ctx context.Context) ([]Client, error) {
	defer observeDB(ctx, "clients.list")()
	rows, err := r.pool.Query(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []Client
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *c)
	}
	return clients, rows.Err()
}

// dossierRepo implements DossierRepository.
type dossierRepo struct {
	pool PgxPool
}

const dossierColumns = `id, client_id, reference, title,
    COALESCE(root_folder_id, ''), COALESCE(root_folder_path, ''),
    COALESCE(cabinet_folder_id, ''), COALESCE(cabinet_folder_path, ''),
    COALESCE(client_folder_id, ''), COALESCE(client_folder_path, ''),
    last_synced_at, created_at`

func scanDossier(row pgx.Row) (*Dossier, error) {
	var d Dossier
	if err := row.Scan(&d.ID, &d.ClientID, &d.Reference, &d.Title,
		&d.RootFolderID, &d.RootFolderPath,
		&d.CabinetFolderID, &d.CabinetFolderPath,
		&d.ClientFolderID, &d.ClientFolderPath,
		&d.LastSyncedAt, &d.CreatedAt); err != nil {
		return nil, translate(err)
	}
	return &d, nil
}

func (r *dossierRepo) GetByID(ctx context.Context, id int64) (*Dossier, error) {
	defer observeDB(ctx, "dossiers.get")()
	return scanDossier(r.pool.QueryRow(ctx, `SELECT `+dossierColumns+` FROM dossiers WHERE id=$1`, id))
}

func (r *dossierRepo) ListByClient(ctx context.Context, clientID int64) ([]Dossier, error) {
	defer observeDB(ctx, "dossiers.list_by_client")()
	rows, err := r.pool.Query(ctx, `SELECT `+dossierColumns+` FROM dossiers WHERE client_id=$1 ORDER BY id`, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dossiers []Dossier
	for rows.Next() {
		d, err := scanDossier(rows)
		if err != nil {
			return nil, err
		}
		dossiers = append(dossiers, *d)
	}
	return dossiers, rows.Err()
}

func folderColumns(slot FolderSlot) (string, string, error) {
	switch slot {
	case FolderRoot:
		return "root_folder_id", "root_folder_path", nil
	case FolderCabinet:
		return "cabinet_folder_id", "cabinet_folder_path", nil
	case FolderClient:
		return "client_folder_id", "client_folder_path", nil
	}
	return "", "", fmt.Errorf("unknown folder slot %q", slot)
}

func (r *dossierRepo) SetFolder(ctx context.Context, id int64, slot FolderSlot, folderID, path string) error {
	idCol, pathCol, err := folderColumns(slot)
	if err != nil {
		return err
	}
	defer observeDB(ctx, "dossiers.set_folder")()
	q := fmt.Sprintf(`UPDATE dossiers SET %s=$2, %s=$3 WHERE id=$1`, idCol, pathCol)
	tag, err := r.pool.Exec(ctx, q, id, folderID, path)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *dossierRepo) MarkSynced(ctx context.Context, id int64, at time.Time) error {
	defer observeDB(ctx, "dossiers.mark_synced")()
	_, err := r.pool.Exec(ctx, `UPDATE dossiers SET last_synced_at=$2 WHERE id=$1`, id, at)
	return err
}

// documentRepo implements DocumentRepository.
type documentRepo struct {
	pool PgxPool
}

const documentColumns = `id, dossier_id, name, COALESCE(remote_file_id, ''), web_url, download_url,
    size_bytes, mime_type, location, uploaded_by_type, uploaded_by_id, created_at`

func uploaderColumns(u Uploader) (string, *int64, error) {
	switch v := u.(type) {
	case OperatorUploader:
		id := v.UserID
		return "operator", &id, nil
	case ClientUploader:
		id := v.ClientID
		return "client", &id, nil
	case SystemUploader:
		return "system", nil, nil
	}
	return "", nil, fmt.Errorf("unsupported uploader %T", u)
}

func uploaderFromColumns(kind string, id *int64) (Uploader, error) {
	switch kind {
	case "operator":
		if id == nil {
			return nil, fmt.Errorf("operator uploader without id")
		}
		return OperatorUploader{UserID: *id}, nil
	case "client":
		if id == nil {
			return nil, fmt.Errorf("client uploader without id")
		}
		return ClientUploader{ClientID: *id}, nil
	case "system":
		return SystemUploader{}, nil
	}
	return nil, fmt.Errorf("unknown uploader type %q", kind)
}

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	var location, uploaderKind string
	var uploaderID *int64
	if err := row.Scan(&d.ID, &d.DossierID, &d.Name, &d.RemoteFileID, &d.WebURL, &d.DownloadURL,
		&d.Size, &d.MimeType, &location, &uploaderKind, &uploaderID, &d.CreatedAt); err != nil {
		return nil, translate(err)
	}
	uploader, err := uploaderFromColumns(uploaderKind, uploaderID)
	if err != nil {
		return nil, err
	}
	d.Location = Location(location)
	d.UploadedBy = uploader
	return &d, nil
}

func (r *documentRepo) Create(ctx context.Context, doc Document) (*Document, error) {
	if !doc.Location.Valid() {
		return nil, fmt.Errorf("invalid document location %q", doc.Location)
	}
	kind, uploaderID, err := uploaderColumns(doc.UploadedBy)
	if err != nil {
		return nil, err
	}
	defer observeDB(ctx, "documents.create")()
	const q = `INSERT INTO documents
    (dossier_id, name, remote_file_id, web_url, download_url, size_bytes, mime_type, location, uploaded_by_type, uploaded_by_id)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + documentColumns
	return scanDocument(r.pool.QueryRow(ctx, q, doc.DossierID, doc.Name, doc.RemoteFileID, doc.WebURL, doc.DownloadURL,
		doc.Size, doc.MimeType, string(doc.Location), kind, uploaderID))
}

func (r *documentRepo) GetByID(ctx context.Context, id int64) (*Document, error) {
	defer observeDB(ctx, "documents.get")()
	return scanDocument(r.pool.QueryRow(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, id))
}

func (r *documentRepo) RemoteFileIDs(ctx context.Context, dossierID int64) ([]string, error) {
	defer observeDB(ctx, "documents.remote_ids")()
	rows, err := r.pool.Query(ctx, `SELECT remote_file_id FROM documents WHERE dossier_id=$1 AND remote_file_id IS NOT NULL`, dossierID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *documentRepo) SetRemote(ctx context.Context, id int64, remoteFileID, webURL, downloadURL string) error {
	defer observeDB(ctx, "documents.set_remote")()
	tag, err := r.pool.Exec(ctx, `UPDATE documents SET remote_file_id=$2, web_url=$3, download_url=$4 WHERE id=$1`,
		id, remoteFileID, webURL, downloadURL)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// eventRepo implements EventRepository.
type eventRepo struct {
	pool PgxPool
}

const eventColumns = `id, dossier_id, calendar_entry_id, title, description, location, starts_at, ends_at, all_day,
    COALESCE(remote_event_id, ''), last_synced_at, sync_enabled, created_at, updated_at`

func ownerColumns(owner EventOwner) (*int64, *int64, error) {
	switch o := owner.(type) {
	case DossierOwner:
		id := o.DossierID
		return &id, nil, nil
	case CalendarOwner:
		id := o.CalendarEntryID
		return nil, &id, nil
	}
	return nil, nil, fmt.Errorf("unsupported event owner %T", owner)
}

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	var dossierID, calendarEntryID *int64
	if err := row.Scan(&e.ID, &dossierID, &calendarEntryID, &e.Title, &e.Description, &e.Location,
		&e.StartsAt, &e.EndsAt, &e.AllDay, &e.RemoteEventID, &e.LastSyncedAt, &e.SyncEnabled,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, translate(err)
	}
	switch {
	case dossierID != nil:
		e.Owner = DossierOwner{DossierID: *dossierID}
	case calendarEntryID != nil:
		e.Owner = CalendarOwner{CalendarEntryID: *calendarEntryID}
	default:
		return nil, fmt.Errorf("event %d has no owner", e.ID)
	}
	return &e, nil
}

func (r *eventRepo) list(ctx context.Context, q string, args ...any) ([]Event, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// Create stamps updated_at with last_synced_at when present so imported
// events do not read as locally modified.
func (r *eventRepo) Create(ctx context.Context, event Event) (*Event, error) {
	dossierID, calendarEntryID, err := ownerColumns(event.Owner)
	if err != nil {
		return nil, err
	}
	defer observeDB(ctx, "events.create")()
	const q = `INSERT INTO events
    (dossier_id, calendar_entry_id, title, description, location, starts_at, ends_at, all_day,
     remote_event_id, last_synced_at, sync_enabled, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, COALESCE($10::timestamptz, NOW()))
RETURNING ` + eventColumns
	return scanEvent(r.pool.QueryRow(ctx, q, dossierID, calendarEntryID, event.Title, event.Description, event.Location,
		event.StartsAt, event.EndsAt, event.AllDay, event.RemoteEventID, event.LastSyncedAt, event.SyncEnabled))
}

func (r *eventRepo) GetByID(ctx context.Context, id int64) (*Event, error) {
	defer observeDB(ctx, "events.get")()
	return scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id=$1`, id))
}

func (r *eventRepo) GetByRemoteID(ctx context.Context, calendarEntryID int64, remoteEventID string) (*Event, error) {
	defer observeDB(ctx, "events.get_by_remote")()
	const q = `SELECT ` + eventColumns + ` FROM events WHERE calendar_entry_id=$1 AND remote_event_id=$2`
	return scanEvent(r.pool.QueryRow(ctx, q, calendarEntryID, remoteEventID))
}

func (r *eventRepo) ListNeedingPush(ctx context.Context, limit int) ([]Event, error) {
	defer observeDB(ctx, "events.list_needing_push")()
	const q = `SELECT ` + eventColumns + ` FROM events
WHERE sync_enabled
  AND (remote_event_id IS NULL OR last_synced_at IS NULL OR updated_at > last_synced_at)
ORDER BY updated_at, id
LIMIT $1`
	return r.list(ctx, q, limit)
}

func (r *eventRepo) MarkSynced(ctx context.Context, id int64, remoteEventID string, at time.Time) error {
	defer observeDB(ctx, "events.mark_synced")()
	tag, err := r.pool.Exec(ctx, `UPDATE events SET remote_event_id=$2, last_synced_at=$3 WHERE id=$1`, id, remoteEventID, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *eventRepo) UpdateFromRemote(ctx context.Context, event Event) error {
	syncedAt := time.Now().UTC()
	if event.LastSyncedAt != nil {
		syncedAt = *event.LastSyncedAt
	}
	defer observeDB(ctx, "events.update_from_remote")()
	const q = `UPDATE events SET title=$2, description=$3, location=$4, starts_at=$5, ends_at=$6, all_day=$7,
    last_synced_at=$8, updated_at=$8
WHERE id=$1`
	tag, err := r.pool.Exec(ctx, q, event.ID, event.Title, event.Description, event.Location,
		event.StartsAt, event.EndsAt, event.AllDay, syncedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// syncLogRepo implements SyncLogRepository.
type syncLogRepo struct {
	pool PgxPool
}

const syncLogColumns = `id, run_id, type, mode, outcome, processed, created, updated, deleted, errored,
    message, details, duration_ms, triggered_by, created_at`

func scanSyncLog(row pgx.Row) (*SyncLog, error) {
	var l SyncLog
	var syncType, mode, outcome string
	if err := row.Scan(&l.ID, &l.RunID, &syncType, &mode, &outcome, &l.Processed, &l.Created, &l.Updated,
		&l.Deleted, &l.Errored, &l.Message, &l.Details, &l.DurationMS, &l.TriggeredBy, &l.CreatedAt); err != nil {
		return nil, translate(err)
	}
	l.Type = Service(syncType)
	l.Mode = SyncMode(mode)
	l.Outcome = SyncOutcome(outcome)
	return &l, nil
}

func (r *syncLogRepo) Create(ctx context.Context, entry SyncLog) (*SyncLog, error) {
	defer observeDB(ctx, "sync_logs.create")()
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	const q = `INSERT INTO sync_logs
    (run_id, type, mode, outcome, processed, created, updated, deleted, errored, message, details, duration_ms, triggered_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING ` + syncLogColumns
	return scanSyncLog(r.pool.QueryRow(ctx, q, entry.RunID, string(entry.Type), string(entry.Mode), string(entry.Outcome),
		entry.Processed, entry.Created, entry.Updated, entry.Deleted, entry.Errored, entry.Message, details,
		entry.DurationMS, entry.TriggeredBy))
}

func (r *syncLogRepo) ListRecent(ctx context.Context, syncType Service, limit int) ([]SyncLog, error) {
	defer observeDB(ctx, "sync_logs.list_recent")()
	const q = `SELECT ` + syncLogColumns + ` FROM sync_logs
WHERE ($1 = '' OR type = $1)
ORDER BY created_at DESC, id DESC
LIMIT $2`
	rows, err := r.pool.Query(ctx, q, string(syncType), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	return logs, rows.Err()
}

func (r *syncLogRepo) Latest(ctx context.Context, syncType Service) (*SyncLog, error) {
	defer observeDB(ctx, "sync_logs.latest")()
	const q = `SELECT ` + syncLogColumns + ` FROM sync_logs WHERE type=$1 ORDER BY created_at DESC, id DESC LIMIT 1`
	return scanSyncLog(r.pool.QueryRow(ctx, q, string(syncType)))
}

func (r *syncLogRepo) StatsSince(ctx context.Context, since time.Time) ([]SyncStat, error) {
	defer observeDB(ctx, "sync_logs.stats")()
	const q = `SELECT type,
    COUNT(*),
    COUNT(*) FILTER (WHERE outcome = 'success'),
    COUNT(*) FILTER (WHERE outcome = 'partial'),
    COUNT(*) FILTER (WHERE outcome = 'error'),
    COALESCE(SUM(processed), 0),
    COALESCE(SUM(created), 0),
    COALESCE(SUM(updated), 0),
    COALESCE(SUM(deleted), 0),
    COALESCE(SUM(errored), 0),
    MAX(created_at)
FROM sync_logs
WHERE created_at >= $1
GROUP BY type
ORDER BY type`
	rows, err := r.pool.Query(ctx, q, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []SyncStat
	for rows.Next() {
		var s SyncStat
		var syncType string
		if err := rows.Scan(&syncType, &s.Runs, &s.Successes, &s.Partials, &s.Failures,
			&s.Processed, &s.Created, &s.Updated, &s.Deleted, &s.Errored, &s.LastRunAt); err != nil {
			return nil, err
		}
		s.Type = Service(syncType)
		stats = append(stats, s)
	}
	return stats, rows.Err()
}
