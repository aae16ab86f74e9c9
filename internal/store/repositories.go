package store

import (
	"context"
	"time"
)

// UserRepository defines persistence operations for operators.
type UserRepository interface {
	UpsertOAuthUser(ctx context.Context, subject, email, name string) (*User, error)
	GetByID(ctx context.Context, id int64) (*User, error)
}

// TokenRepository stores integration credentials.
type TokenRepository interface {
	Get(ctx context.Context, service Service, operatorID *int64) (*Token, error)
	GetByID(ctx context.Context, id int64) (*Token, error)
	ListByService(ctx context.Context, service Service) ([]Token, error)
	// Upsert inserts or overwrites the row for (service, operator). Empty
	// refresh token and account fields keep their stored values.
	Upsert(ctx context.Context, token Token) (*Token, error)
	Delete(ctx context.Context, id int64) error
}

// CalendarEntryRepository mirrors remote calendar lists.
type CalendarEntryRepository interface {
	Upsert(ctx context.Context, entry CalendarEntry) (*CalendarEntry, error)
	GetByID(ctx context.Context, id int64) (*CalendarEntry, error)
	ListByToken(ctx context.Context, tokenID int64) ([]CalendarEntry, error)
	ListActive(ctx context.Context) ([]CalendarEntry, error)
	SetActive(ctx context.Context, id int64, active bool) error
}

// ClientRepository reads end clients.
type ClientRepository interface {
	GetByID(ctx context.Context, id int64) (*Client, error)
	List(ctx context.Context) ([]Client, error)
}

// DossierRepository reads dossiers and records their remote folders.
type DossierRepository interface {
	GetByID(ctx context.Context, id int64) (*Dossier, error)
	ListByClient(ctx context.Context, clientID int64) ([]Dossier, error)
	SetFolder(ctx context.Context, id int64, slot FolderSlot, folderID, path string) error
	MarkSynced(ctx context.Context, id int64, at time.Time) error
}

// DocumentRepository stores dossier documents.
type DocumentRepository interface {
	Create(ctx context.Context, doc Document) (*Document, error)
	GetByID(ctx context.Context, id int64) (*Document, error)
	RemoteFileIDs(ctx context.Context, dossierID int64) ([]string, error)
	SetRemote(ctx context.Context, id int64, remoteFileID, webURL, downloadURL string) error
}

// EventRepository stores events and their remote sync state.
type EventRepository interface {
	Create(ctx context.Context, event Event) (*Event, error)
	GetByID(ctx context.Context, id int64) (*Event, error)
	GetByRemoteID(ctx context.Context, calendarEntryID int64, remoteEventID string) (*Event, error)
	// ListNeedingPush returns sync-enabled events that are pending or modified.
	ListNeedingPush(ctx context.Context, limit int) ([]Event, error)
	MarkSynced(ctx context.Context, id int64, remoteEventID string, at time.Time) error
	UpdateFromRemote(ctx context.Context, event Event) error
}

// SyncLogRepository is the append-only run history.
type SyncLogRepository interface {
	Create(ctx context.Context, entry SyncLog) (*SyncLog, error)
	// ListRecent returns newest first; an empty type matches all types.
	ListRecent(ctx context.Context, syncType Service, limit int) ([]SyncLog, error)
	Latest(ctx context.Context, syncType Service) (*SyncLog, error)
	StatsSince(ctx context.Context, since time.Time) ([]SyncStat, error)
}
