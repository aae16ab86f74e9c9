package store

import "time"

// User is an operator authenticated via OIDC.
type User struct {
	ID           int64
	OAuthSubject string
	PrimaryEmail string
	DisplayName  string
	CreatedAt    time.Time
	LastLoginAt  time.Time
}

// Service identifies an external integration.
type Service string

const (
	ServiceOneDrive       Service = "onedrive"
	ServiceGoogleCalendar Service = "google_calendar"
)

// Services lists every integration in report order.
var Services = []Service{ServiceOneDrive, ServiceGoogleCalendar}

// Valid reports whether s names a known integration.
func (s Service) Valid() bool {
	return s == ServiceOneDrive || s == ServiceGoogleCalendar
}

// Token holds OAuth credentials for one (service, operator) pair. A nil
// OperatorID is the shared cabinet-level connection. Token material is stored
// as produced by the tokens package, which encrypts it.
type Token struct {
	ID           int64
	Service      Service
	OperatorID   *int64
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	AccountEmail string
	AccountName  string
	Scopes       []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CalendarEntry mirrors one remote calendar visible to a token.
type CalendarEntry struct {
	ID        int64
	TokenID   int64
	RemoteID  string
	Name      string
	Color     string
	IsPrimary bool
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Client is an end client of the firm.
type Client struct {
	ID        int64
	FirstName string
	LastName  string
	Email     string
	CreatedAt time.Time
}

// FullName returns "First Last".
func (c Client) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// Dossier is a client's legal matter. Folder ids are empty until provisioned.
type Dossier struct {
	ID                int64
	ClientID          int64
	Reference         string
	Title             string
	RootFolderID      string
	RootFolderPath    string
	CabinetFolderID   string
	CabinetFolderPath string
	ClientFolderID    string
	ClientFolderPath  string
	LastSyncedAt      *time.Time
	CreatedAt         time.Time
}

// HasFolders reports whether all three remote folders are known.
func (d Dossier) HasFolders() bool {
	return d.RootFolderID != "" && d.CabinetFolderID != "" && d.ClientFolderID != ""
}

// FolderSlot names one of the three remote folders of a dossier.
type FolderSlot string

const (
	FolderRoot    FolderSlot = "root"
	FolderCabinet FolderSlot = "cabinet"
	FolderClient  FolderSlot = "client"
)

// Location selects the dossier sub-folder a document lives in.
type Location string

const (
	LocationCabinet Location = "cabinet"
	LocationClient  Location = "client"
)

// Valid reports whether l is a known location.
func (l Location) Valid() bool {
	return l == LocationCabinet || l == LocationClient
}

// Slot maps a location to the dossier folder that holds it.
func (l Location) Slot() FolderSlot {
	if l == LocationClient {
		return FolderClient
	}
	return FolderCabinet
}

// Uploader is the closed set of document authors.
type Uploader interface {
	uploader()
}

// OperatorUploader is a firm operator.
type OperatorUploader struct{ UserID int64 }

// ClientUploader is the end client through the portal.
type ClientUploader struct{ ClientID int64 }

// SystemUploader marks documents discovered in the remote drive.
type SystemUploader struct{}

func (OperatorUploader) uploader() {}
func (ClientUploader) uploader()   {}
func (SystemUploader) uploader()   {}

// Document is a file attached to a dossier.
type Document struct {
	ID           int64
	DossierID    int64
	Name         string
	RemoteFileID string
	WebURL       string
	DownloadURL  string
	Size         int64
	MimeType     string
	Location     Location
	UploadedBy   Uploader
	CreatedAt    time.Time
}

// EventOwner is the closed set of things an event can belong to.
type EventOwner interface {
	eventOwner()
}

// DossierOwner attaches an event to a dossier.
type DossierOwner struct{ DossierID int64 }

// CalendarOwner marks an event imported from a remote calendar with no dossier.
type CalendarOwner struct{ CalendarEntryID int64 }

func (DossierOwner) eventOwner()  {}
func (CalendarOwner) eventOwner() {}

// Event is an appointment that may be mirrored to Google Calendar.
type Event struct {
	ID            int64
	Owner         EventOwner
	Title         string
	Description   string
	Location      string
	StartsAt      time.Time
	EndsAt        time.Time
	AllDay        bool
	RemoteEventID string
	LastSyncedAt  *time.Time
	SyncEnabled   bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// PendingPush reports whether the event still needs its first remote create.
func (e Event) PendingPush() bool {
	return e.SyncEnabled && e.RemoteEventID == ""
}

// Modified reports whether a pushed event changed since its last sync.
func (e Event) Modified() bool {
	if !e.SyncEnabled || e.RemoteEventID == "" {
		return false
	}
	return e.LastSyncedAt == nil || e.UpdatedAt.After(*e.LastSyncedAt)
}

// SyncMode tells scheduled runs apart from operator-triggered ones.
type SyncMode string

const (
	SyncModeScheduled SyncMode = "scheduled"
	SyncModeManual    SyncMode = "manual"
)

// SyncOutcome summarizes a run.
type SyncOutcome string

const (
	OutcomeSuccess SyncOutcome = "success"
	OutcomePartial SyncOutcome = "partial"
	OutcomeError   SyncOutcome = "error"
)

// SyncLog is one immutable sync run record.
type SyncLog struct {
	ID          int64
	RunID       string
	Type        Service
	Mode        SyncMode
	Outcome     SyncOutcome
	Processed   int
	Created     int
	Updated     int
	Deleted     int
	Errored     int
	Message     string
	Details     map[string]any
	DurationMS  int64
	TriggeredBy *int64
	CreatedAt   time.Time
}

// SyncStat aggregates sync log rows of one type.
type SyncStat struct {
	Type      Service
	Runs      int
	Successes int
	Partials  int
	Failures  int
	Processed int
	Created   int
	Updated   int
	Deleted   int
	Errored   int
	LastRunAt *time.Time
}
