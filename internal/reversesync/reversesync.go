// Package reversesync imports documents found in the OneDrive client tree.
//
// The tree is <root>/<client>/<dossier>/... Client folders are matched to
// clients by normalized "first last" name and dossier folders to that
// client's dossiers by normalized reference or title. Only exact key matches
// count; anything else is reported for manual triage.
package reversesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gitea.jw6.us/james/dossiersync/internal/config"
	"gitea.jw6.us/james/dossiersync/internal/integrations/onedrive"
	"gitea.jw6.us/james/dossiersync/internal/store"
	"gitea.jw6.us/james/dossiersync/internal/synclog"
	"golang.org/x/sync/errgroup"
)

// Drive is the subset of the Graph client the scan needs.
type Drive interface {
	GetItemByPath(ctx context.Context, drivePath string) (*onedrive.Item, error)
	ListChildren(ctx context.Context, folderID string) ([]onedrive.Item, error)
}

// Report is the result of one scan. Success means no per-item errors;
// unmatched folders are not errors.
type Report struct {
	RunID             string            `json:"run_id"`
	Outcome           store.SyncOutcome `json:"outcome"`
	Success           bool              `json:"success"`
	Processed         int               `json:"processed"`
	Created           int               `json:"created"`
	LinkedDossiers    int               `json:"linked_dossiers"`
	Errors            int               `json:"errors"`
	UnmatchedClients  []string          `json:"unmatched_clients"`
	UnmatchedDossiers []string          `json:"unmatched_dossiers"`
	Details           []string          `json:"details"`
}

// Service is the reverse sync engine.
type Service struct {
	store       *store.Store
	drive       Drive
	cfg         config.OneDriveConfig
	recorder    *synclog.Recorder
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// New creates the engine. concurrency bounds how many client folders are
// scanned at once.
func New(st *store.Store, drive Drive, cfg config.OneDriveConfig, recorder *synclog.Recorder, concurrency int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Service{
		store:       st,
		drive:       drive,
		cfg:         cfg,
		recorder:    recorder,
		concurrency: concurrency,
		logger:      logger.With(slog.String("component", "reversesync")),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// scan accumulates results across workers.
type scan struct {
	mu       sync.Mutex
	report   Report
	linked   int
	uploader store.Uploader
}

func (sc *scan) add(f func(r *Report)) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	f(&sc.report)
}

func (sc *scan) fail(format string, args ...any) {
	sc.add(func(r *Report) {
		r.Errors++
		r.Details = append(r.Details, fmt.Sprintf(format, args...))
	})
}

func (sc *scan) note(format string, args ...any) {
	sc.add(func(r *Report) {
		r.Details = append(r.Details, fmt.Sprintf(format, args...))
	})
}

// Run scans the drive and records the run. The returned error is set only
// when the scan could not start; per-item failures are in the report.
func (s *Service) Run(ctx context.Context, mode store.SyncMode, triggeredBy *int64) (Report, error) {
	run := s.recorder.Start(store.ServiceOneDrive, mode, synclog.OpReverseSync, triggeredBy)
	sc := &scan{report: Report{RunID: run.ID, UnmatchedClients: []string{}, UnmatchedDossiers: []string{}, Details: []string{}}}
	sc.uploader = store.SystemUploader{}
	if triggeredBy != nil {
		sc.uploader = store.OperatorUploader{UserID: *triggeredBy}
	}

	fatal := s.scanRoot(ctx, sc)

	report := sc.report
	sort.Strings(report.UnmatchedClients)
	sort.Strings(report.UnmatchedDossiers)
	sort.Strings(report.Details)
	if fatal != nil {
		report.Errors++
		report.Details = append(report.Details, fatal.Error())
	}
	report.Success = report.Errors == 0

	counts := synclog.Counts{
		Processed: report.Processed,
		Created:   report.Created,
		Updated:   sc.linked,
		Errored:   report.Errors,
	}
	message := fmt.Sprintf("created %d documents, linked %d dossiers, %d errors", report.Created, report.LinkedDossiers, report.Errors)
	details := map[string]any{
		"created":            report.Created,
		"linked_dossiers":    report.LinkedDossiers,
		"unmatched_clients":  report.UnmatchedClients,
		"unmatched_dossiers": report.UnmatchedDossiers,
		"details":            report.Details,
	}
	report.Outcome = synclog.OpReverseSync.Outcome(counts, fatal)
	if _, err := s.recorder.Finish(ctx, run, counts, fatal, message, details); err != nil {
		s.logger.Warn("reverse sync finished without a log row", slog.String("error", err.Error()))
	}
	return report, fatal
}

func (s *Service) scanRoot(ctx context.Context, sc *scan) error {
	root, err := s.drive.GetItemByPath(ctx, s.cfg.RootPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", s.cfg.RootPath, err)
	}
	children, err := s.drive.ListChildren(ctx, root.ID)
	if err != nil {
		return fmt.Errorf("list %s: %w", s.cfg.RootPath, err)
	}
	clients, err := s.store.Clients.List(ctx)
	if err != nil {
		return fmt.Errorf("load clients: %w", err)
	}
	byName := map[string][]store.Client{}
	for _, c := range clients {
		key := Normalize(c.FirstName + " " + c.LastName)
		byName[key] = append(byName[key], c)
	}

	g := new(errgroup.Group)
	g.SetLimit(s.concurrency)
	for _, folder := range children {
		if !folder.IsFolder() {
			continue
		}
		if err := ctx.Err(); err != nil {
			sc.fail("scan cancelled before %q: %v", folder.Name, err)
			break
		}
		g.Go(func() error {
			s.scanClient(ctx, sc, folder, byName[Normalize(folder.Name)])
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

func (s *Service) scanClient(ctx context.Context, sc *scan, folder onedrive.Item, matches []store.Client) {
	switch len(matches) {
	case 0:
		sc.add(func(r *Report) { r.UnmatchedClients = append(r.UnmatchedClients, folder.Name) })
		return
	case 1:
	default:
		sc.add(func(r *Report) { r.UnmatchedClients = append(r.UnmatchedClients, folder.Name) })
		sc.note("client folder %q matches %d clients", folder.Name, len(matches))
		return
	}
	client := matches[0]
	clientPath := onedrive.JoinPath(s.cfg.RootPath, folder.Name)

	dossiers, err := s.store.Dossiers.ListByClient(ctx, client.ID)
	if err != nil {
		sc.fail("client %q: load dossiers: %v", folder.Name, err)
		return
	}
	byKey := map[string][]store.Dossier{}
	for _, d := range dossiers {
		keys := map[string]bool{}
		for _, k := range []string{Normalize(d.Reference), Normalize(d.Title)} {
			if k != "" && !keys[k] {
				keys[k] = true
				byKey[k] = append(byKey[k], d)
			}
		}
	}

	children, err := s.drive.ListChildren(ctx, folder.ID)
	if err != nil {
		sc.fail("client %q: list folder: %v", folder.Name, err)
		return
	}
	matched := map[int64]string{}
	for _, sub := range children {
		if !sub.IsFolder() {
			continue
		}
		if err := ctx.Err(); err != nil {
			sc.fail("client %q: cancelled: %v", folder.Name, err)
			return
		}
		label := folder.Name + "/" + sub.Name
		found := byKey[Normalize(sub.Name)]
		switch len(found) {
		case 0:
			sc.add(func(r *Report) { r.UnmatchedDossiers = append(r.UnmatchedDossiers, label) })
		case 1:
			d := found[0]
			if first, seen := matched[d.ID]; seen {
				sc.note("dossier folder %q matches the same dossier as %q", label, first)
			} else {
				matched[d.ID] = label
				sc.add(func(r *Report) { r.LinkedDossiers++ })
			}
			s.scanDossier(ctx, sc, d.ID, sub, onedrive.JoinPath(clientPath, sub.Name), label)
		default:
			sc.add(func(r *Report) { r.UnmatchedDossiers = append(r.UnmatchedDossiers, label) })
			sc.note("dossier folder %q matches %d dossiers", label, len(found))
		}
	}
}

// scanDossier imports the files of one dossier folder. The dossier is read
// again because an earlier sibling folder may have linked it already.
func (s *Service) scanDossier(ctx context.Context, sc *scan, dossierID int64, folder onedrive.Item, folderPath, label string) {
	d, err := s.store.Dossiers.GetByID(ctx, dossierID)
	if err != nil {
		sc.fail("%s: load dossier: %v", label, err)
		return
	}

	// Sub-folder ids are only adopted when this folder is the dossier root.
	owned := d.RootFolderID == "" || d.RootFolderID == folder.ID
	if d.RootFolderID == "" {
		if err := s.store.Dossiers.SetFolder(ctx, d.ID, store.FolderRoot, folder.ID, folderPath); err != nil {
			sc.fail("%s: link folder: %v", label, err)
		} else {
			sc.add(func(*Report) { sc.linked++ })
		}
	}

	knownIDs, err := s.store.Documents.RemoteFileIDs(ctx, d.ID)
	if err != nil {
		sc.fail("%s: load documents: %v", label, err)
		return
	}
	known := make(map[string]bool, len(knownIDs))
	for _, id := range knownIDs {
		known[id] = true
	}

	items, err := s.drive.ListChildren(ctx, folder.ID)
	if err != nil {
		sc.fail("%s: list folder: %v", label, err)
		return
	}

	type located struct {
		item onedrive.Item
		loc  store.Location
	}
	var files []located
	for _, item := range items {
		if !item.IsFolder() {
			files = append(files, located{item, store.LocationCabinet})
			continue
		}
		loc, slot, ok := s.subFolder(item.Name)
		if !ok {
			continue
		}
		if owned && folderID(*d, slot) == "" {
			if err := s.store.Dossiers.SetFolder(ctx, d.ID, slot, item.ID, onedrive.JoinPath(folderPath, item.Name)); err != nil {
				sc.fail("%s/%s: link folder: %v", label, item.Name, err)
			} else {
				sc.add(func(*Report) { sc.linked++ })
			}
		}
		inner, err := s.drive.ListChildren(ctx, item.ID)
		if err != nil {
			sc.fail("%s/%s: list folder: %v", label, item.Name, err)
			continue
		}
		for _, f := range inner {
			if !f.IsFolder() {
				files = append(files, located{f, loc})
			}
		}
	}

	for _, f := range files {
		sc.add(func(r *Report) { r.Processed++ })
		if known[f.item.ID] {
			continue
		}
		_, err := s.store.Documents.Create(ctx, store.Document{
			DossierID:    d.ID,
			Name:         f.item.Name,
			RemoteFileID: f.item.ID,
			WebURL:       f.item.WebURL,
			DownloadURL:  f.item.DownloadURL,
			Size:         f.item.Size,
			MimeType:     f.item.MimeType(),
			Location:     f.loc,
			UploadedBy:   sc.uploader,
		})
		switch {
		case errors.Is(err, store.ErrConflict):
			sc.note("%s/%s: already imported under another dossier", label, f.item.Name)
		case err != nil:
			sc.fail("%s/%s: import: %v", label, f.item.Name, err)
		default:
			sc.add(func(r *Report) { r.Created++ })
		}
	}

	if err := s.store.Dossiers.MarkSynced(ctx, d.ID, s.now()); err != nil {
		sc.fail("%s: mark synced: %v", label, err)
	}
}

func (s *Service) subFolder(name string) (store.Location, store.FolderSlot, bool) {
	switch Normalize(name) {
	case Normalize(s.cfg.CabinetFolder):
		return store.LocationCabinet, store.FolderCabinet, true
	case Normalize(s.cfg.ClientFolder):
		return store.LocationClient, store.FolderClient, true
	}
	return "", "", false
}

func folderID(d store.Dossier, slot store.FolderSlot) string {
	switch slot {
	case store.FolderRoot:
		return d.RootFolderID
	case store.FolderCabinet:
		return d.CabinetFolderID
	case store.FolderClient:
		return d.ClientFolderID
	}
	return ""
}
