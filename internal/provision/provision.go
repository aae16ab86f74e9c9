// Package provision creates the remote folder structure of a dossier:
//
//	<root>/<Client Name>/<Reference>/
//	    <Cabinet>/   internal documents
//	    <Client>/    documents shared with the client
//
// Each folder id is stored as soon as it is known so a failed run resumes
// where it stopped. Nothing created remotely is ever rolled back.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"gitea.jw6.us/james/dossiersync/internal/config"
	"gitea.jw6.us/james/dossiersync/internal/integrations/onedrive"
	"gitea.jw6.us/james/dossiersync/internal/metrics"
	"gitea.jw6.us/james/dossiersync/internal/store"
	"gitea.jw6.us/james/dossiersync/internal/tokens"
)

// Drive is the subset of the Graph client the provisioner needs.
type Drive interface {
	EnsurePath(ctx context.Context, drivePath string) (*onedrive.Item, int, error)
	EnsureFolder(ctx context.Context, parentID, parentPath, name string) (*onedrive.Item, bool, error)
}

// Result is the outcome of EnsureFolders. Error is set when Success is false.
type Result struct {
	Success  bool   `json:"success"`
	RootPath string `json:"root_folder_path,omitempty"`
	Created  int    `json:"created"`
	Error    string `json:"error,omitempty"`
}

// Service provisions dossier folders.
type Service struct {
	store  *store.Store
	drive  Drive
	cfg    config.OneDriveConfig
	logger *slog.Logger
}

// New creates a provisioner.
func New(st *store.Store, drive Drive, cfg config.OneDriveConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{store: st, drive: drive, cfg: cfg, logger: logger.With(slog.String("component", "provision"))}
}

// EnsureFolders makes sure the dossier has its three remote folders. It is a
// no-op when all ids are already stored.
func (s *Service) EnsureFolders(ctx context.Context, dossierID int64) Result {
	d, err := s.store.Dossiers.GetByID(ctx, dossierID)
	if err != nil {
		return s.fail(dossierID, 0, "load dossier", err)
	}
	if d.HasFolders() {
		return Result{Success: true, RootPath: withSlash(d.RootFolderPath)}
	}

	created := 0
	rootID, rootPath := d.RootFolderID, d.RootFolderPath
	if rootID == "" {
		client, err := s.store.Clients.GetByID(ctx, d.ClientID)
		if err != nil {
			return s.fail(dossierID, created, "load client", err)
		}
		clientPath := onedrive.JoinPath(s.cfg.RootPath, onedrive.SanitizeName(client.FullName()))
		parent, n, err := s.drive.EnsurePath(ctx, clientPath)
		created += n
		if err != nil {
			return s.fail(dossierID, created, "prepare client folder", err)
		}
		name := FolderName(*d)
		folder, made, err := s.drive.EnsureFolder(ctx, parent.ID, clientPath, name)
		if err != nil {
			return s.fail(dossierID, created, "create root folder", err)
		}
		if made {
			created++
		}
		rootID, rootPath = folder.ID, onedrive.JoinPath(clientPath, name)
		if err := s.store.Dossiers.SetFolder(ctx, dossierID, store.FolderRoot, rootID, rootPath); err != nil {
			return s.fail(dossierID, created, "store root folder", err)
		}
	}

	subFolders := []struct {
		slot store.FolderSlot
		id   string
		name string
	}{
		{store.FolderCabinet, d.CabinetFolderID, s.cfg.CabinetFolder},
		{store.FolderClient, d.ClientFolderID, s.cfg.ClientFolder},
	}
	for _, sub := range subFolders {
		if sub.id != "" {
			continue
		}
		folder, made, err := s.drive.EnsureFolder(ctx, rootID, rootPath, sub.name)
		if err != nil {
			return s.fail(dossierID, created, "create "+string(sub.slot)+" folder", err)
		}
		if made {
			created++
		}
		if err := s.store.Dossiers.SetFolder(ctx, dossierID, sub.slot, folder.ID, onedrive.JoinPath(rootPath, sub.name)); err != nil {
			return s.fail(dossierID, created, "store "+string(sub.slot)+" folder", err)
		}
	}

	metrics.AddSyncItems(string(store.ServiceOneDrive), "folder_created", created)
	s.logger.Info("dossier folders ready", slog.Int64("dossier_id", dossierID), slog.String("path", rootPath), slog.Int("created", created))
	return Result{Success: true, RootPath: withSlash(rootPath), Created: created}
}

// Folder returns the remote folder id holding documents at loc, provisioning
// the dossier first when needed.
func (s *Service) Folder(ctx context.Context, dossierID int64, loc store.Location) (string, error) {
	if !loc.Valid() {
		return "", fmt.Errorf("unknown location %q", loc)
	}
	if res := s.EnsureFolders(ctx, dossierID); !res.Success {
		return "", errors.New(res.Error)
	}
	d, err := s.store.Dossiers.GetByID(ctx, dossierID)
	if err != nil {
		return "", err
	}
	if loc.Slot() == store.FolderClient {
		return d.ClientFolderID, nil
	}
	return d.CabinetFolderID, nil
}

// FolderName is the remote folder name of a dossier: its reference, or its
// title when it has none.
func FolderName(d store.Dossier) string {
	for _, candidate := range []string{d.Reference, d.Title} {
		if name := onedrive.SanitizeName(candidate); name != "" {
			return name
		}
	}
	return "Dossier " + strconv.FormatInt(d.ID, 10)
}

func (s *Service) fail(dossierID int64, created int, step string, err error) Result {
	msg := step + ": " + describe(err)
	metrics.AddSyncItems(string(store.ServiceOneDrive), "folder_created", created)
	s.logger.Warn("dossier folder provisioning failed", slog.Int64("dossier_id", dossierID), slog.String("step", step), slog.String("error", err.Error()))
	return Result{Success: false, Created: created, Error: msg}
}

func describe(err error) string {
	var refreshErr *tokens.RefreshError
	switch {
	case errors.Is(err, tokens.ErrNotConnected):
		return "OneDrive is not connected"
	case errors.As(err, &refreshErr):
		return "OneDrive token could not be refreshed"
	case errors.Is(err, store.ErrNotFound):
		return "not found"
	}
	return err.Error()
}

func withSlash(p string) string {
	if p == "" || p[len(p)-1] == '/' {
		return p
	}
	return p + "/"
}
