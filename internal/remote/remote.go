// Package remote is the cloud collaborator side of synchronization. It moves
// the opaque payloads the engine prepares to and from a Backend and reports
// back; the engine itself never touches the network.
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/models"
)

// Object is one entry version on its way to the backend.
type Object struct {
	EntryID string
	Version int64
	Payload []byte
}

// Backend stores entry payloads. Payloads are already encrypted.
type Backend interface {
	Upload(ctx context.Context, obj Object) (remoteID string, err error)
	Download(ctx context.Context, remoteID string) ([]byte, error)
	ListRemoteVersions(ctx context.Context) (map[string]models.RemoteVersion, error)
}

// Vault is what the Runner needs from the engine.
type Vault interface {
	PrepareUpload(ctx context.Context, entryID string) ([]byte, int64, error)
	ApplyDownload(ctx context.Context, payload []byte, remoteID string) (models.SyncActionKind, error)
	MarkSynced(ctx context.Context, entryID string, version int64, remoteID string) error
}

// Report lists entry ids by what happened to them. Stale holds downloads
// the local copy had already moved past; they go up on the next run.
type Report struct {
	Uploaded   []string
	Downloaded []string
	Stale      []string
	Conflicts  []string
	Failed     map[string]error
}

type Runner struct {
	vault   Vault
	backend Backend
	log     logging.Logger
}

func NewRunner(vault Vault, backend Backend, log logging.Logger) *Runner {
	return &Runner{vault: vault, backend: backend, log: log}
}

// Execute carries out a reconciliation plan. Conflicts are reported, never
// resolved. A failed entry does not stop the run; every failure is returned
// joined, and nothing is retried.
func (r *Runner) Execute(ctx context.Context, plan []models.SyncAction) (*Report, error) {
	rep := &Report{Failed: map[string]error{}}
	for _, a := range plan {
		if err := ctx.Err(); err != nil {
			return rep, err
		}

		var err error
		switch a.Action {
		case models.SyncUpload:
			err = r.upload(ctx, a, rep)
		case models.SyncDownload:
			err = r.download(ctx, a, rep)
		case models.SyncConflict:
			rep.Conflicts = append(rep.Conflicts, a.EntryID)
		default:
			err = fmt.Errorf("unknown action %q", a.Action)
		}
		if err != nil {
			rep.Failed[a.EntryID] = err
			r.log.Warn(ctx, "sync action failed", "entry_id", a.EntryID, "action", string(a.Action), "error", err)
		}
	}

	errs := make([]error, 0, len(rep.Failed))
	for id, err := range rep.Failed {
		errs = append(errs, fmt.Errorf("entry %s: %w", id, err))
	}
	r.log.Info(ctx, "sync finished", "uploaded", len(rep.Uploaded), "downloaded", len(rep.Downloaded),
		"stale", len(rep.Stale), "conflicts", len(rep.Conflicts), "failed", len(rep.Failed))
	return rep, errors.Join(errs...)
}

func (r *Runner) upload(ctx context.Context, a models.SyncAction, rep *Report) error {
	payload, version, err := r.vault.PrepareUpload(ctx, a.EntryID)
	if err != nil {
		return err
	}
	remoteID, err := r.backend.Upload(ctx, Object{EntryID: a.EntryID, Version: version, Payload: payload})
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if err := r.vault.MarkSynced(ctx, a.EntryID, version, remoteID); err != nil {
		return err
	}
	rep.Uploaded = append(rep.Uploaded, a.EntryID)
	return nil
}

func (r *Runner) download(ctx context.Context, a models.SyncAction, rep *Report) error {
	payload, err := r.backend.Download(ctx, a.RemoteID)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	kind, err := r.vault.ApplyDownload(ctx, payload, a.RemoteID)
	if err != nil {
		return err
	}
	switch kind {
	case models.SyncConflict:
		rep.Conflicts = append(rep.Conflicts, a.EntryID)
	case models.SyncUpload:
		rep.Stale = append(rep.Stale, a.EntryID)
	default:
		rep.Downloaded = append(rep.Downloaded, a.EntryID)
	}
	return nil
}
