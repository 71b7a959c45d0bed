package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/envelope"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/models"
	"github.com/dmitrijs2005/gophvault/internal/repositories/metadata"
	"github.com/dmitrijs2005/gophvault/internal/storage"
)

// RemoteLister is the part of the cloud collaborator SyncService consumes.
type RemoteLister interface {
	ListRemoteVersions(ctx context.Context) (map[string]models.RemoteVersion, error)
}

// Resolution picks the winner of a conflict.
type Resolution int

const (
	KeepLocal Resolution = iota
	KeepRemote
)

// SyncService tracks per-entry versions against the cloud copy and tells the
// collaborator what to move. It performs no network I/O.
type SyncService interface {
	RecordLocalChange(ctx context.Context, entryID string, version int64) error
	RecordRemoteSnapshot(ctx context.Context, entryID string, version int64, remoteID string) error
	PlanReconciliation(ctx context.Context) ([]models.SyncAction, error)
	MarkSynced(ctx context.Context, entryID string, version int64, remoteID string) error
	ResolveConflict(ctx context.Context, entryID string, keep Resolution, remotePayload []byte) error

	RefreshRemote(ctx context.Context, lister RemoteLister) (int, error)
	LastRefresh(ctx context.Context) (time.Time, error)
	PrepareUpload(ctx context.Context, entryID string) ([]byte, int64, error)
	ApplyDownload(ctx context.Context, payload []byte, remoteID string) (models.SyncActionKind, error)
}

type syncService struct {
	store *storage.Store
	kr    *Keyring
	log   logging.Logger
	now   func() time.Time
}

func NewSyncService(store *storage.Store, kr *Keyring, log logging.Logger) SyncService {
	return &syncService{store: store, kr: kr, log: log, now: time.Now}
}

func (s *syncService) RecordLocalChange(ctx context.Context, entryID string, version int64) error {
	return s.store.Write(ctx, func(ctx context.Context, r storage.Repositories) error {
		return r.Sync.RecordLocal(ctx, entryID, version)
	})
}

func (s *syncService) RecordRemoteSnapshot(ctx context.Context, entryID string, version int64, remoteID string) error {
	return s.store.Write(ctx, func(ctx context.Context, r storage.Repositories) error {
		return r.Sync.RecordRemote(ctx, entryID, version, remoteID)
	})
}

func (s *syncService) MarkSynced(ctx context.Context, entryID string, version int64, remoteID string) error {
	return s.store.Write(ctx, func(ctx context.Context, r storage.Repositories) error {
		return r.Sync.MarkSynced(ctx, entryID, version, remoteID)
	})
}

// Plan decides the action for one entry. BaseVersion is the last version
// both sides agreed on; zero means no common ancestor is known. Both sides
// moving past the base is a conflict, unless no base is known and they
// landed on the same version. A purged entry only comes back when the remote
// moved past its watermark. The second result is false when nothing needs
// to move.
func Plan(st models.SyncState) (models.SyncActionKind, bool) {
	local, remote, base := st.LocalVersion, st.RemoteVersion, st.BaseVersion
	switch {
	case st.PurgedVersion > 0 && remote > st.PurgedVersion:
		return models.SyncDownload, true
	case st.PurgedVersion > 0:
		return "", false
	case st.Conflict:
		return models.SyncConflict, true
	case local > base && remote > base && (local != remote || base > 0):
		return models.SyncConflict, true
	case local == remote:
		return "", false
	case local > base:
		return models.SyncUpload, true
	case remote > base:
		return models.SyncDownload, true
	case local > remote:
		return models.SyncUpload, true
	default:
		return models.SyncDownload, true
	}
}

// PlanReconciliation never resolves anything; conflicts are reported for the
// collaborator to settle through ResolveConflict.
func (s *syncService) PlanReconciliation(ctx context.Context) ([]models.SyncAction, error) {
	if err := s.kr.requireUnlocked(); err != nil {
		return nil, err
	}

	var states []models.SyncState
	err := s.store.Read(ctx, func(ctx context.Context, r storage.Repositories) error {
		var err error
		states, err = r.Sync.List(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	plan := make([]models.SyncAction, 0, len(states))
	for _, st := range states {
		kind, ok := Plan(st)
		if !ok {
			continue
		}
		plan = append(plan, models.SyncAction{
			EntryID:       st.EntryID,
			Action:        kind,
			LocalVersion:  st.LocalVersion,
			RemoteVersion: st.RemoteVersion,
			RemoteID:      st.RemoteID,
		})
	}
	return plan, nil
}

// RefreshRemote records the versions the collaborator currently holds and
// stamps the refresh time.
func (s *syncService) RefreshRemote(ctx context.Context, lister RemoteLister) (int, error) {
	versions, err := lister.ListRemoteVersions(ctx)
	if err != nil {
		return 0, fmt.Errorf("list remote versions: %w", err)
	}
	err = s.store.Write(ctx, func(ctx context.Context, r storage.Repositories) error {
		for id, v := range versions {
			if err := r.Sync.RecordRemote(ctx, id, v.Version, v.RemoteID); err != nil {
				return err
			}
		}
		return metadata.SetTime(ctx, r.Metadata, metadata.KeyLastRemoteRefresh, s.now())
	})
	if err != nil {
		return 0, err
	}
	s.log.Debug(ctx, "remote versions refreshed", "entries", len(versions))
	return len(versions), nil
}

// LastRefresh returns the zero time if RefreshRemote never ran.
func (s *syncService) LastRefresh(ctx context.Context) (time.Time, error) {
	var t time.Time
	err := s.store.Read(ctx, func(ctx context.Context, r storage.Repositories) error {
		var err error
		t, err = metadata.GetTime(ctx, r.Metadata, metadata.KeyLastRemoteRefresh)
		return err
	})
	return t, err
}

// PrepareUpload returns the portable payload of an entry, tombstones
// included, and the version it carries. The payload stays encrypted under
// the vault key.
func (s *syncService) PrepareUpload(ctx context.Context, entryID string) ([]byte, int64, error) {
	var (
		payload []byte
		version int64
	)
	err := s.kr.withKey(func(unlocked) error {
		return s.store.Read(ctx, func(ctx context.Context, r storage.Repositories) error {
			e, err := r.Entries.Get(ctx, entryID, true)
			if err != nil {
				return err
			}
			rec := toRecord(e, e.Sealed())
			payload, err = json.Marshal(&rec)
			version = e.Version
			return err
		})
	})
	return payload, version, err
}

func decodeRecord(payload []byte) (*envelope.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	var rec envelope.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("%w: remote payload: %v", common.ErrMalformedBackup, err)
	}
	if rec.ID == "" || rec.Metadata.Version <= 0 {
		return nil, fmt.Errorf("%w: remote payload without id or version", common.ErrMalformedBackup)
	}
	return &rec, nil
}

// ApplyDownload authenticates a payload produced by PrepareUpload on another
// device and merges it. It returns SyncDownload when the payload was applied
// or already present, and SyncConflict when it was flagged instead.
func (s *syncService) ApplyDownload(ctx context.Context, payload []byte, remoteID string) (models.SyncActionKind, error) {
	rec, err := decodeRecord(payload)
	if err != nil {
		return "", err
	}

	var kind models.SyncActionKind
	err = s.kr.withKey(func(u unlocked) error {
		e, plaintext, err := rehome(u, rec, u.aead, u.key)
		if err != nil {
			return err
		}
		defer common.WipeByteArray(plaintext)

		return s.store.Write(ctx, func(ctx context.Context, r storage.Repositories) error {
			outcome, err := mergeEntry(ctx, r, u, e, plaintext)
			if err != nil {
				return err
			}
			switch outcome {
			case mergeConflict:
				kind = models.SyncConflict
				return r.Sync.RecordRemote(ctx, e.ID, e.Version, remoteID)
			case mergeSkipped:
				local, err := r.Entries.Get(ctx, e.ID, true)
				if err != nil {
					return err
				}
				if local.Version > e.Version {
					kind = models.SyncUpload
					return r.Sync.RecordRemote(ctx, e.ID, e.Version, remoteID)
				}
			}
			kind = models.SyncDownload
			return r.Sync.MarkSynced(ctx, e.ID, e.Version, remoteID)
		})
	})
	return kind, err
}

// ResolveConflict clears the conflict flag of an entry. Either way the local
// copy ends up one version above everything seen so far, so the next plan
// uploads the chosen content. KeepRemote needs the remote payload.
func (s *syncService) ResolveConflict(ctx context.Context, entryID string, keep Resolution, remotePayload []byte) error {
	var rec *envelope.Record
	if keep == KeepRemote {
		if remotePayload == nil {
			return fmt.Errorf("%w: keeping the remote copy needs its payload", common.ErrParameter)
		}
		var err error
		if rec, err = decodeRecord(remotePayload); err != nil {
			return err
		}
		if rec.ID != entryID {
			return fmt.Errorf("%w: payload is for entry %s", common.ErrParameter, rec.ID)
		}
	}

	return s.kr.withKey(func(u unlocked) error {
		return s.store.Write(ctx, func(ctx context.Context, r storage.Repositories) error {
			st, err := r.Sync.Get(ctx, entryID)
			if err != nil {
				return err
			}
			local, err := r.Entries.Get(ctx, entryID, true)
			if err != nil {
				return err
			}

			winner := local
			if rec != nil {
				e, plaintext, err := rehome(u, rec, u.aead, u.key)
				if err != nil {
					return err
				}
				common.WipeByteArray(plaintext)
				winner = e
				winner.CreatedAt = local.CreatedAt
			}

			expected := local.Version
			winner.Version = max(local.Version, st.RemoteVersion) + 1
			winner.UpdatedAt = s.now().UTC()
			if err := r.Entries.Overwrite(ctx, winner, expected); err != nil {
				return err
			}
			if err := r.Sync.RecordLocal(ctx, entryID, winner.Version); err != nil {
				return err
			}
			s.log.Info(ctx, "conflict resolved", "entry_id", entryID, "keep_remote", rec != nil)
			return r.Sync.SetConflict(ctx, entryID, false, st.RemoteVersion)
		})
	})
}
