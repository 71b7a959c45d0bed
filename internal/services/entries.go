package services

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/models"
	"github.com/dmitrijs2005/gophvault/internal/storage"
	"github.com/google/uuid"
)

// EntryService is CRUD over encrypted entries. Every call needs an unlocked
// session and fails with common.ErrSessionLocked otherwise.
type EntryService interface {
	Create(ctx context.Context, in models.NewEntry) (*models.Entry, error)
	Get(ctx context.Context, id string) (*models.DecryptedEntry, error)
	Update(ctx context.Context, upd models.EntryUpdate) (int64, error)
	Delete(ctx context.Context, id string, expectedVersion int64) (int64, error)
	List(ctx context.Context, f models.Filter) iter.Seq2[*models.Entry, error]
	PurgeTombstones(ctx context.Context, olderThan time.Time) (int, error)
}

type entryService struct {
	store *storage.Store
	kr    *Keyring
	log   logging.Logger
}

func NewEntryService(store *storage.Store, kr *Keyring, log logging.Logger) EntryService {
	return &entryService{store: store, kr: kr, log: log}
}

func checkTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return fmt.Errorf("%w: empty title", common.ErrParameter)
	}
	return nil
}

func categoryOrDefault(c models.Category) models.Category {
	if c == "" {
		return models.CategoryOther
	}
	return c
}

func (s *entryService) Create(ctx context.Context, in models.NewEntry) (*models.Entry, error) {
	if err := checkTitle(in.Title); err != nil {
		return nil, err
	}

	var e *models.Entry
	err := s.kr.withKey(func(u unlocked) error {
		id := uuid.NewString()
		sealed, err := cryptox.EncryptJSON(u.aead, u.key, &in.Secret, []byte(id))
		if err != nil {
			return fmt.Errorf("encryption error: %w", err)
		}

		e = &models.Entry{
			ID:       id,
			VaultID:  u.vaultID,
			Title:    in.Title,
			Username: in.Username,
			Category: categoryOrDefault(in.Category),
		}
		e.SetSealed(sealed)

		_, err = s.store.CreateEntry(ctx, e)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug(ctx, "entry created", "entry_id", e.ID)
	return e, nil
}

// Get returns a live entry with its payload opened. A payload that fails to
// authenticate is reported as common.ErrAuthenticationFailure.
func (s *entryService) Get(ctx context.Context, id string) (*models.DecryptedEntry, error) {
	var d *models.DecryptedEntry
	err := s.kr.withKey(func(u unlocked) error {
		e, err := s.store.GetEntry(ctx, id)
		if err != nil {
			return err
		}
		d = &models.DecryptedEntry{Entry: *e}
		if err := cryptox.DecryptJSON(u.aead, u.key, e.Sealed(), []byte(e.ID), &d.Secret); err != nil {
			d = nil
			return fmt.Errorf("entry %s: %w", id, err)
		}
		return nil
	})
	return d, err
}

// Update re-seals the payload and writes it only if the stored version is
// still upd.ExpectedVersion.
func (s *entryService) Update(ctx context.Context, upd models.EntryUpdate) (int64, error) {
	if err := checkTitle(upd.Title); err != nil {
		return 0, err
	}

	var v int64
	err := s.kr.withKey(func(u unlocked) error {
		sealed, err := cryptox.EncryptJSON(u.aead, u.key, &upd.Secret, []byte(upd.ID))
		if err != nil {
			return fmt.Errorf("encryption error: %w", err)
		}
		e := &models.Entry{
			ID:       upd.ID,
			VaultID:  u.vaultID,
			Title:    upd.Title,
			Username: upd.Username,
			Category: categoryOrDefault(upd.Category),
		}
		e.SetSealed(sealed)

		v, err = s.store.UpdateEntry(ctx, e, upd.ExpectedVersion)
		return err
	})
	return v, err
}

// Delete tombstones the entry. It stays in storage until purged so the
// deletion can be synced.
func (s *entryService) Delete(ctx context.Context, id string, expectedVersion int64) (int64, error) {
	var v int64
	err := s.kr.withKey(func(unlocked) error {
		var err error
		v, err = s.store.Tombstone(ctx, id, expectedVersion)
		return err
	})
	return v, err
}

// List yields entry metadata without opening payloads.
func (s *entryService) List(ctx context.Context, f models.Filter) iter.Seq2[*models.Entry, error] {
	return func(yield func(*models.Entry, error) bool) {
		if err := s.kr.requireUnlocked(); err != nil {
			yield(nil, err)
			return
		}
		for e, err := range s.store.ListEntries(ctx, f) {
			if !yield(e, err) {
				return
			}
		}
	}
}

func (s *entryService) PurgeTombstones(ctx context.Context, olderThan time.Time) (int, error) {
	var n int
	err := s.kr.withKey(func(unlocked) error {
		var err error
		n, err = s.store.PurgeTombstones(ctx, olderThan)
		return err
	})
	if err == nil && n > 0 {
		s.log.Info(ctx, "tombstones purged", "count", n)
	}
	return n, err
}
