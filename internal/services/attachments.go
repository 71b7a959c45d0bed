package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/models"
	"github.com/dmitrijs2005/gophvault/internal/storage"
	"github.com/google/uuid"
)

// MaxAttachmentSize bounds one attached file.
const MaxAttachmentSize = 16 << 20

// AttachmentService stores files with entries. Each file is sealed under its
// own random key, which is wrapped by the session key. Attachments of a
// tombstoned entry are hidden and go away when the tombstone is purged.
type AttachmentService interface {
	Attach(ctx context.Context, in models.NewAttachment) (*models.Attachment, error)
	// List returns attachments without their data. An empty entryID lists
	// the attachments of every live entry.
	List(ctx context.Context, entryID string) ([]models.Attachment, error)
	// Open returns the attachment and its decrypted data. The caller should
	// wipe the data when done.
	Open(ctx context.Context, id string) (*models.Attachment, []byte, error)
	Detach(ctx context.Context, id string) error
}

type attachmentService struct {
	store *storage.Store
	kr    *Keyring
	log   logging.Logger
	now   func() time.Time
}

func NewAttachmentService(store *storage.Store, kr *Keyring, log logging.Logger) AttachmentService {
	return &attachmentService{store: store, kr: kr, log: log, now: time.Now}
}

func (s *attachmentService) Attach(ctx context.Context, in models.NewAttachment) (*models.Attachment, error) {
	name := filepath.Base(strings.TrimSpace(in.Name))
	if name == "." || name == string(filepath.Separator) {
		return nil, fmt.Errorf("%w: empty attachment name", common.ErrParameter)
	}
	if len(in.Data) > MaxAttachmentSize {
		return nil, fmt.Errorf("%w: attachment is %d bytes, limit %d", common.ErrParameter, len(in.Data), MaxAttachmentSize)
	}
	mimeType := in.MimeType
	if mimeType == "" {
		mimeType = http.DetectContentType(in.Data)
	}

	a := &models.Attachment{
		ID:        uuid.NewString(),
		EntryID:   in.EntryID,
		Name:      name,
		MimeType:  mimeType,
		Size:      int64(len(in.Data)),
		CreatedAt: s.now().UTC(),
	}
	err := s.kr.withKey(func(u unlocked) error {
		f, err := cryptox.EncryptFile(u.aead, u.key, in.Data, []byte(a.ID))
		if err != nil {
			return fmt.Errorf("encryption error: %w", err)
		}
		a.SetWrappedKey(f.WrappedKey)
		a.SetSealed(f.Data)

		return s.store.Write(ctx, func(ctx context.Context, r storage.Repositories) error {
			if _, err := r.Entries.Get(ctx, in.EntryID, false); err != nil {
				return err
			}
			return r.Attachments.Create(ctx, a)
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug(ctx, "attachment added", "entry_id", a.EntryID, "attachment_id", a.ID, "size", a.Size)
	return a, nil
}

func (s *attachmentService) List(ctx context.Context, entryID string) ([]models.Attachment, error) {
	var list []models.Attachment
	err := s.kr.withKey(func(unlocked) error {
		return s.store.Read(ctx, func(ctx context.Context, r storage.Repositories) error {
			if entryID != "" {
				if _, err := r.Entries.Get(ctx, entryID, false); err != nil {
					return err
				}
			}
			all, err := r.Attachments.List(ctx, entryID)
			if err != nil || entryID != "" {
				list = all
				return err
			}
			live := map[string]bool{}
			for _, a := range all {
				ok, seen := live[a.EntryID]
				if !seen {
					_, err := r.Entries.Get(ctx, a.EntryID, false)
					if err != nil && !errors.Is(err, common.ErrorNotFound) {
						return err
					}
					ok = err == nil
					live[a.EntryID] = ok
				}
				if ok {
					list = append(list, a)
				}
			}
			return nil
		})
	})
	return list, err
}

// Open fails with common.ErrAuthenticationFailure when either the wrapped
// key or the data does not authenticate.
func (s *attachmentService) Open(ctx context.Context, id string) (*models.Attachment, []byte, error) {
	var (
		a    *models.Attachment
		data []byte
	)
	err := s.kr.withKey(func(u unlocked) error {
		err := s.store.Read(ctx, func(ctx context.Context, r storage.Repositories) error {
			var err error
			if a, err = r.Attachments.Get(ctx, id); err != nil {
				return err
			}
			_, err = r.Entries.Get(ctx, a.EntryID, false)
			return err
		})
		if err != nil {
			return err
		}
		f := cryptox.EncryptedFile{WrappedKey: a.WrappedKey(), Data: a.Sealed()}
		if data, err = cryptox.DecryptFile(u.aead, u.key, f, []byte(a.ID)); err != nil {
			return fmt.Errorf("attachment %s: %w", id, err)
		}
		a.SetSealed(cryptox.Sealed{})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return a, data, nil
}

func (s *attachmentService) Detach(ctx context.Context, id string) error {
	err := s.kr.withKey(func(unlocked) error {
		return s.store.Write(ctx, func(ctx context.Context, r storage.Repositories) error {
			return r.Attachments.Delete(ctx, id)
		})
	})
	if err != nil {
		return err
	}
	s.log.Debug(ctx, "attachment removed", "attachment_id", id)
	return nil
}
