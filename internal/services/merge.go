package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/envelope"
	"github.com/dmitrijs2005/gophvault/internal/models"
	"github.com/dmitrijs2005/gophvault/internal/storage"
)

type mergeOutcome int

const (
	mergeApplied mergeOutcome = iota
	mergeSkipped
	mergeConflict
)

// mergeEntry folds an incoming entry, already sealed under the session key,
// into storage. The higher version wins. Equal versions with different
// content are flagged as a conflict and the local copy is kept.
func mergeEntry(ctx context.Context, r storage.Repositories, u unlocked, in *models.Entry, plaintext []byte) (mergeOutcome, error) {
	local, err := r.Entries.Get(ctx, in.ID, true)
	if errors.Is(err, common.ErrorNotFound) {
		if err := r.Entries.Insert(ctx, in); err != nil {
			return 0, err
		}
		return mergeApplied, nil
	}
	if err != nil {
		return 0, err
	}

	switch {
	case in.Version > local.Version:
		if err := r.Entries.Overwrite(ctx, in, local.Version); err != nil {
			return 0, err
		}
		return mergeApplied, nil
	case in.Version < local.Version:
		return mergeSkipped, nil
	}

	same, err := sameContent(u, local, in, plaintext)
	if err != nil {
		return 0, err
	}
	if same {
		return mergeSkipped, nil
	}
	if err := r.Sync.SetConflict(ctx, in.ID, true, 0); err != nil {
		return 0, err
	}
	return mergeConflict, nil
}

func sameContent(u unlocked, local, in *models.Entry, plaintext []byte) (bool, error) {
	if local.Title != in.Title || local.Username != in.Username ||
		local.Category != in.Category || local.Tombstoned != in.Tombstoned {
		return false, nil
	}
	mine, err := u.aead.Open(u.key, local.Sealed(), []byte(local.ID))
	if err != nil {
		return false, fmt.Errorf("local entry %s: %w", local.ID, err)
	}
	defer common.WipeByteArray(mine)
	return bytes.Equal(mine, plaintext), nil
}

// rehome opens a record sealed under from and returns it as a vault entry
// sealed under the session key, together with the plaintext. The caller
// wipes the plaintext.
func rehome(u unlocked, rec *envelope.Record, from cryptox.AEAD, fromKey []byte) (*models.Entry, []byte, error) {
	plaintext, err := from.Open(fromKey, rec.Sealed(), []byte(rec.ID))
	if err != nil {
		return nil, nil, fmt.Errorf("entry %s: %w", rec.ID, err)
	}
	sealed, err := u.aead.Seal(u.key, plaintext, []byte(rec.ID))
	if err != nil {
		common.WipeByteArray(plaintext)
		return nil, nil, err
	}

	e := &models.Entry{
		ID:         rec.ID,
		VaultID:    u.vaultID,
		Title:      rec.Metadata.Title,
		Username:   rec.Metadata.Username,
		Category:   models.Category(rec.Metadata.Category),
		Version:    rec.Metadata.Version,
		CreatedAt:  rec.Metadata.CreatedAt,
		UpdatedAt:  rec.Metadata.UpdatedAt,
		Tombstoned: rec.Metadata.Tombstoned,
	}
	e.SetSealed(sealed)
	return e, plaintext, nil
}

// toRecord converts a stored entry into its portable form.
func toRecord(e *models.Entry, s cryptox.Sealed) envelope.Record {
	return envelope.Record{
		ID:         e.ID,
		Ciphertext: s.Ciphertext,
		Nonce:      s.Nonce,
		Tag:        s.Tag,
		Metadata: envelope.Metadata{
			Title:      e.Title,
			Username:   e.Username,
			Category:   string(e.Category),
			Version:    e.Version,
			CreatedAt:  e.CreatedAt,
			UpdatedAt:  e.UpdatedAt,
			Tombstoned: e.Tombstoned,
		},
	}
}

// toAttachmentRecord converts a stored attachment into its portable form,
// with its file key wrapped as given.
func toAttachmentRecord(a *models.Attachment, wrapped cryptox.Sealed) envelope.Attachment {
	return envelope.Attachment{
		ID:            a.ID,
		EntryID:       a.EntryID,
		Name:          a.Name,
		MimeType:      a.MimeType,
		Size:          a.Size,
		CreatedAt:     a.CreatedAt,
		KeyCiphertext: wrapped.Ciphertext,
		KeyNonce:      wrapped.Nonce,
		KeyTag:        wrapped.Tag,
		Ciphertext:    a.Ciphertext,
		Nonce:         a.Nonce,
		Tag:           a.Tag,
	}
}
