package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/envelope"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/models"
	"github.com/dmitrijs2005/gophvault/internal/repositories/metadata"
	"github.com/dmitrijs2005/gophvault/internal/storage"
)

// ExportOptions control an export.
type ExportOptions struct {
	// Passphrase re-wraps every entry under a key derived from it with a
	// fresh salt. When nil, stored ciphertexts are copied as they are and the
	// envelope opens with the vault passphrase.
	Passphrase []byte

	// ExpiresIn, when positive, stamps an expiry covered by the integrity tag.
	ExpiresIn time.Duration

	IncludeTombstoned bool
}

// ImportReport lists what an import did, by entry id. Attachments lists
// the attachment ids added; ones already present are left alone.
type ImportReport struct {
	Applied     []string
	Skipped     []string
	Conflicts   []string
	Attachments []string
}

// BackupService exports entries into signed envelopes and merges envelopes
// back into the vault.
type BackupService interface {
	ExportVault(ctx context.Context, opts ExportOptions) ([]byte, error)
	ExportEntry(ctx context.Context, id string, opts ExportOptions) ([]byte, error)
	ExportEntryChunks(ctx context.Context, id string, opts ExportOptions, maxLen int) ([]string, error)
	Import(ctx context.Context, data []byte, passphrase []byte) (*ImportReport, error)
	ImportChunks(ctx context.Context, chunks []string, passphrase []byte) (*ImportReport, error)
}

type backupService struct {
	store    *storage.Store
	kr       *Keyring
	kdf      *cryptox.KDF
	params   cryptox.KDFParams
	chunkLen int
	log      logging.Logger
	now      func() time.Time
}

// NewBackupService returns a BackupService. params are used for
// passphrase re-wraps; chunkLen is the default chunk length.
func NewBackupService(store *storage.Store, kr *Keyring, kdf *cryptox.KDF, params cryptox.KDFParams, chunkLen int, log logging.Logger) BackupService {
	if params.Algorithm == "" {
		params = cryptox.DefaultParams()
	}
	if chunkLen <= 0 {
		chunkLen = envelope.DefaultMaxChunkLen
	}
	return &backupService{store: store, kr: kr, kdf: kdf, params: params, chunkLen: chunkLen, log: log, now: time.Now}
}

func (s *backupService) ExportVault(ctx context.Context, opts ExportOptions) ([]byte, error) {
	_, data, err := s.export(ctx, "", opts, true)
	return data, err
}

func (s *backupService) ExportEntry(ctx context.Context, id string, opts ExportOptions) ([]byte, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: empty entry id", common.ErrParameter)
	}
	_, data, err := s.export(ctx, id, opts, true)
	return data, err
}

// ExportEntryChunks exports one entry and splits the envelope into chunks of
// at most maxLen characters. Zero maxLen uses the configured default.
// Attachments are left out; they would not fit a handful of QR codes.
func (s *backupService) ExportEntryChunks(ctx context.Context, id string, opts ExportOptions, maxLen int) ([]string, error) {
	if maxLen <= 0 {
		maxLen = s.chunkLen
	}
	if id == "" {
		return nil, fmt.Errorf("%w: empty entry id", common.ErrParameter)
	}
	env, data, err := s.export(ctx, id, opts, false)
	if err != nil {
		return nil, err
	}
	return envelope.Chunk(env.EnvelopeID, data, maxLen)
}

// snapshot loads the vault row, the selected entries and, with withFiles,
// their attachments in one read transaction.
func (s *backupService) snapshot(ctx context.Context, id string, includeTombstoned, withFiles bool) (*models.Vault, []*models.Entry, []*models.Attachment, error) {
	var (
		v     *models.Vault
		all   []*models.Entry
		files []*models.Attachment
	)
	err := s.store.ReadBulk(ctx, func(ctx context.Context, r storage.Repositories) error {
		var err error
		if v, err = r.Vaults.Get(ctx); err != nil {
			return err
		}
		if id != "" {
			e, err := r.Entries.Get(ctx, id, includeTombstoned)
			if err != nil {
				return err
			}
			all = append(all, e)
		} else {
			for e, err := range r.Entries.List(ctx, models.Filter{IncludeTombstoned: includeTombstoned}) {
				if err != nil {
					return err
				}
				all = append(all, e)
			}
		}
		if !withFiles {
			return nil
		}

		for _, e := range all {
			list, err := r.Attachments.List(ctx, e.ID)
			if err != nil {
				return err
			}
			for _, meta := range list {
				a, err := r.Attachments.Get(ctx, meta.ID)
				if err != nil {
					return err
				}
				files = append(files, a)
			}
		}
		return nil
	})
	return v, all, files, err
}

func (s *backupService) export(ctx context.Context, id string, opts ExportOptions, withFiles bool) (*envelope.Envelope, []byte, error) {
	var (
		env  *envelope.Envelope
		data []byte
	)
	err := s.kr.withKey(func(u unlocked) error {
		v, all, files, err := s.snapshot(ctx, id, opts.IncludeTombstoned, withFiles)
		if err != nil {
			return err
		}

		envKey, header, err := s.envelopeKey(u, v, opts.Passphrase)
		if err != nil {
			return err
		}
		defer common.WipeByteArray(envKey)

		env = envelope.New(v.ID, header, v.Cipher, s.now())
		if opts.ExpiresIn > 0 {
			at := env.ExportedAt.Add(opts.ExpiresIn)
			env.ExpiresAt = &at
		}

		for _, e := range all {
			if err := ctx.Err(); err != nil {
				return err
			}
			sealed := e.Sealed()
			if opts.Passphrase != nil {
				if sealed, err = rewrapPayload(u, e, envKey); err != nil {
					return err
				}
			}
			env.Entries = append(env.Entries, toRecord(e, sealed))
		}

		for _, a := range files {
			wrapped := a.WrappedKey()
			if opts.Passphrase != nil {
				if wrapped, err = cryptox.RewrapFileKey(u.aead, u.key, envKey, wrapped, []byte(a.ID)); err != nil {
					return fmt.Errorf("attachment %s: %w", a.ID, err)
				}
			}
			env.Attachments = append(env.Attachments, toAttachmentRecord(a, wrapped))
		}

		if err := env.Sign(envKey); err != nil {
			return err
		}
		data, err = envelope.Marshal(env)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	err = s.store.Write(ctx, func(ctx context.Context, r storage.Repositories) error {
		return metadata.SetTime(ctx, r.Metadata, metadata.KeyLastExport, env.ExportedAt)
	})
	if err != nil {
		return nil, nil, err
	}
	s.log.Info(ctx, "backup exported", "envelope_id", env.EnvelopeID, "entries", len(env.Entries),
		"attachments", len(env.Attachments), "rewrapped", opts.Passphrase != nil)
	return env, data, nil
}

// envelopeKey returns a caller-owned copy of the key the envelope is signed
// and sealed with, and the header a reader needs to derive it.
func (s *backupService) envelopeKey(u unlocked, v *models.Vault, passphrase []byte) ([]byte, envelope.KDFHeader, error) {
	if passphrase == nil {
		return common.CloneBytes(u.key), envelope.KDFHeader{
			Params:   v.KDF,
			Salt:     v.KDFSalt,
			Verifier: v.Verifier,
		}, nil
	}
	if len(passphrase) == 0 {
		return nil, envelope.KDFHeader{}, fmt.Errorf("%w: empty export passphrase", common.ErrParameter)
	}

	salt := cryptox.NewSalt()
	key, err := s.kdf.Derive(passphrase, salt, s.params)
	if err != nil {
		return nil, envelope.KDFHeader{}, err
	}
	return key, envelope.KDFHeader{Params: s.params, Salt: salt, Verifier: cryptox.MakeVerifier(key)}, nil
}

func rewrapPayload(u unlocked, e *models.Entry, to []byte) (cryptox.Sealed, error) {
	plaintext, err := u.aead.Open(u.key, e.Sealed(), []byte(e.ID))
	if err != nil {
		return cryptox.Sealed{}, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	defer common.WipeByteArray(plaintext)
	return u.aead.Seal(to, plaintext, []byte(e.ID))
}

// Import checks, in order: structure, expiry, passphrase against the
// envelope verifier, and the integrity tag. Only then are entries opened,
// one at a time, inside a single bulk transaction; any failure or
// cancellation leaves the vault as it was.
func (s *backupService) Import(ctx context.Context, data []byte, passphrase []byte) (*ImportReport, error) {
	env, err := envelope.Parse(data)
	if err != nil {
		return nil, err
	}
	return s.importEnvelope(ctx, env, passphrase)
}

func (s *backupService) ImportChunks(ctx context.Context, chunks []string, passphrase []byte) (*ImportReport, error) {
	envelopeID, data, err := envelope.Reassemble(chunks)
	if err != nil {
		return nil, err
	}
	env, err := envelope.Parse(data)
	if err != nil {
		return nil, err
	}
	if env.EnvelopeID != envelopeID {
		return nil, fmt.Errorf("%w: chunks carry envelope %s, document says %s",
			common.ErrMalformedBackup, envelopeID, env.EnvelopeID)
	}
	return s.importEnvelope(ctx, env, passphrase)
}

func (s *backupService) importEnvelope(ctx context.Context, env *envelope.Envelope, passphrase []byte) (*ImportReport, error) {
	if env.Expired(s.now()) {
		return nil, fmt.Errorf("envelope %s: %w", env.EnvelopeID, common.ErrBackupExpired)
	}
	from, err := cryptox.NewAEAD(env.Cipher)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrMalformedBackup, err)
	}
	// Header parameters are untrusted. Their cost is bounded before any work
	// starts.
	key, err := s.kdf.DeriveContext(ctx, passphrase, env.KDF.Salt, env.KDF.Params)
	if errors.Is(err, common.ErrParameter) {
		return nil, fmt.Errorf("%w: %w", common.ErrMalformedBackup, err)
	}
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)

	if !cryptox.VerifyKey(key, env.KDF.Verifier) {
		return nil, fmt.Errorf("envelope passphrase: %w", common.ErrAuthenticationFailure)
	}
	if err := env.VerifyIntegrity(key); err != nil {
		return nil, err
	}

	report := &ImportReport{}
	err = s.kr.withKey(func(u unlocked) error {
		return s.store.WriteBulk(ctx, func(ctx context.Context, r storage.Repositories) error {
			*report = ImportReport{}
			for i := range env.Entries {
				if err := ctx.Err(); err != nil {
					return err
				}
				rec := &env.Entries[i]
				if err := s.importRecord(ctx, r, u, rec, from, key, report); err != nil {
					return err
				}
			}
			for i := range env.Attachments {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := s.importAttachment(ctx, r, u, &env.Attachments[i], from, key, report); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		s.log.Warn(ctx, "backup import rolled back", "envelope_id", env.EnvelopeID, "error", err)
		return nil, err
	}

	s.log.Info(ctx, "backup imported", "envelope_id", env.EnvelopeID,
		"applied", len(report.Applied), "skipped", len(report.Skipped), "conflicts", len(report.Conflicts),
		"attachments", len(report.Attachments))
	return report, nil
}

func (s *backupService) importRecord(ctx context.Context, r storage.Repositories, u unlocked, rec *envelope.Record, from cryptox.AEAD, key []byte, report *ImportReport) error {
	e, plaintext, err := rehome(u, rec, from, key)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(plaintext)

	outcome, err := mergeEntry(ctx, r, u, e, plaintext)
	if err != nil {
		return err
	}
	switch outcome {
	case mergeApplied:
		report.Applied = append(report.Applied, e.ID)
		return r.Sync.RecordLocal(ctx, e.ID, e.Version)
	case mergeConflict:
		report.Conflicts = append(report.Conflicts, e.ID)
	default:
		report.Skipped = append(report.Skipped, e.ID)
	}
	return nil
}

// importAttachment adds a file the vault does not have yet. The data is
// opened and sealed again under a fresh file key, since the envelope cipher
// may differ from the vault's.
func (s *backupService) importAttachment(ctx context.Context, r storage.Repositories, u unlocked, rec *envelope.Attachment, from cryptox.AEAD, key []byte, report *ImportReport) error {
	_, err := r.Attachments.Get(ctx, rec.ID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return err
	}

	data, err := cryptox.DecryptFile(from, key, rec.File(), []byte(rec.ID))
	if err != nil {
		return fmt.Errorf("attachment %s: %w", rec.ID, err)
	}
	defer common.WipeByteArray(data)
	if int64(len(data)) != rec.Size {
		return fmt.Errorf("%w: attachment %s is %d bytes, header says %d",
			common.ErrMalformedBackup, rec.ID, len(data), rec.Size)
	}

	f, err := cryptox.EncryptFile(u.aead, u.key, data, []byte(rec.ID))
	if err != nil {
		return err
	}
	a := &models.Attachment{
		ID:        rec.ID,
		EntryID:   rec.EntryID,
		Name:      rec.Name,
		MimeType:  rec.MimeType,
		Size:      rec.Size,
		CreatedAt: rec.CreatedAt,
	}
	a.SetWrappedKey(f.WrappedKey)
	a.SetSealed(f.Data)
	if err := r.Attachments.Create(ctx, a); err != nil {
		return err
	}
	report.Attachments = append(report.Attachments, a.ID)
	return nil
}
