package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/models"
	"github.com/dmitrijs2005/gophvault/internal/repositories/vaults"
	"github.com/dmitrijs2005/gophvault/internal/storage"
	"github.com/google/uuid"
)

// IdentityService manages the unlock material of the vault.
//
// Contract:
//   - CreateVault: create the single vault of the profile and unlock it.
//   - Unlock: check the passphrase and hold the key in the session.
//   - Lock: zero the session key; idempotent.
//   - ChangeMasterPassword: re-encrypt every entry under a key derived from
//     the new passphrase, all or nothing.
//   - Record: return the active KDF parameters and re-key epoch.
type IdentityService interface {
	CreateVault(ctx context.Context, passphrase []byte) (*models.IdentityCardRecord, error)
	Unlock(ctx context.Context, passphrase []byte) error
	Lock()
	ChangeMasterPassword(ctx context.Context, oldPassphrase, newPassphrase []byte) error
	Record(ctx context.Context) (*models.IdentityCardRecord, error)
}

// IdentityOptions choose the algorithms for new vaults and re-keys.
type IdentityOptions struct {
	Params cryptox.KDFParams
	Cipher string
}

type identityService struct {
	store *storage.Store
	kr    *Keyring
	kdf   *cryptox.KDF
	opts  IdentityOptions
	log   logging.Logger
	now   func() time.Time
}

func NewIdentityService(store *storage.Store, kr *Keyring, kdf *cryptox.KDF, opts IdentityOptions, log logging.Logger) IdentityService {
	if opts.Params.Algorithm == "" {
		opts.Params = cryptox.DefaultParams()
	}
	if opts.Cipher == "" {
		opts.Cipher = cryptox.AlgAES256GCM
	}
	return &identityService{store: store, kr: kr, kdf: kdf, opts: opts, log: log, now: time.Now}
}

func (s *identityService) getVault(ctx context.Context) (*models.Vault, error) {
	var v *models.Vault
	err := s.store.Read(ctx, func(ctx context.Context, r storage.Repositories) error {
		var err error
		v, err = r.Vaults.Get(ctx)
		return err
	})
	return v, err
}

func (s *identityService) CreateVault(ctx context.Context, passphrase []byte) (*models.IdentityCardRecord, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("%w: empty passphrase", common.ErrParameter)
	}
	aead, err := cryptox.NewAEAD(s.opts.Cipher)
	if err != nil {
		return nil, err
	}

	_, err = s.getVault(ctx)
	if err == nil {
		return nil, fmt.Errorf("vault: %w", common.ErrorAlreadyExists)
	}
	if !errors.Is(err, common.ErrorNotFound) {
		return nil, err
	}

	salt := cryptox.NewSalt()
	key, err := s.kdf.Derive(passphrase, salt, s.opts.Params)
	if err != nil {
		return nil, err
	}

	t := s.now().UTC()
	v := &models.Vault{
		ID:            uuid.NewString(),
		KDF:           s.opts.Params,
		KDFSalt:       salt,
		Verifier:      cryptox.MakeVerifier(key),
		Cipher:        aead.Algorithm(),
		SchemaVersion: models.SchemaVersion,
		CreatedAt:     t,
		UpdatedAt:     t,
	}
	err = s.store.Write(ctx, func(ctx context.Context, r storage.Repositories) error {
		return r.Vaults.Create(ctx, v)
	})
	if err != nil {
		common.WipeByteArray(key)
		return nil, err
	}

	s.kr.open(v.ID, aead, key)
	s.log.Info(ctx, "vault created", "vault_id", v.ID, "kdf", v.KDF.Algorithm, "cipher", v.Cipher)

	rec := v.IdentityCard()
	return &rec, nil
}

// Unlock answers common.ErrInvalidCredentials both for a wrong passphrase and
// for a profile without a vault. In the second case it still runs a full
// derivation so the two cannot be told apart by timing.
func (s *identityService) Unlock(ctx context.Context, passphrase []byte) error {
	v, err := s.getVault(ctx)
	if errors.Is(err, common.ErrorNotFound) {
		if key, derr := s.kdf.Derive(passphrase, cryptox.NewSalt(), s.opts.Params); derr == nil {
			common.WipeByteArray(key)
		}
		s.log.Warn(ctx, "unlock failed")
		return common.ErrInvalidCredentials
	}
	if err != nil {
		return err
	}

	aead, err := cryptox.NewAEAD(v.Cipher)
	if err != nil {
		return err
	}
	key, err := s.kdf.Derive(passphrase, v.KDFSalt, v.KDF)
	if err != nil {
		return err
	}
	if !cryptox.VerifyKey(key, v.Verifier) {
		common.WipeByteArray(key)
		s.log.Warn(ctx, "unlock failed")
		return common.ErrInvalidCredentials
	}

	s.kr.open(v.ID, aead, key)
	s.log.Info(ctx, "vault unlocked", "vault_id", v.ID)
	return nil
}

func (s *identityService) Lock() {
	s.kr.Lock()
}

func (s *identityService) Record(ctx context.Context) (*models.IdentityCardRecord, error) {
	v, err := s.getVault(ctx)
	if err != nil {
		return nil, err
	}
	rec := v.IdentityCard()
	return &rec, nil
}

// ChangeMasterPassword holds the re-key lock for its whole duration, so entry
// writes queue behind it. Entries, tombstones included, and attachment keys
// are rewrapped in one bulk transaction together with the new key material. Any failure after the
// old passphrase is verified rolls everything back and is reported as
// common.ErrReKeyFailure.
func (s *identityService) ChangeMasterPassword(ctx context.Context, oldPassphrase, newPassphrase []byte) error {
	if len(newPassphrase) == 0 {
		return fmt.Errorf("%w: empty passphrase", common.ErrParameter)
	}

	return s.kr.exclusive(func() error {
		v, err := s.getVault(ctx)
		if errors.Is(err, common.ErrorNotFound) {
			return common.ErrInvalidCredentials
		}
		if err != nil {
			return err
		}

		oldKey, err := s.kdf.Derive(oldPassphrase, v.KDFSalt, v.KDF)
		if err != nil {
			return err
		}
		defer common.WipeByteArray(oldKey)
		if !cryptox.VerifyKey(oldKey, v.Verifier) {
			s.log.Warn(ctx, "master password change refused", "vault_id", v.ID)
			return common.ErrInvalidCredentials
		}

		plan, err := s.kdf.RotateParameters(v.KDF, s.opts.Params)
		if err != nil {
			return fmt.Errorf("%w: %w", common.ErrReKeyFailure, err)
		}
		newKey, err := s.kdf.Derive(newPassphrase, plan.NewSalt, plan.To)
		if err != nil {
			return fmt.Errorf("%w: %w", common.ErrReKeyFailure, err)
		}

		n, err := s.rewrap(ctx, v, oldKey, newKey, plan)
		if err != nil {
			common.WipeByteArray(newKey)
			s.log.Warn(ctx, "re-key rolled back", "vault_id", v.ID, "error", err)
			return fmt.Errorf("%w: %w", common.ErrReKeyFailure, err)
		}

		s.kr.swapLocked(v.ID, newKey)
		s.log.Info(ctx, "re-key committed", "vault_id", v.ID, "entries", n, "kdf", plan.To.Algorithm)
		return nil
	})
}

func (s *identityService) rewrap(ctx context.Context, v *models.Vault, oldKey, newKey []byte, plan cryptox.MigrationPlan) (int, error) {
	aead, err := cryptox.NewAEAD(v.Cipher)
	if err != nil {
		return 0, err
	}

	var n int
	err = s.store.WriteBulk(ctx, func(ctx context.Context, r storage.Repositories) error {
		var all []*models.Entry
		for e, err := range r.Entries.List(ctx, models.Filter{IncludeTombstoned: true}) {
			if err != nil {
				return err
			}
			all = append(all, e)
		}

		for _, e := range all {
			if err := ctx.Err(); err != nil {
				return err
			}
			plaintext, err := aead.Open(oldKey, e.Sealed(), []byte(e.ID))
			if err != nil {
				return fmt.Errorf("entry %s: %w", e.ID, err)
			}
			sealed, err := aead.Seal(newKey, plaintext, []byte(e.ID))
			common.WipeByteArray(plaintext)
			if err != nil {
				return err
			}
			version, err := r.Entries.Rewrap(ctx, e.ID, e.Version, sealed)
			if err != nil {
				return err
			}
			if err := r.Sync.RecordLocal(ctx, e.ID, version); err != nil {
				return err
			}
			n++
		}

		// file data stays sealed under its own key; only the key moves
		files, err := r.Attachments.List(ctx, "")
		if err != nil {
			return err
		}
		for _, a := range files {
			wrapped, err := cryptox.RewrapFileKey(aead, oldKey, newKey, a.WrappedKey(), []byte(a.ID))
			if err != nil {
				return fmt.Errorf("attachment %s: %w", a.ID, err)
			}
			if err := r.Attachments.RewrapKey(ctx, a.ID, wrapped); err != nil {
				return err
			}
		}

		_, err = r.Vaults.ReplaceKeyMaterial(ctx, v.ID, v.ReKeyEpoch, vaults.KeyMaterial{
			KDF:      plan.To,
			KDFSalt:  plan.NewSalt,
			Verifier: cryptox.MakeVerifier(newKey),
		})
		return err
	})
	return n, err
}
