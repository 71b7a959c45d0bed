package services

import (
	"context"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/models"
	"github.com/dmitrijs2005/gophvault/internal/session"
	"github.com/dmitrijs2005/gophvault/internal/storage"
	"github.com/stretchr/testify/require"
)

func cheapParams() cryptox.KDFParams {
	return cryptox.KDFParams{Algorithm: cryptox.AlgArgon2id, Iterations: 1, MemoryKiB: 64, Parallelism: 1, KeyLen: cryptox.KeyLen}
}

func cheapKDF() *cryptox.KDF {
	return cryptox.NewKDF(cryptox.Floor{
		Argon2MinIterations:  1,
		Argon2MinMemoryKiB:   8,
		Argon2MinParallelism: 1,
		PBKDF2MinIterations:  1,
		MinSaltLen:           16,
	})
}

type fixture struct {
	store    *storage.Store
	kr       *Keyring
	identity IdentityService
	entries  EntryService
	backup   BackupService
	sync     SyncService
	files    AttachmentService
	audit    AnalyticsService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Options{
		Path:        storage.MemoryPath,
		OpTimeout:   2 * time.Second,
		BulkTimeout: 10 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	log := logging.NewNopLogger()
	kdf := cheapKDF()
	kr := NewKeyring(session.New())
	return &fixture{
		store:    store,
		kr:       kr,
		identity: NewIdentityService(store, kr, kdf, IdentityOptions{Params: cheapParams(), Cipher: cryptox.AlgAES256GCM}, log),
		entries:  NewEntryService(store, kr, log),
		backup:   NewBackupService(store, kr, kdf, cheapParams(), 0, log),
		sync:     NewSyncService(store, kr, log),
		files:    NewAttachmentService(store, kr, log),
		audit:    NewAnalyticsService(store, kr, log),
	}
}

// newVault returns a fixture holding an unlocked vault.
func newVault(t *testing.T, passphrase string) *fixture {
	t.Helper()
	f := newFixture(t)
	_, err := f.identity.CreateVault(context.Background(), []byte(passphrase))
	require.NoError(t, err)
	return f
}

func (f *fixture) add(t *testing.T, title, username, password string) *models.Entry {
	t.Helper()
	e, err := f.entries.Create(context.Background(), models.NewEntry{
		Title:    title,
		Username: username,
		Category: models.CategoryLogin,
		Secret:   models.Secret{Password: password},
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) syncState(t *testing.T, id string) *models.SyncState {
	t.Helper()
	var st *models.SyncState
	require.NoError(t, f.store.Read(context.Background(), func(ctx context.Context, r storage.Repositories) error {
		var err error
		st, err = r.Sync.Get(ctx, id)
		return err
	}))
	return st
}

func (f *fixture) rawEntry(t *testing.T, id string) *models.Entry {
	t.Helper()
	var e *models.Entry
	require.NoError(t, f.store.Read(context.Background(), func(ctx context.Context, r storage.Repositories) error {
		var err error
		e, err = r.Entries.Get(ctx, id, true)
		return err
	}))
	return e
}

// corrupt flips one ciphertext bit of a stored entry without touching its
// version.
func (f *fixture) corrupt(t *testing.T, id string) {
	t.Helper()
	e := f.rawEntry(t, id)
	e.Ciphertext[0] ^= 1
	require.NoError(t, f.store.Write(context.Background(), func(ctx context.Context, r storage.Repositories) error {
		return r.Entries.Overwrite(ctx, e, e.Version)
	}))
}

// sessionKey returns a copy of the unlocked key.
func (f *fixture) sessionKey(t *testing.T) []byte {
	t.Helper()
	var key []byte
	require.NoError(t, f.kr.sess.WithKey(func(k []byte) error {
		key = append([]byte(nil), k...)
		return nil
	}))
	return key
}
