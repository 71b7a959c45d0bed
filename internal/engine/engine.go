// Package engine is the API surface the UI and cloud collaborators call. It
// wires storage, the session and the services together and owns their
// lifetime.
package engine

import (
	"context"
	"iter"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/models"
	"github.com/dmitrijs2005/gophvault/internal/services"
	"github.com/dmitrijs2005/gophvault/internal/session"
	"github.com/dmitrijs2005/gophvault/internal/storage"
)

type Options struct {
	Storage storage.Options

	// KDFParams are used for new vaults, re-keys and re-wrapped exports.
	KDFParams cryptox.KDFParams
	// Floor rejects weaker parameters. The zero value means DefaultFloor.
	Floor  cryptox.Floor
	Cipher string

	// AutoLock locks the vault after this long without an entry operation.
	// Zero disables it.
	AutoLock time.Duration
	ChunkLen int

	Logger logging.Logger
}

type Engine struct {
	store    *storage.Store
	kr       *services.Keyring
	identity services.IdentityService
	entries  services.EntryService
	backup   services.BackupService
	sync     services.SyncService
	files    services.AttachmentService
	audit    services.AnalyticsService
	log      logging.Logger
}

// Open opens the store at opts.Storage.Path. The vault starts locked.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}
	if opts.KDFParams.Algorithm == "" {
		opts.KDFParams = cryptox.DefaultParams()
	}
	if opts.Floor == (cryptox.Floor{}) {
		opts.Floor = cryptox.DefaultFloor()
	}
	if opts.Storage.Logger == nil {
		opts.Storage.Logger = opts.Logger
	}

	kdf := cryptox.NewKDF(opts.Floor)
	if err := kdf.Validate(opts.KDFParams); err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, opts.Storage)
	if err != nil {
		return nil, err
	}

	log := opts.Logger
	sess := session.New(
		session.WithIdleTimeout(opts.AutoLock),
		session.WithOnLock(func() { log.Info(context.Background(), "vault locked") }),
	)
	kr := services.NewKeyring(sess)

	return &Engine{
		store: store,
		kr:    kr,
		identity: services.NewIdentityService(store, kr, kdf,
			services.IdentityOptions{Params: opts.KDFParams, Cipher: opts.Cipher}, log),
		entries: services.NewEntryService(store, kr, log),
		backup:  services.NewBackupService(store, kr, kdf, opts.KDFParams, opts.ChunkLen, log),
		sync:    services.NewSyncService(store, kr, log),
		files:   services.NewAttachmentService(store, kr, log),
		audit:   services.NewAnalyticsService(store, kr, log),
		log:     log,
	}, nil
}

// Close locks the vault and closes the store.
func (e *Engine) Close() error {
	e.kr.Lock()
	return e.store.Close()
}

func (e *Engine) CreateVault(ctx context.Context, passphrase []byte) (*models.IdentityCardRecord, error) {
	return e.identity.CreateVault(ctx, passphrase)
}

func (e *Engine) Unlock(ctx context.Context, passphrase []byte) error {
	return e.identity.Unlock(ctx, passphrase)
}

func (e *Engine) Lock() {
	e.identity.Lock()
}

func (e *Engine) IsUnlocked() bool {
	return e.kr.IsUnlocked()
}

func (e *Engine) ChangeMasterPassword(ctx context.Context, oldPassphrase, newPassphrase []byte) error {
	return e.identity.ChangeMasterPassword(ctx, oldPassphrase, newPassphrase)
}

func (e *Engine) IdentityRecord(ctx context.Context) (*models.IdentityCardRecord, error) {
	return e.identity.Record(ctx)
}

func (e *Engine) ListEntries(ctx context.Context, f models.Filter) iter.Seq2[*models.Entry, error] {
	return e.entries.List(ctx, f)
}

func (e *Engine) ReadEntry(ctx context.Context, id string) (*models.DecryptedEntry, error) {
	return e.entries.Get(ctx, id)
}

func (e *Engine) CreateEntry(ctx context.Context, in models.NewEntry) (*models.Entry, error) {
	return e.entries.Create(ctx, in)
}

func (e *Engine) UpdateEntry(ctx context.Context, upd models.EntryUpdate) (int64, error) {
	return e.entries.Update(ctx, upd)
}

func (e *Engine) DeleteEntry(ctx context.Context, id string, expectedVersion int64) (int64, error) {
	return e.entries.Delete(ctx, id, expectedVersion)
}

func (e *Engine) PurgeTombstones(ctx context.Context, olderThan time.Time) (int, error) {
	return e.entries.PurgeTombstones(ctx, olderThan)
}

// AttachFile encrypts data under a fresh file key and links it to an entry.
func (e *Engine) AttachFile(ctx context.Context, in models.NewAttachment) (*models.Attachment, error) {
	return e.files.Attach(ctx, in)
}

func (e *Engine) ListAttachments(ctx context.Context, entryID string) ([]models.Attachment, error) {
	return e.files.List(ctx, entryID)
}

func (e *Engine) OpenAttachment(ctx context.Context, id string) (*models.Attachment, []byte, error) {
	return e.files.Open(ctx, id)
}

func (e *Engine) DetachFile(ctx context.Context, id string) error {
	return e.files.Detach(ctx, id)
}

func (e *Engine) SecurityReport(ctx context.Context) (*services.SecurityReport, error) {
	return e.audit.SecurityReport(ctx)
}

func (e *Engine) ExportVault(ctx context.Context, opts services.ExportOptions) ([]byte, error) {
	return e.backup.ExportVault(ctx, opts)
}

func (e *Engine) ExportEntry(ctx context.Context, id string, opts services.ExportOptions) ([]byte, error) {
	return e.backup.ExportEntry(ctx, id, opts)
}

func (e *Engine) ExportEntryChunks(ctx context.Context, id string, opts services.ExportOptions, maxLen int) ([]string, error) {
	return e.backup.ExportEntryChunks(ctx, id, opts, maxLen)
}

func (e *Engine) ImportBackup(ctx context.Context, data, passphrase []byte) (*services.ImportReport, error) {
	return e.backup.Import(ctx, data, passphrase)
}

func (e *Engine) ImportChunks(ctx context.Context, chunks []string, passphrase []byte) (*services.ImportReport, error) {
	return e.backup.ImportChunks(ctx, chunks, passphrase)
}

func (e *Engine) GetSyncPlan(ctx context.Context) ([]models.SyncAction, error) {
	return e.sync.PlanReconciliation(ctx)
}

func (e *Engine) RecordLocalChange(ctx context.Context, entryID string, version int64) error {
	return e.sync.RecordLocalChange(ctx, entryID, version)
}

func (e *Engine) RecordRemoteSnapshot(ctx context.Context, entryID string, version int64, remoteID string) error {
	return e.sync.RecordRemoteSnapshot(ctx, entryID, version, remoteID)
}

func (e *Engine) RefreshRemote(ctx context.Context, lister services.RemoteLister) (int, error) {
	return e.sync.RefreshRemote(ctx, lister)
}

func (e *Engine) LastRemoteRefresh(ctx context.Context) (time.Time, error) {
	return e.sync.LastRefresh(ctx)
}

func (e *Engine) PrepareUpload(ctx context.Context, entryID string) ([]byte, int64, error) {
	return e.sync.PrepareUpload(ctx, entryID)
}

func (e *Engine) ApplyDownload(ctx context.Context, payload []byte, remoteID string) (models.SyncActionKind, error) {
	return e.sync.ApplyDownload(ctx, payload, remoteID)
}

func (e *Engine) MarkSynced(ctx context.Context, entryID string, version int64, remoteID string) error {
	return e.sync.MarkSynced(ctx, entryID, version, remoteID)
}

func (e *Engine) ResolveConflict(ctx context.Context, entryID string, keep services.Resolution, remotePayload []byte) error {
	return e.sync.ResolveConflict(ctx, entryID, keep, remotePayload)
}
