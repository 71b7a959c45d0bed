// Package storage is the SecretStore: it owns the SQLite handle, applies
// migrations, and runs repository work under the single-writer discipline.
//
// Reads go straight to the connection pool. Writes pass through one gate and
// one transaction at a time. Every call carries a timeout; running out of time
// surfaces as common.ErrStorageIO and is never retried here.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/filex"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/migrations"
	"github.com/dmitrijs2005/gophvault/internal/models"
	"github.com/dmitrijs2005/gophvault/internal/repositories/attachments"
	"github.com/dmitrijs2005/gophvault/internal/repositories/entries"
	"github.com/dmitrijs2005/gophvault/internal/repositories/metadata"
	"github.com/dmitrijs2005/gophvault/internal/repositories/syncstate"
	"github.com/dmitrijs2005/gophvault/internal/repositories/vaults"
	"github.com/pressly/goose/v3"

	_ "modernc.org/sqlite"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Options configure Open.
type Options struct {
	Path        string
	OpTimeout   time.Duration
	BulkTimeout time.Duration
	BusyTimeout time.Duration
	Logger      logging.Logger
}

func (o *Options) applyDefaults() {
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.BulkTimeout <= 0 {
		o.BulkTimeout = 2 * time.Minute
	}
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = logging.NewNopLogger()
	}
}

// Repositories bundles the repositories bound to one DBTX.
type Repositories struct {
	Vaults      vaults.Repository
	Entries     entries.Repository
	Attachments attachments.Repository
	Sync        syncstate.Repository
	Metadata    metadata.Repository
}

func NewRepositories(db dbx.DBTX) Repositories {
	return Repositories{
		Vaults:      vaults.NewSQLiteRepository(db),
		Entries:     entries.NewSQLiteRepository(db),
		Attachments: attachments.NewSQLiteRepository(db),
		Sync:        syncstate.NewSQLiteRepository(db),
		Metadata:    metadata.NewSQLiteRepository(db),
	}
}

// Store is an open SecretStore.
type Store struct {
	db          *sql.DB
	gate        *dbx.Gate
	opTimeout   time.Duration
	bulkTimeout time.Duration
	log         logging.Logger
}

var (
	openDB = sql.Open

	// runMigrations is a test seam for the goose provider.
	runMigrations = func(ctx context.Context, db *sql.DB) (int, error) {
		p, err := goose.NewProvider(goose.DialectSQLite3, db, migrations.FS())
		if err != nil {
			return 0, err
		}
		res, err := p.Up(ctx)
		return len(res), err
	}
)

func dsn(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	if path == MemoryPath {
		return "file::memory:?" + q.Encode()
	}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

// Open opens (creating if needed) the database at opts.Path and brings its
// schema up to date. The handle is closed again on every error path.
func Open(ctx context.Context, opts Options) (_ *Store, err error) {
	opts.applyDefaults()

	if opts.Path != MemoryPath {
		if err := filex.EnsureParentDir(opts.Path); err != nil {
			return nil, dbx.IOError("open database", err)
		}
	}

	db, err := openDB("sqlite", dsn(opts.Path, opts.BusyTimeout))
	if err != nil {
		return nil, dbx.IOError("open database", err)
	}
	defer func() {
		if err != nil {
			_ = db.Close()
		}
	}()

	if opts.Path == MemoryPath {
		// every new connection would see a fresh empty database
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
		db.SetConnMaxIdleTime(0)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.BulkTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, dbx.IOError("ping database", err)
	}

	n, err := runMigrations(ctx, db)
	if err != nil {
		return nil, dbx.IOError("run migrations", err)
	}
	opts.Logger.Debug(ctx, "database ready", "path", opts.Path, "migrations_applied", n)

	return &Store{
		db:          db,
		gate:        dbx.NewGate(),
		opTimeout:   opts.OpTimeout,
		bulkTimeout: opts.BulkTimeout,
		log:         opts.Logger,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// classify maps a failed call to the error taxonomy. Domain errors pass
// through; anything caused by our own deadline becomes ErrStorageIO.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, common.ErrStorageIO) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, common.ErrStorageIO, err)
	}
	return err
}

// Read runs fn against the pool without the write gate.
func (s *Store) Read(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	return classify(ctx, "read", fn(ctx, NewRepositories(s.db)))
}

// ReadBulk runs fn inside one transaction so it sees a consistent snapshot.
// It uses the bulk timeout and does not take the write gate.
func (s *Store) ReadBulk(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.bulkTimeout)
	defer cancel()
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, NewRepositories(tx))
	})
	return classify(ctx, "bulk read", err)
}

// Write runs fn in a transaction under the write gate with the per-operation
// timeout. fn's changes commit only if it returns nil.
func (s *Store) Write(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error {
	return s.write(ctx, s.opTimeout, "write", fn)
}

// WriteBulk is Write with the bulk timeout, for re-key and import.
func (s *Store) WriteBulk(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error {
	return s.write(ctx, s.bulkTimeout, "bulk write", fn)
}

func (s *Store) write(ctx context.Context, timeout time.Duration, op string, fn func(ctx context.Context, r Repositories) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		return fn(ctx, NewRepositories(tx))
	})
	if err != nil {
		s.log.Debug(ctx, "write rolled back", "op", op, "error", err)
	}
	return classify(ctx, op, err)
}

// CreateEntry inserts e at version 1 and records the local change for sync.
func (s *Store) CreateEntry(ctx context.Context, e *models.Entry) (string, error) {
	err := s.Write(ctx, func(ctx context.Context, r Repositories) error {
		if err := r.Entries.Create(ctx, e); err != nil {
			return err
		}
		return r.Sync.RecordLocal(ctx, e.ID, e.Version)
	})
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// GetEntry returns a live entry or common.ErrorNotFound.
func (s *Store) GetEntry(ctx context.Context, id string) (*models.Entry, error) {
	var e *models.Entry
	err := s.Read(ctx, func(ctx context.Context, r Repositories) error {
		var err error
		e, err = r.Entries.Get(ctx, id, false)
		return err
	})
	return e, err
}

// UpdateEntry writes e if the stored version still equals expectedVersion.
// On a mismatch nothing changes and common.ErrVersionConflict is returned.
func (s *Store) UpdateEntry(ctx context.Context, e *models.Entry, expectedVersion int64) (int64, error) {
	var v int64
	err := s.Write(ctx, func(ctx context.Context, r Repositories) error {
		var err error
		if v, err = r.Entries.Update(ctx, e, expectedVersion); err != nil {
			return err
		}
		return r.Sync.RecordLocal(ctx, e.ID, v)
	})
	return v, err
}

// Tombstone soft-deletes a live entry at expectedVersion.
func (s *Store) Tombstone(ctx context.Context, id string, expectedVersion int64) (int64, error) {
	var v int64
	err := s.Write(ctx, func(ctx context.Context, r Repositories) error {
		var err error
		if v, err = r.Entries.Tombstone(ctx, id, expectedVersion); err != nil {
			return err
		}
		return r.Sync.RecordLocal(ctx, id, v)
	})
	return v, err
}

// PurgeTombstones deletes tombstones older than olderThan, returning how many
// entries went away. Their sync rows stay behind as purge watermarks so a
// later refresh does not bring the same tombstone back down.
func (s *Store) PurgeTombstones(ctx context.Context, olderThan time.Time) (int, error) {
	var n int
	err := s.Write(ctx, func(ctx context.Context, r Repositories) error {
		ids, err := r.Entries.PurgeTombstones(ctx, olderThan)
		if err != nil {
			return err
		}
		n = len(ids)
		return r.Sync.MarkPurged(ctx, ids...)
	})
	return n, err
}

// ListEntries returns a lazy sequence over the entries matching f. Each range
// over the sequence runs a fresh query bounded by the operation timeout.
func (s *Store) ListEntries(ctx context.Context, f models.Filter) iter.Seq2[*models.Entry, error] {
	return func(yield func(*models.Entry, error) bool) {
		ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
		defer cancel()

		for e, err := range entries.NewSQLiteRepository(s.db).List(ctx, f) {
			if !yield(e, classify(ctx, "list entries", err)) {
				return
			}
		}
	}
}
