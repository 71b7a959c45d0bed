package entries

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/models"
)

const entryColumns = `id, vault_id, title, username, category, ciphertext, nonce, tag, version, created_at, updated_at, tombstoned`

// now is a test seam for the clock.
var now = time.Now

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*models.Entry, error) {
	var (
		e                models.Entry
		category         string
		created, updated int64
	)
	if err := row.Scan(&e.ID, &e.VaultID, &e.Title, &e.Username, &category, &e.Ciphertext, &e.Nonce, &e.Tag,
		&e.Version, &created, &updated, &e.Tombstoned); err != nil {
		return nil, err
	}
	e.Category = models.Category(category)
	e.CreatedAt = dbx.FromMillis(created)
	e.UpdatedAt = dbx.FromMillis(updated)
	return &e, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, e *models.Entry) error {
	t := now().UTC()
	e.Version = 1
	e.CreatedAt = t
	e.UpdatedAt = t
	e.Tombstoned = false
	return r.Insert(ctx, e)
}

func (r *SQLiteRepository) Insert(ctx context.Context, e *models.Entry) error {
	query := `INSERT INTO entry (` + entryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		e.ID, e.VaultID, e.Title, e.Username, string(e.Category), e.Ciphertext, e.Nonce, e.Tag,
		e.Version, dbx.Millis(e.CreatedAt), dbx.Millis(e.UpdatedAt), e.Tombstoned)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: entry.id") {
			return fmt.Errorf("entry %s: %w", e.ID, common.ErrorAlreadyExists)
		}
		return dbx.IOError("failed to insert entry", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string, includeTombstoned bool) (*models.Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM entry WHERE id = ?`
	if !includeTombstoned {
		query += ` AND tombstoned = 0`
	}

	e, err := scanEntry(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s: %w", id, common.ErrorNotFound)
	}
	if err != nil {
		return nil, dbx.IOError("failed to get entry", err)
	}
	return e, nil
}

// missOrConflict explains why a conditional write touched no rows.
func (r *SQLiteRepository) missOrConflict(ctx context.Context, id string, expectedVersion int64, live bool) error {
	query := `SELECT version, tombstoned FROM entry WHERE id = ?`
	var (
		version    int64
		tombstoned bool
	)
	err := r.db.QueryRowContext(ctx, query, id).Scan(&version, &tombstoned)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && live && tombstoned) {
		return fmt.Errorf("entry %s: %w", id, common.ErrorNotFound)
	}
	if err != nil {
		return dbx.IOError("failed to check entry version", err)
	}
	return fmt.Errorf("entry %s at version %d, expected %d: %w", id, version, expectedVersion, common.ErrVersionConflict)
}

func (r *SQLiteRepository) exactlyOne(ctx context.Context, res sql.Result, id string, expectedVersion int64, live bool) error {
	ra, err := res.RowsAffected()
	if err != nil {
		return dbx.IOError("failed to get rows affected", err)
	}
	if ra != 1 {
		return r.missOrConflict(ctx, id, expectedVersion, live)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, e *models.Entry, expectedVersion int64) (int64, error) {
	t := now().UTC()
	query := `UPDATE entry SET title = ?, username = ?, category = ?, ciphertext = ?, nonce = ?, tag = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND tombstoned = 0`
	res, err := r.db.ExecContext(ctx, query,
		e.Title, e.Username, string(e.Category), e.Ciphertext, e.Nonce, e.Tag, dbx.Millis(t),
		e.ID, expectedVersion)
	if err != nil {
		return 0, dbx.IOError("failed to update entry", err)
	}
	if err := r.exactlyOne(ctx, res, e.ID, expectedVersion, true); err != nil {
		return 0, err
	}
	e.Version = expectedVersion + 1
	e.UpdatedAt = t
	return e.Version, nil
}

func (r *SQLiteRepository) Overwrite(ctx context.Context, e *models.Entry, expectedVersion int64) error {
	query := `UPDATE entry SET title = ?, username = ?, category = ?, ciphertext = ?, nonce = ?, tag = ?,
			version = ?, created_at = ?, updated_at = ?, tombstoned = ?
		WHERE id = ? AND version = ?`
	res, err := r.db.ExecContext(ctx, query,
		e.Title, e.Username, string(e.Category), e.Ciphertext, e.Nonce, e.Tag,
		e.Version, dbx.Millis(e.CreatedAt), dbx.Millis(e.UpdatedAt), e.Tombstoned,
		e.ID, expectedVersion)
	if err != nil {
		return dbx.IOError("failed to overwrite entry", err)
	}
	return r.exactlyOne(ctx, res, e.ID, expectedVersion, false)
}

func (r *SQLiteRepository) Rewrap(ctx context.Context, id string, expectedVersion int64, s cryptox.Sealed) (int64, error) {
	query := `UPDATE entry SET ciphertext = ?, nonce = ?, tag = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`
	res, err := r.db.ExecContext(ctx, query, s.Ciphertext, s.Nonce, s.Tag, dbx.Millis(now()), id, expectedVersion)
	if err != nil {
		return 0, dbx.IOError("failed to rewrap entry", err)
	}
	if err := r.exactlyOne(ctx, res, id, expectedVersion, false); err != nil {
		return 0, err
	}
	return expectedVersion + 1, nil
}

// Tombstone marks an entry as deleted (soft delete). It expects exactly one row to be affected.
func (r *SQLiteRepository) Tombstone(ctx context.Context, id string, expectedVersion int64) (int64, error) {
	query := `UPDATE entry SET tombstoned = 1, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ? AND tombstoned = 0`
	res, err := r.db.ExecContext(ctx, query, dbx.Millis(now()), id, expectedVersion)
	if err != nil {
		return 0, dbx.IOError("failed to tombstone entry", err)
	}
	if err := r.exactlyOne(ctx, res, id, expectedVersion, true); err != nil {
		return 0, err
	}
	return expectedVersion + 1, nil
}

func (r *SQLiteRepository) PurgeTombstones(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM entry WHERE tombstoned = 1 AND updated_at < ?`, dbx.Millis(olderThan))
	if err != nil {
		return nil, dbx.IOError("failed to select tombstones", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, dbx.IOError("failed to scan tombstone", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, dbx.IOError("failed to iterate tombstones", err)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := r.db.ExecContext(ctx, `DELETE FROM entry WHERE id = ? AND tombstoned = 1`, id); err != nil {
			return nil, dbx.IOError("failed to purge tombstone", err)
		}
	}
	return ids, nil
}

func buildListQuery(f models.Filter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if !f.IncludeTombstoned {
		where = append(where, `tombstoned = 0`)
	}
	if f.Category != "" {
		where = append(where, `category = ?`)
		args = append(args, string(f.Category))
	}
	if f.TitleContains != "" {
		where = append(where, `instr(lower(title), lower(?)) > 0`)
		args = append(args, f.TitleContains)
	}
	if !f.UpdatedSince.IsZero() {
		where = append(where, `updated_at >= ?`)
		args = append(args, dbx.Millis(f.UpdatedSince))
	}

	query := `SELECT ` + entryColumns + ` FROM entry`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, ` AND `)
	}
	query += ` ORDER BY title COLLATE NOCASE, id`
	return query, args
}

func (r *SQLiteRepository) List(ctx context.Context, f models.Filter) iter.Seq2[*models.Entry, error] {
	query, args := buildListQuery(f)

	return func(yield func(*models.Entry, error) bool) {
		rows, err := r.db.QueryContext(ctx, query, args...)
		if err != nil {
			yield(nil, dbx.IOError("failed to select entries", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				yield(nil, dbx.IOError("failed to scan entry", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, dbx.IOError("failed to iterate entries", err))
		}
	}
}
