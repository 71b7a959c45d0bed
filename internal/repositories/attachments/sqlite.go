package attachments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/models"
)

const metaColumns = `id, entry_id, name, mime_type, size, key_ciphertext, key_nonce, key_tag, created_at`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMeta(row scanner, extra ...any) (*models.Attachment, error) {
	var (
		a       models.Attachment
		created int64
	)
	dest := append([]any{&a.ID, &a.EntryID, &a.Name, &a.MimeType, &a.Size,
		&a.KeyCiphertext, &a.KeyNonce, &a.KeyTag, &created}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	a.CreatedAt = dbx.FromMillis(created)
	return &a, nil
}

func (r *SQLiteRepository) Create(ctx context.Context, a *models.Attachment) error {
	query := `INSERT INTO attachment (` + metaColumns + `, ciphertext, nonce, tag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		a.ID, a.EntryID, a.Name, a.MimeType, a.Size, a.KeyCiphertext, a.KeyNonce, a.KeyTag,
		dbx.Millis(a.CreatedAt), a.Ciphertext, a.Nonce, a.Tag)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: attachment.id") {
			return fmt.Errorf("attachment %s: %w", a.ID, common.ErrorAlreadyExists)
		}
		return dbx.IOError("failed to insert attachment", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.Attachment, error) {
	var ciphertext, nonce, tag []byte
	query := `SELECT ` + metaColumns + `, ciphertext, nonce, tag FROM attachment WHERE id = ?`
	a, err := scanMeta(r.db.QueryRowContext(ctx, query, id), &ciphertext, &nonce, &tag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("attachment %s: %w", id, common.ErrorNotFound)
	}
	if err != nil {
		return nil, dbx.IOError("failed to get attachment", err)
	}
	a.SetSealed(cryptox.Sealed{Nonce: nonce, Ciphertext: ciphertext, Tag: tag})
	return a, nil
}

func (r *SQLiteRepository) List(ctx context.Context, entryID string) ([]models.Attachment, error) {
	query := `SELECT ` + metaColumns + ` FROM attachment`
	var args []any
	if entryID != "" {
		query += ` WHERE entry_id = ?`
		args = append(args, entryID)
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbx.IOError("failed to list attachments", err)
	}
	defer rows.Close()

	var result []models.Attachment
	for rows.Next() {
		a, err := scanMeta(rows)
		if err != nil {
			return nil, dbx.IOError("failed to scan attachment", err)
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, dbx.IOError("failed to iterate attachments", err)
	}
	return result, nil
}

func (r *SQLiteRepository) exactlyOne(res sql.Result, id string) error {
	ra, err := res.RowsAffected()
	if err != nil {
		return dbx.IOError("failed to get rows affected", err)
	}
	if ra != 1 {
		return fmt.Errorf("attachment %s: %w", id, common.ErrorNotFound)
	}
	return nil
}

func (r *SQLiteRepository) RewrapKey(ctx context.Context, id string, key cryptox.Sealed) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE attachment SET key_ciphertext = ?, key_nonce = ?, key_tag = ? WHERE id = ?`,
		key.Ciphertext, key.Nonce, key.Tag, id)
	if err != nil {
		return dbx.IOError("failed to rewrap attachment key", err)
	}
	return r.exactlyOne(res, id)
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM attachment WHERE id = ?`, id)
	if err != nil {
		return dbx.IOError("failed to delete attachment", err)
	}
	return r.exactlyOne(res, id)
}
