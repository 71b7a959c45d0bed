package vaults

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/models"
)

// SQLiteRepository implements Repository using a DBTX (either *sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

// NewSQLiteRepository returns a new SQLiteRepository bound to the given DBTX.
func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

func (r *SQLiteRepository) Create(ctx context.Context, v *models.Vault) error {
	params, err := json.Marshal(v.KDF)
	if err != nil {
		return fmt.Errorf("failed to encode kdf params: %w", err)
	}

	query := `INSERT INTO vault (id, kdf_salt, kdf_params, verifier, cipher, rekey_epoch, schema_version, created_at, updated_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM vault)`
	res, err := r.db.ExecContext(ctx, query,
		v.ID, v.KDFSalt, string(params), v.Verifier, v.Cipher, v.ReKeyEpoch, v.SchemaVersion,
		dbx.Millis(v.CreatedAt), dbx.Millis(v.UpdatedAt))
	if err != nil {
		return dbx.IOError("failed to insert vault", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return dbx.IOError("failed to get rows affected", err)
	}
	if ra == 0 {
		return fmt.Errorf("vault: %w", common.ErrorAlreadyExists)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context) (*models.Vault, error) {
	query := `SELECT id, kdf_salt, kdf_params, verifier, cipher, rekey_epoch, schema_version, created_at, updated_at
		FROM vault LIMIT 1`

	var (
		v                models.Vault
		params           string
		created, updated int64
	)
	err := r.db.QueryRowContext(ctx, query).Scan(&v.ID, &v.KDFSalt, &params, &v.Verifier, &v.Cipher,
		&v.ReKeyEpoch, &v.SchemaVersion, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vault: %w", common.ErrorNotFound)
	}
	if err != nil {
		return nil, dbx.IOError("failed to get vault", err)
	}
	if err := json.Unmarshal([]byte(params), &v.KDF); err != nil {
		return nil, fmt.Errorf("failed to decode kdf params: %w", err)
	}
	v.CreatedAt = dbx.FromMillis(created)
	v.UpdatedAt = dbx.FromMillis(updated)
	return &v, nil
}

func (r *SQLiteRepository) ReplaceKeyMaterial(ctx context.Context, id string, expectedEpoch int64, km KeyMaterial) (int64, error) {
	params, err := json.Marshal(km.KDF)
	if err != nil {
		return 0, fmt.Errorf("failed to encode kdf params: %w", err)
	}

	query := `UPDATE vault SET kdf_salt = ?, kdf_params = ?, verifier = ?, rekey_epoch = rekey_epoch + 1, updated_at = ?
		WHERE id = ? AND rekey_epoch = ?`
	res, err := r.db.ExecContext(ctx, query, km.KDFSalt, string(params), km.Verifier,
		dbx.Millis(time.Now()), id, expectedEpoch)
	if err != nil {
		return 0, dbx.IOError("failed to update vault key material", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return 0, dbx.IOError("failed to get rows affected", err)
	}
	if ra != 1 {
		return 0, fmt.Errorf("vault epoch %d: %w", expectedEpoch, common.ErrVersionConflict)
	}
	return expectedEpoch + 1, nil
}
