package syncstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/dbx"
	"github.com/dmitrijs2005/gophvault/internal/models"
)

const columns = `entry_id, local_version, remote_version, base_version, remote_id, conflict_flag, purged_version`

type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanState(row scanner) (models.SyncState, error) {
	var s models.SyncState
	err := row.Scan(&s.EntryID, &s.LocalVersion, &s.RemoteVersion, &s.BaseVersion, &s.RemoteID, &s.Conflict, &s.PurgedVersion)
	return s, err
}

func (r *SQLiteRepository) Get(ctx context.Context, entryID string) (*models.SyncState, error) {
	s, err := scanState(r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM sync_state WHERE entry_id = ?`, entryID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sync state %s: %w", entryID, common.ErrorNotFound)
	}
	if err != nil {
		return nil, dbx.IOError("failed to get sync state", err)
	}
	return &s, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]models.SyncState, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+columns+` FROM sync_state ORDER BY entry_id`)
	if err != nil {
		return nil, dbx.IOError("failed to list sync state", err)
	}
	defer rows.Close()

	var result []models.SyncState
	for rows.Next() {
		s, err := scanState(rows)
		if err != nil {
			return nil, dbx.IOError("failed to scan sync state", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, dbx.IOError("failed to iterate sync state", err)
	}
	return result, nil
}

func (r *SQLiteRepository) RecordLocal(ctx context.Context, entryID string, version int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_state (entry_id, local_version) VALUES (?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET
			local_version = max(local_version, excluded.local_version),
			purged_version = CASE WHEN excluded.local_version > purged_version THEN 0 ELSE purged_version END
	`, entryID, version)
	if err != nil {
		return dbx.IOError(fmt.Sprintf("failed to record local version[%s]", entryID), err)
	}
	return nil
}

func (r *SQLiteRepository) RecordRemote(ctx context.Context, entryID string, version int64, remoteID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_state (entry_id, remote_version, remote_id) VALUES (?, ?, ?)
		ON CONFLICT(entry_id) DO UPDATE SET remote_version = excluded.remote_version, remote_id = excluded.remote_id
	`, entryID, version, remoteID)
	if err != nil {
		return dbx.IOError(fmt.Sprintf("failed to record remote version[%s]", entryID), err)
	}
	return nil
}

func (r *SQLiteRepository) MarkSynced(ctx context.Context, entryID string, version int64, remoteID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sync_state (entry_id, local_version, remote_version, base_version, remote_id, conflict_flag)
		VALUES (?, ?, ?, ?, ?, 0)
		ON CONFLICT(entry_id) DO UPDATE SET
			local_version = max(local_version, excluded.local_version),
			remote_version = excluded.remote_version,
			base_version = excluded.base_version,
			remote_id = excluded.remote_id,
			conflict_flag = 0,
			purged_version = 0
	`, entryID, version, version, version, remoteID)
	if err != nil {
		return dbx.IOError(fmt.Sprintf("failed to mark synced[%s]", entryID), err)
	}
	return nil
}

func (r *SQLiteRepository) SetConflict(ctx context.Context, entryID string, conflict bool, base int64) error {
	var err error
	if conflict {
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO sync_state (entry_id, conflict_flag) VALUES (?, 1)
			ON CONFLICT(entry_id) DO UPDATE SET conflict_flag = 1
		`, entryID)
	} else {
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO sync_state (entry_id, base_version, conflict_flag) VALUES (?, ?, 0)
			ON CONFLICT(entry_id) DO UPDATE SET conflict_flag = 0, base_version = excluded.base_version
		`, entryID, base)
	}
	if err != nil {
		return dbx.IOError(fmt.Sprintf("failed to set conflict[%s]", entryID), err)
	}
	return nil
}

func (r *SQLiteRepository) MarkPurged(ctx context.Context, entryIDs ...string) error {
	for _, id := range entryIDs {
		_, err := r.db.ExecContext(ctx, `
			UPDATE sync_state SET
				purged_version = max(local_version, remote_version, base_version),
				conflict_flag = 0
			WHERE entry_id = ?
		`, id)
		if err != nil {
			return dbx.IOError(fmt.Sprintf("failed to mark purged[%s]", id), err)
		}
	}
	return nil
}
