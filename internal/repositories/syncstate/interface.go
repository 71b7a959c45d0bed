// Package syncstate persists per-entry synchronization bookkeeping.
package syncstate

import (
	"context"

	"github.com/dmitrijs2005/gophvault/internal/models"
)

type Repository interface {
	// Get returns the state of one entry or common.ErrorNotFound.
	Get(ctx context.Context, entryID string) (*models.SyncState, error)
	List(ctx context.Context) ([]models.SyncState, error)

	// RecordLocal raises the local version. Lower values are ignored; a
	// version above the purge watermark clears it.
	RecordLocal(ctx context.Context, entryID string, version int64) error
	// RecordRemote stores the latest version seen on the remote.
	RecordRemote(ctx context.Context, entryID string, version int64, remoteID string) error
	// MarkSynced records that both sides now hold version. It clears the
	// purge watermark.
	MarkSynced(ctx context.Context, entryID string, version int64, remoteID string) error
	// SetConflict raises or clears the conflict flag, moving the base version
	// to base when clearing.
	SetConflict(ctx context.Context, entryID string, conflict bool, base int64) error

	// MarkPurged keeps the rows of purged entries as watermarks at the
	// highest version either side has seen.
	MarkPurged(ctx context.Context, entryIDs ...string) error
}
