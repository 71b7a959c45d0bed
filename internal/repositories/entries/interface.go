// Package entries persists encrypted credential records.
package entries

import (
	"context"
	"iter"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/models"
)

// Repository describes CRUD and query operations for Entry objects.
// Every mutation that takes an expected version is conditional: when the
// stored version differs nothing is written and common.ErrVersionConflict is
// returned.
type Repository interface {
	// Create inserts e with version 1.
	Create(ctx context.Context, e *models.Entry) error

	// Insert stores e as-is, keeping its version. Used by import and download.
	Insert(ctx context.Context, e *models.Entry) error

	// Get returns a live entry, or a tombstoned one when includeTombstoned is set.
	Get(ctx context.Context, id string, includeTombstoned bool) (*models.Entry, error)

	// Update replaces the clear metadata and payload of a live entry and
	// returns its new version.
	Update(ctx context.Context, e *models.Entry, expectedVersion int64) (int64, error)

	// Overwrite replaces every column of e, including version and tombstone.
	Overwrite(ctx context.Context, e *models.Entry, expectedVersion int64) error

	// Rewrap replaces only the payload, bumping the version. It works on
	// tombstoned entries too.
	Rewrap(ctx context.Context, id string, expectedVersion int64, s cryptox.Sealed) (int64, error)

	// Tombstone marks a live entry deleted and returns its new version.
	Tombstone(ctx context.Context, id string, expectedVersion int64) (int64, error)

	// PurgeTombstones removes tombstones last touched before olderThan and
	// returns their ids.
	PurgeTombstones(ctx context.Context, olderThan time.Time) ([]string, error)

	// List yields the entries matching f. The query runs when the sequence is
	// ranged over, so each range sees current data.
	List(ctx context.Context, f models.Filter) iter.Seq2[*models.Entry, error]
}
