// Package attachments persists encrypted files attached to entries.
package attachments

import (
	"context"

	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/models"
)

// Repository describes CRUD operations for Attachment records. Rows are
// deleted together with their entry when a tombstone is purged.
type Repository interface {
	// Create inserts a, or returns common.ErrorAlreadyExists for a known id.
	Create(ctx context.Context, a *models.Attachment) error

	// Get returns the attachment with its sealed data, or common.ErrorNotFound.
	Get(ctx context.Context, id string) (*models.Attachment, error)

	// List returns the attachments of entryID without their data, oldest
	// first. An empty entryID lists every attachment in the vault.
	List(ctx context.Context, entryID string) ([]models.Attachment, error)

	// RewrapKey replaces the wrapped file key of one attachment.
	RewrapKey(ctx context.Context, id string, key cryptox.Sealed) error

	Delete(ctx context.Context, id string) error
}
