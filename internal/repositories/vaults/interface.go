// Package vaults persists the single vault row of a profile.
package vaults

import (
	"context"

	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/models"
)

// KeyMaterial is what a master password change rewrites.
type KeyMaterial struct {
	KDF      cryptox.KDFParams
	KDFSalt  []byte
	Verifier []byte
}

type Repository interface {
	// Create inserts v. It fails with common.ErrorAlreadyExists if any vault
	// is already present.
	Create(ctx context.Context, v *models.Vault) error

	// Get returns the vault or common.ErrorNotFound.
	Get(ctx context.Context) (*models.Vault, error)

	// ReplaceKeyMaterial swaps salt, params and verifier, bumping the re-key
	// epoch. expectedEpoch guards against concurrent changes.
	ReplaceKeyMaterial(ctx context.Context, id string, expectedEpoch int64, km KeyMaterial) (int64, error)
}
