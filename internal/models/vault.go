// Package models defines the persisted and in-memory records of a vault.
package models

import (
	"time"

	"github.com/dmitrijs2005/gophvault/internal/cryptox"
)

// SchemaVersion is the vault layout version written on creation.
const SchemaVersion = 1

// Vault is the single per-profile vault row. It never stores the key,
// only what is needed to re-derive and check it.
type Vault struct {
	ID            string
	KDF           cryptox.KDFParams
	KDFSalt       []byte
	Verifier      []byte
	Cipher        string
	ReKeyEpoch    int64
	SchemaVersion int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IdentityCardRecord is the public view of the vault's active unlock
// material. It changes only when the master password changes.
type IdentityCardRecord struct {
	VaultID    string
	KDF        cryptox.KDFParams
	KDFSalt    []byte
	Cipher     string
	ReKeyEpoch int64
	ChangedAt  time.Time
}

func (v *Vault) IdentityCard() IdentityCardRecord {
	return IdentityCardRecord{
		VaultID:    v.ID,
		KDF:        v.KDF,
		KDFSalt:    append([]byte(nil), v.KDFSalt...),
		Cipher:     v.Cipher,
		ReKeyEpoch: v.ReKeyEpoch,
		ChangedAt:  v.UpdatedAt,
	}
}
