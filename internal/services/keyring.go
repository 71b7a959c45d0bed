// Package services contains the application services of the vault engine:
// identity (unlock, lock, master password change), entry CRUD, backup export
// and import, and sync bookkeeping. Services share one Keyring so that a
// master password change can hold entry writes back until it is done.
package services

import (
	"sync"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/session"
)

// Keyring couples the session key with the vault's AEAD and the re-key lock.
// Entry operations hold the lock shared; a master password change holds it
// exclusively.
type Keyring struct {
	sess *session.Session

	mu      sync.RWMutex
	vaultID string
	aead    cryptox.AEAD
}

func NewKeyring(sess *session.Session) *Keyring {
	return &Keyring{sess: sess}
}

// open hands key to the session. The session owns key afterwards.
func (k *Keyring) open(vaultID string, aead cryptox.AEAD, key []byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.vaultID = vaultID
	k.aead = aead
	k.sess.Unlock(vaultID, key)
}

// Lock zeroes the session key. It does not wait for a running re-key.
func (k *Keyring) Lock() {
	k.sess.Lock()
}

func (k *Keyring) IsUnlocked() bool {
	return k.sess.IsUnlocked()
}

func (k *Keyring) requireUnlocked() error {
	if !k.sess.IsUnlocked() {
		return common.ErrSessionLocked
	}
	return nil
}

// unlocked is what an entry operation gets to work with.
type unlocked struct {
	vaultID string
	key     []byte
	aead    cryptox.AEAD
}

// withKey runs fn under the shared re-key lock with a borrowed copy of the
// session key. fn must not call withKey again.
func (k *Keyring) withKey(fn func(u unlocked) error) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	vaultID, aead := k.vaultID, k.aead
	return k.sess.WithKey(func(key []byte) error {
		return fn(unlocked{vaultID: vaultID, key: key, aead: aead})
	})
}

// exclusive runs fn while no entry operation is in flight.
func (k *Keyring) exclusive(fn func() error) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return fn()
}

// swapLocked replaces the session key if vaultID is still the unlocked vault.
// It must be called from inside exclusive. The session owns key afterwards,
// or key is wiped when nothing was swapped.
func (k *Keyring) swapLocked(vaultID string, key []byte) bool {
	if k.vaultID != vaultID || !k.sess.Swap(key) {
		common.WipeByteArray(key)
		return false
	}
	return true
}
