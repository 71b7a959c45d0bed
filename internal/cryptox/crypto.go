// Package cryptox holds the key derivation and authenticated encryption
// primitives of the vault. Algorithms are selected by name so the stored
// vault parameters, not the code, decide which backend is used.
package cryptox

import (
	"encoding/json"

	"github.com/dmitrijs2005/gophvault/internal/common"
)

// EncryptJSON serializes v to JSON and seals it with the given AEAD.
// The intermediate plaintext is wiped before returning.
//
// The aad binds the ciphertext to its owner; callers pass the entry id so a
// ciphertext copied to another row fails to open.
//
// Example:
//
//	aead, _ := cryptox.NewAEAD(cryptox.AlgAES256GCM)
//	sealed, err := cryptox.EncryptJSON(aead, key, secret, []byte(entryID))
//	if err != nil {
//	    return err
//	}
func EncryptJSON(aead AEAD, key []byte, v any, aad []byte) (Sealed, error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return Sealed{}, err
	}
	defer common.WipeByteArray(plaintext)

	return aead.Seal(key, plaintext, aad)
}

// DecryptJSON opens s and unmarshals the JSON payload into v.
// It returns common.ErrAuthenticationFailure if the tag does not verify.
func DecryptJSON(aead AEAD, key []byte, s Sealed, aad []byte, v any) error {
	plaintext, err := aead.Open(key, s, aad)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(plaintext)

	return json.Unmarshal(plaintext, v)
}

// EncryptedFile is a file sealed under its own random key, with that key
// sealed under a key-encryption key.
type EncryptedFile struct {
	WrappedKey Sealed
	Data       Sealed
}

func fileKeyAAD(aad []byte) []byte {
	return append([]byte("file-key:"), aad...)
}

// EncryptFile seals plaintext under a fresh random file key and wraps that
// key under kek. Both are bound to aad.
func EncryptFile(aead AEAD, kek, plaintext, aad []byte) (*EncryptedFile, error) {
	fileKey := common.GenerateRandByteArray(KeyLen)
	defer common.WipeByteArray(fileKey)

	data, err := aead.Seal(fileKey, plaintext, aad)
	if err != nil {
		return nil, err
	}
	wrapped, err := aead.Seal(kek, fileKey, fileKeyAAD(aad))
	if err != nil {
		return nil, err
	}
	return &EncryptedFile{WrappedKey: wrapped, Data: data}, nil
}

// DecryptFile unwraps the file key with kek and opens the data. Either step
// failing is common.ErrAuthenticationFailure.
func DecryptFile(aead AEAD, kek []byte, f EncryptedFile, aad []byte) ([]byte, error) {
	fileKey, err := aead.Open(kek, f.WrappedKey, fileKeyAAD(aad))
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(fileKey)
	return aead.Open(fileKey, f.Data, aad)
}

// RewrapFileKey moves a wrapped file key from one key-encryption key to
// another without touching the file data.
func RewrapFileKey(aead AEAD, from, to []byte, wrapped Sealed, aad []byte) (Sealed, error) {
	fileKey, err := aead.Open(from, wrapped, fileKeyAAD(aad))
	if err != nil {
		return Sealed{}, err
	}
	defer common.WipeByteArray(fileKey)
	return aead.Seal(to, fileKey, fileKeyAAD(aad))
}
