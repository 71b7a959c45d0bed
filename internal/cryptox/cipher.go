package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"golang.org/x/crypto/chacha20poly1305"
)

// Supported AEAD algorithms.
const (
	AlgAES256GCM         = "aes-256-gcm"
	AlgXChaCha20Poly1305 = "xchacha20-poly1305"
)

// TagSize is the authentication tag length of every supported AEAD.
const TagSize = 16

// Sealed is the output of one encryption: nonce, ciphertext and tag are kept
// apart so they can be stored in separate columns.
type Sealed struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// AEAD encrypts and authenticates payloads. Nonces are always generated
// internally; there is no way to pass one in.
type AEAD interface {
	Algorithm() string
	Seal(key, plaintext, aad []byte) (Sealed, error)
	Open(key []byte, s Sealed, aad []byte) ([]byte, error)
}

// NewAEAD returns the AEAD registered under name.
func NewAEAD(name string) (AEAD, error) {
	switch name {
	case AlgAES256GCM:
		return aeadCipher{name: name, newAEAD: newGCM}, nil
	case AlgXChaCha20Poly1305:
		return aeadCipher{name: name, newAEAD: chacha20poly1305.NewX}, nil
	default:
		return nil, fmt.Errorf("%w: unknown cipher %q", common.ErrParameter, name)
	}
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

type aeadCipher struct {
	name    string
	newAEAD func(key []byte) (cipher.AEAD, error)
}

func (c aeadCipher) Algorithm() string { return c.name }

func (c aeadCipher) Seal(key, plaintext, aad []byte) (Sealed, error) {
	if len(key) != KeyLen {
		return Sealed{}, fmt.Errorf("%w: key length %d", common.ErrParameter, len(key))
	}
	aead, err := c.newAEAD(key)
	if err != nil {
		return Sealed{}, err
	}

	nonce := common.GenerateRandByteArray(aead.NonceSize())
	out := aead.Seal(nil, nonce, plaintext, aad)

	split := len(out) - aead.Overhead()
	return Sealed{
		Nonce:      nonce,
		Ciphertext: out[:split:split],
		Tag:        out[split:],
	}, nil
}

// Open verifies and decrypts s. A wrong key and a corrupted payload fail
// the same way, through the AEAD's constant-time tag check.
func (c aeadCipher) Open(key []byte, s Sealed, aad []byte) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, common.ErrAuthenticationFailure
	}
	aead, err := c.newAEAD(key)
	if err != nil {
		return nil, common.ErrAuthenticationFailure
	}
	if len(s.Nonce) != aead.NonceSize() || len(s.Tag) != aead.Overhead() {
		return nil, common.ErrAuthenticationFailure
	}

	buf := make([]byte, 0, len(s.Ciphertext)+len(s.Tag))
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag...)

	plaintext, err := aead.Open(nil, s.Nonce, buf, aad)
	if err != nil {
		return nil, common.ErrAuthenticationFailure
	}
	return plaintext, nil
}
