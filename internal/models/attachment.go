package models

import (
	"time"

	"github.com/dmitrijs2005/gophvault/internal/cryptox"
)

// Attachment is a file stored with an entry. The file is sealed under its
// own random key; that key is stored sealed under the vault key, so a
// master password change only rewraps the small key and not the data.
type Attachment struct {
	ID        string
	EntryID   string
	Name      string
	MimeType  string
	Size      int64
	CreatedAt time.Time

	KeyCiphertext []byte
	KeyNonce      []byte
	KeyTag        []byte

	// Ciphertext, Nonce and Tag are empty when the attachment was listed
	// without its data.
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
}

// WrappedKey returns the sealed file key.
func (a *Attachment) WrappedKey() cryptox.Sealed {
	return cryptox.Sealed{Nonce: a.KeyNonce, Ciphertext: a.KeyCiphertext, Tag: a.KeyTag}
}

func (a *Attachment) SetWrappedKey(s cryptox.Sealed) {
	a.KeyNonce = s.Nonce
	a.KeyCiphertext = s.Ciphertext
	a.KeyTag = s.Tag
}

// Sealed returns the encrypted file data.
func (a *Attachment) Sealed() cryptox.Sealed {
	return cryptox.Sealed{Nonce: a.Nonce, Ciphertext: a.Ciphertext, Tag: a.Tag}
}

func (a *Attachment) SetSealed(s cryptox.Sealed) {
	a.Nonce = s.Nonce
	a.Ciphertext = s.Ciphertext
	a.Tag = s.Tag
}

// NewAttachment is the input for attaching a file to an entry.
type NewAttachment struct {
	EntryID  string
	Name     string
	MimeType string
	Data     []byte
}
