// Package envelope defines the portable backup document and its optical
// transfer chunks.
//
// An envelope carries already-encrypted entries together with the KDF header
// needed to re-derive the key that opens them. The integrity tag is an
// HMAC-SHA256 over the canonical JSON of every other field, keyed by an HKDF
// subkey of that same key, so a reader must know the passphrase to check it.
package envelope

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/google/uuid"
)

// FormatVersion is the only envelope layout this package reads and writes.
const FormatVersion = 1

const (
	integrityInfo = "gophvault/envelope-integrity/v1"
	tagLen        = sha256.Size
)

// KDFHeader is everything needed to re-derive the envelope key from a
// passphrase and to check the passphrase before touching any entry.
type KDFHeader struct {
	Params   cryptox.KDFParams `json:"params"`
	Salt     []byte            `json:"salt"`
	Verifier []byte            `json:"verifier"`
}

// Metadata is the clear part of an exported entry.
type Metadata struct {
	Title      string    `json:"title"`
	Username   string    `json:"username,omitempty"`
	Category   string    `json:"category,omitempty"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Tombstoned bool      `json:"tombstoned,omitempty"`
}

// Record is one exported entry. The ciphertext is bound to ID as associated
// data, exactly as it is in the vault.
type Record struct {
	ID         string   `json:"id"`
	Ciphertext []byte   `json:"ciphertext"`
	Nonce      []byte   `json:"nonce"`
	Tag        []byte   `json:"tag"`
	Metadata   Metadata `json:"metadata"`
}

func (r *Record) Sealed() cryptox.Sealed {
	return cryptox.Sealed{Nonce: r.Nonce, Ciphertext: r.Ciphertext, Tag: r.Tag}
}

// Attachment is one exported file. Its data stays sealed under the file key;
// only the wrapped key is sealed under the envelope key.
type Attachment struct {
	ID            string    `json:"id"`
	EntryID       string    `json:"entry_id"`
	Name          string    `json:"name"`
	MimeType      string    `json:"mime_type,omitempty"`
	Size          int64     `json:"size"`
	CreatedAt     time.Time `json:"created_at"`
	KeyCiphertext []byte    `json:"key_ciphertext"`
	KeyNonce      []byte    `json:"key_nonce"`
	KeyTag        []byte    `json:"key_tag"`
	Ciphertext    []byte    `json:"ciphertext"`
	Nonce         []byte    `json:"nonce"`
	Tag           []byte    `json:"tag"`
}

func (a *Attachment) File() cryptox.EncryptedFile {
	return cryptox.EncryptedFile{
		WrappedKey: cryptox.Sealed{Nonce: a.KeyNonce, Ciphertext: a.KeyCiphertext, Tag: a.KeyTag},
		Data:       cryptox.Sealed{Nonce: a.Nonce, Ciphertext: a.Ciphertext, Tag: a.Tag},
	}
}

type Envelope struct {
	FormatVersion int        `json:"format_version"`
	EnvelopeID    string     `json:"envelope_id"`
	VaultID       string     `json:"vault_id"`
	ExportedAt    time.Time  `json:"exported_at"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	KDF           KDFHeader  `json:"kdf"`
	Cipher        string     `json:"cipher"`
	Entries       []Record     `json:"entries"`
	Attachments   []Attachment `json:"attachments,omitempty"`
	IntegrityTag  []byte       `json:"integrity_tag,omitempty"`
}

// New returns an unsigned envelope with a fresh id.
func New(vaultID string, header KDFHeader, cipher string, exportedAt time.Time) *Envelope {
	return &Envelope{
		FormatVersion: FormatVersion,
		EnvelopeID:    uuid.NewString(),
		VaultID:       vaultID,
		ExportedAt:    exportedAt.UTC().Truncate(time.Millisecond),
		KDF:           header,
		Cipher:        cipher,
		Entries:       []Record{},
	}
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", common.ErrMalformedBackup, fmt.Sprintf(format, args...))
}

// signingBytes is the canonical JSON of e without its tag.
func (e *Envelope) signingBytes() ([]byte, error) {
	c := *e
	c.IntegrityTag = nil
	return json.Marshal(&c)
}

func integrityKey(key []byte) ([]byte, error) {
	return cryptox.SubKey(key, integrityInfo, 32)
}

func (e *Envelope) mac(key []byte) ([]byte, error) {
	ik, err := integrityKey(key)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(ik)

	msg, err := e.signingBytes()
	if err != nil {
		return nil, err
	}
	h := hmac.New(sha256.New, ik)
	h.Write(msg)
	return h.Sum(nil), nil
}

// Sign computes and stores the integrity tag under the envelope key.
func (e *Envelope) Sign(key []byte) error {
	tag, err := e.mac(key)
	if err != nil {
		return err
	}
	e.IntegrityTag = tag
	return nil
}

// VerifyIntegrity checks the tag in constant time. Any mismatch is reported
// as common.ErrMalformedBackup.
func (e *Envelope) VerifyIntegrity(key []byte) error {
	want, err := e.mac(key)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, e.IntegrityTag) {
		return malformed("integrity tag mismatch")
	}
	return nil
}

// Expired reports whether the envelope carries an expiry before now.
func (e *Envelope) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// Marshal encodes a signed envelope.
func Marshal(e *Envelope) ([]byte, error) {
	if len(e.IntegrityTag) != tagLen {
		return nil, fmt.Errorf("envelope %s is not signed", e.EnvelopeID)
	}
	return json.Marshal(e)
}

// Parse decodes data and checks its structure. It does not check the
// integrity tag, which needs the key.
func Parse(data []byte) (*Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var e Envelope
	if err := dec.Decode(&e); err != nil {
		return nil, malformed("decode: %v", err)
	}
	if dec.More() {
		return nil, malformed("trailing data")
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

func (e *Envelope) validate() error {
	switch {
	case e.FormatVersion != FormatVersion:
		return malformed("unsupported format version %d", e.FormatVersion)
	case uuid.Validate(e.EnvelopeID) != nil:
		return malformed("bad envelope id %q", e.EnvelopeID)
	case e.VaultID == "":
		return malformed("missing vault id")
	case e.ExportedAt.IsZero():
		return malformed("missing export timestamp")
	case e.KDF.Params.Algorithm == "" || len(e.KDF.Salt) == 0:
		return malformed("missing kdf header")
	case len(e.KDF.Verifier) == 0:
		return malformed("missing verifier")
	case e.Cipher == "":
		return malformed("missing cipher")
	case len(e.IntegrityTag) != tagLen:
		return malformed("missing or short integrity tag")
	}

	seen := make(map[string]struct{}, len(e.Entries))
	for i, r := range e.Entries {
		switch {
		case r.ID == "":
			return malformed("entry %d: missing id", i)
		case len(r.Nonce) == 0 || len(r.Tag) == 0:
			return malformed("entry %s: missing nonce or tag", r.ID)
		case r.Metadata.Version <= 0:
			return malformed("entry %s: version %d", r.ID, r.Metadata.Version)
		}
		if _, dup := seen[r.ID]; dup {
			return malformed("entry %s appears twice", r.ID)
		}
		seen[r.ID] = struct{}{}
	}

	files := make(map[string]struct{}, len(e.Attachments))
	for i, a := range e.Attachments {
		switch {
		case a.ID == "":
			return malformed("attachment %d: missing id", i)
		case len(a.KeyNonce) == 0 || len(a.KeyTag) == 0 || len(a.Nonce) == 0 || len(a.Tag) == 0:
			return malformed("attachment %s: missing nonce or tag", a.ID)
		case a.Size < 0:
			return malformed("attachment %s: size %d", a.ID, a.Size)
		}
		if _, ok := seen[a.EntryID]; !ok {
			return malformed("attachment %s: entry %q not in envelope", a.ID, a.EntryID)
		}
		if _, dup := files[a.ID]; dup {
			return malformed("attachment %s appears twice", a.ID)
		}
		files[a.ID] = struct{}{}
	}
	return nil
}
