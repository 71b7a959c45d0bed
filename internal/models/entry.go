package models

import (
	"errors"
	"strings"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/cryptox"
)

// Category classifies an entry. Free-form values are allowed; these are the
// ones the CLI offers.
type Category string

const (
	CategoryLogin Category = "login"
	CategoryNote  Category = "note"
	CategoryCard  Category = "card"
	CategoryOther Category = "other"
)

// Entry is one stored credential record. Only Title, Username and Category
// are kept in clear for listing; everything secret lives in Ciphertext.
type Entry struct {
	ID         string
	VaultID    string
	Title      string
	Username   string
	Category   Category
	Ciphertext []byte
	Nonce      []byte
	Tag        []byte
	Version    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Tombstoned bool
}

// Sealed returns the encrypted payload of e.
func (e *Entry) Sealed() cryptox.Sealed {
	return cryptox.Sealed{Nonce: e.Nonce, Ciphertext: e.Ciphertext, Tag: e.Tag}
}

// SetSealed replaces the encrypted payload of e.
func (e *Entry) SetSealed(s cryptox.Sealed) {
	e.Nonce = s.Nonce
	e.Ciphertext = s.Ciphertext
	e.Tag = s.Tag
}

// Field is a user-defined name/value pair stored inside the secret.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

var ErrIncorrectField = errors.New("field must be name=value")

// FieldsFromStrings parses "name=value" lines into fields.
func FieldsFromStrings(s []string) ([]Field, error) {
	fields := make([]Field, len(s))
	for n, item := range s {
		name, value, ok := strings.Cut(item, "=")
		if !ok || name == "" {
			return nil, ErrIncorrectField
		}
		fields[n] = Field{Name: name, Value: value}
	}
	return fields, nil
}

// Secret is the plaintext payload of an entry. It exists only in memory and
// is sealed before it reaches storage.
type Secret struct {
	Password string   `json:"password,omitempty"`
	Email    string   `json:"email,omitempty"`
	URL      string   `json:"url,omitempty"`
	Notes    string   `json:"notes,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Favorite bool     `json:"favorite,omitempty"`
	Fields   []Field  `json:"fields,omitempty"`
}

// Wipe drops every value held by s.
func (s *Secret) Wipe() {
	*s = Secret{}
}

// DecryptedEntry is an entry together with its opened payload.
type DecryptedEntry struct {
	Entry
	Secret Secret
}

// NewEntry is the input for creating an entry.
type NewEntry struct {
	Title    string
	Username string
	Category Category
	Secret   Secret
}

// EntryUpdate is the input for updating an entry. ExpectedVersion must be the
// version the caller last read.
type EntryUpdate struct {
	ID              string
	ExpectedVersion int64
	Title           string
	Username        string
	Category        Category
	Secret          Secret
}

// Filter narrows listEntries. The zero value lists every live entry.
type Filter struct {
	Category          Category
	TitleContains     string
	UpdatedSince      time.Time
	IncludeTombstoned bool
}
