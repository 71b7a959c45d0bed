package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelope(t *testing.T, key []byte) *Envelope {
	t.Helper()
	header := KDFHeader{Params: cryptox.DefaultParams(), Salt: cryptox.NewSalt(), Verifier: cryptox.MakeVerifier(key)}
	e := New("vault-1", header, cryptox.AlgAES256GCM, time.Now())
	at := time.Now().UTC().Truncate(time.Millisecond)
	e.Entries = append(e.Entries, Record{
		ID:         "entry-1",
		Ciphertext: []byte("ciphertext"),
		Nonce:      common.GenerateRandByteArray(12),
		Tag:        common.GenerateRandByteArray(16),
		Metadata:   Metadata{Title: "github.com", Username: "alice", Category: "login", Version: 3, CreatedAt: at, UpdatedAt: at},
	})
	e.Attachments = append(e.Attachments, Attachment{
		ID:            "file-1",
		EntryID:       "entry-1",
		Name:          "recovery-codes.txt",
		Size:          10,
		CreatedAt:     at,
		KeyCiphertext: []byte("wrapped"),
		KeyNonce:      common.GenerateRandByteArray(12),
		KeyTag:        common.GenerateRandByteArray(16),
		Ciphertext:    []byte("file-bytes"),
		Nonce:         common.GenerateRandByteArray(12),
		Tag:           common.GenerateRandByteArray(16),
	})
	require.NoError(t, e.Sign(key))
	return e
}

func TestSignMarshalParseVerify(t *testing.T) {
	key := common.GenerateRandByteArray(32)
	e := sampleEnvelope(t, key)

	data, err := Marshal(e)
	require.NoError(t, err)

	got, err := Parse(data)
	require.NoError(t, err)
	require.NoError(t, got.VerifyIntegrity(key))
	assert.Equal(t, e.EnvelopeID, got.EnvelopeID)
	assert.Equal(t, e.Entries[0].Metadata.Title, got.Entries[0].Metadata.Title)
	assert.Equal(t, e.Attachments, got.Attachments)

	err = got.VerifyIntegrity(common.GenerateRandByteArray(32))
	require.ErrorIs(t, err, common.ErrMalformedBackup)
}

func TestVerifyIntegrity_DetectsFieldChanges(t *testing.T) {
	key := common.GenerateRandByteArray(32)

	mutations := map[string]func(e *Envelope){
		"vault id":     func(e *Envelope) { e.VaultID = "vault-2" },
		"exported at":  func(e *Envelope) { e.ExportedAt = e.ExportedAt.Add(time.Second) },
		"title":        func(e *Envelope) { e.Entries[0].Metadata.Title = "evil.com" },
		"version":      func(e *Envelope) { e.Entries[0].Metadata.Version++ },
		"ciphertext":   func(e *Envelope) { e.Entries[0].Ciphertext[0] ^= 1 },
		"dropped":      func(e *Envelope) { e.Entries = e.Entries[:0] },
		"expiry added": func(e *Envelope) { at := time.Now().Add(time.Hour); e.ExpiresAt = &at },
		"tag byte":     func(e *Envelope) { e.IntegrityTag[0] ^= 0xFF },
		"file name":    func(e *Envelope) { e.Attachments[0].Name = "other.txt" },
		"file data":    func(e *Envelope) { e.Attachments[0].Ciphertext[0] ^= 1 },
		"file dropped": func(e *Envelope) { e.Attachments = nil },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			e := sampleEnvelope(t, key)
			mutate(e)
			require.ErrorIs(t, e.VerifyIntegrity(key), common.ErrMalformedBackup)
		})
	}
}

func TestParse_Structural(t *testing.T) {
	key := common.GenerateRandByteArray(32)
	good, err := Marshal(sampleEnvelope(t, key))
	require.NoError(t, err)

	edit := func(f func(m map[string]any)) []byte {
		var m map[string]any
		require.NoError(t, json.Unmarshal(good, &m))
		f(m)
		b, err := json.Marshal(m)
		require.NoError(t, err)
		return b
	}
	entry := func(m map[string]any) map[string]any {
		return m["entries"].([]any)[0].(map[string]any)
	}
	file := func(m map[string]any) map[string]any {
		return m["attachments"].([]any)[0].(map[string]any)
	}

	tests := map[string][]byte{
		"not json":        []byte("{"),
		"trailing data":   append(append([]byte{}, good...), []byte(` {}`)...),
		"format version":  edit(func(m map[string]any) { m["format_version"] = 2 }),
		"envelope id":     edit(func(m map[string]any) { m["envelope_id"] = "abc" }),
		"vault id":        edit(func(m map[string]any) { m["vault_id"] = "" }),
		"unknown field":   edit(func(m map[string]any) { m["surprise"] = true }),
		"no tag":          edit(func(m map[string]any) { delete(m, "integrity_tag") }),
		"no salt":         edit(func(m map[string]any) { m["kdf"].(map[string]any)["salt"] = nil }),
		"no cipher":       edit(func(m map[string]any) { m["cipher"] = "" }),
		"entry id":        edit(func(m map[string]any) { entry(m)["id"] = "" }),
		"entry version":   edit(func(m map[string]any) { entry(m)["metadata"].(map[string]any)["version"] = 0 }),
		"entry nonce":     edit(func(m map[string]any) { delete(entry(m), "nonce") }),
		"duplicate entry": edit(func(m map[string]any) { m["entries"] = append(m["entries"].([]any), entry(m)) }),
		"file id":         edit(func(m map[string]any) { file(m)["id"] = "" }),
		"file key nonce":  edit(func(m map[string]any) { delete(file(m), "key_nonce") }),
		"file size":       edit(func(m map[string]any) { file(m)["size"] = -1 }),
		"orphan file":     edit(func(m map[string]any) { file(m)["entry_id"] = "entry-2" }),
		"duplicate file":  edit(func(m map[string]any) { m["attachments"] = append(m["attachments"].([]any), file(m)) }),
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(data)
			require.ErrorIs(t, err, common.ErrMalformedBackup)
		})
	}
}

func TestMarshal_RequiresSignature(t *testing.T) {
	e := New("v", KDFHeader{}, cryptox.AlgAES256GCM, time.Now())
	_, err := Marshal(e)
	require.Error(t, err)
}

func TestExpired(t *testing.T) {
	e := New("v", KDFHeader{}, cryptox.AlgAES256GCM, time.Now())
	now := time.Now()
	assert.False(t, e.Expired(now))

	past := now.Add(-time.Minute)
	e.ExpiresAt = &past
	assert.True(t, e.Expired(now))

	future := now.Add(time.Minute)
	e.ExpiresAt = &future
	assert.False(t, e.Expired(now))
}
