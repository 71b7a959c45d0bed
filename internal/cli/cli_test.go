package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/dmitrijs2005/gophvault/internal/config"
	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/engine"
	"github.com/dmitrijs2005/gophvault/internal/remote"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pendingSecrets answers password prompts in order.
var pendingSecrets []string

var origNewBackend = newBackend

type harness struct {
	t       *testing.T
	db      string
	backend *remote.MemoryBackend
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		db:      filepath.Join(t.TempDir(), "vault.db"),
		backend: remote.NewMemoryBackend(),
	}

	origRead, origOpen, origBackend, origNoColor := readPassword, openEngine, newBackend, color.NoColor
	t.Cleanup(func() {
		readPassword, openEngine, newBackend, color.NoColor = origRead, origOpen, origBackend, origNoColor
	})

	color.NoColor = true
	readPassword = func(int) ([]byte, error) {
		if len(pendingSecrets) == 0 {
			return nil, io.EOF
		}
		s := pendingSecrets[0]
		pendingSecrets = pendingSecrets[1:]
		return []byte(s), nil
	}
	openEngine = func(ctx context.Context, opts engine.Options) (*engine.Engine, error) {
		opts.KDFParams = cryptox.KDFParams{Algorithm: cryptox.AlgArgon2id, Iterations: 1, MemoryKiB: 64, Parallelism: 1, KeyLen: cryptox.KeyLen}
		opts.Floor = cryptox.Floor{Argon2MinIterations: 1, Argon2MinMemoryKiB: 8, Argon2MinParallelism: 1, PBKDF2MinIterations: 1, MinSaltLen: 16}
		return engine.Open(ctx, opts)
	}
	newBackend = func(context.Context, *config.Config) (remote.Backend, error) {
		return h.backend, nil
	}
	return h
}

// run executes one vaultctl invocation answering password prompts from
// secrets in order.
func (h *harness) run(secrets []string, args ...string) (string, error) {
	h.t.Helper()
	pendingSecrets = secrets
	var out bytes.Buffer
	app := NewApp(strings.NewReader(""), &out, io.Discard)
	err := app.Run(context.Background(), append([]string{"--db", h.db, "--log-level", "error"}, args...))
	return out.String(), err
}

func (h *harness) mustRun(secrets []string, args ...string) string {
	h.t.Helper()
	out, err := h.run(secrets, args...)
	require.NoError(h.t, err, out)
	return out
}

// addedID extracts the entry id from the output of add.
func addedID(t *testing.T, out string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "Added") {
			fields := strings.Fields(line)
			return fields[len(fields)-1]
		}
	}
	t.Fatalf("no entry id in %q", out)
	return ""
}

func TestInitAddListShow(t *testing.T) {
	h := newHarness(t)
	pw := "correct-horse"

	out := h.mustRun([]string{pw, pw}, "init")
	assert.Contains(t, out, "Vault created")

	out = h.mustRun([]string{pw, "s3cr3t!"}, "add", "--title", "github.com", "--username", "alice", "--category", "login", "--password", "--field", "recovery=abc")
	id := addedID(t, out)

	_, err := h.run([]string{"wrong-pw"}, "list")
	require.ErrorIs(t, err, common.ErrInvalidCredentials)

	out = h.mustRun([]string{pw}, "list")
	assert.Contains(t, out, "github.com")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "1 entries")
	assert.NotContains(t, out, "s3cr3t!")

	out = h.mustRun([]string{pw}, "show", id)
	assert.Contains(t, out, "********")
	assert.NotContains(t, out, "s3cr3t!")

	out = h.mustRun([]string{pw}, "show", id, "--reveal")
	assert.Contains(t, out, "s3cr3t!")
	assert.Contains(t, out, "recovery: abc")
}

func TestInit_Mismatch(t *testing.T) {
	h := newHarness(t)
	_, err := h.run([]string{"one", "two"}, "init")
	require.ErrorIs(t, err, errMismatch)

	_, err = h.run([]string{"pw"}, "list")
	require.ErrorIs(t, err, common.ErrInvalidCredentials, "no vault was created")
}

func TestEditAndRemove(t *testing.T) {
	h := newHarness(t)
	pw := "correct-horse"
	h.mustRun([]string{pw, pw}, "init")
	id := addedID(t, h.mustRun([]string{pw}, "add", "-t", "mail", "-u", "bob"))

	out := h.mustRun([]string{pw}, "edit", id, "--title", "mail (work)", "--notes", "imap")
	assert.Contains(t, out, "version 2")

	_, err := h.run([]string{pw}, "edit", id, "--title", "stale", "--expect-version", "1")
	require.ErrorIs(t, err, common.ErrVersionConflict)

	out = h.mustRun([]string{pw}, "show", id)
	assert.Contains(t, out, "mail (work)")
	assert.Contains(t, out, "bob", "unchanged fields are kept")
	assert.Contains(t, out, "imap")

	h.mustRun([]string{pw}, "rm", id)
	out = h.mustRun([]string{pw}, "list")
	assert.Contains(t, out, "0 entries")
	out = h.mustRun([]string{pw}, "list", "--all")
	assert.Contains(t, out, "(deleted)")

	_, err = h.run([]string{pw}, "show", id)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestPasswd(t *testing.T) {
	h := newHarness(t)
	h.mustRun([]string{"correct-horse", "correct-horse"}, "init")
	h.mustRun([]string{"correct-horse", "s3cr3t!"}, "add", "-t", "github.com", "-p")

	_, err := h.run([]string{"nope", "new-pass-2024", "new-pass-2024"}, "passwd")
	require.ErrorIs(t, err, common.ErrInvalidCredentials)

	h.mustRun([]string{"correct-horse", "new-pass-2024", "new-pass-2024"}, "passwd")

	_, err = h.run([]string{"correct-horse"}, "list")
	require.ErrorIs(t, err, common.ErrInvalidCredentials)

	out := h.mustRun(nil, "info")
	assert.Contains(t, out, "Re-keys: 1")

	out = h.mustRun([]string{"new-pass-2024"}, "list")
	assert.Contains(t, out, "github.com")
}

func TestExportImport(t *testing.T) {
	src := newHarness(t)
	src.mustRun([]string{"correct-horse", "correct-horse"}, "init")
	src.mustRun([]string{"correct-horse", "s3cr3t!"}, "add", "-t", "github.com", "-u", "alice", "-p")
	src.mustRun([]string{"correct-horse"}, "add", "-t", "note", "--category", "note", "--notes", "milk")

	file := filepath.Join(t.TempDir(), "backup.json")
	src.mustRun([]string{"correct-horse", "transfer", "transfer"}, "export", "--passphrase", "--out", file)
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "s3cr3t!")

	dst := &harness{t: t, db: filepath.Join(t.TempDir(), "other.db"), backend: src.backend}
	dst.mustRun([]string{"elsewhere", "elsewhere"}, "init")

	_, err = dst.run([]string{"elsewhere", "wrong"}, "import", file)
	require.ErrorIs(t, err, common.ErrAuthenticationFailure)

	out := dst.mustRun([]string{"elsewhere", "transfer"}, "import", file)
	assert.Contains(t, out, "2 applied")

	out = dst.mustRun([]string{"elsewhere", "transfer"}, "import", file)
	assert.Contains(t, out, "0 applied, 2 skipped")

	out = dst.mustRun([]string{"elsewhere"}, "list", "--search", "git")
	assert.Contains(t, out, "github.com")
	assert.Contains(t, out, "alice")
}

func TestExportImportChunks(t *testing.T) {
	src := newHarness(t)
	src.mustRun([]string{"pw", "pw"}, "init")
	id := addedID(t, src.mustRun([]string{"pw"}, "add", "-t", "wifi", "--notes", strings.Repeat("long note ", 80)))

	_, err := src.run([]string{"pw"}, "export", "--chunks")
	require.ErrorIs(t, err, common.ErrParameter)

	file := filepath.Join(t.TempDir(), "chunks.txt")
	src.mustRun([]string{"pw", "qr", "qr"}, "export", "--entry", id, "--chunks", "--chunk-size", "300", "--passphrase", "--out", file)
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	lines := strings.Fields(string(data))
	require.Greater(t, len(lines), 1)
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), 300)
		assert.True(t, strings.HasPrefix(l, "GV1:"))
	}

	dst := &harness{t: t, db: filepath.Join(t.TempDir(), "other.db"), backend: src.backend}
	dst.mustRun([]string{"other", "other"}, "init")
	out := dst.mustRun([]string{"other", "qr"}, "import", "--chunks", file)
	assert.Contains(t, out, "1 applied")

	// Dropping a chunk must be caught before anything is written.
	require.NoError(t, os.WriteFile(file, []byte(strings.Join(lines[1:], "\n")), 0o600))
	_, err = dst.run([]string{"other", "qr"}, "import", "--chunks", file)
	require.ErrorIs(t, err, common.ErrMalformedBackup)
}

func TestPlanAndSync(t *testing.T) {
	h := newHarness(t)
	h.mustRun([]string{"pw", "pw"}, "init")
	id := addedID(t, h.mustRun([]string{"pw"}, "add", "-t", "github.com"))

	out := h.mustRun([]string{"pw"}, "plan", "--refresh")
	assert.Contains(t, out, id)
	assert.Contains(t, out, "upload")

	out = h.mustRun([]string{"pw"}, "sync")
	assert.Contains(t, out, "Uploaded 1, downloaded 0, conflicts 0")

	out = h.mustRun([]string{"pw"}, "plan", "--refresh")
	assert.Contains(t, out, "Nothing to sync")

	_, err := h.run([]string{"pw"}, "resolve", id, "--keep", "both")
	require.ErrorIs(t, err, common.ErrParameter)

	_, err = h.run([]string{"pw"}, "resolve", id, "--keep", "remote")
	require.ErrorIs(t, err, common.ErrorNotFound, "no conflict to take the remote side of")
}

func TestSync_NoRemoteConfigured(t *testing.T) {
	h := newHarness(t)
	newBackend = origNewBackend
	h.mustRun([]string{"pw", "pw"}, "init")

	_, err := h.run([]string{"pw"}, "sync")
	require.True(t, errors.Is(err, errNoRemote), "got %v", err)
}

func TestConfigFileIsHonored(t *testing.T) {
	newHarness(t)
	dir := t.TempDir()
	db := filepath.Join(dir, "from-config.db")
	cfg := filepath.Join(dir, "vaultctl.json")
	require.NoError(t, os.WriteFile(cfg, []byte(`{"database_path": "`+db+`", "auto_lock_after": "1m"}`), 0o600))

	pendingSecrets = []string{"pw", "pw"}
	var out bytes.Buffer
	err := NewApp(strings.NewReader(""), &out, io.Discard).Run(context.Background(), []string{"--config", cfg, "init"})
	require.NoError(t, err)
	_, err = os.Stat(db)
	require.NoError(t, err)
}

func TestAttachFilesExtractDetach(t *testing.T) {
	h := newHarness(t)
	h.mustRun([]string{"pw", "pw"}, "init")
	id := addedID(t, h.mustRun([]string{"pw"}, "add", "-t", "bank"))

	dir := t.TempDir()
	in := filepath.Join(dir, "codes.txt")
	require.NoError(t, os.WriteFile(in, []byte("1111 2222 3333"), 0o600))

	out := h.mustRun([]string{"pw"}, "attach", id, in)
	assert.Contains(t, out, "Attached codes.txt")
	fields := strings.Fields(strings.TrimSpace(out))
	fileID := fields[len(fields)-1]

	out = h.mustRun([]string{"pw"}, "files")
	assert.Contains(t, out, fileID)
	assert.Contains(t, out, "text/plain")
	assert.Contains(t, out, "1 attachments")

	dst := filepath.Join(dir, "restored.txt")
	h.mustRun([]string{"pw"}, "extract", fileID, "--out", dst)
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "1111 2222 3333", string(data))

	h.mustRun([]string{"pw"}, "detach", fileID)
	out = h.mustRun([]string{"pw"}, "files", id)
	assert.Contains(t, out, "0 attachments")

	_, err = h.run([]string{"pw"}, "extract", fileID)
	require.ErrorIs(t, err, common.ErrorNotFound)
}

func TestAudit(t *testing.T) {
	h := newHarness(t)
	h.mustRun([]string{"pw", "pw"}, "init")
	h.mustRun([]string{"pw", "password1"}, "add", "-t", "router", "-p")
	h.mustRun([]string{"pw", "password1"}, "add", "-t", "nas", "-p")

	out := h.mustRun([]string{"pw"}, "audit", "--verbose")
	assert.Contains(t, out, "Security score: 30/100")
	assert.Contains(t, out, "Passwords: 2 (strong 0, medium 0, weak 2)")
	assert.Contains(t, out, "Reused: 2")
	assert.Contains(t, out, "Weak passwords")
	assert.Contains(t, out, "router")
	assert.Contains(t, out, "common,reused")
}
