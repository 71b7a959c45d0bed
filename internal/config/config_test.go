package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/google/go-cmp/cmp"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults() *Config {
	var c Config
	c.LoadDefaults()
	return &c
}

func writeTempJSON(t *testing.T, data map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func parsedFlags(t *testing.T, args []string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	c := defaults()

	assert.Equal(t, "vault.db", c.DatabasePath)
	assert.Equal(t, 5*time.Minute, c.AutoLockAfter)
	assert.Equal(t, cryptox.AlgArgon2id, c.KDF)
	assert.Equal(t, cryptox.AlgAES256GCM, c.Cipher)
	assert.Empty(t, c.S3.Bucket)
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeTempJSON(t, map[string]any{
		"database_path":   "/var/lib/vault.db",
		"auto_lock_after": "1m",
		"kdf":             "pbkdf2-sha256",
		"s3":              map[string]any{"bucket": "from-json", "region": "eu-central-1"},
	})

	tests := []struct {
		name string
		args []string
		want func(c *Config)
	}{
		{
			name: "defaults only",
			args: nil,
			want: func(c *Config) {},
		},
		{
			name: "json overlays defaults and keeps missing keys",
			args: []string{"-c", path},
			want: func(c *Config) {
				c.DatabasePath = "/var/lib/vault.db"
				c.AutoLockAfter = time.Minute
				c.KDF = cryptox.AlgPBKDF2SHA256
				c.S3.Bucket = "from-json"
				c.S3.Region = "eu-central-1"
			},
		},
		{
			name: "set flags beat json",
			args: []string{"--config", path, "--db", "cli.db", "--auto-lock", "0s", "--s3-bucket", "from-flag", "--s3-path-style"},
			want: func(c *Config) {
				c.DatabasePath = "cli.db"
				c.AutoLockAfter = 0
				c.KDF = cryptox.AlgPBKDF2SHA256
				c.S3.Bucket = "from-flag"
				c.S3.Region = "eu-central-1"
				c.S3.UsePathStyle = true
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := parsedFlags(t, tt.args)
			got, err := LoadConfig(tt.args, fs)
			require.NoError(t, err)

			want := defaults()
			tt.want(want)
			assert.Empty(t, cmp.Diff(want, got))
		})
	}
}

func TestLoadConfig_BadJSON(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{ this is not valid json`), 0o600))

	_, err := LoadConfig([]string{"-c", bad}, nil)
	require.Error(t, err)

	unknown := writeTempJSON(t, map[string]any{"server_endpoint_addr": "127.0.0.1:50051"})
	_, err = LoadConfig([]string{"-c", unknown}, nil)
	require.Error(t, err, "unknown keys are rejected")

	_, err = LoadConfig([]string{"-c", filepath.Join(dir, "missing.json")}, nil)
	require.Error(t, err)
}

func TestEngineOptions(t *testing.T) {
	c := defaults()
	c.DatabasePath = "x.db"

	opts, err := c.EngineOptions(logging.NewNopLogger())
	require.NoError(t, err)
	assert.Equal(t, "x.db", opts.Storage.Path)
	assert.Equal(t, cryptox.DefaultParams(), opts.KDFParams)
	assert.Equal(t, c.AutoLockAfter, opts.AutoLock)

	c.KDF = "scrypt"
	_, err = c.EngineOptions(logging.NewNopLogger())
	require.Error(t, err)
}

func TestS3Options(t *testing.T) {
	c := defaults()
	_, ok := c.S3Options()
	assert.False(t, ok)

	c.S3 = S3Config{Bucket: "b", Prefix: "p", Endpoint: "http://localhost:9000", UsePathStyle: true}
	opts, ok := c.S3Options()
	require.True(t, ok)
	assert.Equal(t, "b", opts.Bucket)
	assert.Equal(t, "p", opts.Prefix)
	assert.True(t, opts.UsePathStyle)
}
