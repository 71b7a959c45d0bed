package config

import (
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/cryptox"
	"github.com/dmitrijs2005/gophvault/internal/engine"
	"github.com/dmitrijs2005/gophvault/internal/envelope"
	"github.com/dmitrijs2005/gophvault/internal/logging"
	"github.com/dmitrijs2005/gophvault/internal/remote"
	"github.com/dmitrijs2005/gophvault/internal/storage"
	"github.com/spf13/pflag"
)

// S3Config selects the bucket used by the sync command. An empty Bucket
// means no remote is configured.
type S3Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// Config holds runtime settings for vaultctl.
type Config struct {
	DatabasePath  string
	OpTimeout     time.Duration
	BulkTimeout   time.Duration
	AutoLockAfter time.Duration

	// KDF names the derivation algorithm for new vaults and re-keys.
	KDF      string
	Cipher   string
	ChunkLen int
	LogLevel string

	S3 S3Config
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DatabasePath = "vault.db"
	c.OpTimeout = 5 * time.Second
	c.BulkTimeout = 2 * time.Minute
	c.AutoLockAfter = 5 * time.Minute
	c.KDF = cryptox.AlgArgon2id
	c.Cipher = cryptox.AlgAES256GCM
	c.ChunkLen = envelope.DefaultMaxChunkLen
	c.LogLevel = "warn"
	c.S3 = S3Config{}
}

// KDFParams maps the configured algorithm name to its default parameters.
func (c *Config) KDFParams() (cryptox.KDFParams, error) {
	switch c.KDF {
	case cryptox.AlgArgon2id:
		return cryptox.DefaultParams(), nil
	case cryptox.AlgPBKDF2SHA256:
		return cryptox.PBKDF2Params(), nil
	default:
		return cryptox.KDFParams{}, fmt.Errorf("unknown kdf %q", c.KDF)
	}
}

// EngineOptions translates c into engine.Options.
func (c *Config) EngineOptions(log logging.Logger) (engine.Options, error) {
	params, err := c.KDFParams()
	if err != nil {
		return engine.Options{}, err
	}
	return engine.Options{
		Storage: storage.Options{
			Path:        c.DatabasePath,
			OpTimeout:   c.OpTimeout,
			BulkTimeout: c.BulkTimeout,
			Logger:      log,
		},
		KDFParams: params,
		Cipher:    c.Cipher,
		AutoLock:  c.AutoLockAfter,
		ChunkLen:  c.ChunkLen,
		Logger:    log,
	}, nil
}

// S3Options returns the backend options, or false when no bucket is set.
func (c *Config) S3Options() (remote.S3Options, bool) {
	if c.S3.Bucket == "" {
		return remote.S3Options{}, false
	}
	return remote.S3Options{
		Bucket:       c.S3.Bucket,
		Prefix:       c.S3.Prefix,
		Region:       c.S3.Region,
		Endpoint:     c.S3.Endpoint,
		AccessKey:    c.S3.AccessKey,
		SecretKey:    c.S3.SecretKey,
		UsePathStyle: c.S3.UsePathStyle,
	}, true
}

// LoadConfig builds a Config from defaults, then the JSON file named in args
// (if any), then the flags of fs that were set. fs must already be parsed.
func LoadConfig(args []string, fs *pflag.FlagSet) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()
	if err := parseJSON(cfg, args); err != nil {
		return nil, err
	}
	if fs != nil {
		if err := applyFlags(cfg, fs); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
