package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/gophvault/internal/flagx"
	"github.com/dmitrijs2005/gophvault/internal/timex"
)

type jsonS3 struct {
	Bucket       string `json:"bucket"`
	Prefix       string `json:"prefix"`
	Region       string `json:"region"`
	Endpoint     string `json:"endpoint"`
	AccessKey    string `json:"access_key"`
	SecretKey    string `json:"secret_key"`
	UsePathStyle bool   `json:"use_path_style"`
}

// jsonConfig is a DTO used exclusively for JSON unmarshalling. It is seeded
// from the current Config so keys missing from the file keep their values.
type jsonConfig struct {
	DatabasePath  string         `json:"database_path"`
	OpTimeout     timex.Duration `json:"op_timeout"`
	BulkTimeout   timex.Duration `json:"bulk_timeout"`
	AutoLockAfter timex.Duration `json:"auto_lock_after"`
	KDF           string         `json:"kdf"`
	Cipher        string         `json:"cipher"`
	ChunkLen      int            `json:"chunk_len"`
	LogLevel      string         `json:"log_level"`
	S3            jsonS3         `json:"s3"`
}

func toJSON(c *Config) jsonConfig {
	return jsonConfig{
		DatabasePath:  c.DatabasePath,
		OpTimeout:     timex.Duration{Duration: c.OpTimeout},
		BulkTimeout:   timex.Duration{Duration: c.BulkTimeout},
		AutoLockAfter: timex.Duration{Duration: c.AutoLockAfter},
		KDF:           c.KDF,
		Cipher:        c.Cipher,
		ChunkLen:      c.ChunkLen,
		LogLevel:      c.LogLevel,
		S3:            jsonS3(c.S3),
	}
}

func (jc jsonConfig) apply(c *Config) {
	c.DatabasePath = jc.DatabasePath
	c.OpTimeout = jc.OpTimeout.Duration
	c.BulkTimeout = jc.BulkTimeout.Duration
	c.AutoLockAfter = jc.AutoLockAfter.Duration
	c.KDF = jc.KDF
	c.Cipher = jc.Cipher
	c.ChunkLen = jc.ChunkLen
	c.LogLevel = jc.LogLevel
	c.S3 = S3Config(jc.S3)
}

// parseJSON overlays cfg with the file named by -c or --config in args. No
// flag means no file and no change.
func parseJSON(cfg *Config, args []string) error {
	path := flagx.ConfigPath(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	jc := toJSON(cfg)
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&jc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	jc.apply(cfg)
	return nil
}
