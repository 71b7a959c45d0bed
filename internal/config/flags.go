package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

// Flag names shared by RegisterFlags and applyFlags.
const (
	FlagConfig      = "config"
	flagDatabase    = "db"
	flagOpTimeout   = "op-timeout"
	flagBulkTimeout = "bulk-timeout"
	flagAutoLock    = "auto-lock"
	flagKDF         = "kdf"
	flagCipher      = "cipher"
	flagChunkLen    = "chunk-len"
	flagLogLevel    = "log-level"
	flagS3Bucket    = "s3-bucket"
	flagS3Prefix    = "s3-prefix"
	flagS3Region    = "s3-region"
	flagS3Endpoint  = "s3-endpoint"
	flagS3PathStyle = "s3-path-style"
)

// RegisterFlags defines every configuration flag on fs with the built-in
// defaults shown in help output.
func RegisterFlags(fs *pflag.FlagSet) {
	var d Config
	d.LoadDefaults()

	fs.StringP(FlagConfig, "c", "", "path to a JSON config file")
	fs.String(flagDatabase, d.DatabasePath, "path to the vault database")
	fs.Duration(flagOpTimeout, d.OpTimeout, "timeout for single storage operations")
	fs.Duration(flagBulkTimeout, d.BulkTimeout, "timeout for re-key and import")
	fs.Duration(flagAutoLock, d.AutoLockAfter, "lock the vault after this much inactivity (0 disables)")
	fs.String(flagKDF, d.KDF, "key derivation for new vaults: argon2id or pbkdf2-sha256")
	fs.String(flagCipher, d.Cipher, "cipher for new vaults: aes-256-gcm or xchacha20-poly1305")
	fs.Int(flagChunkLen, d.ChunkLen, "maximum characters per transfer chunk")
	fs.String(flagLogLevel, d.LogLevel, "log level: debug, info, warn or error")
	fs.String(flagS3Bucket, "", "S3 bucket used by sync")
	fs.String(flagS3Prefix, "", "key prefix inside the bucket")
	fs.String(flagS3Region, "", "S3 region")
	fs.String(flagS3Endpoint, "", "custom S3 endpoint, e.g. for MinIO")
	fs.Bool(flagS3PathStyle, false, "use path-style S3 addressing")
}

// applyFlags copies the flags the user set into cfg. Flags left at their
// defaults do not override values loaded from JSON.
func applyFlags(cfg *Config, fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case flagDatabase:
			cfg.DatabasePath, err = fs.GetString(f.Name)
		case flagOpTimeout:
			cfg.OpTimeout, err = fs.GetDuration(f.Name)
		case flagBulkTimeout:
			cfg.BulkTimeout, err = fs.GetDuration(f.Name)
		case flagAutoLock:
			cfg.AutoLockAfter, err = fs.GetDuration(f.Name)
		case flagKDF:
			cfg.KDF, err = fs.GetString(f.Name)
		case flagCipher:
			cfg.Cipher, err = fs.GetString(f.Name)
		case flagChunkLen:
			cfg.ChunkLen, err = fs.GetInt(f.Name)
		case flagLogLevel:
			cfg.LogLevel, err = fs.GetString(f.Name)
		case flagS3Bucket:
			cfg.S3.Bucket, err = fs.GetString(f.Name)
		case flagS3Prefix:
			cfg.S3.Prefix, err = fs.GetString(f.Name)
		case flagS3Region:
			cfg.S3.Region, err = fs.GetString(f.Name)
		case flagS3Endpoint:
			cfg.S3.Endpoint, err = fs.GetString(f.Name)
		case flagS3PathStyle:
			cfg.S3.UsePathStyle, err = fs.GetBool(f.Name)
		}
		if err != nil {
			err = fmt.Errorf("flag --%s: %w", f.Name, err)
		}
	})
	return err
}
