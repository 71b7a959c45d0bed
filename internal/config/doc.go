// Package config loads runtime configuration for vaultctl.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file selected with -c or --config.
//  3. Command-line flags, which override earlier values. Only flags the user
//     actually set are applied.
//
// # JSON schema
//
// Durations use timex.Duration, so values can be strings like "30s" or
// integer nanoseconds:
//
//	{
//	  "database_path": "vault.db",
//	  "op_timeout": "5s",
//	  "bulk_timeout": "2m",
//	  "auto_lock_after": "5m",
//	  "kdf": "argon2id",
//	  "cipher": "aes-256-gcm",
//	  "chunk_len": 1024,
//	  "log_level": "warn",
//	  "s3": {"bucket": "my-vault", "prefix": "devices/laptop", "region": "eu-central-1"}
//	}
//
// Note: This package does not read environment variables. S3 credentials not
// given here fall back to the AWS default chain.
package config
