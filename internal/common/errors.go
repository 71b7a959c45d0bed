// Package common defines shared sentinel errors and small helpers used across
// GophVault components. Callers should use errors.Is to match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrorAlreadyExists = errors.New("already exists")
	ErrVersionConflict = errors.New("version conflict")
	ErrStorageIO       = errors.New("storage i/o error")

	// Key derivation and cipher errors.
	ErrParameter             = errors.New("invalid parameter")
	ErrAuthenticationFailure = errors.New("authentication failure")

	// Identity and session errors.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSessionLocked      = errors.New("session locked")
	ErrReKeyFailure       = errors.New("re-key failure")

	// Backup errors.
	ErrMalformedBackup = errors.New("malformed backup")
	ErrBackupExpired   = fmt.Errorf("backup expired: %w", ErrMalformedBackup)
)
