package common

import (
	"errors"
	"testing"
)

func TestErrBackupExpired_IsMalformed(t *testing.T) {
	if !errors.Is(ErrBackupExpired, ErrMalformedBackup) {
		t.Fatalf("expired backup must match ErrMalformedBackup")
	}
	if errors.Is(ErrMalformedBackup, ErrBackupExpired) {
		t.Fatalf("ErrMalformedBackup must not match ErrBackupExpired")
	}
}
