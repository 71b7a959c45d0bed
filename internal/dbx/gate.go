package dbx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
)

// Gate serializes writers. SQLite allows a single writer at a time, so all
// mutating transactions pass through one Gate instead of fighting over the
// database lock.
type Gate struct {
	ch chan struct{}
}

func NewGate() *Gate {
	return &Gate{ch: make(chan struct{}, 1)}
}

// Acquire blocks until the gate is free or ctx is done.
// On success the caller must call the returned release func exactly once.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, IOError("acquire write gate", err)
	}
	select {
	case g.ch <- struct{}{}:
		return func() { <-g.ch }, nil
	case <-ctx.Done():
		return nil, IOError("acquire write gate", ctx.Err())
	}
}

// IOError classifies a storage failure. Deadline exhaustion and driver errors
// become common.ErrStorageIO; caller cancellation passes through untouched so
// it can be told apart from an unavailable store.
func IOError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, common.ErrStorageIO, err)
}

// Millis converts t to the unix-millisecond integers stored in the database.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
