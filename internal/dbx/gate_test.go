package dbx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dmitrijs2005/gophvault/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate_SerializesHolders(t *testing.T) {
	g := NewGate()

	release, err := g.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.Acquire(ctx)
	require.ErrorIs(t, err, common.ErrStorageIO, "second holder must time out as a storage error")

	release()

	release2, err := g.Acquire(context.Background())
	require.NoError(t, err)
	release2()
}

func TestGate_CanceledPassesThrough(t *testing.T) {
	g := NewGate()
	release, err := g.Acquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = g.Acquire(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, common.ErrStorageIO))
}

func TestIOError(t *testing.T) {
	assert.NoError(t, IOError("op", nil))

	err := IOError("select", errors.New("disk I/O error"))
	assert.ErrorIs(t, err, common.ErrStorageIO)
	assert.Contains(t, err.Error(), "select")

	err = IOError("select", context.DeadlineExceeded)
	assert.ErrorIs(t, err, common.ErrStorageIO)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMillis_RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 123_000_000, time.UTC)
	assert.Equal(t, now, FromMillis(Millis(now)))
	assert.Equal(t, int64(0), Millis(time.Time{}))
	assert.True(t, FromMillis(0).IsZero())
}
