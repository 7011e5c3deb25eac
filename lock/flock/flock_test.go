package flock

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockExcludesSecondHolder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.lock")
	a, b := New(path), New(path)
	ctx := context.Background()

	require.NoError(t, a.Lock(ctx))
	ok, err := b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Unlock(ctx))
	ok, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Unlock(ctx))
}

func TestLockHonoursContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.lock")
	l := New(path)
	require.NoError(t, l.Lock(context.Background()))
	defer l.Unlock(context.Background()) //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := l.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
