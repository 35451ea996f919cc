package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"typerace/scoring"
	"typerace/store"
)

func TestBackoff_ReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	start := time.Now()
	// Attempt a million would wait over half an hour.
	err := backoff(ctx, 1_000_000)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRetry(t *testing.T) {
	f := newFixture(t)

	t.Run("replans lost races until success", func(t *testing.T) {
		calls := 0
		err := f.coord.retryN(f.ctx, "test", 5, func(n int) error {
			calls++
			if n < 3 {
				return store.ErrVersionConflict
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("other errors stop at once", func(t *testing.T) {
		calls := 0
		boom := errors.New("boom")
		err := f.coord.retryN(f.ctx, "test", 5, func(int) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up as transient", func(t *testing.T) {
		calls := 0
		err := f.coord.retryN(f.ctx, "test", 4, func(int) error {
			calls++
			return store.ErrVersionConflict
		})
		require.Error(t, err)
		assert.Equal(t, 4, calls)
		assert.True(t, IsRetryable(err))
	})

	t.Run("cancellation stops replanning", func(t *testing.T) {
		ctx, cancel := context.WithCancel(f.ctx)
		calls := 0
		err := f.coord.retryN(ctx, "test", 100, func(int) error {
			calls++
			cancel()
			return store.ErrVersionConflict
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
		assert.Equal(t, KindTransient, KindOf(err))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestNew(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	c, err := New(Options{Store: store.NewMemoryStore()})
	require.NoError(t, err)
	assert.Equal(t, scoring.DefaultPolicy, c.ScoringPolicy())
}
