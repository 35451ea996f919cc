package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stalled blocks every read until the caller gives up.
type stalled struct{ *MemoryStore }

func (stalled) Get(ctx context.Context, _ Collection, _ string) (Document, error) {
	<-ctx.Done()
	return Document{}, ctx.Err()
}

func (stalled) Batch(ctx context.Context, _ []Op) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestWithTimeout(t *testing.T) {
	s := WithTimeout(stalled{NewMemoryStore()}, 20*time.Millisecond)
	ctx := context.Background()

	_, err := s.Get(ctx, "rooms", "r1")
	assert.ErrorIs(t, err, ErrUnavailable)

	err = s.Batch(ctx, []Op{Put("rooms", "r1", raw(`{}`))})
	assert.ErrorIs(t, err, ErrUnavailable)

	// Other errors pass through unchanged.
	docs, err := s.Query(ctx, Query{Collection: "rooms"})
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestWithTimeout_KeepsDomainErrors(t *testing.T) {
	s := WithTimeout(NewMemoryStore(), time.Second)
	_, err := s.Get(context.Background(), "rooms", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestWithTimeout_ZeroDisables(t *testing.T) {
	mem := NewMemoryStore()
	assert.Same(t, Store(mem), WithTimeout(mem, 0))
}
