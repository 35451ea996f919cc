package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// timeoutStore bounds every call to the wrapped store.
type timeoutStore struct {
	inner   Store
	timeout time.Duration
}

// WithTimeout wraps s so each call gets at most d. Calls that run out of
// time fail with ErrUnavailable. Subscriptions are long-lived and are not
// bounded.
func WithTimeout(s Store, d time.Duration) Store {
	if d <= 0 {
		return s
	}
	return &timeoutStore{inner: s, timeout: d}
}

func (t *timeoutStore) Get(ctx context.Context, c Collection, key string) (Document, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	doc, err := t.inner.Get(ctx, c, key)
	return doc, t.wrap(err)
}

func (t *timeoutStore) Set(ctx context.Context, c Collection, key string, data json.RawMessage, mode WriteMode) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.wrap(t.inner.Set(ctx, c, key, data, mode))
}

func (t *timeoutStore) Query(ctx context.Context, q Query) ([]Document, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	docs, err := t.inner.Query(ctx, q)
	return docs, t.wrap(err)
}

func (t *timeoutStore) Batch(ctx context.Context, ops []Op) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	return t.wrap(t.inner.Batch(ctx, ops))
}

func (t *timeoutStore) Subscribe(ctx context.Context, w Watch) (Subscription, error) {
	return t.inner.Subscribe(ctx, w)
}

func (t *timeoutStore) wrap(err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timed out after %s", ErrUnavailable, t.timeout)
	}
	return err
}
