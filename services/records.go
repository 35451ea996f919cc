package services

import (
	"context"
	"math/rand/v2"
	"time"

	"typerace/models"
	"typerace/store"
)

// versioned is a decoded record together with the version it was read at,
// which later writes use as their compare-and-set condition.
type versioned[T any] struct {
	Value   T
	Version int64
}

func getRecord[T any](ctx context.Context, s store.Store, c store.Collection, key string) (versioned[T], error) {
	var out versioned[T]
	doc, err := s.Get(ctx, c, key)
	if err != nil {
		return out, err
	}
	if err := models.Decode(doc.Data, &out.Value); err != nil {
		return out, err
	}
	out.Version = doc.Version
	return out, nil
}

func queryRecords[T any](ctx context.Context, s store.Store, q store.Query) ([]versioned[T], error) {
	docs, err := s.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]versioned[T], len(docs))
	for i, doc := range docs {
		if err := models.Decode(doc.Data, &out[i].Value); err != nil {
			return nil, err
		}
		out[i].Version = doc.Version
	}
	return out, nil
}

// putOp writes v, conditional on version when it is positive.
func putOp(c store.Collection, key string, v any, version int64) (store.Op, error) {
	data, err := models.Encode(v)
	if err != nil {
		return store.Op{}, err
	}
	return store.Put(c, key, data).IfVersion(version), nil
}

func createOp(c store.Collection, key string, v any) (store.Op, error) {
	data, err := models.Encode(v)
	if err != nil {
		return store.Op{}, err
	}
	return store.Create(c, key, data), nil
}

// backoff waits a few jittered milliseconds, growing with the attempt,
// and returns early with ctx's error if it is cancelled.
func backoff(ctx context.Context, attempt int) error {
	base := time.Duration(attempt) * 2 * time.Millisecond
	timer := time.NewTimer(base + rand.N(base+time.Millisecond))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
