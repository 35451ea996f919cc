package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// maxTxAttempts bounds how often a batch is retried when a watched key
// changes between read and commit.
const maxTxAttempts = 16

// RedisStore keeps each document as a JSON envelope under its own key, an
// index set per collection, and publishes a message per collection on
// every committed batch.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	now       func() time.Time
}

type envelope struct {
	Version   int64           `json:"v"`
	UpdatedAt time.Time       `json:"t"`
	Data      json.RawMessage `json:"d"`
}

// NewRedisStore creates a store on client. Keys are namespaced with
// keyPrefix.
func NewRedisStore(client *redis.Client, keyPrefix string) *RedisStore {
	if client == nil {
		panic("store: redis client cannot be nil")
	}
	if keyPrefix == "" {
		keyPrefix = "typerace:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

func (r *RedisStore) docKey(c Collection, key string) string {
	return fmt.Sprintf("%sdoc:%s:%s", r.keyPrefix, c, key)
}

func (r *RedisStore) indexKey(c Collection) string {
	return fmt.Sprintf("%sidx:%s", r.keyPrefix, c)
}

func (r *RedisStore) channel(c Collection) string {
	return fmt.Sprintf("%schg:%s", r.keyPrefix, c)
}

// Get reads one document.
func (r *RedisStore) Get(ctx context.Context, c Collection, key string) (Document, error) {
	raw, err := r.client.Get(ctx, r.docKey(c, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, r.unavailable("get", err)
	}
	return decodeEnvelope(c, key, raw)
}

// Set writes a single document.
func (r *RedisStore) Set(ctx context.Context, c Collection, key string, data json.RawMessage, mode WriteMode) error {
	return r.Batch(ctx, []Op{setOp(c, key, data, mode)})
}

// Query loads the whole collection through its index and filters it
// client side.
func (r *RedisStore) Query(ctx context.Context, q Query) ([]Document, error) {
	keys, err := r.client.SMembers(ctx, r.indexKey(q.Collection)).Result()
	if err != nil {
		return nil, r.unavailable("query index", err)
	}
	if len(keys) == 0 {
		return []Document{}, nil
	}

	docKeys := make([]string, len(keys))
	for i, k := range keys {
		docKeys[i] = r.docKey(q.Collection, k)
	}
	vals, err := r.client.MGet(ctx, docKeys...).Result()
	if err != nil {
		return nil, r.unavailable("query documents", err)
	}

	docs := make([]Document, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Indexed but deleted between the two reads.
			continue
		}
		doc, err := decodeEnvelope(q.Collection, keys[i], []byte(s))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return selectDocuments(docs, q), nil
}

// Batch runs ops as an optimistic transaction: the touched keys are
// watched, read, planned against and committed in one MULTI. A concurrent
// write to any of them aborts the commit and the batch is replanned.
func (r *RedisStore) Batch(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	ids := touchedIDs(ops)
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.docKey(id.c, id.key)
	}

	var rejected error
	txf := func(tx *redis.Tx) error {
		vals, err := tx.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		current := make(map[docID]Document, len(ids))
		for i, v := range vals {
			s, ok := v.(string)
			if !ok {
				continue
			}
			doc, err := decodeEnvelope(ids[i].c, ids[i].key, []byte(s))
			if err != nil {
				rejected = err
				return err
			}
			current[ids[i]] = doc
		}

		changes, err := plan(ops, current, r.now().UTC())
		if err != nil {
			rejected = err
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			touched := make(map[Collection]bool)
			for _, ch := range changes {
				touched[ch.id.c] = true
				key := r.docKey(ch.id.c, ch.id.key)
				if ch.deleted {
					pipe.Del(ctx, key)
					pipe.SRem(ctx, r.indexKey(ch.id.c), ch.id.key)
					continue
				}
				raw, err := json.Marshal(envelope{Version: ch.doc.Version, UpdatedAt: ch.doc.UpdatedAt, Data: ch.doc.Data})
				if err != nil {
					return err
				}
				pipe.Set(ctx, key, raw, 0)
				pipe.SAdd(ctx, r.indexKey(ch.id.c), ch.id.key)
			}
			for c := range touched {
				pipe.Publish(ctx, r.channel(c), "changed")
			}
			return nil
		})
		return err
	}

	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		rejected = nil
		err := r.client.Watch(ctx, txf, keys...)
		switch {
		case err == nil:
			return nil
		case rejected != nil:
			return rejected
		case errors.Is(err, redis.TxFailedErr):
			logrus.WithField("attempt", attempt).Debug("store: redis batch raced, retrying")
			continue
		case errors.Is(err, context.Canceled):
			return err
		default:
			return r.unavailable("batch", err)
		}
	}
	return fmt.Errorf("store: redis batch kept racing after %d attempts: %w", maxTxAttempts, ErrVersionConflict)
}

// Subscribe listens on the collection's change channel and re-evaluates
// the watch on every message.
func (r *RedisStore) Subscribe(ctx context.Context, w Watch) (Subscription, error) {
	pubsub := r.client.Subscribe(ctx, r.channel(w.Collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: %v", ErrSubscriptionUnavailable, err)
	}

	triggers := make(chan struct{}, 1)
	go func() {
		for range pubsub.Channel() {
			select {
			case triggers <- struct{}{}:
			default:
			}
		}
	}()
	stop := func() {
		if err := pubsub.Close(); err != nil {
			logrus.WithError(err).Warn("store: closing redis subscription")
		}
	}
	return startFeed(ctx, evaluator(r, w), triggers, stop), nil
}

func (r *RedisStore) unavailable(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", ErrUnavailable, op, err)
}

func decodeEnvelope(c Collection, key string, raw []byte) (Document, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Document{}, fmt.Errorf("store: corrupt document %s/%s: %w", c, key, err)
	}
	return Document{Collection: c, Key: key, Data: env.Data, Version: env.Version, UpdatedAt: env.UpdatedAt}, nil
}
