package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func raw(s string) json.RawMessage { return json.RawMessage(s) }

func field(t *testing.T, doc Document, name string) any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(doc.Data, &m))
	return m[name]
}

// runStoreSuite checks the behaviour every backend must share. Collections
// get a random suffix so shared databases need no cleanup.
func runStoreSuite(t *testing.T, s Store) {
	ctx := context.Background()
	coll := func(name string) Collection {
		return Collection(name + "_" + uuid.NewString()[:8])
	}

	t.Run("get missing document", func(t *testing.T) {
		_, err := s.Get(ctx, coll("things"), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("versions increase on every write", func(t *testing.T) {
		c := coll("things")
		require.NoError(t, s.Batch(ctx, []Op{Create(c, "a", raw(`{"n":1}`))}))
		doc, err := s.Get(ctx, c, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(1), doc.Version)

		require.NoError(t, s.Set(ctx, c, "a", raw(`{"n":2}`), Overwrite))
		doc, err = s.Get(ctx, c, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), doc.Version)
		assert.EqualValues(t, 2, field(t, doc, "n"))
	})

	t.Run("merge overlays top-level fields", func(t *testing.T) {
		c := coll("things")
		require.NoError(t, s.Set(ctx, c, "a", raw(`{"n":1,"keep":"yes"}`), Overwrite))
		require.NoError(t, s.Set(ctx, c, "a", raw(`{"n":5}`), Merge))

		doc, err := s.Get(ctx, c, "a")
		require.NoError(t, err)
		assert.EqualValues(t, 5, field(t, doc, "n"))
		assert.Equal(t, "yes", field(t, doc, "keep"))
	})

	t.Run("create on existing document rejects the whole batch", func(t *testing.T) {
		c := coll("things")
		require.NoError(t, s.Set(ctx, c, "a", raw(`{"n":1}`), Overwrite))

		err := s.Batch(ctx, []Op{
			Put(c, "b", raw(`{"n":2}`)),
			Create(c, "a", raw(`{"n":3}`)),
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrExists)

		var batchErr *BatchError
		require.True(t, errors.As(err, &batchErr))
		assert.Equal(t, 1, batchErr.Index)

		_, err = s.Get(ctx, c, "b")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("conditional write on stale version", func(t *testing.T) {
		c := coll("things")
		require.NoError(t, s.Set(ctx, c, "a", raw(`{"n":1}`), Overwrite))
		doc, err := s.Get(ctx, c, "a")
		require.NoError(t, err)

		require.NoError(t, s.Batch(ctx, []Op{Put(c, "a", raw(`{"n":2}`)).IfVersion(doc.Version)}))
		err = s.Batch(ctx, []Op{Put(c, "a", raw(`{"n":3}`)).IfVersion(doc.Version)})
		assert.ErrorIs(t, err, ErrVersionConflict)

		doc, err = s.Get(ctx, c, "a")
		require.NoError(t, err)
		assert.EqualValues(t, 2, field(t, doc, "n"))
	})

	t.Run("delete", func(t *testing.T) {
		c := coll("things")
		require.NoError(t, s.Set(ctx, c, "a", raw(`{"n":1}`), Overwrite))
		require.NoError(t, s.Batch(ctx, []Op{Delete(c, "a"), Delete(c, "never")}))

		_, err := s.Get(ctx, c, "a")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("rejects non-object data", func(t *testing.T) {
		c := coll("things")
		err := s.Set(ctx, c, "a", raw(`[1,2]`), Overwrite)
		assert.Error(t, err)
	})

	t.Run("query filters and orders", func(t *testing.T) {
		c := coll("things")
		require.NoError(t, s.Batch(ctx, []Op{
			Put(c, "x", raw(`{"n":3,"g":"a"}`)),
			Put(c, "y", raw(`{"n":1,"g":"a"}`)),
			Put(c, "z", raw(`{"n":2,"g":"b"}`)),
			Put(c, "w", raw(`{"n":10,"g":"a"}`)),
		}))

		docs, err := s.Query(ctx, Query{Collection: c, Filters: []Filter{Eq("g", "a")}, OrderBy: "n"})
		require.NoError(t, err)
		assert.Equal(t, []string{"y", "x", "w"}, keys(docs))

		docs, err = s.Query(ctx, Query{Collection: c, OrderBy: "n", Descending: true, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []string{"w", "x"}, keys(docs))

		docs, err = s.Query(ctx, Query{Collection: c, Filters: []Filter{Eq("n", 2)}})
		require.NoError(t, err)
		assert.Equal(t, []string{"z"}, keys(docs))
	})
}

func keys(docs []Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Key
	}
	return out
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	s := NewRedisStore(client, "typerace-test-"+uuid.NewString()[:8]+":")
	runStoreSuite(t, s)

	t.Run("subscription streams", func(t *testing.T) {
		testStreamingSubscription(t, s)
	})
}

func TestGormStore(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	s := NewGormStore(db)
	require.NoError(t, s.Migrate())
	runStoreSuite(t, s)

	t.Run("subscribe is unavailable", func(t *testing.T) {
		_, err := s.Subscribe(context.Background(), Watch{Collection: "x"})
		assert.ErrorIs(t, err, ErrSubscriptionUnavailable)
	})
}

func TestPlan(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	t.Run("later ops see earlier ones", func(t *testing.T) {
		changes, err := plan([]Op{
			Create("c", "a", raw(`{"n":1}`)),
			MergeOp("c", "a", raw(`{"m":2}`)).IfVersion(1),
		}, map[docID]Document{}, now)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		assert.Equal(t, int64(2), changes[0].doc.Version)
		assert.JSONEq(t, `{"n":1,"m":2}`, string(changes[0].doc.Data))
		assert.Equal(t, 0, changes[0].createdBy)
	})

	t.Run("version match on missing document", func(t *testing.T) {
		_, err := plan([]Op{Put("c", "a", raw(`{}`)).IfVersion(3)}, map[docID]Document{}, now)
		assert.ErrorIs(t, err, ErrVersionConflict)
	})

	t.Run("delete then recreate keeps versions increasing", func(t *testing.T) {
		current := map[docID]Document{idOf("c", "a"): {Collection: "c", Key: "a", Data: raw(`{}`), Version: 4}}
		changes, err := plan([]Op{Delete("c", "a"), Put("c", "a", raw(`{"n":1}`))}, current, now)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		assert.False(t, changes[0].deleted)
		assert.Equal(t, int64(5), changes[0].doc.Version)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := plan([]Op{Put("c", "", raw(`{}`))}, map[docID]Document{}, now)
		var batchErr *BatchError
		assert.True(t, errors.As(err, &batchErr))
	})
}
