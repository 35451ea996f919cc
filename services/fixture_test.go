package services

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"typerace/models"
	"typerace/scoring"
	"typerace/store"
)

type mockScheduler struct {
	mock.Mock
}

func (m *mockScheduler) Schedule(ctx context.Context, t Transition, delay time.Duration) error {
	args := m.Called(ctx, t, delay)
	return args.Error(0)
}

// testClock hands out strictly increasing times.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

// faultyStore wraps a memory store so tests can fail batches or run code
// just before one is applied.
type faultyStore struct {
	*store.MemoryStore
	failBatches  atomic.Int32
	beforeBatch  atomic.Pointer[func()]
	batchesTried atomic.Int32
}

func (s *faultyStore) Batch(ctx context.Context, ops []store.Op) error {
	s.batchesTried.Add(1)
	if hook := s.beforeBatch.Swap(nil); hook != nil {
		(*hook)()
	}
	if s.failBatches.Load() > 0 {
		s.failBatches.Add(-1)
		return store.ErrUnavailable
	}
	return s.MemoryStore.Batch(ctx, ops)
}

func (s *faultyStore) Set(ctx context.Context, c store.Collection, key string, data json.RawMessage, mode store.WriteMode) error {
	op := store.Put(c, key, data)
	if mode == store.Merge {
		op = store.MergeOp(c, key, data)
	}
	return s.Batch(ctx, []store.Op{op})
}

// runBeforeNextBatch runs fn once, right before the next batch is applied.
func (s *faultyStore) runBeforeNextBatch(fn func()) {
	s.beforeBatch.Store(&fn)
}

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *faultyStore
	sched *mockScheduler
	clock *testClock
	coord *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: &faultyStore{MemoryStore: store.NewMemoryStore()},
		sched: new(mockScheduler),
		clock: &testClock{t: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)},
	}
	f.sched.On("Schedule", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	engine, err := scoring.New(scoring.PolicyCharacter)
	require.NoError(t, err)

	f.coord, err = New(Options{
		Store:             f.store,
		Scoring:           engine,
		Scheduler:         f.sched,
		Logger:            logrus.NewEntry(logger),
		Now:               f.clock.Now,
		PresentationDelay: 3 * time.Second,
		LeaderboardDelay:  7 * time.Second,
		PollInterval:      10 * time.Millisecond,
	})
	require.NoError(t, err)
	return f
}

func roundCfg(r int, ref string, qualify int) models.RoundConfig {
	return models.RoundConfig{Round: r, ReferenceText: ref, TimeLimitSeconds: 60, QualifyCount: qualify}
}

func (f *fixture) createRoom(rounds ...models.RoundConfig) models.Room {
	f.t.Helper()
	created, err := f.coord.CreateRoom(f.ctx, CreateRoomRequest{CreatedBy: "admin", Rounds: rounds})
	require.NoError(f.t, err)
	return created.Room
}

func (f *fixture) join(room models.Room, ids ...string) {
	f.t.Helper()
	for _, id := range ids {
		_, err := f.coord.JoinRoom(f.ctx, JoinRequest{Code: room.JoinCode, ParticipantID: id, DisplayName: "Player " + id})
		require.NoError(f.t, err)
	}
}

// startedRoom creates a room, joins ids and starts round 1.
func (f *fixture) startedRoom(qualify int, ids ...string) models.Room {
	f.t.Helper()
	room := f.createRoom(roundCfg(1, "the quick brown fox", qualify), roundCfg(2, "jumps over the lazy dog", 1))
	f.join(room, ids...)
	_, err := f.coord.StartRound(f.ctx, room.ID, 1)
	require.NoError(f.t, err)
	return room
}

func (f *fixture) submit(roomID string, r int, pid, text string, elapsed float64) *SubmitOutcome {
	f.t.Helper()
	out, err := f.coord.SubmitResult(f.ctx, SubmitRequest{
		ParticipantID:  pid,
		RoomID:         roomID,
		Round:          r,
		SubmittedText:  text,
		ElapsedSeconds: elapsed,
	})
	require.NoError(f.t, err)
	return out
}

func (f *fixture) participant(id string) models.Participant {
	f.t.Helper()
	p, err := getRecord[models.Participant](f.ctx, f.store, CollParticipants, id)
	require.NoError(f.t, err)
	return p.Value
}

func (f *fixture) room(id string) models.Room {
	f.t.Helper()
	room, err := f.coord.GetRoom(f.ctx, id)
	require.NoError(f.t, err)
	return *room
}

func (f *fixture) statuses(ids ...string) map[string]models.ParticipantStatus {
	f.t.Helper()
	out := make(map[string]models.ParticipantStatus, len(ids))
	for _, id := range ids {
		out[id] = f.participant(id).Status
	}
	return out
}
