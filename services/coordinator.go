package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"typerace/scoring"
	"typerace/store"
)

const (
	CollRooms        store.Collection = "rooms"
	CollRoundConfigs store.Collection = "round_configs"
	CollParticipants store.Collection = "participants"
	CollResults      store.Collection = "results"
	CollLedgers      store.Collection = "round_ledgers"
	CollRoomCodes    store.Collection = "room_codes"
)

// TransitionKind names a deferred round transition.
type TransitionKind string

const (
	TransitionEndRound        TransitionKind = "round:end"
	TransitionShowLeaderboard TransitionKind = "round:leaderboard"
	TransitionCloseRound      TransitionKind = "round:close"
)

// Transition is a state change to run later.
type Transition struct {
	Kind   TransitionKind `json:"kind"`
	RoomID string         `json:"room_id"`
	Round  int            `json:"round"`
}

// Scheduler runs transitions after a delay. Implementations must tolerate
// the same transition being scheduled more than once.
type Scheduler interface {
	Schedule(ctx context.Context, t Transition, delay time.Duration) error
}

// Options configures a Coordinator. Store is required; everything else
// has a default.
type Options struct {
	Store     store.Store
	Scoring   scoring.Engine
	Scheduler Scheduler
	Logger    *logrus.Entry
	Now       func() time.Time

	// PresentationDelay is how long results are shown before the
	// leaderboard, LeaderboardDelay how long the leaderboard is shown
	// before the round closes.
	PresentationDelay time.Duration
	LeaderboardDelay  time.Duration

	// PollInterval is used by Watch when the store cannot stream.
	PollInterval time.Duration

	// MaxAttempts bounds how often a transition is replanned after losing
	// a compare-and-set race.
	MaxAttempts int
}

const (
	defaultPresentationDelay = 5 * time.Second
	defaultLeaderboardDelay  = 10 * time.Second
	defaultMaxAttempts       = 8
)

// Coordinator runs the round lifecycle of every room. It keeps no state of
// its own between calls; every decision is made against the store and
// committed with conditional batches.
type Coordinator struct {
	store     store.Store
	engine    scoring.Engine
	scheduler Scheduler
	log       *logrus.Entry
	now       func() time.Time

	presentationDelay time.Duration
	leaderboardDelay  time.Duration
	pollInterval      time.Duration
	maxAttempts       int
}

// New creates a Coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Store == nil {
		return nil, errors.New("services: coordinator needs a store")
	}
	c := &Coordinator{
		store:             opts.Store,
		engine:            opts.Scoring,
		scheduler:         opts.Scheduler,
		log:               opts.Logger,
		now:               opts.Now,
		presentationDelay: opts.PresentationDelay,
		leaderboardDelay:  opts.LeaderboardDelay,
		pollInterval:      opts.PollInterval,
		maxAttempts:       opts.MaxAttempts,
	}
	if c.log == nil {
		c.log = logrus.NewEntry(logrus.StandardLogger())
	}
	c.log = c.log.WithField("component", "coordinator")
	if c.now == nil {
		c.now = time.Now
	}
	if c.presentationDelay <= 0 {
		c.presentationDelay = defaultPresentationDelay
	}
	if c.leaderboardDelay <= 0 {
		c.leaderboardDelay = defaultLeaderboardDelay
	}
	if c.pollInterval <= 0 {
		c.pollInterval = store.DefaultPollInterval
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	return c, nil
}

// ScoringPolicy is the policy every result of this deployment is scored
// with.
func (c *Coordinator) ScoringPolicy() scoring.Policy { return c.engine.Policy() }

func (c *Coordinator) clock() time.Time { return c.now().UTC() }

func (c *Coordinator) roundLog(roomID string, round int) *logrus.Entry {
	return c.log.WithFields(logrus.Fields{"room_id": roomID, "round": round})
}

// schedule hands a transition to the scheduler. The transition that
// triggered it is already committed, so a failure here is logged rather
// than returned; the step can still be triggered by an admin.
func (c *Coordinator) schedule(ctx context.Context, t Transition, delay time.Duration) {
	if c.scheduler == nil {
		return
	}
	entry := c.roundLog(t.RoomID, t.Round).WithFields(logrus.Fields{
		"transition": t.Kind,
		"delay":      delay.String(),
	})
	if err := c.scheduler.Schedule(ctx, t, delay); err != nil {
		entry.WithError(err).Error("failed to schedule transition")
		return
	}
	entry.Debug("transition scheduled")
}

// retry runs attempt until it succeeds, fails with something other than a
// lost compare-and-set race, or runs out of attempts.
func (c *Coordinator) retry(ctx context.Context, op string, attempt func(n int) error) error {
	return c.retryN(ctx, op, c.maxAttempts, attempt)
}

func (c *Coordinator) retryN(ctx context.Context, op string, limit int, attempt func(n int) error) error {
	var err error
	for n := 1; n <= limit; n++ {
		err = attempt(n)
		if err == nil || !isRace(err) {
			return err
		}
		if n == limit {
			break
		}
		if ctxErr := backoff(ctx, n); ctxErr != nil {
			return newError(KindTransient, op, ctxErr)
		}
	}
	return storeError(op, err)
}

// isRace reports a lost compare-and-set: a version moved or a document
// appeared between our read and our write.
func isRace(err error) bool {
	return errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrExists)
}
