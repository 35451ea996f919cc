package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"typerace/models"
	"typerace/store"
)

// StartRound moves a room into round r and activates every participant
// eligible for it, all in one conditional batch. It is rejected unless
// the room is exactly where round r may start from, so a stale caller
// cannot restart a round that already moved on.
func (c *Coordinator) StartRound(ctx context.Context, roomID string, r int) (*models.Room, error) {
	const op = "start round"
	if err := checkRound(op, r); err != nil {
		return nil, err
	}
	log := c.roundLog(roomID, r)

	var (
		started   models.Room
		activated int
		cfg       models.RoundConfig
	)
	err := c.retry(ctx, op, func(int) error {
		room, err := c.loadRoom(ctx, op, roomID)
		if err != nil {
			return err
		}
		stage, err := room.Value.Stage()
		if err != nil {
			return newError(KindInternal, op, err)
		}
		if !stage.CanStart(r) {
			return newError(KindConflict, op, fmt.Errorf("%w: cannot start round %d from %q", ErrInvalidTransition, r, room.Value.Status))
		}
		if cfg, err = c.loadRoundConfig(ctx, op, roomID, r); err != nil {
			return err
		}
		participants, err := c.roomParticipants(ctx, op, roomID)
		if err != nil {
			return err
		}

		now := c.clock()
		next := room.Value
		next.Status = models.ActiveStage(r).String()
		next.CurrentRound = r
		next.RoundStartedAt = &now
		next.RoundEndedAt = nil

		ops := make([]store.Op, 0, len(participants)+2)
		roomOp, err := putOp(CollRooms, roomID, next, room.Version)
		if err != nil {
			return newError(KindInternal, op, err)
		}
		ledgerOp, err := createOp(CollLedgers, models.LedgerKey(roomID, r), models.RoundLedger{RoomID: roomID, Round: r})
		if err != nil {
			return newError(KindInternal, op, err)
		}
		ops = append(ops, roomOp, ledgerOp)

		activated = 0
		for _, p := range participants {
			updated, ok := activate(p.Value, r, now)
			if !ok {
				continue
			}
			pOp, err := putOp(CollParticipants, updated.ID, updated, p.Version)
			if err != nil {
				return newError(KindInternal, op, err)
			}
			ops = append(ops, pOp)
			activated++
		}

		if err := c.store.Batch(ctx, ops); err != nil {
			return storeError(op, err)
		}
		started = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry := log.WithFields(logrus.Fields{"participants": activated, "time_limit": cfg.TimeLimit().String()})
	if activated == 0 {
		entry.Warn("round started with no eligible participants")
	} else {
		entry.Info("round started")
	}
	c.schedule(ctx, Transition{Kind: TransitionEndRound, RoomID: roomID, Round: r}, cfg.TimeLimit())
	return &started, nil
}

// AdvanceAfterElimination moves the room from r_active to r_result once
// round r's outcome is recorded. EndRound does this in the same batch as
// the outcome; calling it afterwards is a no-op.
func (c *Coordinator) AdvanceAfterElimination(ctx context.Context, roomID string, r int) (*models.Room, error) {
	const op = "advance after elimination"
	if err := checkRound(op, r); err != nil {
		return nil, err
	}
	return c.advance(ctx, op, roomID, models.ActiveStage(r), models.ResultStage(r), func(ctx context.Context) error {
		ledger, err := c.loadLedger(ctx, op, roomID, r)
		if err != nil {
			return err
		}
		if !ledger.Value.Sealed {
			return newError(KindConflict, op, fmt.Errorf("%w: round %d has not been eliminated", ErrInvalidTransition, r))
		}
		return nil
	})
}

// ShowLeaderboard moves the room from r_result to r_leaderboard and
// schedules the round to close.
func (c *Coordinator) ShowLeaderboard(ctx context.Context, roomID string, r int) (*models.Room, error) {
	const op = "show leaderboard"
	if err := checkRound(op, r); err != nil {
		return nil, err
	}
	room, err := c.advance(ctx, op, roomID, models.ResultStage(r), models.LeaderboardStage(r), nil)
	if err != nil {
		return nil, err
	}
	if room.Status == models.LeaderboardStage(r).String() {
		c.schedule(ctx, Transition{Kind: TransitionCloseRound, RoomID: roomID, Round: r}, c.leaderboardDelay)
	}
	return room, nil
}

// CloseRound ends round r's leaderboard: the room waits for round r+1, or
// is completed after the final round.
func (c *Coordinator) CloseRound(ctx context.Context, roomID string, r int) (*models.Room, error) {
	const op = "close round"
	if err := checkRound(op, r); err != nil {
		return nil, err
	}
	room, err := c.loadRoom(ctx, op, roomID)
	if err != nil {
		return nil, err
	}
	to := models.WaitingStage(r + 1)
	if room.Value.IsFinalRound(r) {
		to = models.StageCompleted
	}
	return c.advance(ctx, op, roomID, models.LeaderboardStage(r), to, nil)
}

func checkRound(op string, r int) error {
	if r < 1 {
		return newError(KindValidation, op, fmt.Errorf("round must be positive, got %d", r))
	}
	return nil
}

// advance performs a single from -> to status change under compare-and-set.
// A room already past from is returned unchanged, which makes repeated
// timer deliveries harmless; a room that has not reached from yet is an
// invalid transition.
func (c *Coordinator) advance(ctx context.Context, op, roomID string, from, to models.Stage, guard func(context.Context) error) (*models.Room, error) {
	var out models.Room
	moved := false
	err := c.retry(ctx, op, func(int) error {
		moved = false
		room, err := c.loadRoom(ctx, op, roomID)
		if err != nil {
			return err
		}
		stage, err := room.Value.Stage()
		if err != nil {
			return newError(KindInternal, op, err)
		}
		switch {
		case from.Before(stage):
			out = room.Value
			return nil
		case stage != from:
			return newError(KindConflict, op, fmt.Errorf("%w: expected %q, room is %q", ErrInvalidTransition, from, room.Value.Status))
		}
		if guard != nil {
			if err := guard(ctx); err != nil {
				return err
			}
		}

		next := room.Value
		next.Status = to.String()
		roomOp, err := putOp(CollRooms, roomID, next, room.Version)
		if err != nil {
			return newError(KindInternal, op, err)
		}
		if err := c.store.Batch(ctx, []store.Op{roomOp}); err != nil {
			return storeError(op, err)
		}
		out, moved = next, true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if moved {
		c.roundLog(roomID, from.Round).WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).Info("room advanced")
	}
	return &out, nil
}

func (c *Coordinator) loadLedger(ctx context.Context, op, roomID string, r int) (versioned[models.RoundLedger], error) {
	ledger, err := getRecord[models.RoundLedger](ctx, c.store, CollLedgers, models.LedgerKey(roomID, r))
	if errors.Is(err, store.ErrNotFound) {
		return ledger, newError(KindConflict, op, fmt.Errorf("%w: round %d has not started", ErrInvalidTransition, r))
	}
	if err != nil {
		return ledger, storeError(op, err)
	}
	return ledger, nil
}
