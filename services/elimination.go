package services

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"typerace/models"
	"typerace/store"
)

// EndRoundOptions tunes EndRound.
type EndRoundOptions struct {
	// Force ends a round even when nobody submitted, eliminating
	// everyone still in the contest.
	Force bool
}

// EndRoundOutcome is the decision for a round. Replayed is set when the
// round had already been decided and the stored outcome is returned.
type EndRoundOutcome struct {
	Outcome  models.Outcome `json:"outcome"`
	Replayed bool           `json:"replayed"`
}

// EndRound decides round r exactly once. The decision, every affected
// participant's new status and the room's move to r_result are committed
// in one batch that is conditional on the round ledger being unsealed and
// unchanged since it was read. Any concurrent submission or elimination
// moves the ledger, so the loser of a race replans and, once the ledger is
// sealed, returns the winner's outcome.
func (c *Coordinator) EndRound(ctx context.Context, roomID string, r int, opts EndRoundOptions) (*EndRoundOutcome, error) {
	const op = "end round"
	if err := checkRound(op, r); err != nil {
		return nil, err
	}
	log := c.roundLog(roomID, r)

	var out *EndRoundOutcome
	err := c.retry(ctx, op, func(attempt int) error {
		ledger, err := c.loadLedger(ctx, op, roomID, r)
		if err != nil {
			return err
		}
		if ledger.Value.Sealed {
			if ledger.Value.Outcome == nil {
				return newError(KindInternal, op, fmt.Errorf("round %d sealed without an outcome", r))
			}
			out = &EndRoundOutcome{Outcome: *ledger.Value.Outcome, Replayed: true}
			return nil
		}

		room, err := c.loadRoom(ctx, op, roomID)
		if err != nil {
			return err
		}
		if room.Value.Status != models.ActiveStage(r).String() {
			return newError(KindConflict, op, fmt.Errorf("%w: round %d is not active, room is %q", ErrInvalidTransition, r, room.Value.Status))
		}
		cfg, err := c.loadRoundConfig(ctx, op, roomID, r)
		if err != nil {
			return err
		}

		results, err := c.roundResults(ctx, op, roomID, r)
		if err != nil {
			return err
		}
		if len(results) < ledger.Value.Submissions {
			// The query has not caught up with the ledger yet.
			return fmt.Errorf("%w: %d results visible, ledger counts %d", store.ErrVersionConflict, len(results), ledger.Value.Submissions)
		}
		if len(results) == 0 && !opts.Force {
			return newError(KindTransient, op, fmt.Errorf("%w: round %d", ErrNoResults, r))
		}
		participants, err := c.roomParticipants(ctx, op, roomID)
		if err != nil {
			return err
		}

		now := c.clock()
		outcome := decideRound(r, cfg.QualifyCount, results, participants, now)

		ops, err := c.eliminationOps(room, ledger, participants, outcome, now)
		if err != nil {
			return newError(KindInternal, op, err)
		}
		if err := c.store.Batch(ctx, ops); err != nil {
			log.WithField("attempt", attempt).WithError(err).Debug("elimination batch rejected")
			return storeError(op, err)
		}
		out = &EndRoundOutcome{Outcome: outcome}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !out.Replayed {
		log.WithFields(logrus.Fields{
			"submitted":  len(out.Outcome.Ranking),
			"qualified":  len(out.Outcome.Qualified),
			"eliminated": len(out.Outcome.Eliminated),
			"forfeited":  len(out.Outcome.Forfeited),
			"forced":     opts.Force,
		}).Info("round ended")
		c.schedule(ctx, Transition{Kind: TransitionShowLeaderboard, RoomID: roomID, Round: r}, c.presentationDelay)
	}
	return out, nil
}

// decideRound ranks the results and assigns every participant still in
// the contest. Submitters beyond the top qualifyCount and anyone without a
// result are eliminated.
func decideRound(r, qualifyCount int, results []models.Result, participants []versioned[models.Participant], now time.Time) models.Outcome {
	ranked := Rank(results)
	qualified, eliminated := splitQualified(ranked, qualifyCount)

	submitted := make(map[string]bool, len(ranked))
	ranking := make([]string, len(ranked))
	for i, res := range ranked {
		ranking[i] = res.ParticipantID
		submitted[res.ParticipantID] = true
	}

	forfeited := make([]string, 0)
	for _, p := range participants {
		if p.Value.EliminatedBefore(r) || submitted[p.Value.ID] {
			continue
		}
		forfeited = append(forfeited, p.Value.ID)
	}
	sort.Strings(forfeited)

	return models.Outcome{
		Round:      r,
		Ranking:    ranking,
		Qualified:  qualified,
		Eliminated: append(eliminated, forfeited...),
		Forfeited:  forfeited,
		DecidedAt:  now,
	}
}

func (c *Coordinator) eliminationOps(room versioned[models.Room], ledger versioned[models.RoundLedger], participants []versioned[models.Participant], outcome models.Outcome, now time.Time) ([]store.Op, error) {
	r := outcome.Round
	ops := make([]store.Op, 0, len(participants)+2)

	sealed := ledger.Value
	sealed.Sealed = true
	sealed.Outcome = &outcome
	sealed.SealedAt = &now
	ledgerOp, err := putOp(CollLedgers, models.LedgerKey(sealed.RoomID, r), sealed, ledger.Version)
	if err != nil {
		return nil, err
	}

	next := room.Value
	next.Status = models.ResultStage(r).String()
	next.RoundEndedAt = &now
	roomOp, err := putOp(CollRooms, next.ID, next, room.Version)
	if err != nil {
		return nil, err
	}
	ops = append(ops, ledgerOp, roomOp)

	for _, p := range participants {
		if p.Value.EliminatedBefore(r) {
			continue
		}
		updated := decide(p.Value, r, outcome.IsQualified(p.Value.ID), now)
		pOp, err := putOp(CollParticipants, updated.ID, updated, p.Version)
		if err != nil {
			return nil, err
		}
		ops = append(ops, pOp)
	}
	return ops, nil
}

// Outcome returns the recorded decision for round r, if any.
func (c *Coordinator) Outcome(ctx context.Context, roomID string, r int) (*models.Outcome, error) {
	const op = "get outcome"
	ledger, err := c.loadLedger(ctx, op, roomID, r)
	if err != nil {
		return nil, err
	}
	if !ledger.Value.Sealed || ledger.Value.Outcome == nil {
		return nil, newError(KindNotFound, op, fmt.Errorf("round %d has not been decided", r))
	}
	return ledger.Value.Outcome, nil
}
