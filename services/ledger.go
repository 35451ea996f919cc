package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"typerace/capture"
	"typerace/models"
	"typerace/scoring"
	"typerace/store"
)

// Submissions of one round all bump the same ledger, so they race each
// other far more than transitions do.
const submitAttemptFactor = 4

type SubmitRequest struct {
	ParticipantID string `json:"-" validate:"required"`
	RoomID        string `json:"-" validate:"required"`
	Round         int    `json:"-" validate:"gte=1"`

	// ReferenceText is optional; when given it must match the round's.
	ReferenceText  string              `json:"reference_text,omitempty"`
	SubmittedText  string              `json:"submitted_text" validate:"max=20000"`
	Keystrokes     []capture.Keystroke `json:"keystrokes,omitempty" validate:"omitempty,max=20000,dive"`
	ElapsedSeconds float64             `json:"elapsed_seconds"`
}

// SubmitOutcome is the stored result. AlreadySubmitted is set when the
// participant had submitted before; Result is then the first submission,
// not the one just sent.
type SubmitOutcome struct {
	Result           models.Result   `json:"result"`
	Metrics          scoring.Metrics `json:"metrics"`
	AlreadySubmitted bool            `json:"already_submitted"`
}

// SubmitResult scores and records a participant's submission for a round.
// At most one result is kept per participant and round: the result is
// created under an id derived from the triple, in the same batch as a
// compare-and-set on the round ledger, so nothing can be recorded once the
// round has been decided.
func (c *Coordinator) SubmitResult(ctx context.Context, req SubmitRequest) (*SubmitOutcome, error) {
	const op = "submit result"
	if err := models.Validate(req); err != nil {
		return nil, newError(KindValidation, op, err)
	}

	submitted, elapsed := req.SubmittedText, req.ElapsedSeconds
	if len(req.Keystrokes) > 0 {
		text, seconds, err := capture.Replay(req.Keystrokes)
		if err != nil {
			return nil, newError(KindValidation, op, err)
		}
		submitted, elapsed = text, seconds
	}

	resultID := models.ResultID(req.RoomID, req.Round, req.ParticipantID)
	log := c.roundLog(req.RoomID, req.Round).WithField("participant_id", req.ParticipantID)

	var out *SubmitOutcome
	err := c.retryN(ctx, op, c.maxAttempts*submitAttemptFactor, func(int) error {
		if prior, err := c.existingResult(ctx, op, resultID); err != nil || prior != nil {
			out = prior
			return err
		}

		room, err := c.loadRoom(ctx, op, req.RoomID)
		if err != nil {
			return err
		}
		if room.Value.Status != models.ActiveStage(req.Round).String() {
			return newError(KindConflict, op, fmt.Errorf("%w: room is %q", ErrRoundNotActive, room.Value.Status))
		}
		cfg, err := c.loadRoundConfig(ctx, op, req.RoomID, req.Round)
		if err != nil {
			return err
		}
		if req.ReferenceText != "" && req.ReferenceText != cfg.ReferenceText {
			return newError(KindValidation, op, ErrReferenceMismatch)
		}

		p, err := c.loadParticipant(ctx, op, req.ParticipantID)
		if err != nil {
			return err
		}
		if p.Value.RoomID != req.RoomID || p.Value.Status != models.StatusActive || p.Value.CurrentRound != req.Round {
			return newError(KindConflict, op, fmt.Errorf("%w: status %s in round %d", ErrNotEligible, p.Value.Status, p.Value.CurrentRound))
		}

		ledger, err := c.loadLedger(ctx, op, req.RoomID, req.Round)
		if err != nil {
			return err
		}
		if ledger.Value.Sealed {
			return newError(KindConflict, op, ErrRoundClosed)
		}

		result := models.Result{
			ID:            resultID,
			ParticipantID: req.ParticipantID,
			RoomID:        req.RoomID,
			Round:         req.Round,
			Metrics:       c.engine.Score(cfg.ReferenceText, submitted, elapsed),
			SubmittedAt:   c.clock(),
		}
		resultOp, err := createOp(CollResults, resultID, result)
		if err != nil {
			return newError(KindInternal, op, err)
		}
		counted := ledger.Value
		counted.Submissions++
		ledgerOp, err := putOp(CollLedgers, models.LedgerKey(req.RoomID, req.Round), counted, ledger.Version)
		if err != nil {
			return newError(KindInternal, op, err)
		}

		// A duplicate create or a moved ledger both come back as races; the
		// next attempt either finds the first result or sees the seal.
		if err := c.store.Batch(ctx, []store.Op{resultOp, ledgerOp}); err != nil {
			return storeError(op, err)
		}
		out = &SubmitOutcome{Result: result, Metrics: result.Metrics}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry := log.WithFields(logrus.Fields{
		"accuracy": out.Metrics.Accuracy,
		"wpm":      out.Metrics.WPM,
	})
	if out.AlreadySubmitted {
		entry.Info("duplicate submission, returning first result")
	} else {
		entry.Info("result recorded")
	}
	return out, nil
}

func (c *Coordinator) existingResult(ctx context.Context, op, resultID string) (*SubmitOutcome, error) {
	prior, err := getRecord[models.Result](ctx, c.store, CollResults, resultID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError(op, err)
	}
	return &SubmitOutcome{Result: prior.Value, Metrics: prior.Value.Metrics, AlreadySubmitted: true}, nil
}

// roundResults loads every result of round r.
func (c *Coordinator) roundResults(ctx context.Context, op, roomID string, r int) ([]models.Result, error) {
	list, err := queryRecords[models.Result](ctx, c.store, store.Query{
		Collection: CollResults,
		Filters:    []store.Filter{store.Eq("room_id", roomID), store.Eq("round", r)},
	})
	if err != nil {
		return nil, storeError(op, err)
	}
	results := make([]models.Result, len(list))
	for i, v := range list {
		results[i] = v.Value
	}
	return results, nil
}
