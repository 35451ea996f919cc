package worker

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"typerace/models"
	"typerace/services"
	"typerace/tasks"
)

// RoundDriver is the part of the coordinator the worker drives.
type RoundDriver interface {
	EndRound(ctx context.Context, roomID string, r int, opts services.EndRoundOptions) (*services.EndRoundOutcome, error)
	ShowLeaderboard(ctx context.Context, roomID string, r int) (*models.Room, error)
	CloseRound(ctx context.Context, roomID string, r int) (*models.Room, error)
}

// TransitionHandler runs round transitions against the coordinator.
type TransitionHandler struct {
	rounds RoundDriver
	log    *logrus.Entry
}

func NewTransitionHandler(rounds RoundDriver, log *logrus.Entry) *TransitionHandler {
	return &TransitionHandler{rounds: rounds, log: log}
}

// ProcessTask implements asynq.Handler.
func (h *TransitionHandler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	retried, _ := asynq.GetRetryCount(ctx)
	maxRetry, ok := asynq.GetMaxRetry(ctx)

	t, err := tasks.ParseTransition(task)
	if err != nil {
		h.log.WithError(err).WithField("task_type", task.Type()).Error("dropping malformed transition")
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	err = h.Run(ctx, t, finalAttempt(retried, maxRetry, ok))
	if err != nil && !services.IsRetryable(err) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}

// Run performs t once. final marks the last attempt, on which a round
// with no results is ended anyway. Only transient errors are worth
// retrying; anything else would fail the same way again.
func (h *TransitionHandler) Run(ctx context.Context, t services.Transition, final bool) error {
	entry := h.log.WithFields(logrus.Fields{"transition": t.Kind, "room_id": t.RoomID, "round": t.Round})

	var err error
	switch t.Kind {
	case services.TransitionEndRound:
		var out *services.EndRoundOutcome
		out, err = h.rounds.EndRound(ctx, t.RoomID, t.Round, services.EndRoundOptions{Force: final})
		if err == nil {
			entry.WithFields(logrus.Fields{
				"replayed":  out.Replayed,
				"forced":    final,
				"qualified": len(out.Outcome.Qualified),
			}).Info("round ended")
		}
	case services.TransitionShowLeaderboard:
		_, err = h.rounds.ShowLeaderboard(ctx, t.RoomID, t.Round)
	case services.TransitionCloseRound:
		_, err = h.rounds.CloseRound(ctx, t.RoomID, t.Round)
	default:
		return &services.Error{Kind: services.KindValidation, Op: "run transition", Err: fmt.Errorf("unhandled transition %q", t.Kind)}
	}

	switch {
	case err == nil:
	case services.IsRetryable(err):
		entry.WithError(err).Warn("transition failed, will retry")
	default:
		entry.WithError(err).WithField("kind", services.KindOf(err)).Warn("transition rejected")
	}
	return err
}

// finalAttempt reports whether this delivery is the last one asynq will
// make. Outside a worker the retry counters are absent and it is false.
func finalAttempt(retried, maxRetry int, known bool) bool {
	return known && retried >= maxRetry
}
