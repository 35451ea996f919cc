// Package tasks defines the delayed round transitions queued on asynq and
// the scheduler that enqueues them.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"typerace/services"
)

// Task type names. They match the transition kinds so a task's type alone
// says which coordinator call it drives.
const (
	TypeEndRound        = string(services.TransitionEndRound)
	TypeShowLeaderboard = string(services.TransitionShowLeaderboard)
	TypeCloseRound      = string(services.TransitionCloseRound)
)

const (
	// QueueRounds holds every round transition.
	QueueRounds = "rounds"

	// DefaultMaxRetry bounds how often a transition is re-attempted. The
	// last attempt of round:end forces the decision.
	DefaultMaxRetry = 5
)

// TransitionPayload is the JSON body of every round task.
type TransitionPayload struct {
	RoomID string `json:"room_id"`
	Round  int    `json:"round"`
}

// NewTransitionTask builds the task for t.
func NewTransitionTask(t services.Transition) (*asynq.Task, error) {
	switch t.Kind {
	case services.TransitionEndRound, services.TransitionShowLeaderboard, services.TransitionCloseRound:
	default:
		return nil, fmt.Errorf("tasks: unknown transition %q", t.Kind)
	}
	if t.RoomID == "" || t.Round < 1 {
		return nil, fmt.Errorf("tasks: transition %s needs a room and a round", t.Kind)
	}
	payload, err := json.Marshal(TransitionPayload{RoomID: t.RoomID, Round: t.Round})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(string(t.Kind), payload), nil
}

// ParseTransition reads a task back into the transition it carries.
func ParseTransition(task *asynq.Task) (services.Transition, error) {
	var p TransitionPayload
	if err := json.Unmarshal(task.Payload(), &p); err != nil {
		return services.Transition{}, fmt.Errorf("tasks: decode %s payload: %w", task.Type(), err)
	}
	if p.RoomID == "" || p.Round < 1 {
		return services.Transition{}, fmt.Errorf("tasks: %s payload without room or round", task.Type())
	}
	return services.Transition{Kind: services.TransitionKind(task.Type()), RoomID: p.RoomID, Round: p.Round}, nil
}

// TaskID is the deterministic id of t's task. Scheduling the same
// transition twice while the first task is still queued is a no-op.
func TaskID(t services.Transition) string {
	return fmt.Sprintf("%s:%s:%d", t.Kind, t.RoomID, t.Round)
}

// Enqueuer is the part of *asynq.Client the scheduler needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Scheduler queues round transitions on asynq.
type Scheduler struct {
	client   Enqueuer
	maxRetry int
	log      *logrus.Entry
}

// NewScheduler returns a Scheduler enqueuing through client.
func NewScheduler(client Enqueuer, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{client: client, maxRetry: DefaultMaxRetry, log: log.WithField("component", "scheduler")}
}

// Schedule enqueues t to run after delay.
func (s *Scheduler) Schedule(ctx context.Context, t services.Transition, delay time.Duration) error {
	task, err := NewTransitionTask(t)
	if err != nil {
		return err
	}
	if delay < 0 {
		delay = 0
	}
	info, err := s.client.EnqueueContext(ctx, task,
		asynq.Queue(QueueRounds),
		asynq.TaskID(TaskID(t)),
		asynq.ProcessIn(delay),
		asynq.MaxRetry(s.maxRetry),
	)
	entry := s.log.WithFields(logrus.Fields{"task_type": task.Type(), "room_id": t.RoomID, "round": t.Round})
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		entry.Debug("transition already queued")
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	entry.WithFields(logrus.Fields{"task_id": info.ID, "process_at": info.NextProcessAt}).Info("transition scheduled")
	return nil
}
