package worker

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"typerace/services"
	"typerace/tasks"
)

// LocalScheduler runs transitions on in-process timers. It serves
// single-node deployments without Redis; queued transitions are lost on
// restart.
type LocalScheduler struct {
	handler  *TransitionHandler
	maxRetry int
	retry    func(n int) time.Duration
	log      *logrus.Entry

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

// NewLocalScheduler returns a scheduler with no driver attached. Bind
// must be called before the first transition fires.
func NewLocalScheduler(log *logrus.Entry) *LocalScheduler {
	log = log.WithField("component", "local_scheduler")
	return &LocalScheduler{
		handler:  NewTransitionHandler(nil, log),
		maxRetry: tasks.DefaultMaxRetry,
		retry:    func(n int) time.Duration { return retryDelay(n, nil, nil) },
		log:      log,
		timers:   make(map[string]*time.Timer),
	}
}

// Bind attaches the coordinator the transitions run against.
func (s *LocalScheduler) Bind(rounds RoundDriver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler.rounds = rounds
}

// Schedule arms a timer for t. A transition that is already pending is
// not scheduled twice.
func (s *LocalScheduler) Schedule(_ context.Context, t services.Transition, delay time.Duration) error {
	s.arm(t, delay, 0)
	return nil
}

func (s *LocalScheduler) arm(t services.Transition, delay time.Duration, attempt int) {
	id := tasks.TaskID(t)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, pending := s.timers[id]; pending {
		return
	}
	s.wg.Add(1)
	s.timers[id] = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.fire(id, t, attempt)
	})
}

func (s *LocalScheduler) fire(id string, t services.Transition, attempt int) {
	s.mu.Lock()
	delete(s.timers, id)
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	err := s.handler.Run(context.Background(), t, attempt >= s.maxRetry)
	if err != nil && services.IsRetryable(err) && attempt < s.maxRetry {
		s.arm(t, s.retry(attempt), attempt+1)
	}
}

// Shutdown cancels pending timers and waits for running transitions.
func (s *LocalScheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	for id, timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Pending reports how many transitions are waiting.
func (s *LocalScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
