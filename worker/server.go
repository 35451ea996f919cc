// Package worker runs the asynq server that executes round transitions.
package worker

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"typerace/tasks"
)

// Server wraps the asynq server that processes round tasks.
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	log    *logrus.Entry
}

// NewServer builds a worker processing the rounds queue with the given
// concurrency.
func NewServer(redisOpt asynq.RedisConnOpt, rounds RoundDriver, concurrency int, logger *logrus.Logger) *Server {
	log := logger.WithField("component", "worker")
	if concurrency <= 0 {
		concurrency = 10
	}

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			tasks.QueueRounds: 1,
		},
		RetryDelayFunc: retryDelay,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			log.WithFields(logrus.Fields{
				"task_type": task.Type(),
				"retry":     retried,
				"max_retry": maxRetry,
			}).WithError(err).Error("task failed")
		}),
		Logger:   log,
		LogLevel: asynq.WarnLevel,
	})

	handler := NewTransitionHandler(rounds, log)
	mux := asynq.NewServeMux()
	mux.HandleFunc(tasks.TypeEndRound, handler.ProcessTask)
	mux.HandleFunc(tasks.TypeShowLeaderboard, handler.ProcessTask)
	mux.HandleFunc(tasks.TypeCloseRound, handler.ProcessTask)

	return &Server{server: server, mux: mux, log: log}
}

// Start begins processing in the background.
func (s *Server) Start() error {
	s.log.Info("worker starting")
	return s.server.Start(s.mux)
}

// Shutdown stops fetching new tasks and waits for running ones.
func (s *Server) Shutdown() {
	s.log.Info("worker shutting down")
	s.server.Shutdown()
}

// retryDelay keeps round transitions snappy: a round that ended with no
// results yet is retried within seconds, not on asynq's default backoff.
func retryDelay(n int, _ error, _ *asynq.Task) time.Duration {
	return time.Duration(n+1) * 2 * time.Second
}
