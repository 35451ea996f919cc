package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"typerace/config"
	"typerace/handlers"
	"typerace/middleware"
	"typerace/routes"
	"typerace/scoring"
	"typerace/services"
	"typerace/store"
	"typerace/tasks"
	"typerace/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}
	log := config.InitLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Document store
	var (
		docs        store.Store
		redisClient *redis.Client
	)
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := config.InitDB(cfg)
		if err != nil {
			log.WithError(err).Fatal("failed to connect to database")
		}
		gs := store.NewGormStore(db)
		if err := gs.Migrate(); err != nil {
			log.WithError(err).Fatal("failed to migrate database")
		}
		docs = gs
	case config.DriverRedis:
		redisClient = mustRedis(ctx, cfg, log)
		docs = store.NewRedisStore(redisClient, cfg.RedisKeyPrefix)
	default:
		docs = store.NewMemoryStore()
	}
	docs = store.WithTimeout(docs, cfg.StoreTimeout)
	log.WithField("driver", cfg.StoreDriver).Info("document store ready")

	// Round timers run on asynq whenever Redis is around; a memory store
	// without Redis falls back to in-process timers.
	if redisClient == nil && cfg.StoreDriver == config.DriverPostgres {
		redisClient = mustRedis(ctx, cfg, log)
	}

	policy, err := scoring.ParsePolicy(cfg.ScoringPolicy)
	if err != nil {
		log.WithError(err).Fatal("invalid scoring policy")
	}
	engine, err := scoring.New(policy)
	if err != nil {
		log.WithError(err).Fatal("invalid scoring policy")
	}

	var (
		scheduler   services.Scheduler
		asynqClient *asynq.Client
		asynqWorker *worker.Server
		localTimers *worker.LocalScheduler
	)
	if redisClient != nil {
		asynqClient = asynq.NewClient(cfg.AsynqRedisOpt())
		scheduler = tasks.NewScheduler(asynqClient, logrus.NewEntry(log))
	} else {
		localTimers = worker.NewLocalScheduler(logrus.NewEntry(log))
		scheduler = localTimers
	}

	coordinator, err := services.New(services.Options{
		Store:             docs,
		Scoring:           engine,
		Scheduler:         scheduler,
		Logger:            logrus.NewEntry(log),
		PresentationDelay: cfg.PresentationDelay,
		LeaderboardDelay:  cfg.LeaderboardDelay,
		PollInterval:      cfg.PollInterval,
	})
	if err != nil {
		log.WithError(err).Fatal("failed to create coordinator")
	}

	if localTimers != nil {
		localTimers.Bind(coordinator)
	} else {
		asynqWorker = worker.NewServer(cfg.AsynqRedisOpt(), coordinator, cfg.WorkerConcurrency, log)
		if err := asynqWorker.Start(); err != nil {
			log.WithError(err).Fatal("failed to start worker")
		}
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go sweepLimiter(ctx, limiter)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), middleware.Logger(log.WithField("component", "http")), middleware.CORS())

	routes.SetupRoutes(router, routes.Handlers{
		Rooms:  handlers.NewRoomHandler(coordinator),
		Rounds: handlers.NewRoundHandler(coordinator),
		Watch:  handlers.NewWatchHandler(coordinator, logrus.NewEntry(log)),
	}, routes.Security{
		JWTSecret:   cfg.JWTSecret,
		JWTIssuer:   cfg.JWTIssuer,
		RateLimiter: limiter,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.WithFields(logrus.Fields{"addr": srv.Addr, "policy": coordinator.ScoringPolicy()}).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("http shutdown")
	}
	if asynqWorker != nil {
		asynqWorker.Shutdown()
	}
	if asynqClient != nil {
		if err := asynqClient.Close(); err != nil {
			log.WithError(err).Warn("asynq client close")
		}
	}
	if localTimers != nil {
		localTimers.Shutdown()
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	log.Info("stopped")
}

func mustRedis(ctx context.Context, cfg *config.Config, log *logrus.Logger) *redis.Client {
	client, err := config.InitRedis(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to redis")
	}
	return client
}

func sweepLimiter(ctx context.Context, limiter *middleware.RateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			limiter.Sweep(now)
		}
	}
}
