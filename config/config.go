package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

type Config struct {
	Port        string
	BindAddress string
	AppEnv      string
	LogLevel    string

	StoreDriver  string
	StoreTimeout time.Duration
	PollInterval time.Duration

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisHost      string
	RedisPort      string
	RedisPassword  string
	RedisDB        int
	RedisKeyPrefix string

	JWTSecret string
	JWTIssuer string

	ScoringPolicy     string
	PresentationDelay time.Duration
	LeaderboardDelay  time.Duration

	RateLimitRPS      float64
	RateLimitBurst    int
	WorkerConcurrency int
}

// Load reads the configuration from the environment, after loading a
// .env file when one is present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		BindAddress: getEnv("BIND_ADDRESS", ""),
		AppEnv:      getEnv("APP_ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		StoreDriver: strings.ToLower(getEnv("STORE_DRIVER", DriverMemory)),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "typerace"),
		DBPassword: getEnv("DB_PASSWORD", "typerace"),
		DBName:     getEnv("DB_NAME", "typerace"),

		RedisHost:      getEnv("REDIS_HOST", "localhost"),
		RedisPort:      getEnv("REDIS_PORT", "6379"),
		RedisPassword:  getEnv("REDIS_PASSWORD", ""),
		RedisKeyPrefix: getEnv("REDIS_KEY_PREFIX", "typerace:"),

		JWTSecret: getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		JWTIssuer: getEnv("JWT_ISSUER", ""),

		ScoringPolicy: getEnv("SCORING_POLICY", "char-v2"),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.StoreTimeout, err = getEnvDuration("STORE_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getEnvDuration("POLL_INTERVAL", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.PresentationDelay, err = getEnvDuration("PRESENTATION_DELAY", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.LeaderboardDelay, err = getEnvDuration("LEADERBOARD_DELAY", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.RateLimitRPS, err = getEnvFloat("RATE_LIMIT_RPS", 10); err != nil {
		return nil, err
	}
	if cfg.RateLimitBurst, err = getEnvInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, err
	}
	if cfg.WorkerConcurrency, err = getEnvInt("WORKER_CONCURRENCY", 10); err != nil {
		return nil, err
	}

	switch cfg.StoreDriver {
	case DriverMemory, DriverRedis, DriverPostgres:
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
	return cfg, nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return c.BindAddress + ":" + c.Port
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return v, nil
}

// InitLogger configures the standard logrus logger.
func InitLogger(cfg *Config) *logrus.Logger {
	log := logrus.StandardLogger()
	if cfg.IsProduction() {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.WithField("log_level", cfg.LogLevel).Warn("unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return log
}

func InitDB(cfg *Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort)

	level := logger.Warn
	if cfg.IsProduction() {
		level = logger.Error
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func InitRedis(ctx context.Context, cfg *Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// AsynqRedisOpt points asynq at the same Redis as the store.
func (c *Config) AsynqRedisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     c.RedisAddr(),
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	}
}
