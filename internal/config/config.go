package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv string
	Port   int

	// Postgres (pgxpool DSN)
	DBDSN string

	// Redis broker
	RedisURL       string
	RedisStream    string
	RedisGroup     string
	RedisDLQStream string
	WorkerName     string

	// Dedup / admission
	DedupeWindow time.Duration
	ClockSkew    time.Duration

	// Retry policy
	MaxAttempts            int
	RetryBackoff           time.Duration
	RetryBackoffMultiplier float64

	// Dispatcher
	DispatchInterval time.Duration
	DispatchBatch    int

	// Worker loop
	ReadCount      int64
	BlockTimeout   time.Duration
	ClaimInterval  time.Duration
	ClaimMinIdle   time.Duration
	HandlerTimeout time.Duration // 0 disables the wall-clock timeout

	// Logging
	LogLevel string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.AppEnv = getEnv("APP_ENV", "dev")
	cfg.Port = getInt("PORT", 8080)

	// --- Postgres: prefer DATABASE_URL if present, else build from POSTGRES_*
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL != "" {
		cfg.DBDSN = dbURL
	} else {
		addr := getEnv("POSTGRES_ADDR", "")
		user := getEnv("POSTGRES_USER", "")
		pass := getEnv("POSTGRES_PASSWORD", "")
		db := getEnv("POSTGRES_DB", "")
		sslmode := getEnv("POSTGRES_SSLMODE", "disable")
		cfg.DBDSN = buildPostgresURL(addr, user, pass, db, sslmode)
	}

	// --- Redis
	cfg.RedisURL = getEnv("REDIS_URL", "redis://localhost:6379/0")
	cfg.RedisStream = getEnv("REDIS_STREAM", "trx.tasks")
	cfg.RedisGroup = getEnv("REDIS_GROUP", "trx.workers")
	cfg.RedisDLQStream = getEnv("REDIS_DLQ_STREAM", "trx.tasks.dlq")
	cfg.WorkerName = getEnv("WORKER_NAME", "worker-"+uuid.NewString()[:8])

	// --- Dedup / retry
	cfg.DedupeWindow = time.Duration(getInt("TASK_DEDUPE_WINDOW_MS", 60000)) * time.Millisecond
	cfg.ClockSkew = time.Duration(getInt("TASK_CLOCK_SKEW_MS", 500)) * time.Millisecond
	cfg.MaxAttempts = getInt("TASK_MAX_ATTEMPTS", 5)
	cfg.RetryBackoff = time.Duration(getInt("TASK_RETRY_BACKOFF_MS", 500)) * time.Millisecond
	cfg.RetryBackoffMultiplier = getFloat("TASK_RETRY_BACKOFF_MULTIPLIER", 2.0)

	// --- Dispatcher
	cfg.DispatchInterval = getDuration("DISPATCH_INTERVAL", 500*time.Millisecond)
	cfg.DispatchBatch = getInt("DISPATCH_BATCH", 20)

	// --- Worker loop
	cfg.ReadCount = int64(getInt("WORKER_READ_COUNT", 10))
	cfg.BlockTimeout = getDuration("WORKER_BLOCK_TIMEOUT", 5*time.Second)
	cfg.ClaimInterval = getDuration("WORKER_CLAIM_INTERVAL", 30*time.Second)
	cfg.ClaimMinIdle = getDuration("WORKER_CLAIM_MIN_IDLE", 60*time.Second)
	cfg.HandlerTimeout = time.Duration(getInt("TASK_HANDLER_TIMEOUT_MS", 0)) * time.Millisecond

	// --- Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	// --- Validation (fail fast)
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("missing database config: provide DATABASE_URL or POSTGRES_ADDR/POSTGRES_USER/POSTGRES_PASSWORD/POSTGRES_DB")
	}
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("missing REDIS_URL")
	}
	if cfg.DedupeWindow < time.Millisecond {
		return nil, fmt.Errorf("TASK_DEDUPE_WINDOW_MS must be >= 1")
	}
	if cfg.ClockSkew < 0 {
		return nil, fmt.Errorf("TASK_CLOCK_SKEW_MS must be >= 0")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("TASK_MAX_ATTEMPTS must be >= 1")
	}
	if cfg.RetryBackoffMultiplier < 1.0 {
		return nil, fmt.Errorf("TASK_RETRY_BACKOFF_MULTIPLIER must be >= 1.0")
	}
	if cfg.DispatchBatch < 1 {
		return nil, fmt.Errorf("DISPATCH_BATCH must be >= 1")
	}

	return cfg, nil
}

// buildPostgresURL builds a safe postgres URL DSN (handles special characters).
func buildPostgresURL(addr, user, pass, db, sslmode string) string {
	if strings.TrimSpace(addr) == "" || strings.TrimSpace(user) == "" || strings.TrimSpace(db) == "" {
		return ""
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   strings.TrimSpace(addr),
		Path:   "/" + strings.TrimPrefix(strings.TrimSpace(db), "/"),
	}
	if pass != "" {
		u.User = url.UserPassword(user, pass)
	} else {
		u.User = url.User(user)
	}

	q := url.Values{}
	if strings.TrimSpace(sslmode) != "" {
		q.Set("sslmode", strings.TrimSpace(sslmode))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getFloat(k string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
