package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Ledger and notifier backends selectable through the environment.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	DatabaseURL      string
	DBMaxConns       int
	JWTSecret        string
	LedgerDriver     string
	NotifierDriver   string
	NotifyChannel    string
	RedisURL         string
	StoragePath      string
	GeminiAPIKey     string
	GeminiModel      string
	GeminiBaseURL    string
	ProviderRate     float64
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	Worker           WorkerConfig
}

// WorkerConfig tunes the worker runtimes started by cmd/worker and by the
// API in memory mode.
type WorkerConfig struct {
	Types             []string
	Concurrency       int
	PollInterval      time.Duration
	LivenessTimeout   time.Duration
	HeartbeatInterval time.Duration
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		DBMaxConns:       getEnvInt("DB_MAX_CONNS", 10),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		LedgerDriver:     strings.ToLower(getEnv("LEDGER_DRIVER", DriverPostgres)),
		NotifierDriver:   strings.ToLower(getEnv("NOTIFIER_DRIVER", DriverPostgres)),
		NotifyChannel:    getEnv("NOTIFY_CHANNEL", "studio_manifests"),
		RedisURL:         os.Getenv("REDIS_URL"),
		StoragePath:      getEnv("STORAGE_PATH", "./storage"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		GeminiModel:      getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiBaseURL:    getEnv("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta"),
		ProviderRate:     getEnvFloat("PROVIDER_RATE_PER_SECOND", 2),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		Worker: WorkerConfig{
			Types:             getEnvList("WORKER_TYPES"),
			Concurrency:       getEnvInt("WORKER_CONCURRENCY", 2),
			PollInterval:      getEnvDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			LivenessTimeout:   getEnvDuration("WORKER_LIVENESS_TIMEOUT", 5*time.Minute),
			HeartbeatInterval: getEnvDuration("WORKER_HEARTBEAT_INTERVAL", 30*time.Second),
		},
	}

	switch cfg.LedgerDriver {
	case DriverPostgres, DriverMemory:
	default:
		return nil, fmt.Errorf("LEDGER_DRIVER %q is not supported", cfg.LedgerDriver)
	}
	switch cfg.NotifierDriver {
	case DriverMemory, DriverPostgres, DriverRedis:
	default:
		return nil, fmt.Errorf("NOTIFIER_DRIVER %q is not supported", cfg.NotifierDriver)
	}

	if cfg.LedgerDriver == DriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.NotifierDriver == DriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the postgres notifier")
	}
	if cfg.NotifierDriver == DriverRedis && cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	if cfg.Worker.Concurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	if cfg.Worker.HeartbeatInterval >= cfg.Worker.LivenessTimeout && cfg.Worker.LivenessTimeout > 0 {
		return nil, fmt.Errorf("WORKER_HEARTBEAT_INTERVAL must be shorter than WORKER_LIVENESS_TIMEOUT")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") and bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if i, err := strconv.Atoi(v); err == nil {
		return time.Duration(i) * time.Second
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
