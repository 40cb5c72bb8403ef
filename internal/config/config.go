package config

import (
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env        string
	LogLevel   string
	ListenAddr string

	// Storage backend: memory, file or postgres.
	DBType          string
	DBDSN           string
	SequencesFile   string
	EnrollmentsFile string

	// Auth. Local token auth in development, remote validation otherwise.
	AuthToken      string
	AuthServiceURL string

	// Runner.
	TickInterval    time.Duration
	DispatchTimeout time.Duration
	Workers         int
	RetryCap        int
	MaxHopsPerTick  int
	// CancelOnDeactivate cancels in-flight enrollments when a sequence is
	// deactivated. Default is to let them drain.
	CancelOnDeactivate bool

	// Dispatch channel: log or webhook.
	DispatchMode string
	WebhookURL   string
}

var (
	cfg  *Config
	once sync.Once
)

func Load() *Config {
	once.Do(func() {
		_ = godotenv.Load()
		cfg = &Config{
			Env:                getEnv("APP_ENV", "development"),
			LogLevel:           getEnv("LOG_LEVEL", "info"),
			ListenAddr:         getEnv("LISTEN_ADDR", ":8088"),
			DBType:             getEnv("STORAGE_BACKEND", "file"),
			DBDSN:              getEnv("POSTGRES_DSN", ""),
			SequencesFile:      getEnv("SEQUENCES_FILE", "data/sequences.json"),
			EnrollmentsFile:    getEnv("ENROLLMENTS_FILE", "data/enrollments.json"),
			AuthToken:          getEnv("AUTH_TOKEN", "MOCK-TOKEN"),
			AuthServiceURL:     getEnv("AUTH_SERVICE_URL", ""),
			TickInterval:       getDuration("TICK_INTERVAL", time.Minute),
			DispatchTimeout:    getDuration("DISPATCH_TIMEOUT", 10*time.Second),
			Workers:            getInt("RUNNER_WORKERS", 4),
			RetryCap:           getInt("DISPATCH_RETRY_CAP", 3),
			MaxHopsPerTick:     getInt("MAX_HOPS_PER_TICK", 25),
			CancelOnDeactivate: getBool("SEQUENCE_CANCEL_ON_DEACTIVATE", false),
			DispatchMode:       getEnv("DISPATCH_MODE", "log"),
			WebhookURL:         getEnv("DISPATCH_WEBHOOK_URL", ""),
		}
		if err := cfg.Validate(); err != nil {
			panic("Invalid config: " + err.Error())
		}
	})
	return cfg
}

func (c *Config) Validate() error {
	if c.DBType != "memory" && c.DBType != "file" && c.DBType != "postgres" {
		return errors.New("STORAGE_BACKEND must be one of: memory, file, postgres")
	}
	if c.DBType == "postgres" && c.DBDSN == "" {
		return errors.New("POSTGRES_DSN is required when STORAGE_BACKEND=postgres")
	}
	if c.DBType == "file" && (c.SequencesFile == "" || c.EnrollmentsFile == "") {
		return errors.New("File storage requires SEQUENCES_FILE and ENROLLMENTS_FILE to be set")
	}
	if c.Env != "development" && c.Env != "staging" && c.Env != "production" {
		return errors.New("APP_ENV must be one of: development, staging, production")
	}
	if c.Env != "development" && c.AuthServiceURL == "" {
		return errors.New("AUTH_SERVICE_URL is required outside development")
	}
	if c.DispatchMode != "log" && c.DispatchMode != "webhook" {
		return errors.New("DISPATCH_MODE must be log or webhook")
	}
	if c.DispatchMode == "webhook" && c.WebhookURL == "" {
		return errors.New("DISPATCH_WEBHOOK_URL is required when DISPATCH_MODE=webhook")
	}
	if c.TickInterval < time.Second {
		return errors.New("TICK_INTERVAL must be at least 1s")
	}
	if c.Workers < 1 {
		return errors.New("RUNNER_WORKERS must be at least 1")
	}
	if c.RetryCap < 0 {
		return errors.New("DISPATCH_RETRY_CAP must not be negative")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
