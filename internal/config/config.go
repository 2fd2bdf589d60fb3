// Package config loads engine configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/unifarm/farming-engine/internal/accrual"
)

// Config holds every tunable the engine reads at startup. Business logic
// never reads the process environment directly — the accrual mode in
// particular is passed into the calculator per call and recorded in
// transaction metadata.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	LogFormat   string // "json" or "text"

	FarmingInterval time.Duration
	PeriodsPerDay   int64
	AccrualMode     accrual.Mode
	FarmingRate     decimal.Decimal // daily rate for new farming positions
	MaxConcurrent   int
	UserTimeout     time.Duration
}

// Load reads configuration from the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using system environment variables")
	}

	mode, err := accrual.ParseMode(getEnv("ACCRUAL_MODE", string(accrual.ModeInterval)))
	if err != nil {
		slog.Warn("invalid ACCRUAL_MODE, falling back to interval",
			"value", os.Getenv("ACCRUAL_MODE"))
		mode = accrual.ModeInterval
	}

	rate, err := decimal.NewFromString(getEnv("FARMING_DAILY_RATE", "0.01"))
	if err != nil || rate.IsNegative() {
		slog.Warn("invalid FARMING_DAILY_RATE, using 0.01")
		rate = decimal.NewFromFloat(0.01)
	}

	return &Config{
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RedisURL:        getEnv("REDIS_URL", ""),
		LogFormat:       getEnv("LOG_FORMAT", "json"),
		FarmingInterval: getDuration("FARMING_INTERVAL", 5*time.Minute),
		PeriodsPerDay:   getInt64("PERIODS_PER_DAY", 288),
		AccrualMode:     mode,
		FarmingRate:     rate,
		MaxConcurrent:   int(getInt64("SCHEDULER_MAX_CONCURRENT", 8)),
		UserTimeout:     getDuration("SCHEDULER_USER_TIMEOUT", 10*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if value, exists := os.LookupEnv(key); exists {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
		slog.Warn("invalid integer env value, using fallback", "key", key, "value", value)
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		slog.Warn("invalid duration env value, using fallback", "key", key, "value", value)
	}
	return fallback
}
