// Package config loads service configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// SMTPConfig holds outbound mail settings for overdue reminders. Reminders
// are disabled when Host is empty.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Config holds all application configuration.
type Config struct {
	Port     string
	DBPath   string
	LogLevel string

	JWTSecret    string
	TokenTTLHrs  int
	RateLimitRPS int
	RateBurst    int

	// SurplusMargin is how far a payment may exceed the remaining debt
	// before it is rejected as a fat-finger.
	SurplusMargin decimal.Decimal
	// OverdueGraceDays delays the overdue sweep past the due date.
	OverdueGraceDays int
	// SweepSchedule is the cron spec for the overdue sweep and reminder run.
	SweepSchedule string

	SMTP SMTPConfig
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file in the working directory is picked up if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		DBPath:           getEnv("DB_PATH", "prestagil.db"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		JWTSecret:        getEnv("JWT_SECRET", ""),
		TokenTTLHrs:      getEnvInt("TOKEN_TTL_HOURS", 24),
		RateLimitRPS:     getEnvInt("RATE_LIMIT_RPS", 20),
		RateBurst:        getEnvInt("RATE_BURST", 40),
		SurplusMargin:    getEnvDecimal("SURPLUS_MARGIN", "1"),
		OverdueGraceDays: getEnvInt("OVERDUE_GRACE_DAYS", 0),
		SweepSchedule:    getEnv("SWEEP_SCHEDULE", "0 6 * * *"),
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
		},
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("DB_PATH is required")
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDecimal(key, defaultVal string) decimal.Decimal {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	return decimal.RequireFromString(defaultVal)
}
