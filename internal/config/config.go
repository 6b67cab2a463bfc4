package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port         string
	PostgresDSN  string
	RedisAddr    string
	KafkaBrokers []string
	JWTSecret    string

	ProviderURL  string
	ProviderKey  string
	ProviderStub bool

	PayoutTimeout     time.Duration
	MaxPayoutAttempts int
	ReferralRate      decimal.Decimal
	ThrottleInterval  time.Duration

	ContractCron string
	GiftCardCron string
	PayoutCron   string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using default values", "error", err)
	}

	cfg := &Config{
		Port:         getEnv("PORT", "8080"),
		PostgresDSN:  getEnv("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=ledger sslmode=disable"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers: strings.Split(getEnv("KAFKA_BROKER", "localhost:9092"), ","),
		JWTSecret:    getEnv("JWT_SECRET", "supersecret"),

		ProviderURL: os.Getenv("PAYOUT_PROVIDER_URL"),
		ProviderKey: os.Getenv("PAYOUT_PROVIDER_KEY"),

		PayoutTimeout:     getDuration("PAYOUT_TIMEOUT", 30*time.Second),
		MaxPayoutAttempts: getInt("MAX_PAYOUT_ATTEMPTS", 3),
		ReferralRate:      getDecimal("REFERRAL_RATE", "0.05"),
		ThrottleInterval:  getDuration("THROTTLE_INTERVAL", 30*time.Second),

		ContractCron: getEnv("CONTRACT_CRON", "@every 10m"),
		GiftCardCron: getEnv("GIFTCARD_CRON", "@hourly"),
		PayoutCron:   getEnv("PAYOUT_CRON", "@every 5m"),
	}

	// Without provider credentials the deterministic stub takes over, so the
	// service stays runnable in development.
	cfg.ProviderStub = cfg.ProviderURL == "" || cfg.ProviderKey == ""

	slog.Info("config loaded",
		"port", cfg.Port, "redis_addr", cfg.RedisAddr, "kafka_brokers", cfg.KafkaBrokers,
		"provider_stub", cfg.ProviderStub, "payout_timeout", cfg.PayoutTimeout)
	return cfg
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
		slog.Warn("invalid integer in env, using default", "key", key, "value", v)
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		slog.Warn("invalid duration in env, using default", "key", key, "value", v)
	}
	return fallback
}

func getDecimal(key, fallback string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
		slog.Warn("invalid decimal in env, using default", "key", key, "value", v)
	}
	return decimal.RequireFromString(fallback)
}
