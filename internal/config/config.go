package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr         string
	LogLevel     string
	RoutesFile   string
	WatchRoutes  bool
	RedisURL     string
	DatabaseURL  string
	OTLPEndpoint string
	AWSRegion    string
	SNSTopicARN  string
	SQSQueueURL  string

	LedgerBackend    string // memory, redis, postgres
	LedgerRingSize   int
	DefaultBudgetUSD float64

	ShutdownTimeout time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Addr:             getEnv("ADDR", ":8080"),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		RoutesFile:       getEnv("ROUTES_FILE", "routes.yaml"),
		WatchRoutes:      getEnv("WATCH_ROUTES", "true") == "true",
		RedisURL:         getEnv("REDIS_URL", ""),
		DatabaseURL:      getEnv("DATABASE_URL", ""),
		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", ""),
		AWSRegion:        getEnv("AWS_REGION", ""),
		SNSTopicARN:      getEnv("SNS_TOPIC_ARN", ""),
		SQSQueueURL:      getEnv("SQS_QUEUE_URL", ""),
		LedgerBackend:    getEnv("LEDGER_BACKEND", "memory"),
		LedgerRingSize:   getIntEnv("LEDGER_RING_SIZE", 200),
		DefaultBudgetUSD: getFloatEnv("DEFAULT_BUDGET_USD", 100.0),
		ShutdownTimeout:  getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}
