package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Configuration source
	PostgresDSN     string
	RefreshInterval time.Duration // snapshot reload period, default: 30s

	// Result cache
	CacheBackend string        // "memory" or "redis"
	RedisAddr    string        // required when CacheBackend == "redis"
	CacheTTL     time.Duration // default: 60s

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Dispatch
	AttemptTimeout  time.Duration // per-candidate timeout, default: 30s
	RequestDeadline time.Duration // overall dispatch deadline, default: 90s

	// Quota
	QuotaInterval      time.Duration // token bucket refill period, default: 1m
	DefaultRequestsPer int           // fallback per-interval request limit, default: 60

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		CacheBackend:         getEnv("CACHE_BACKEND", "memory"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.RefreshInterval, err = getDuration("SNAPSHOT_REFRESH_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = getDuration("CACHE_TTL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.AttemptTimeout, err = getDuration("ATTEMPT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestDeadline, err = getDuration("REQUEST_DEADLINE", 90*time.Second); err != nil {
		return nil, err
	}
	if cfg.QuotaInterval, err = getDuration("QUOTA_INTERVAL", time.Minute); err != nil {
		return nil, err
	}

	rpiStr := getEnv("DEFAULT_REQUESTS_PER_INTERVAL", "60")
	rpi, err := strconv.Atoi(rpiStr)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_REQUESTS_PER_INTERVAL: %w", err)
	}
	cfg.DefaultRequestsPer = rpi

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.CacheBackend != "memory" && cfg.CacheBackend != "redis" {
		return nil, fmt.Errorf("invalid CACHE_BACKEND %q (want \"memory\" or \"redis\")", cfg.CacheBackend)
	}
	if cfg.CacheBackend == "redis" && cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required when CACHE_BACKEND=redis")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
