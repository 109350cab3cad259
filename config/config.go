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

	// Database
	PostgresDSN string

	// Cache
	RedisAddr      string
	ConfigCacheTTL time.Duration // router config cache, default: 30s

	// Providers
	OpenAIAPIKey    string
	GeminiAPIKey    string
	AnthropicAPIKey string

	// Embeddings
	EmbeddingModel string // default: text-embedding-3-small

	// Routing
	FallbackBaseDelay       time.Duration // default: 200ms
	FallbackMaxDelay        time.Duration // default: 30s
	AttemptTimeout          time.Duration // per dispatch attempt, default: 60s
	SimilarityTopK          int           // default: 50
	RegistryRefreshInterval time.Duration // default: 1m
	StatsWindow             time.Duration // outcome window feeding the registry, default: 1h

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	// Rate Limiting
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:         os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		EmbeddingModel:       getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.ConfigCacheTTL, err = getDuration("CONFIG_CACHE_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.FallbackBaseDelay, err = getDuration("FALLBACK_BASE_DELAY", 200*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.FallbackMaxDelay, err = getDuration("FALLBACK_MAX_DELAY", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.AttemptTimeout, err = getDuration("ATTEMPT_TIMEOUT", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.RegistryRefreshInterval, err = getDuration("REGISTRY_REFRESH_INTERVAL", time.Minute); err != nil {
		return nil, err
	}
	if cfg.StatsWindow, err = getDuration("STATS_WINDOW", time.Hour); err != nil {
		return nil, err
	}

	topKStr := getEnv("SIMILARITY_TOP_K", "50")
	topK, err := strconv.Atoi(topKStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SIMILARITY_TOP_K: %w", err)
	}
	cfg.SimilarityTopK = topK

	tpmStr := getEnv("DEFAULT_RATE_LIMIT_TPM", "100000")
	tpm, err := strconv.ParseInt(tpmStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid DEFAULT_RATE_LIMIT_TPM: %w", err)
	}
	cfg.DefaultRateLimitTPM = tpm

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
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
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
