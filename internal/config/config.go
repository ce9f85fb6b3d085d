package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the SyndiHub services.
type Config struct {
	Port      int
	Version   string
	Database  DatabaseConfig
	Broker    BrokerConfig
	Redis     RedisConfig
	Security  SecurityConfig
	Feeds     FeedConfig
	Dispatch  DispatchConfig
	Telemetry TelemetryConfig
}

type DatabaseConfig struct {
	URL            string
	MaxConnections int
}

type BrokerConfig struct {
	// RabbitMQ URL for the outbox/delivery worker queues. Empty means
	// the in-process queue is used (dev, tests).
	URL string
}

type RedisConfig struct {
	// Redis URL for the public-feed rate limiter.
	URL string
}

type SecurityConfig struct {
	// APIKeyPepper is mixed into API-key hashes server-side.
	APIKeyPepper string
	// CredentialsEncryptionKey is the base64-encoded 32-byte symmetric
	// key for agent credential blobs.
	CredentialsEncryptionKey string
	// InternalAdminKey gates the internal bootstrap routes.
	InternalAdminKey string
}

type FeedConfig struct {
	// PublicBaseURL is the absolute base for generated feed URLs.
	PublicBaseURL string
	// StorageDir is the filesystem root for the local object store.
	StorageDir string
	// RateLimitPerMinute is the per-token public feed rate limit.
	RateLimitPerMinute int
}

type DispatchConfig struct {
	OutboxInterval    time.Duration
	OutboxBatchSize   int
	LeaseDuration     time.Duration
	DeliveryInterval  time.Duration
	DeliveryBatchSize int
	FeedInterval      time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("SYNDIHUB_PORT", 8080),
		Version: envStr("SYNDIHUB_VERSION", "0.5.0"),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Broker: BrokerConfig{
			URL: envStr("RABBITMQ_URL", ""),
		},
		Redis: RedisConfig{
			URL: envStr("REDIS_URL", ""),
		},
		Security: SecurityConfig{
			APIKeyPepper:             envStr("API_KEY_PEPPER", "dev-pepper"),
			CredentialsEncryptionKey: envStr("CREDENTIALS_ENCRYPTION_KEY", ""),
			InternalAdminKey:         envStr("INTERNAL_ADMIN_KEY", ""),
		},
		Feeds: FeedConfig{
			PublicBaseURL:      envStr("PUBLIC_BASE_URL", "http://localhost:8080"),
			StorageDir:         envStr("FEED_STORAGE_DIR", "/var/lib/syndihub/feeds"),
			RateLimitPerMinute: envInt("FEED_RATE_LIMIT_PER_MINUTE", 60),
		},
		Dispatch: DispatchConfig{
			OutboxInterval:    envDur("OUTBOX_INTERVAL", 2*time.Second),
			OutboxBatchSize:   envInt("OUTBOX_BATCH_SIZE", 100),
			LeaseDuration:     envDur("OUTBOX_LEASE_DURATION", 10*time.Minute),
			DeliveryInterval:  envDur("DELIVERY_INTERVAL", 2*time.Second),
			DeliveryBatchSize: envInt("DELIVERY_BATCH_SIZE", 100),
			FeedInterval:      envDur("FEED_INTERVAL", 30*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "syndihub"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
