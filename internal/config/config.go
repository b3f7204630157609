// Package config resolves process configuration from the environment, with
// an optional YAML overrides file for non-secret tunables.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the resolved configuration for the ingestion core.
type Config struct {
	Port int
	Env  string

	// DatabaseURL is the Postgres DSN for the registry and tenant schemas.
	DatabaseURL string

	// EncryptionKey is the 32-byte key behind TOKEN_ENCRYPTION_KEY.
	EncryptionKey []byte

	// PublicBaseURL is the externally reachable base URL, used when
	// registering webhook callbacks.
	PublicBaseURL string

	// Commerce upstream (OAuth + API)
	CommerceClientID      string
	CommerceClientSecret  string
	CommerceAPIVersion    string
	CommerceWebhookSecret string // app-global fallback signing secret

	// Inbound mail
	EmailWebhookSecret string
	SpamThreshold      float64
	MailRatePerMinute  int

	// Pipeline
	RequestDeadline    time.Duration
	CredentialCacheTTL time.Duration

	// InternalJobsToken authenticates the worker callback endpoint. Derived
	// from the encryption key when INTERNAL_JOBS_TOKEN is unset, so the
	// endpoint is never open.
	InternalJobsToken string

	// Infrastructure (all optional; in-process fallbacks exist)
	RedisAddr     string
	RedisPassword string
	GCPProject    string
	TasksLocation string
	TasksQueue    string
	PubSubTopic   string
	GCSBucket     string
}

// Load resolves configuration from the environment. Required values missing
// → error; everything else falls back to its documented default.
func Load() (*Config, error) {
	cfg := &Config{
		Port:                  envInt("PORT", 8080),
		Env:                   envStr("APP_ENV", "development"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		PublicBaseURL:         envStr("PUBLIC_BASE_URL", "http://localhost:8080"),
		CommerceClientID:      os.Getenv("COMMERCE_CLIENT_ID"),
		CommerceClientSecret:  os.Getenv("COMMERCE_CLIENT_SECRET"),
		CommerceAPIVersion:    envStr("COMMERCE_API_VERSION", "2026-01"),
		CommerceWebhookSecret: os.Getenv("COMMERCE_WEBHOOK_SECRET"),
		EmailWebhookSecret:    os.Getenv("EMAIL_WEBHOOK_SECRET"),
		SpamThreshold:         envFloat("SPAM_THRESHOLD", 0.5),
		MailRatePerMinute:     envInt("MAIL_RATE_PER_MINUTE", 300),
		RequestDeadline:       envDuration("REQUEST_DEADLINE", 25*time.Second),
		CredentialCacheTTL:    envDuration("CREDENTIAL_CACHE_TTL", 60*time.Second),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		GCPProject:            os.Getenv("GCP_PROJECT"),
		TasksLocation:         envStr("TASKS_LOCATION", "us-central1"),
		TasksQueue:            envStr("TASKS_QUEUE", "ingest-jobs"),
		PubSubTopic:           os.Getenv("PUBSUB_TOPIC"),
		GCSBucket:             os.Getenv("GCS_BUCKET"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL must be set")
	}

	keyHex := os.Getenv("TOKEN_ENCRYPTION_KEY")
	if keyHex == "" {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be set (64 hex chars)")
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("TOKEN_ENCRYPTION_KEY must be exactly 64 hex chars")
	}
	cfg.EncryptionKey = key

	cfg.InternalJobsToken = os.Getenv("INTERNAL_JOBS_TOKEN")
	if cfg.InternalJobsToken == "" {
		sum := sha256.Sum256(append([]byte("jobs-token:"), cfg.EncryptionKey...))
		cfg.InternalJobsToken = hex.EncodeToString(sum[:])
	}

	return cfg, nil
}

func envStr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(name string, def float64) float64 {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envDuration(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
