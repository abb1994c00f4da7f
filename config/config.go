package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	Address string

	// DatabaseURL is either a postgres:// DSN or a path for an SQLite file.
	DatabaseURL string

	WebhookPath   string
	WebhookSecret string

	// Downstream fan-out of applied events. Both channels optional.
	ForwardWebhookURL string
	RabbitURL         string
	RabbitQueue       string

	S3Enabled   bool
	S3Endpoint  string
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3PublicURL string
	S3PathStyle bool

	DeviceName string

	ReconnectMaxRetries int
	ReconnectBaseWait   time.Duration
	SendTimeout         time.Duration
	WebhookTimeout      time.Duration

	MediaMaxBytes int64
}

// Load reads configuration from environment variables, loading a .env file
// first when one is present. Environment variables take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		Address:           envOr("ADDRESS", ":8080"),
		DatabaseURL:       envOr("DATABASE_URL", "zapleads.db"),
		WebhookPath:       envOr("WEBHOOK_PATH", "/webhooks/provider"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		ForwardWebhookURL: os.Getenv("FORWARD_WEBHOOK_URL"),
		RabbitURL:         os.Getenv("RABBITMQ_URL"),
		RabbitQueue:       envOr("RABBITMQ_QUEUE", "zapleads_events"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3Region:          envOr("S3_REGION", "us-east-1"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3AccessKey:       os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:       os.Getenv("S3_SECRET_KEY"),
		S3PublicURL:       os.Getenv("S3_PUBLIC_URL"),
		DeviceName:        envOr("DEVICE_NAME", "zapleads"),
	}

	cfg.S3Enabled = os.Getenv("S3_ENABLED") == "true"
	cfg.S3PathStyle = os.Getenv("S3_PATH_STYLE") == "true"

	if cfg.S3Enabled && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("S3_ENABLED is set but S3_BUCKET is empty")
	}

	cfg.ReconnectMaxRetries = envInt("RECONNECT_MAX_RETRIES", 5)
	cfg.ReconnectBaseWait = envDuration("RECONNECT_BASE_WAIT", 2*time.Second)
	cfg.SendTimeout = envDuration("SEND_TIMEOUT", 30*time.Second)
	cfg.WebhookTimeout = envDuration("WEBHOOK_TIMEOUT", 10*time.Second)
	cfg.MediaMaxBytes = int64(envInt("MEDIA_MAX_BYTES", 16*1024*1024))

	if cfg.WebhookSecret == "" {
		log.Warn().Msg("WEBHOOK_SECRET not set, inbound webhook signatures will not be verified")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}
