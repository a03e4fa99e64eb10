package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration
type Config struct {
	Port     string
	Env      string
	LogLevel string

	// AgentID identifies the hosted conversational agent. Without it no
	// session can ever be started; the controller degrades to a visible
	// configuration error instead of crashing.
	AgentID         string
	ConnectionType  string
	SessionEndpoint string

	WebhookURL     string
	WebhookTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisTLS      bool
	IdentityTTL   time.Duration

	CaptureDevicePath string

	ConnectTimeout     time.Duration
	MaxRetryAttempts   int
	ConnectBackoffBase time.Duration
	ConnectBackoffMax  time.Duration
	ErrorBackoffBase   time.Duration
	ErrorBackoffMax    time.Duration
}

// Load reads configuration from environment variables
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// AXIE_STUDIO_AGENT_ID wins; ELEVENLABS_AGENT_ID kept as the
		// legacy name.
		AgentID:         firstEnv("AXIE_STUDIO_AGENT_ID", "ELEVENLABS_AGENT_ID"),
		ConnectionType:  getEnv("CONNECTION_TYPE", "webrtc"),
		SessionEndpoint: getEnv("SESSION_ENDPOINT", ""),

		WebhookURL:     getEnv("WEBHOOK_URL", "https://stefan0987.app.n8n.cloud/webhook/803738bb-c134-4bdb-9720-5b1af902475f"),
		WebhookTimeout: getEnvAsDuration("WEBHOOK_TIMEOUT", 10*time.Second),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisTLS:      getEnvAsBool("REDIS_TLS", false),
		IdentityTTL:   getEnvAsDuration("IDENTITY_TTL", 12*time.Hour),

		CaptureDevicePath: getEnv("CAPTURE_DEVICE_PATH", "/dev/snd"),

		ConnectTimeout:     getEnvAsDuration("CONNECT_TIMEOUT", 8*time.Second),
		MaxRetryAttempts:   getEnvAsInt("MAX_RETRY_ATTEMPTS", 3),
		ConnectBackoffBase: getEnvAsDuration("CONNECT_BACKOFF_BASE", 3*time.Second),
		ConnectBackoffMax:  getEnvAsDuration("CONNECT_BACKOFF_MAX", 15*time.Second),
		ErrorBackoffBase:   getEnvAsDuration("ERROR_BACKOFF_BASE", 2*time.Second),
		ErrorBackoffMax:    getEnvAsDuration("ERROR_BACKOFF_MAX", 10*time.Second),
	}
}

// HasAgentID reports whether a usable agent identifier was configured.
func (c *Config) HasAgentID() bool {
	return strings.TrimSpace(c.AgentID) != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func getEnvAsInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
