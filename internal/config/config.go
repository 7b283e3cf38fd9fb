package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime configuration for the castline server. Values are
// read once at startup and passed into components explicitly; no package reads
// the environment on its own.
type Config struct {
	Port     int    `envconfig:"CASTLINE_PORT" default:"4000"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Shared secret used to authenticate inbound webhook deliveries.
	WebhookSecret string `envconfig:"CASTLINE_WEBHOOK_SECRET" required:"true"`

	DataDir string `envconfig:"CASTLINE_DATA_DIR" default:"./data"`

	OpenAIAPIKey  string `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIBaseURL string `envconfig:"OPENAI_BASE_URL" default:""`
	ChatModel     string `envconfig:"CASTLINE_CHAT_MODEL" default:"gpt-4o-mini"`
	EmbedModel    string `envconfig:"CASTLINE_EMBED_MODEL" default:"text-embedding-3-small"`

	QdrantHost string `envconfig:"QDRANT_HOST" default:"localhost"`
	QdrantPort int    `envconfig:"QDRANT_PORT" default:"6334"`

	// Upper bound on end-to-end handling of one webhook event. Exceeding it
	// surfaces as a stage failure, not a hung request.
	EventTimeout time.Duration `envconfig:"CASTLINE_EVENT_TIMEOUT" default:"60s"`
}

// Load reads configuration from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("CASTLINE_PORT %d out of range", c.Port)
	}
	if strings.TrimSpace(c.WebhookSecret) == "" {
		return fmt.Errorf("CASTLINE_WEBHOOK_SECRET is required")
	}
	if strings.TrimSpace(c.OpenAIAPIKey) == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.QdrantPort < 1 || c.QdrantPort > 65535 {
		return fmt.Errorf("QDRANT_PORT %d out of range", c.QdrantPort)
	}
	if c.EventTimeout <= 0 {
		return fmt.Errorf("CASTLINE_EVENT_TIMEOUT must be positive")
	}
	return nil
}
