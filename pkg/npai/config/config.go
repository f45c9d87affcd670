// Package config defines all configuration for the NP AI backend and loads
// it from config.yaml, .env and environment variables, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all backend configuration.
type Config struct {
	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server"`

	// OpenRouter configures the language-model provider.
	OpenRouter OpenRouterConfig `yaml:"openrouter"`

	// Encryption configures bot-token encryption at rest.
	Encryption EncryptionConfig `yaml:"encryption"`

	// WhatsApp configures the socket-channel supervisor.
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`

	// Messenger configures the webhook-push channel.
	Messenger MessengerConfig `yaml:"messenger"`

	// Store configures the backing database.
	Store StoreConfig `yaml:"store"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	// Port is the listen port.
	Port int `yaml:"port"`

	// AllowedOrigins restricts CORS. "*" allows everything.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// RateLimitPerMinute is the per-client request budget.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// OpenRouterConfig configures the chat-completions provider.
type OpenRouterConfig struct {
	// APIKey is the bearer token. Resolved via keyring/env, see keyring.go.
	APIKey string `yaml:"api_key"`

	// Model is the model slug (e.g. "openai/gpt-4o-mini").
	Model string `yaml:"model"`

	// SiteURL is sent as HTTP-Referer when set (OpenRouter attribution).
	SiteURL string `yaml:"site_url"`

	// AppName is sent as X-Title when set.
	AppName string `yaml:"app_name"`
}

// EncryptionConfig configures token encryption.
type EncryptionConfig struct {
	// Key is a 64-char hex AES-256 key or a passphrase to derive one from.
	Key string `yaml:"key"`
}

// WhatsAppConfig configures the socket-channel supervisor.
type WhatsAppConfig struct {
	// SessionDir holds the per-bot whatsmeow SQLite session databases.
	SessionDir string `yaml:"session_dir"`

	// ReconnectBaseDelay is multiplied by the retry count for backoff.
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`

	// MaxReconnectAttempts is the auto-retry ceiling. Beyond it the
	// session waits for an explicit restart.
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts"`
}

// MessengerConfig configures the Meta page webhook channel.
type MessengerConfig struct {
	// VerifyToken must match the hub.verify_token of webhook subscriptions.
	VerifyToken string `yaml:"verify_token"`

	// APIVersion is the Graph API version used for sends (e.g. "v19.0").
	APIVersion string `yaml:"api_version"`
}

// StoreConfig configures the backing database.
type StoreConfig struct {
	// Path is the SQLite database file path.
	Path string `yaml:"path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               3000,
			AllowedOrigins:     []string{"*"},
			RateLimitPerMinute: 60,
		},
		OpenRouter: OpenRouterConfig{
			Model:   "openai/gpt-4o-mini",
			AppName: "NP AI Bot",
		},
		WhatsApp: WhatsAppConfig{
			SessionDir:           "./data/sessions",
			ReconnectBaseDelay:   3 * time.Second,
			MaxReconnectAttempts: 5,
		},
		Messenger: MessengerConfig{
			APIVersion: "v19.0",
		},
		Store: StoreConfig{
			Path: "./data/npai.db",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then .env, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %q: %w", path, err)
		}
	}

	// .env is optional; ignore absence.
	_ = godotenv.Load()

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides config fields from the process environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = splitOrigins(v)
	}
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.RateLimitPerMinute = n
		}
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.OpenRouter.APIKey = v
	}
	if v := os.Getenv("OPENROUTER_MODEL"); v != "" {
		cfg.OpenRouter.Model = v
	}
	if v := os.Getenv("OPENROUTER_SITE_URL"); v != "" {
		cfg.OpenRouter.SiteURL = v
	}
	if v := os.Getenv("OPENROUTER_APP_NAME"); v != "" {
		cfg.OpenRouter.AppName = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		cfg.Encryption.Key = v
	}
	if v := os.Getenv("MESSENGER_VERIFY_TOKEN"); v != "" {
		cfg.Messenger.VerifyToken = v
	}
	if v := os.Getenv("NPAI_DB_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("NPAI_SESSION_DIR"); v != "" {
		cfg.WhatsApp.SessionDir = v
	}
}

func splitOrigins(value string) []string {
	if value == "" || value == "*" {
		return []string{"*"}
	}
	parts := strings.Split(value, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			origins = append(origins, p)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
