package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailhold.db"`
	RawStorePath string `env:"RAW_STORE_PATH" envDefault:"./data/raw"`

	// Raw payloads larger than this are spilled to RawStorePath instead of
	// being stored inline in the message row.
	InlineRawLimit int `env:"INLINE_RAW_LIMIT" envDefault:"262144"`

	// IMAP
	IMAPDialTimeout  time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`
	IMAPIdleTimeout  time.Duration `env:"IMAP_IDLE_TIMEOUT" envDefault:"25m"`
	IMAPKeepalive    time.Duration `env:"IMAP_KEEPALIVE_INTERVAL" envDefault:"5m"`
	PollInterval     time.Duration `env:"POLL_INTERVAL" envDefault:"1m"`
	ReconnectSeed    time.Duration `env:"RECONNECT_BACKOFF_SEED" envDefault:"2s"`
	ReconnectCap     time.Duration `env:"RECONNECT_BACKOFF_CAP" envDefault:"5m"`
	BreakerThreshold int           `env:"BREAKER_THRESHOLD" envDefault:"5"`

	// API
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8025"`

	// Telegram notifications on hold events (optional)
	TelegramToken  string `env:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID int64  `env:"TELEGRAM_CHAT_ID"`

	// Security
	EncryptionKey string `env:"ENCRYPTION_KEY,required"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// TelegramEnabled returns true if hold notifications are configured
func (c *Config) TelegramEnabled() bool {
	return c.TelegramToken != "" && c.TelegramChatID != 0
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate encryption key length (32 bytes for AES-256)
	if len(cfg.EncryptionKey) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(cfg.EncryptionKey))
	}

	if cfg.BreakerThreshold <= 0 {
		return nil, fmt.Errorf("BREAKER_THRESHOLD must be positive, got %d", cfg.BreakerThreshold)
	}

	return cfg, nil
}
