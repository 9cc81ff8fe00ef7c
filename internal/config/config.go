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
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/devmonkey.db"`

	// Queue and locks
	RedisAddr      string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	RedisDB        int           `env:"REDIS_DB" envDefault:"0"`
	QueueName      string        `env:"QUEUE_NAME" envDefault:"devmonkey"`
	Workers        int           `env:"WORKERS" envDefault:"4"`
	PopTimeout     time.Duration `env:"QUEUE_POP_TIMEOUT" envDefault:"5s"`
	RequeueBackoff time.Duration `env:"REQUEUE_BACKOFF" envDefault:"15s"`
	LockTTL        time.Duration `env:"LOCK_TTL" envDefault:"2m"`
	ConsumerTTL    time.Duration `env:"QUEUE_CONSUMER_TTL" envDefault:"30s"`

	// Remote gateway
	GatewayURL     string        `env:"GATEWAY_URL" envDefault:"http://localhost:9090"`
	GatewayToken   string        `env:"GATEWAY_TOKEN"`
	GatewayTimeout time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"60s"`

	// Handshake
	HandshakeTTL      time.Duration `env:"HANDSHAKE_TTL" envDefault:"10m"`
	HandshakeCapacity int           `env:"HANDSHAKE_CAPACITY" envDefault:"1024"`

	// Task limits
	TaskHardLimit time.Duration `env:"TASK_HARD_LIMIT" envDefault:"30m"`
	TaskSoftLimit time.Duration `env:"TASK_SOFT_LIMIT" envDefault:"25m"`

	// Reconnects after a lost connection, within the hard limit
	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS" envDefault:"3"`
	ReconnectDelay    time.Duration `env:"RECONNECT_DELAY" envDefault:"30s"`

	// Pacing between units of work
	JoinDelayMin        time.Duration `env:"JOIN_DELAY_MIN" envDefault:"60s"`
	JoinDelayMax        time.Duration `env:"JOIN_DELAY_MAX" envDefault:"300s"`
	WarmupJoinDelayMin  time.Duration `env:"WARMUP_JOIN_DELAY_MIN" envDefault:"300s"`
	WarmupJoinDelayMax  time.Duration `env:"WARMUP_JOIN_DELAY_MAX" envDefault:"600s"`
	WarmupIdleDelayMin  time.Duration `env:"WARMUP_IDLE_DELAY_MIN" envDefault:"600s"`
	WarmupIdleDelayMax  time.Duration `env:"WARMUP_IDLE_DELAY_MAX" envDefault:"1200s"`
	WarmupErrorCooldown time.Duration `env:"WARMUP_ERROR_COOLDOWN" envDefault:"60s"`

	// Notifications (optional)
	NotifyBotToken string `env:"NOTIFY_BOT_TOKEN"`

	// Metrics (optional), e.g. :9100
	MetricsAddr string `env:"METRICS_ADDR"`

	// Security
	EncryptionKey string `env:"ENCRYPTION_KEY,required"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// NotifyEnabled returns true if state change notifications are configured
func (c *Config) NotifyEnabled() bool {
	return c.NotifyBotToken != ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	// 32 bytes for AES-256
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(c.EncryptionKey))
	}
	if c.Workers < 1 {
		return fmt.Errorf("WORKERS must be positive, got %d", c.Workers)
	}
	if c.TaskSoftLimit > c.TaskHardLimit {
		return fmt.Errorf("TASK_SOFT_LIMIT (%s) exceeds TASK_HARD_LIMIT (%s)", c.TaskSoftLimit, c.TaskHardLimit)
	}
	if c.ReconnectAttempts < 1 {
		return fmt.Errorf("RECONNECT_ATTEMPTS must be positive, got %d", c.ReconnectAttempts)
	}

	if c.ConsumerTTL <= 0 {
		return fmt.Errorf("QUEUE_CONSUMER_TTL must be positive, got %s", c.ConsumerTTL)
	}
	// Without an idle pause a warmup that finds nothing would search in a tight loop
	if c.WarmupIdleDelayMin <= 0 {
		return fmt.Errorf("WARMUP_IDLE_DELAY_MIN must be positive, got %s", c.WarmupIdleDelayMin)
	}
	if c.WarmupErrorCooldown <= 0 {
		return fmt.Errorf("WARMUP_ERROR_COOLDOWN must be positive, got %s", c.WarmupErrorCooldown)
	}

	ranges := []struct {
		name     string
		min, max time.Duration
	}{
		{"JOIN_DELAY", c.JoinDelayMin, c.JoinDelayMax},
		{"WARMUP_JOIN_DELAY", c.WarmupJoinDelayMin, c.WarmupJoinDelayMax},
		{"WARMUP_IDLE_DELAY", c.WarmupIdleDelayMin, c.WarmupIdleDelayMax},
	}
	for _, r := range ranges {
		if r.min < 0 || r.max < r.min {
			return fmt.Errorf("%s range is invalid: [%s, %s]", r.name, r.min, r.max)
		}
	}

	return nil
}
