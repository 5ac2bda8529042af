package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	ShellPolicyReject = "reject"
	ShellPolicyReuse  = "reuse"
)

type Config struct {
	// Server
	Port string `envconfig:"PORT" default:"8097"`

	// Database
	DBDriver   string `envconfig:"DB_DRIVER" default:"postgres"`
	DBHost     string `envconfig:"DB_HOST" default:"localhost"`
	DBPort     string `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"postgres"`
	DBPassword string `envconfig:"DB_PASSWORD" default:""`
	DBName     string `envconfig:"DB_NAME" default:"sshdeck_db"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBPath     string `envconfig:"DB_PATH" default:"sshdeck.db"`

	// Auth (single user)
	AdminUsername    string `envconfig:"ADMIN_USERNAME" default:"admin"`
	AdminPassword    string `envconfig:"ADMIN_PASSWORD" default:""` // plaintext in env, hashed at startup
	AdminDisplayName string `envconfig:"ADMIN_DISPLAY_NAME" default:"Admin"`
	AdminRole        string `envconfig:"ADMIN_ROLE" default:"admin"`
	JWTSecret        string `envconfig:"JWT_SECRET" default:""`

	// Fernet key (base64, 32 bytes) for stored SSH secrets
	EncryptionKey string `envconfig:"ENCRYPTION_KEY" default:""`

	// Empty means in-process cache and event bus
	RedisURL string `envconfig:"REDIS_URL" default:""`

	// SSH
	ShellPolicy        string        `envconfig:"SHELL_POLICY" default:"reject"`
	SSHConnectTimeout  time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"10s"`
	SSHExecTimeout     time.Duration `envconfig:"SSH_EXEC_TIMEOUT" default:"60s"`
	SessionIdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`

	// Background jobs
	StatusCheckSchedule string `envconfig:"STATUS_CHECK_SCHEDULE" default:"@every 5m"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	c.ShellPolicy = strings.ToLower(strings.TrimSpace(c.ShellPolicy))
	switch c.ShellPolicy {
	case ShellPolicyReject, ShellPolicyReuse:
	default:
		return fmt.Errorf("invalid SHELL_POLICY %q (want %q or %q)", c.ShellPolicy, ShellPolicyReject, ShellPolicyReuse)
	}

	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("invalid DB_DRIVER %q (want postgres or sqlite)", c.DBDriver)
	}

	if c.SSHConnectTimeout <= 0 {
		return fmt.Errorf("SSH_CONNECT_TIMEOUT must be positive")
	}
	if c.SSHExecTimeout <= 0 {
		return fmt.Errorf("SSH_EXEC_TIMEOUT must be positive")
	}
	return nil
}
