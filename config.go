package authgate

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/giantswarm/authgate/notify"
)

// Default lifetimes and limits applied when the configuration leaves them
// unset.
const (
	DefaultSessionTTLSeconds      = 60
	DefaultGrantTTLSeconds        = 60
	DefaultCleanupIntervalSeconds = 60
)

// Config holds the process-wide configuration. It is loaded once at startup,
// validated, and then shared read-only by reference across every component;
// nothing mutates it after Load returns.
type Config struct {
	// ConnectionString locates the SQLite database file.
	ConnectionString string `json:"sql_connection_string" env:"AUTHGATE_DB"`

	// ServerAddress and ServerPort form the listen address.
	ServerAddress string `json:"server_address" env:"AUTHGATE_ADDRESS"`
	ServerPort    int    `json:"server_port" env:"AUTHGATE_PORT"`

	// CertFile and KeyFile hold the TLS material. Both must be set
	// together; leaving both empty serves plain HTTP (development only).
	CertFile string `json:"cert" env:"AUTHGATE_TLS_CERT"`
	KeyFile  string `json:"key" env:"AUTHGATE_TLS_KEY"`

	// PasswordPolicy constrains accepted passwords.
	PasswordPolicy PasswordPolicy `json:"password_requirements"`

	// RequireEmailVerification dispatches a verification mail on account
	// creation. Requires Email to be configured.
	RequireEmailVerification bool `json:"require_email_verification" env:"AUTHGATE_REQUIRE_EMAIL_VERIFICATION"`

	// Email configures the outbound SMTP relay. Optional; when absent,
	// account creation succeeds on persistence alone.
	Email *notify.Config `json:"email_config"`

	// SessionTTLSeconds is how long an issued session stays verifiable.
	SessionTTLSeconds int64 `json:"session_ttl_seconds" env:"AUTHGATE_SESSION_TTL"` // default: 60

	// GrantTTLSeconds is how long persisted grants live before the sweep
	// removes them.
	GrantTTLSeconds int64 `json:"grant_ttl_seconds" env:"AUTHGATE_GRANT_TTL"` // default: 60

	// CleanupIntervalSeconds is how often the background sweep runs.
	CleanupIntervalSeconds int64 `json:"cleanup_interval_seconds" env:"AUTHGATE_CLEANUP_INTERVAL"` // default: 60

	// RateLimit throttles the login and account-creation endpoints per
	// client IP. Zero disables limiting.
	RateLimit RateLimitConfig `json:"rate_limit"`

	// EnableAuditLogging enables security audit logging with hashed
	// identifiers.
	EnableAuditLogging bool `json:"enable_audit_logging" env:"AUTHGATE_AUDIT"`

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger `json:"-" env:"-"`
}

// PasswordPolicy constrains accepted passwords. Length must lie strictly
// between MinimumSize and MaximumSize, and no rune from
// ForbiddenCharacters may appear.
type PasswordPolicy struct {
	MinimumSize         int    `json:"minimum_size"`
	MaximumSize         int    `json:"maximum_size"`
	ForbiddenCharacters string `json:"forbidden_characters"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int `json:"rate"`

	// Burst is the maximum burst size allowed per IP.
	Burst int `json:"burst"`
}

// Check validates password against the policy. Both length bounds are
// strict: a password exactly MinimumSize or MaximumSize runes long is
// rejected.
func (p PasswordPolicy) Check(password string) error {
	length := len([]rune(password))
	if length <= p.MinimumSize || length >= p.MaximumSize {
		return ErrInvalidRequest(fmt.Sprintf(
			"password length must be between %d and %d characters (exclusive)",
			p.MinimumSize, p.MaximumSize))
	}
	if strings.ContainsAny(password, p.ForbiddenCharacters) {
		return ErrInvalidRequest("password contains forbidden characters")
	}
	return nil
}

// LoadConfig reads the JSON configuration file at path, applies environment
// overrides, fills defaults, and validates. Any failure here is fatal to
// startup by design: the process must not serve with a partial
// configuration.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := &Config{}
	if err := json.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("apply env overrides: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.SessionTTLSeconds <= 0 {
		c.SessionTTLSeconds = DefaultSessionTTLSeconds
	}
	if c.GrantTTLSeconds <= 0 {
		c.GrantTTLSeconds = DefaultGrantTTLSeconds
	}
	if c.CleanupIntervalSeconds <= 0 {
		c.CleanupIntervalSeconds = DefaultCleanupIntervalSeconds
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the configuration for startup-fatal problems.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ConnectionString) == "" {
		return fmt.Errorf("sql_connection_string is required")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port %d is out of range", c.ServerPort)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("cert and key must be configured together")
	}
	if c.PasswordPolicy.MinimumSize < 0 || c.PasswordPolicy.MaximumSize <= 0 {
		return fmt.Errorf("password policy sizes must be positive")
	}
	if c.PasswordPolicy.MinimumSize >= c.PasswordPolicy.MaximumSize {
		return fmt.Errorf("password policy minimum_size %d must be below maximum_size %d",
			c.PasswordPolicy.MinimumSize, c.PasswordPolicy.MaximumSize)
	}
	if c.RequireEmailVerification && c.Email == nil {
		return fmt.Errorf("require_email_verification is set but email_config is missing")
	}
	if c.Email != nil {
		if err := c.Email.Validate(); err != nil {
			return err
		}
	}
	if c.RateLimit.Rate < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst == 0 {
		return fmt.Errorf("rate limit burst is required when rate is set")
	}
	return nil
}

// SessionTTL returns the session time-to-live as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// GrantTTL returns the persisted-grant time-to-live as a duration.
func (c *Config) GrantTTL() time.Duration {
	return time.Duration(c.GrantTTLSeconds) * time.Second
}

// CleanupInterval returns the sweep interval as a duration.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}
