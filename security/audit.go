package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. Usernames are
// hashed before they reach the log stream so audit trails cannot be mined
// for valid account names.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	Username  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"username_hash", hashForLogging(event.Username),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogAccountCreated logs a successful account creation
func (a *Auditor) LogAccountCreated(username, ipAddress string, emailDispatched bool) {
	a.LogEvent(Event{
		Type:      "account_created",
		Username:  username,
		IPAddress: ipAddress,
		Details: map[string]any{
			"verification_email": emailDispatched,
		},
	})
}

// LogLoginSuccess logs a successful authentication
func (a *Auditor) LogLoginSuccess(username, ipAddress string) {
	a.LogEvent(Event{
		Type:      "login_success",
		Username:  username,
		IPAddress: ipAddress,
	})
}

// LogLoginFailure logs an authentication failure. The reason stays internal;
// the HTTP response never distinguishes unknown users from wrong passwords.
func (a *Auditor) LogLoginFailure(username, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "login_failure",
		Username:  username,
		IPAddress: ipAddress,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress, path string) {
	a.LogEvent(Event{
		Type:      "rate_limit_exceeded",
		IPAddress: ipAddress,
		Details: map[string]any{
			"path": path,
		},
	})
}

// hashForLogging creates a truncated SHA-256 hash for correlating log
// entries without exposing the identifier itself.
func hashForLogging(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:16]
}
