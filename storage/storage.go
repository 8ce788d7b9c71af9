// Package storage defines interfaces for persisting user accounts, long-lived
// grants, and in-flight authorization sessions. It supports various backend
// implementations including in-memory caches and SQL databases.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist in the
// backing store. Callers that must not leak record existence (e.g. login)
// are responsible for collapsing it into a uniform failure.
var ErrNotFound = errors.New("storage: record not found")

// Session identifies an in-flight authorization attempt. Sessions are
// short-lived, single-use, and live only in process memory.
type Session struct {
	// SessionID is an opaque unique token handed back to the caller.
	SessionID string

	// AuthCode is the opaque authorization code bound to this session.
	AuthCode string

	// CreatedAt is stamped once at creation and never revised. Eviction
	// order equals creation order because of this.
	CreatedAt time.Time
}

// PersistedGrant is a durable record representing an issued, long-lived
// authorization artifact. The server never caches grants; the database owns
// them and the cleanup scheduler deletes them in bulk by create time.
type PersistedGrant struct {
	GrantID    string
	UserID     string
	ClientID   string
	Data       string
	CreateTime time.Time
}

// User is a persisted account row.
type User struct {
	UserID               string
	Username             string
	PasswordHash         string // opaque KDF output, never the raw password
	Email                string
	EmailConfirmed       bool
	AccessFailedCount    int
	LockoutEnabled       bool
	LockoutEnd           time.Time // zero means no active lockout
	PhoneNumber          string
	PhoneNumberConfirmed bool
	CreatedOn            time.Time
	LastModifiedOn       time.Time
}

// SessionStore defines the interface for the in-process session cache.
// Implementations must be safe for concurrent use by request handlers and
// the background sweeper.
type SessionStore interface {
	// CreateSession issues a fresh session with a unique id and auth code.
	// It never fails under normal operation.
	CreateSession(ctx context.Context) (*Session, error)

	// VerifySession atomically removes and checks a session. It returns
	// true only for a session that exists and is within its TTL; either
	// way the session is consumed, so a second call with the same id
	// always returns false.
	VerifySession(ctx context.Context, sessionID string) bool

	// Sweep evicts every session whose age at now exceeds the TTL and
	// returns the number of evicted entries.
	Sweep(ctx context.Context, now time.Time) int
}

// GrantStore defines the interface for durable persisted grants.
// All methods accept context.Context for cancellation.
type GrantStore interface {
	// PutGrant inserts a grant.
	PutGrant(ctx context.Context, grant *PersistedGrant) error

	// GetGrant retrieves a grant by id, or ErrNotFound.
	GetGrant(ctx context.Context, grantID string) (*PersistedGrant, error)

	// ClearExpiredGrants bulk-deletes every grant created at or before
	// cutoff and returns the number of rows removed. The operation is
	// idempotent; re-running with an equal or larger cutoff is safe.
	ClearExpiredGrants(ctx context.Context, cutoff time.Time) (int64, error)
}

// UserStore defines the interface for account persistence.
// All methods accept context.Context for cancellation.
type UserStore interface {
	// CreateUser persists a new account row.
	CreateUser(ctx context.Context, user *User) error

	// GetUserByUsername retrieves an account by its unique username, or
	// ErrNotFound.
	GetUserByUsername(ctx context.Context, username string) (*User, error)

	// RecordAccessFailure increments the failed-login counter.
	RecordAccessFailure(ctx context.Context, userID string) error

	// ResetAccessFailures clears the failed-login counter after a
	// successful authentication.
	ResetAccessFailures(ctx context.Context, userID string) error

	// ConfirmEmail marks the account's email address as confirmed.
	ConfirmEmail(ctx context.Context, userID string) error
}
