// Package sqlite implements the durable user and grant stores over SQLite.
// A single database file backs identity state so account rows and persisted
// grants share the same visibility boundaries.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/giantswarm/authgate/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements storage.UserStore and storage.GrantStore over SQLite.
type Store struct {
	db *sql.DB
}

// Compile-time interface checks.
var (
	_ storage.UserStore  = (*Store)(nil)
	_ storage.GrantStore = (*Store)(nil)
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the SQLite store at path and applies bundled migrations.
// Keeping schema evolution here means callers cannot reach a half-migrated
// database: any failure aborts before the store is handed out.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := path
	if !strings.HasPrefix(path, ":memory:") && !strings.HasPrefix(path, "file:") {
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if strings.HasPrefix(path, ":memory:") {
		// Every new connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := ApplyMigrations(db, migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// DB returns the raw database handle for maintenance tooling.
func (s *Store) DB() *sql.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ============================================================
// UserStore implementation
// ============================================================

const insertUserQuery = `
INSERT INTO application_user (
    user_id, username, password_hash, email, email_confirmed,
    access_failed_count, lockout_enabled, lockout_end,
    phone_number, phone_number_confirmed, created_on, last_modified_on
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`

// CreateUser persists a new account row.
func (s *Store) CreateUser(ctx context.Context, user *storage.User) error {
	if user == nil {
		return fmt.Errorf("user cannot be nil")
	}
	if user.UserID == "" || user.Username == "" {
		return fmt.Errorf("user id and username are required")
	}

	var lockoutEnd any
	if !user.LockoutEnd.IsZero() {
		lockoutEnd = toMillis(user.LockoutEnd)
	}

	_, err := s.db.ExecContext(ctx, insertUserQuery,
		user.UserID,
		user.Username,
		user.PasswordHash,
		user.Email,
		user.EmailConfirmed,
		user.AccessFailedCount,
		user.LockoutEnabled,
		lockoutEnd,
		user.PhoneNumber,
		user.PhoneNumberConfirmed,
		toMillis(user.CreatedOn),
		toMillis(user.LastModifiedOn),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

const selectUserByUsernameQuery = `
SELECT user_id, username, password_hash, email, email_confirmed,
       access_failed_count, lockout_enabled, lockout_end,
       phone_number, phone_number_confirmed, created_on, last_modified_on
FROM application_user
WHERE username = ?;
`

// GetUserByUsername retrieves an account by its unique username.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*storage.User, error) {
	row := s.db.QueryRowContext(ctx, selectUserByUsernameQuery, username)

	var (
		user       storage.User
		lockoutEnd sql.NullInt64
		createdOn  int64
		modifiedOn int64
	)
	err := row.Scan(
		&user.UserID,
		&user.Username,
		&user.PasswordHash,
		&user.Email,
		&user.EmailConfirmed,
		&user.AccessFailedCount,
		&user.LockoutEnabled,
		&lockoutEnd,
		&user.PhoneNumber,
		&user.PhoneNumberConfirmed,
		&createdOn,
		&modifiedOn,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select user: %w", err)
	}

	if lockoutEnd.Valid {
		user.LockoutEnd = fromMillis(lockoutEnd.Int64)
	}
	user.CreatedOn = fromMillis(createdOn)
	user.LastModifiedOn = fromMillis(modifiedOn)
	return &user, nil
}

// RecordAccessFailure increments the failed-login counter.
func (s *Store) RecordAccessFailure(ctx context.Context, userID string) error {
	return s.touchUser(ctx, userID, `access_failed_count = access_failed_count + 1`)
}

// ResetAccessFailures clears the failed-login counter.
func (s *Store) ResetAccessFailures(ctx context.Context, userID string) error {
	return s.touchUser(ctx, userID, `access_failed_count = 0`)
}

// ConfirmEmail marks the account's email address as confirmed.
func (s *Store) ConfirmEmail(ctx context.Context, userID string) error {
	return s.touchUser(ctx, userID, `email_confirmed = 1`)
}

// touchUser applies a column assignment to one user row and refreshes the
// modification timestamp. The assignment is a trusted constant, never input.
func (s *Store) touchUser(ctx context.Context, userID string, assignment string) error {
	query := fmt.Sprintf(`UPDATE application_user SET %s, last_modified_on = ? WHERE user_id = ?;`, assignment)
	result, err := s.db.ExecContext(ctx, query, toMillis(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ============================================================
// GrantStore implementation
// ============================================================

const insertGrantQuery = `
INSERT INTO persisted_grant (grant_id, user_id, client_id, data, create_time)
VALUES (?, ?, ?, ?, ?);
`

// PutGrant inserts a persisted grant.
func (s *Store) PutGrant(ctx context.Context, grant *storage.PersistedGrant) error {
	if grant == nil {
		return fmt.Errorf("grant cannot be nil")
	}
	if grant.GrantID == "" {
		return fmt.Errorf("grant id is required")
	}

	_, err := s.db.ExecContext(ctx, insertGrantQuery,
		grant.GrantID,
		grant.UserID,
		grant.ClientID,
		grant.Data,
		toMillis(grant.CreateTime),
	)
	if err != nil {
		return fmt.Errorf("insert grant: %w", err)
	}
	return nil
}

const selectGrantQuery = `
SELECT grant_id, user_id, client_id, data, create_time
FROM persisted_grant
WHERE grant_id = ?;
`

// GetGrant retrieves a grant by id.
func (s *Store) GetGrant(ctx context.Context, grantID string) (*storage.PersistedGrant, error) {
	row := s.db.QueryRowContext(ctx, selectGrantQuery, grantID)

	var (
		grant      storage.PersistedGrant
		createTime int64
	)
	err := row.Scan(&grant.GrantID, &grant.UserID, &grant.ClientID, &grant.Data, &createTime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select grant: %w", err)
	}

	grant.CreateTime = fromMillis(createTime)
	return &grant, nil
}

const clearExpiredGrantsQuery = `
DELETE FROM persisted_grant WHERE create_time <= ?;
`

// ClearExpiredGrants bulk-deletes every grant created at or before cutoff.
// The delete is a single statement, so it is atomic from the database's
// perspective and needs no surrounding transaction.
func (s *Store) ClearExpiredGrants(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, clearExpiredGrantsQuery, toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("clear expired grants: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear expired grants rows affected: %w", err)
	}
	return affected, nil
}
