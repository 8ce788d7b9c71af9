package authgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/giantswarm/authgate/instrumentation"
	"github.com/giantswarm/authgate/internal/util"
	"github.com/giantswarm/authgate/notify"
	"github.com/giantswarm/authgate/security"
	"github.com/giantswarm/authgate/storage"
)

// userIDLogLength is the number of characters to include when logging user ids.
const userIDLogLength = 8

// verificationSender dispatches verification mail. Satisfied by
// notify.Notifier; narrowed to an interface so orchestration can be tested
// without an SMTP relay.
type verificationSender interface {
	SendVerification(ctx context.Context, destination, code string) error
}

// Server implements account creation and login orchestration. It coordinates
// the credential hasher, the durable stores, the session cache, and the
// optional email notifier. Each request gets a single attempt: no step is
// retried, and every fallible call is classified as a client error, an
// authentication failure, or a transient server error.
type Server struct {
	users    storage.UserStore
	grants   storage.GrantStore
	sessions storage.SessionStore
	notifier verificationSender
	auditor  *security.Auditor
	config   *Config
	logger   *slog.Logger
	inst     *instrumentation.Instrumentation
}

// NewServer creates a new account server
func NewServer(
	users storage.UserStore,
	grants storage.GrantStore,
	sessions storage.SessionStore,
	config *Config,
) (*Server, error) {
	if users == nil {
		return nil, fmt.Errorf("user store is required")
	}
	if grants == nil {
		return nil, fmt.Errorf("grant store is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	server := &Server{
		users:    users,
		grants:   grants,
		sessions: sessions,
		config:   config,
		logger:   logger,
		auditor:  security.NewAuditor(logger, config.EnableAuditLogging),
	}

	if config.Email != nil {
		notifier, err := notify.NewNotifier(*config.Email, logger)
		if err != nil {
			return nil, fmt.Errorf("build email notifier: %w", err)
		}
		server.notifier = notifier
	}

	return server, nil
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
}

// Auditor exposes the security auditor for the HTTP layer.
func (s *Server) Auditor() *security.Auditor {
	return s.auditor
}

// CreateAccount runs the account-creation sequence: policy check, hash,
// persist, and (when email is configured) a concurrently dispatched
// verification mail. The account exists once persistence succeeds; a failed
// mail send is logged and never rolls the row back.
func (s *Server) CreateAccount(ctx context.Context, username, password, email string) (*storage.User, error) {
	if username == "" {
		return nil, ErrInvalidRequest("username is required")
	}
	if err := s.config.PasswordPolicy.Check(password); err != nil {
		return nil, err
	}

	hash, err := security.HashPassword(password)
	if err != nil {
		s.logger.Error("Password hashing failed", "error", err)
		return nil, ErrServerError("failed to process credentials")
	}

	now := time.Now()
	user := &storage.User{
		UserID:         uuid.NewString(),
		Username:       username,
		PasswordHash:   hash,
		Email:          email,
		CreatedOn:      now,
		LastModifiedOn: now,
	}

	dispatchMail := s.notifier != nil && email != ""

	var mailErr error
	mailDone := make(chan struct{})
	if dispatchMail {
		// The confirmation code is a session: single-use, TTL-bounded,
		// and redeemable through the same cache as every other code.
		session, serr := s.sessions.CreateSession(ctx)
		if serr != nil {
			s.logger.Error("Failed to issue confirmation session", "error", serr)
			dispatchMail = false
			close(mailDone)
		} else {
			go func() {
				defer close(mailDone)
				mailErr = s.notifier.SendVerification(ctx, email, session.SessionID)
			}()
		}
	} else {
		close(mailDone)
	}

	persistErr := s.users.CreateUser(ctx, user)
	<-mailDone

	if persistErr != nil {
		s.logger.Error("Failed to persist user", "username_len", len(username), "error", persistErr)
		return nil, ErrServerError("failed to create account")
	}
	if dispatchMail && mailErr != nil {
		// The account stands; verification can be retried out of band.
		s.logger.Error("Verification email failed", "error", mailErr)
	}

	s.auditor.LogAccountCreated(username, "", dispatchMail && mailErr == nil)
	if s.inst != nil {
		s.inst.Metrics().AccountsCreated.Add(ctx, 1)
	}
	s.logger.Info("Account created",
		"user_id", util.SafeTruncate(user.UserID, userIDLogLength),
		"email_dispatched", dispatchMail && mailErr == nil)

	return user, nil
}

// Login runs the authentication sequence: fetch, verify, establish session.
// An unknown username and a wrong password produce the same error, so the
// response never reveals which usernames exist.
func (s *Server) Login(ctx context.Context, username, password string) (*storage.Session, error) {
	outcome := "failure"
	defer func() {
		if s.inst != nil {
			s.inst.Metrics().LoginAttempts.Add(ctx, 1,
				metric.WithAttributes(attribute.String("outcome", outcome)))
		}
	}()

	user, err := s.users.GetUserByUsername(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		s.auditor.LogLoginFailure(username, "", "unknown_user")
		return nil, ErrInvalidCredentials()
	}
	if err != nil {
		s.logger.Error("User lookup failed", "error", err)
		return nil, ErrServerError("failed to authenticate")
	}

	ok, err := security.VerifyPassword(password, user.PasswordHash)
	if err != nil {
		// A corrupt stored hash is an infrastructure problem, but the
		// caller still only sees an authentication failure.
		s.logger.Error("Password verification failed",
			"user_id", util.SafeTruncate(user.UserID, userIDLogLength), "error", err)
	}
	if err != nil || !ok {
		if ferr := s.users.RecordAccessFailure(ctx, user.UserID); ferr != nil {
			s.logger.Error("Failed to record access failure", "error", ferr)
		}
		s.auditor.LogLoginFailure(username, "", "wrong_password")
		return nil, ErrInvalidCredentials()
	}

	if err := s.users.ResetAccessFailures(ctx, user.UserID); err != nil {
		s.logger.Error("Failed to reset access failures", "error", err)
	}

	session, err := s.sessions.CreateSession(ctx)
	if err != nil {
		s.logger.Error("Session issuance failed", "error", err)
		return nil, ErrServerError("failed to establish session")
	}

	grant := &storage.PersistedGrant{
		GrantID:    uuid.NewString(),
		UserID:     user.UserID,
		CreateTime: time.Now(),
	}
	if err := s.grants.PutGrant(ctx, grant); err != nil {
		// The session is already live and self-expires; the durable
		// artifact is auxiliary, so the login still succeeds.
		s.logger.Error("Failed to persist grant",
			"user_id", util.SafeTruncate(user.UserID, userIDLogLength), "error", err)
	} else if s.inst != nil {
		s.inst.Metrics().GrantsStored.Add(ctx, 1)
	}

	outcome = "success"
	s.auditor.LogLoginSuccess(username, "")
	s.logger.Info("Login succeeded",
		"user_id", util.SafeTruncate(user.UserID, userIDLogLength),
		"session_id", util.SafeTruncate(session.SessionID, userIDLogLength))

	return session, nil
}

// ConfirmEmail redeems an emailed confirmation code. The code is a session
// id, so redemption inherits the cache's single-use and TTL semantics.
func (s *Server) ConfirmEmail(ctx context.Context, username, code string) error {
	if username == "" || code == "" {
		return ErrInvalidRequest("username and code are required")
	}
	if !s.sessions.VerifySession(ctx, code) {
		return ErrInvalidGrant("confirmation code is invalid or expired")
	}

	user, err := s.users.GetUserByUsername(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrInvalidGrant("confirmation code is invalid or expired")
	}
	if err != nil {
		s.logger.Error("User lookup failed", "error", err)
		return ErrServerError("failed to confirm email")
	}

	if err := s.users.ConfirmEmail(ctx, user.UserID); err != nil {
		s.logger.Error("Failed to confirm email",
			"user_id", util.SafeTruncate(user.UserID, userIDLogLength), "error", err)
		return ErrServerError("failed to confirm email")
	}

	s.logger.Info("Email confirmed", "user_id", util.SafeTruncate(user.UserID, userIDLogLength))
	return nil
}
