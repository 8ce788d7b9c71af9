package authgate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/authgate/security"
	"github.com/giantswarm/authgate/storage"
	"github.com/giantswarm/authgate/storage/memory"
)

// ============================================================
// Test fakes
// ============================================================

type fakeUserStore struct {
	mu        sync.Mutex
	users     map[string]*storage.User // keyed by username
	createErr error
	lookupErr error
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]*storage.User)}
}

func (f *fakeUserStore) CreateUser(_ context.Context, user *storage.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, exists := f.users[user.Username]; exists {
		return fmt.Errorf("username %q already exists", user.Username)
	}
	copied := *user
	f.users[user.Username] = &copied
	return nil
}

func (f *fakeUserStore) GetUserByUsername(_ context.Context, username string) (*storage.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	user, ok := f.users[username]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *user
	return &copied, nil
}

func (f *fakeUserStore) RecordAccessFailure(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.UserID == userID {
			user.AccessFailedCount++
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeUserStore) ResetAccessFailures(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.UserID == userID {
			user.AccessFailedCount = 0
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeUserStore) ConfirmEmail(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.UserID == userID {
			user.EmailConfirmed = true
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeUserStore) get(username string) *storage.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[username]
}

type fakeGrantStore struct {
	mu       sync.Mutex
	grants   map[string]*storage.PersistedGrant
	putErr   error
	clearErr error
}

func newFakeGrantStore() *fakeGrantStore {
	return &fakeGrantStore{grants: make(map[string]*storage.PersistedGrant)}
}

func (f *fakeGrantStore) PutGrant(_ context.Context, grant *storage.PersistedGrant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	copied := *grant
	f.grants[grant.GrantID] = &copied
	return nil
}

func (f *fakeGrantStore) GetGrant(_ context.Context, grantID string) (*storage.PersistedGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	grant, ok := f.grants[grantID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *grant
	return &copied, nil
}

func (f *fakeGrantStore) ClearExpiredGrants(_ context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clearErr != nil {
		return 0, f.clearErr
	}
	var removed int64
	for id, grant := range f.grants {
		if !grant.CreateTime.After(cutoff) {
			delete(f.grants, id)
			removed++
		}
	}
	return removed, nil
}

func (f *fakeGrantStore) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.grants)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string // codes
	to   []string
	err  error
}

func (f *fakeSender) SendVerification(_ context.Context, destination, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.to = append(f.to, destination)
	f.sent = append(f.sent, code)
	return nil
}

func (f *fakeSender) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeSender) lastCode() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func testConfig() *Config {
	cfg := &Config{
		ConnectionString: ":memory:",
		ServerPort:       9000,
		PasswordPolicy: PasswordPolicy{
			MinimumSize:         8,
			MaximumSize:         64,
			ForbiddenCharacters: " '\"",
		},
	}
	cfg.applyDefaults()
	return cfg
}

func newTestServer(t *testing.T) (*Server, *fakeUserStore, *fakeGrantStore, *memory.SessionCache) {
	t.Helper()
	users := newFakeUserStore()
	grants := newFakeGrantStore()
	sessions := memory.NewSessionCache(time.Minute)

	server, err := NewServer(users, grants, sessions, testConfig())
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	return server, users, grants, sessions
}

// ============================================================
// Tests
// ============================================================

func TestNewServer_MissingDependencies(t *testing.T) {
	users := newFakeUserStore()
	grants := newFakeGrantStore()
	sessions := memory.NewSessionCache(time.Minute)
	config := testConfig()

	tests := []struct {
		name string
		fn   func() (*Server, error)
	}{
		{"nil users", func() (*Server, error) { return NewServer(nil, grants, sessions, config) }},
		{"nil grants", func() (*Server, error) { return NewServer(users, nil, sessions, config) }},
		{"nil sessions", func() (*Server, error) { return NewServer(users, grants, nil, config) }},
		{"nil config", func() (*Server, error) { return NewServer(users, grants, sessions, nil) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.fn(); err == nil {
				t.Error("expected constructor error")
			}
		})
	}
}

func TestServer_CreateAccount_PolicyRejection(t *testing.T) {
	server, users, _, _ := newTestServer(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		password string
	}{
		{"too short", "short"},
		{"exactly minimum", "12345678"},                    // strict lower bound
		{"exactly maximum", fmt.Sprintf("%064d", 0)},       // strict upper bound
		{"forbidden space", "open sesame plenty long"},
		{"forbidden quote", "password'with-quote"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := server.CreateAccount(ctx, "alice", tt.password, "")
			var authErr *AuthError
			if !errors.As(err, &authErr) {
				t.Fatalf("CreateAccount() error = %v, want *AuthError", err)
			}
			if authErr.Code != ErrorCodeInvalidRequest {
				t.Errorf("error code = %q, want %q", authErr.Code, ErrorCodeInvalidRequest)
			}
			// Validation failures must have no side effects.
			if users.get("alice") != nil {
				t.Error("user persisted despite policy rejection")
			}
		})
	}
}

func TestServer_CreateAccount_BoundaryAcceptance(t *testing.T) {
	server, _, _, _ := newTestServer(t)
	ctx := context.Background()

	// One above the strict minimum and one below the strict maximum.
	for i, password := range []string{"123456789", fmt.Sprintf("%063d", 0)} {
		username := fmt.Sprintf("boundary-%d", i)
		if _, err := server.CreateAccount(ctx, username, password, ""); err != nil {
			t.Errorf("CreateAccount(%q len=%d) error = %v, want success", username, len(password), err)
		}
	}
}

func TestServer_CreateAccount_NoEmailConfig(t *testing.T) {
	server, users, _, _ := newTestServer(t)
	ctx := context.Background()

	user, err := server.CreateAccount(ctx, "alice", "sturdy-passphrase", "alice@example.com")
	if err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if user.UserID == "" {
		t.Error("expected generated user id")
	}

	stored := users.get("alice")
	if stored == nil {
		t.Fatal("user was not persisted")
	}
	if stored.PasswordHash == "sturdy-passphrase" {
		t.Error("raw password was stored")
	}
	if ok, err := security.VerifyPassword("sturdy-passphrase", stored.PasswordHash); err != nil || !ok {
		t.Errorf("stored hash does not verify: ok=%v err=%v", ok, err)
	}
	if stored.EmailConfirmed {
		t.Error("new account should start with unconfirmed email")
	}
}

func TestServer_CreateAccount_EmptyUsername(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	_, err := server.CreateAccount(context.Background(), "", "sturdy-passphrase", "")
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Code != ErrorCodeInvalidRequest {
		t.Errorf("CreateAccount() error = %v, want invalid_request", err)
	}
}

func TestServer_CreateAccount_PersistFailure(t *testing.T) {
	server, users, _, _ := newTestServer(t)
	users.createErr = fmt.Errorf("database unavailable")

	_, err := server.CreateAccount(context.Background(), "alice", "sturdy-passphrase", "")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("CreateAccount() error = %v, want *AuthError", err)
	}
	if authErr.Code != ErrorCodeServerError {
		t.Errorf("error code = %q, want %q", authErr.Code, ErrorCodeServerError)
	}
}

func TestServer_CreateAccount_DispatchesVerification(t *testing.T) {
	server, users, _, _ := newTestServer(t)
	sender := &fakeSender{}
	server.notifier = sender

	if _, err := server.CreateAccount(context.Background(), "alice", "sturdy-passphrase", "alice@example.com"); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if sender.sentCount() != 1 {
		t.Fatalf("verification emails sent = %d, want 1", sender.sentCount())
	}
	if users.get("alice") == nil {
		t.Error("user was not persisted")
	}
	if sender.lastCode() == "" {
		t.Error("verification email carried no confirmation code")
	}
}

func TestServer_CreateAccount_EmailFailureDoesNotRollBack(t *testing.T) {
	server, users, _, _ := newTestServer(t)
	server.notifier = &fakeSender{err: fmt.Errorf("smtp relay down")}

	user, err := server.CreateAccount(context.Background(), "alice", "sturdy-passphrase", "alice@example.com")
	if err != nil {
		t.Fatalf("CreateAccount() error = %v, want success despite mail failure", err)
	}
	if user == nil || users.get("alice") == nil {
		t.Error("account must stand when only the email fails")
	}
}

func TestServer_CreateAccount_NoEmailAddressSkipsDispatch(t *testing.T) {
	server, _, _, _ := newTestServer(t)
	sender := &fakeSender{}
	server.notifier = sender

	if _, err := server.CreateAccount(context.Background(), "alice", "sturdy-passphrase", ""); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if sender.sentCount() != 0 {
		t.Errorf("verification emails sent = %d, want 0 without an address", sender.sentCount())
	}
}

func TestServer_Login_Success(t *testing.T) {
	server, users, grants, _ := newTestServer(t)
	ctx := context.Background()

	if _, err := server.CreateAccount(ctx, "alice", "sturdy-passphrase", ""); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	session, err := server.Login(ctx, "alice", "sturdy-passphrase")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if session.SessionID == "" || session.AuthCode == "" {
		t.Error("login session is incomplete")
	}
	if grants.len() != 1 {
		t.Errorf("persisted grants = %d, want 1", grants.len())
	}
	if got := users.get("alice").AccessFailedCount; got != 0 {
		t.Errorf("AccessFailedCount = %d, want 0", got)
	}
}

func TestServer_Login_UniformFailure(t *testing.T) {
	server, _, _, _ := newTestServer(t)
	ctx := context.Background()

	if _, err := server.CreateAccount(ctx, "alice", "sturdy-passphrase", ""); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	_, unknownErr := server.Login(ctx, "mallory", "sturdy-passphrase")
	_, wrongErr := server.Login(ctx, "alice", "wrong-passphrase")

	var unknownAuth, wrongAuth *AuthError
	if !errors.As(unknownErr, &unknownAuth) || !errors.As(wrongErr, &wrongAuth) {
		t.Fatalf("expected *AuthError for both failures, got %v and %v", unknownErr, wrongErr)
	}
	// The two failures must be indistinguishable to the caller.
	if unknownAuth.Code != wrongAuth.Code ||
		unknownAuth.Description != wrongAuth.Description ||
		unknownAuth.Status != wrongAuth.Status {
		t.Errorf("unknown-user failure %+v differs from wrong-password failure %+v", unknownAuth, wrongAuth)
	}
}

func TestServer_Login_RecordsAccessFailure(t *testing.T) {
	server, users, _, _ := newTestServer(t)
	ctx := context.Background()

	if _, err := server.CreateAccount(ctx, "alice", "sturdy-passphrase", ""); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := server.Login(ctx, "alice", "wrong-passphrase"); err == nil {
			t.Fatal("Login() with wrong password succeeded")
		}
	}
	if got := users.get("alice").AccessFailedCount; got != 2 {
		t.Errorf("AccessFailedCount = %d, want 2", got)
	}

	if _, err := server.Login(ctx, "alice", "sturdy-passphrase"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if got := users.get("alice").AccessFailedCount; got != 0 {
		t.Errorf("AccessFailedCount = %d after successful login, want 0", got)
	}
}

func TestServer_Login_LookupFailure(t *testing.T) {
	server, users, _, _ := newTestServer(t)
	users.lookupErr = fmt.Errorf("database unavailable")

	_, err := server.Login(context.Background(), "alice", "sturdy-passphrase")
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Code != ErrorCodeServerError {
		t.Errorf("Login() error = %v, want server_error", err)
	}
}

func TestServer_Login_GrantFailureDoesNotFailLogin(t *testing.T) {
	server, _, grants, _ := newTestServer(t)
	ctx := context.Background()
	grants.putErr = fmt.Errorf("database unavailable")

	if _, err := server.CreateAccount(ctx, "alice", "sturdy-passphrase", ""); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	if _, err := server.Login(ctx, "alice", "sturdy-passphrase"); err != nil {
		t.Errorf("Login() error = %v, want success despite grant failure", err)
	}
}

func TestServer_ConfirmEmail(t *testing.T) {
	server, users, _, _ := newTestServer(t)
	sender := &fakeSender{}
	server.notifier = sender
	ctx := context.Background()

	if _, err := server.CreateAccount(ctx, "alice", "sturdy-passphrase", "alice@example.com"); err != nil {
		t.Fatalf("CreateAccount() error = %v", err)
	}
	code := sender.lastCode()
	if code == "" {
		t.Fatal("no confirmation code dispatched")
	}

	if err := server.ConfirmEmail(ctx, "alice", code); err != nil {
		t.Fatalf("ConfirmEmail() error = %v", err)
	}
	if !users.get("alice").EmailConfirmed {
		t.Error("email not marked confirmed")
	}

	// The code is single-use.
	if err := server.ConfirmEmail(ctx, "alice", code); err == nil {
		t.Error("second ConfirmEmail() with the same code should fail")
	}
}

func TestServer_ConfirmEmail_InvalidCode(t *testing.T) {
	server, _, _, _ := newTestServer(t)

	err := server.ConfirmEmail(context.Background(), "alice", "bogus-code")
	var authErr *AuthError
	if !errors.As(err, &authErr) || authErr.Code != ErrorCodeInvalidGrant {
		t.Errorf("ConfirmEmail() error = %v, want invalid_grant", err)
	}
}
