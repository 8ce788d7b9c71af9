package authgate

// LoginRequest is the JSON body for POST /Login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CreateAccountRequest is the JSON body for POST /CreateAccount.
type CreateAccountRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

// SessionResponse is returned after a successful login.
type SessionResponse struct {
	// SessionID identifies the in-flight authorization attempt.
	SessionID string `json:"session_id"`

	// AuthCode is the single-use authorization code bound to the session.
	AuthCode string `json:"auth_code"`
}

// CreateAccountResponse is returned after a successful account creation.
type CreateAccountResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// ErrorResponse represents a JSON error response
type ErrorResponse struct {
	// Error is the error code
	Error string `json:"error"`

	// ErrorDescription provides additional information
	ErrorDescription string `json:"error_description,omitempty"`
}
