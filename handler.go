package authgate

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/giantswarm/authgate/security"
)

// MaxRequestBodyBytes caps request bodies. A declared Content-Length above
// this is rejected before the body is read.
const MaxRequestBodyBytes = 64 << 10 // 64 KiB

// requiredAuthorizeParams is the fixed parameter set an authorize request
// must carry. Presence of the keys is checked; values are not inspected.
var requiredAuthorizeParams = [...]string{"response_type", "client_id", "scope"}

// Handler is the HTTP front for the authorization server. The route set is
// closed: authorize, login, create-account, confirm-email, not-found.
type Handler struct {
	server  *Server
	limiter *security.RateLimiter
	logger  *slog.Logger
}

// NewHandler creates the HTTP handler for server. The per-IP rate limiter
// is built from the server's configuration; a zero rate disables it.
func NewHandler(server *Server) (*Handler, error) {
	if server == nil {
		return nil, fmt.Errorf("server is required")
	}

	h := &Handler{
		server: server,
		logger: server.logger,
	}
	if server.config.RateLimit.Rate > 0 {
		h.limiter = security.NewRateLimiter(server.config.RateLimit.Rate, server.config.RateLimit.Burst, server.logger)
	}
	return h, nil
}

// Close stops the handler's background resources.
func (h *Handler) Close() {
	if h.limiter != nil {
		h.limiter.Stop()
	}
}

// ServeHTTP dispatches the closed route set. Paths are case-sensitive.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > MaxRequestBodyBytes {
		h.writeError(w, ErrPayloadTooLarge("request body exceeds 64 KiB"))
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/authorize":
		h.serveAuthorize(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/Login":
		h.serveLogin(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/CreateAccount":
		h.serveCreateAccount(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/ConfirmEmail":
		h.serveConfirmEmail(w, r)
	default:
		h.writeError(w, ErrNotFound())
	}
}

// hasRequiredAuthorizeParams reports whether every required parameter name
// is present as a key. Extra parameters are ignored; values are not
// normalized or inspected.
func hasRequiredAuthorizeParams(query url.Values) bool {
	for _, param := range requiredAuthorizeParams {
		if !query.Has(param) {
			return false
		}
	}
	return true
}

// serveAuthorize validates the authorize query parameters. Two terminal
// outcomes only: ok or bad request.
func (h *Handler) serveAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.URL.RawQuery == "" || !hasRequiredAuthorizeParams(r.URL.Query()) {
		h.writeError(w, ErrInvalidRequest("missing required authorize parameters"))
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Has All Params"))
}

func (h *Handler) serveLogin(w http.ResponseWriter, r *http.Request) {
	if h.throttled(w, r) {
		return
	}

	var req LoginRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	session, err := h.server.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, SessionResponse{
		SessionID: session.SessionID,
		AuthCode:  session.AuthCode,
	})
}

func (h *Handler) serveCreateAccount(w http.ResponseWriter, r *http.Request) {
	if h.throttled(w, r) {
		return
	}

	var req CreateAccountRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	user, err := h.server.CreateAccount(r.Context(), req.Username, req.Password, req.Email)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, CreateAccountResponse{
		UserID:   user.UserID,
		Username: user.Username,
	})
}

func (h *Handler) serveConfirmEmail(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	if err := h.server.ConfirmEmail(r.Context(), query.Get("username"), query.Get("code")); err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Email Confirmed"))
}

// throttled applies per-IP rate limiting and writes the 429 when tripped.
func (h *Handler) throttled(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter == nil {
		return false
	}
	ip := clientIP(r)
	if h.limiter.Allow(ip) {
		return false
	}
	h.server.Auditor().LogRateLimitExceeded(ip, r.URL.Path)
	if h.server.inst != nil {
		h.server.inst.Metrics().RateLimitExceeded.Add(r.Context(), 1)
	}
	h.writeError(w, ErrRateLimitExceeded())
	return true
}

// decodeJSON decodes the request body into dst, enforcing the body cap.
// On failure it writes the client error and returns false.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.writeError(w, ErrPayloadTooLarge("request body exceeds 64 KiB"))
			return false
		}
		h.writeError(w, ErrInvalidRequest("malformed JSON body"))
		return false
	}
	return true
}

// writeError converts any error to a JSON error response. Errors that are
// not AuthError values are treated as transient server errors without
// echoing internal detail to the client.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	authErr, ok := err.(*AuthError)
	if !ok {
		h.logger.Error("Unclassified handler error", "error", err)
		authErr = ErrServerError("internal error")
	}
	h.writeJSON(w, authErr.Status, ErrorResponse{
		Error:            authErr.Code,
		ErrorDescription: authErr.Description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// clientIP extracts the peer address without trusting forwarding headers.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
