package stubserver

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"

	"github.com/amirk1998/authsession/internal/models"
)

// Handler returns the HTTP API. Paths are relative to the API root, so mount
// it under /api when the client base URL ends in /api.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", chain(s.handleLogin, s.logging, s.rateLimit))
	mux.HandleFunc("POST /auth/verify-2fa", chain(s.handleVerify2FA, s.logging, s.rateLimit))
	mux.HandleFunc("POST /auth/register", chain(s.handleRegister, s.logging, s.rateLimit))
	mux.HandleFunc("GET /auth/me", chain(s.handleMe, s.logging))
	mux.HandleFunc("POST /auth/logout", chain(s.handleLogout, s.logging))
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// chain applies middleware in order; the first is outermost
func chain(h http.HandlerFunc, middlewares ...func(http.HandlerFunc) http.HandlerFunc) http.HandlerFunc {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"request_id", r.Header.Get("X-Request-ID"),
			"duration", time.Since(start))
	}
}

func (s *Server) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limit == nil {
			next(w, r)
			return
		}
		if err := s.limit.CheckLimit(clientIP(r)); err != nil {
			s.log.Warn("rate limit exceeded", "client", clientIP(r), "path", r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "Rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return "ip:" + host
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req models.LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Identifier) == "" || req.Password == "" {
		writeValidation(w, "identifier and password are required")
		return
	}

	acct, ok := s.authenticate(req.Identifier, req.Password)
	if !ok {
		writeDetail(w, http.StatusUnauthorized, "Incorrect username or password")
		return
	}

	if acct.totpSecret != "" {
		writeJSON(w, http.StatusOK, models.LoginResponse{
			Requires2FA:  true,
			SessionToken: s.newChallenge(acct.profile.ID),
		})
		return
	}

	token, err := s.issueToken(acct.profile.ID)
	if err != nil {
		s.log.Error("failed to sign token", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, models.LoginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int(s.opts.TokenTTL / time.Second),
	})
}

func (s *Server) handleVerify2FA(w http.ResponseWriter, r *http.Request) {
	var req models.Verify2FARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	acct, ok := s.takeChallenge(req.SessionToken)
	if !ok {
		writeDetail(w, http.StatusBadRequest, "Two-factor session expired, please log in again")
		return
	}

	if !totp.Validate(req.Code, acct.totpSecret) {
		writeDetail(w, http.StatusBadRequest, "Invalid verification code")
		return
	}
	s.finishChallenge(req.SessionToken)

	token, err := s.issueToken(acct.profile.ID)
	if err != nil {
		s.log.Error("failed to sign token", "error", err)
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	profile := acct.profile
	writeJSON(w, http.StatusOK, models.Verify2FAResponse{
		AccessToken: token,
		TokenType:   "bearer",
		User:        &profile,
		ExpiresIn:   int(s.opts.TokenTTL / time.Second),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req models.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Username == "" || req.Email == "" || req.Password == "" {
		writeValidation(w, "username, email and password are required")
		return
	}

	s.mu.Lock()
	usernameTaken := s.findLocked(req.Username) != nil
	emailTaken := s.findLocked(req.Email) != nil
	s.mu.Unlock()

	switch {
	case usernameTaken:
		writeDetail(w, http.StatusBadRequest, "Username already registered")
		return
	case emailTaken:
		writeDetail(w, http.StatusBadRequest, "Email already registered")
		return
	}

	profile, err := s.AddUser(req.Username, req.Email, req.Password, req.FullName)
	if err != nil {
		writeDetail(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	_, acct, ok := s.bearer(w, r)
	if !ok {
		return
	}
	profile := acct.profile
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, _, ok := s.bearer(w, r)
	if !ok {
		return
	}
	s.revoke(claims)
	writeJSON(w, http.StatusOK, models.MessageResponse{Message: "Successfully logged out"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// bearer authenticates the request and writes a 401 when it fails
func (s *Server) bearer(w http.ResponseWriter, r *http.Request) (*jwt.RegisteredClaims, *account, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeDetail(w, http.StatusUnauthorized, "Not authenticated")
		return nil, nil, false
	}

	claims, acct, err := s.parseToken(token)
	if err != nil {
		s.log.Info("rejected bearer token", "error", err)
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
		return nil, nil, false
	}
	return claims, acct, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

// writeValidation mirrors the list form of request validation errors
func writeValidation(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"detail": []map[string]string{{"msg": msg, "type": "value_error"}},
	})
}
