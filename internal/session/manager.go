// Package session owns the canonical authentication state of the client.
//
// A Manager is constructed once at startup and shared by reference. It is
// the only writer of session fields; the HTTP client may clear the session
// through Invalidate when any request comes back 401. The bearer token is
// written to the credential store after every mutation that changes it, and
// the last successful login identifier is remembered for the login form.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/amirk1998/authsession/internal/audit"
	"github.com/amirk1998/authsession/internal/httpclient"
	"github.com/amirk1998/authsession/internal/models"
	"github.com/amirk1998/authsession/internal/store"
	apperrors "github.com/amirk1998/authsession/pkg/errors"
	"github.com/amirk1998/authsession/pkg/validator"
)

// API paths relative to the client base URL
const (
	PathLogin     = "/auth/login"
	PathVerify2FA = "/auth/verify-2fa"
	PathRegister  = "/auth/register"
	PathMe        = "/auth/me"
	PathLogout    = "/auth/logout"
)

// CredentialStore is the durable key-value store the session persists to.
type CredentialStore interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Remove(key string)
}

// Auditor receives one event per session outcome.
type Auditor interface {
	Log(event *audit.Event) error
}

type Manager struct {
	client    *httpclient.Client
	store     CredentialStore
	auditor   Auditor
	validator *validator.Validator
	profile   singleflight.Group
	log       *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	snap        Snapshot
	challenge   string
	pendingID   string
	version     uint64
	subscribers map[int]func(Snapshot)
	nextSub     int
	invalidated []func()

	persistMu sync.Mutex
	persisted uint64
}

// NewManager creates an anonymous session bound to client. The client reads
// its bearer token from the manager and clears the session on any 401.
// auditor may be nil.
func NewManager(client *httpclient.Client, credentials CredentialStore, auditor Auditor) *Manager {
	m := &Manager{
		client:      client,
		store:       credentials,
		auditor:     auditor,
		validator:   validator.New(),
		log:         slog.Default().With("component", "session"),
		now:         time.Now,
		snap:        Snapshot{State: StateAnonymous},
		subscribers: make(map[int]func(Snapshot)),
	}

	client.SetTokenSource(m)
	client.OnUnauthorized(func(*http.Request) { m.Invalidate() })

	return m
}

// Token implements httpclient.TokenSource
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Token
}

// Snapshot returns a copy of the current session
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.clone()
}

// RememberedIdentifier returns the identifier of the last successful login
func (m *Manager) RememberedIdentifier() string {
	id, _ := m.store.Get(store.KeyRememberedIdentifier)
	return id
}

// Subscribe registers fn to receive every new snapshot. The returned
// function removes the subscription.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subscribers[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// OnInvalidated registers fn to run after a forced logout, typically to
// send the user back to the login screen.
func (m *Manager) OnInvalidated(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated = append(m.invalidated, fn)
}

// update applies fn under the lock, derives IsAuthenticated, persists a
// changed token and notifies subscribers.
func (m *Manager) update(fn func(s *Snapshot)) Snapshot {
	m.mu.Lock()
	before := m.snap.Token
	fn(&m.snap)
	m.snap.IsAuthenticated = m.snap.Token != "" && m.snap.User != nil
	m.version++
	version := m.version
	snap := m.snap.clone()
	subs := make([]func(Snapshot), 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	if snap.Token != before {
		m.persistToken(version, snap.Token)
	}

	for _, sub := range subs {
		sub(snap.clone())
	}
	return snap
}

// persistToken writes token, skipping writes older than one already applied
func (m *Manager) persistToken(version uint64, token string) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if version < m.persisted {
		return
	}
	m.persisted = version

	if token == "" {
		m.store.Remove(store.KeyToken)
		return
	}
	if err := m.store.Set(store.KeyToken, token); err != nil {
		m.log.Warn("token kept in memory only", "error", err)
	}
}

// settledState is the state to return to when an operation ends without
// changing who is logged in
func settledState(s *Snapshot) State {
	if s.Token != "" {
		return StateAuthenticated
	}
	return StateAnonymous
}

// Login submits credentials. When the service asks for a second factor the
// session moves to AWAITING_2FA and no token is stored until
// VerifyTwoFactor succeeds.
func (m *Manager) Login(ctx context.Context, identifier, password string) (LoginResult, error) {
	identifier = m.validator.SanitizeString(identifier)
	if err := m.validator.ValidateLogin(identifier, password); err != nil {
		m.setError(err)
		return LoginResult{}, err
	}

	m.update(func(s *Snapshot) {
		s.IsLoading = true
		s.State = StateAuthenticating
		s.Error = ""
	})
	m.mu.Lock()
	m.challenge = ""
	m.pendingID = ""
	m.mu.Unlock()

	var resp models.LoginResponse
	err := m.client.Post(ctx, PathLogin, models.LoginRequest{
		Identifier:        identifier,
		Password:          password,
		DeviceFingerprint: m.client.DeviceFingerprint(),
	}, &resp)

	if err == nil && resp.Requires2FA && resp.SessionToken == "" {
		err = fmt.Errorf("%w: two-factor challenge without session token", apperrors.ErrTransient)
	}
	if err == nil && !resp.Requires2FA && resp.AccessToken == "" {
		err = fmt.Errorf("%w: login response without access token", apperrors.ErrTransient)
	}

	if err != nil {
		m.update(func(s *Snapshot) {
			s.IsLoading = false
			s.State = settledState(s)
			s.Error = apperrors.UserMessage(err)
		})
		m.record(audit.ActionLogin, identifier, err)
		return LoginResult{}, err
	}

	if resp.Requires2FA {
		m.mu.Lock()
		m.challenge = resp.SessionToken
		m.pendingID = identifier
		m.mu.Unlock()

		m.update(func(s *Snapshot) {
			s.IsLoading = false
			s.State = StateAwaiting2FA
		})
		m.recordEvent(&audit.Event{
			Username: identifier,
			Action:   audit.ActionLogin,
			Resource: "session",
			Success:  true,
			Metadata: `{"requires_2fa":true}`,
		})
		return LoginResult{Requires2FA: true}, nil
	}

	if err := m.establish(ctx, resp.AccessToken, resp.ExpiresIn, nil, identifier); err != nil {
		m.record(audit.ActionLogin, identifier, err)
		return LoginResult{}, err
	}

	m.record(audit.ActionLogin, identifier, nil)
	return LoginResult{}, nil
}

// establish installs a fresh token and hydrates the profile. user may be
// nil, in which case it is fetched.
func (m *Manager) establish(ctx context.Context, token string, expiresIn int, user *models.User, identifier string) error {
	exp := expiresAt(token, expiresIn, m.now())

	m.update(func(s *Snapshot) {
		s.Token = token
		s.ExpiresAt = exp
		s.User = nil
		s.State = StateAuthenticated
		s.IsLoading = user == nil
		if user != nil {
			u := *user
			s.User = &u
		}
	})

	if identifier != "" {
		if err := m.store.Set(store.KeyRememberedIdentifier, identifier); err != nil {
			m.log.Warn("identifier not remembered", "error", err)
		}
	}

	if user != nil {
		return nil
	}

	_, err := m.FetchProfile(ctx)
	m.update(func(s *Snapshot) { s.IsLoading = false })
	return err
}

// VerifyTwoFactor answers the pending challenge. A rejected code keeps the
// challenge so the user can retry.
func (m *Manager) VerifyTwoFactor(ctx context.Context, code string) error {
	if err := m.validator.ValidateTwoFactorCode(code); err != nil {
		m.setError(err)
		return err
	}

	m.mu.Lock()
	challenge := m.challenge
	identifier := m.pendingID
	awaiting := m.snap.State == StateAwaiting2FA
	m.mu.Unlock()

	if !awaiting || challenge == "" {
		err := apperrors.NewValidationError("code", "No verification is pending, please log in again", apperrors.ErrNoChallenge)
		m.setError(err)
		return err
	}

	m.update(func(s *Snapshot) {
		s.IsLoading = true
		s.Error = ""
	})

	var resp models.Verify2FAResponse
	err := m.client.Post(ctx, PathVerify2FA, models.Verify2FARequest{
		SessionToken:      challenge,
		Code:              code,
		DeviceFingerprint: m.client.DeviceFingerprint(),
	}, &resp)
	if err == nil && resp.AccessToken == "" {
		err = fmt.Errorf("%w: verification response without access token", apperrors.ErrTransient)
	}

	if err != nil {
		if apperrors.Kind(err) == apperrors.KindCredential {
			err = fmt.Errorf("%w: %w", apperrors.ErrInvalidCode, err)
		}
		m.update(func(s *Snapshot) {
			s.IsLoading = false
			s.Error = apperrors.UserMessage(err)
		})
		m.record(audit.ActionTwoFactor, identifier, err)
		return err
	}

	m.mu.Lock()
	m.challenge = ""
	m.pendingID = ""
	m.mu.Unlock()

	if err := m.establish(ctx, resp.AccessToken, resp.ExpiresIn, resp.User, identifier); err != nil {
		m.record(audit.ActionTwoFactor, identifier, err)
		return err
	}

	m.record(audit.ActionTwoFactor, identifier, nil)
	return nil
}

// CancelTwoFactor abandons a pending challenge
func (m *Manager) CancelTwoFactor() {
	m.mu.Lock()
	pending := m.challenge != ""
	m.challenge = ""
	m.pendingID = ""
	m.mu.Unlock()

	if !pending {
		return
	}
	m.update(func(s *Snapshot) {
		if s.State == StateAwaiting2FA {
			s.State = settledState(s)
		}
		s.Error = ""
	})
}

// Register validates data locally, creates the account and then logs in
// with the same credentials.
func (m *Manager) Register(ctx context.Context, data validator.Registration) (LoginResult, error) {
	data.Username = m.validator.SanitizeString(data.Username)
	data.Email = m.validator.SanitizeString(data.Email)
	data.FullName = m.validator.SanitizeString(data.FullName)

	if err := m.validator.ValidateRegistration(data); err != nil {
		m.setError(err)
		return LoginResult{}, err
	}

	m.update(func(s *Snapshot) {
		s.IsLoading = true
		s.Error = ""
	})

	req := models.RegisterRequest{
		Username: data.Username,
		Email:    data.Email,
		Password: data.Password,
	}
	if data.FullName != "" {
		req.FullName = &data.FullName
	}

	if err := m.client.Post(ctx, PathRegister, req, nil); err != nil {
		m.update(func(s *Snapshot) {
			s.IsLoading = false
			s.Error = apperrors.UserMessage(err)
		})
		m.record(audit.ActionRegister, data.Username, err)
		return LoginResult{}, err
	}
	m.record(audit.ActionRegister, data.Username, nil)

	return m.Login(ctx, data.Username, data.Password)
}

// Logout tells the service the token is no longer used and clears the
// session. The local logout always happens; a failed remote call is only
// logged.
func (m *Manager) Logout(ctx context.Context) {
	snap := m.update(func(s *Snapshot) {
		s.State = StateLoggingOut
		s.IsLoading = true
	})

	var remoteErr error
	if snap.Token != "" {
		remoteErr = m.client.Post(ctx, PathLogout, nil, nil)
		if remoteErr != nil {
			m.log.Info("remote logout failed", "error", remoteErr)
		}
	}

	m.mu.Lock()
	m.challenge = ""
	m.pendingID = ""
	m.mu.Unlock()

	m.update(func(s *Snapshot) {
		*s = Snapshot{State: StateAnonymous}
	})

	m.record(audit.ActionLogout, username(snap), remoteErr)
}

// FetchProfile loads the current user. A 401 clears the session; any other
// failure leaves it as it was. Concurrent calls share one request.
func (m *Manager) FetchProfile(ctx context.Context) (*models.User, error) {
	token := m.Token()
	if token == "" {
		return nil, fmt.Errorf("fetch profile: %w", apperrors.ErrSessionExpired)
	}

	v, err, _ := m.profile.Do(token, func() (interface{}, error) {
		var user models.User
		if err := m.client.Get(ctx, PathMe, &user); err != nil {
			return nil, err
		}
		return &user, nil
	})

	if err != nil {
		if isUnauthorized(err) {
			m.Invalidate()
		} else {
			m.update(func(s *Snapshot) { s.Error = apperrors.UserMessage(err) })
		}
		m.record(audit.ActionProfile, "", err)
		return nil, err
	}

	user := *v.(*models.User)
	applied := false
	m.update(func(s *Snapshot) {
		// A logout or new login while the request was in flight wins
		if s.Token != token {
			return
		}
		u := user
		s.User = &u
		s.Error = ""
		if s.State == StateAnonymous {
			s.State = StateAuthenticated
		}
		applied = true
	})
	if !applied {
		return nil, fmt.Errorf("fetch profile: %w", apperrors.ErrSessionExpired)
	}
	return &user, nil
}

func isUnauthorized(err error) bool {
	var apiErr *apperrors.APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// Restore re-validates a token left in the credential store by a previous
// run. A token whose exp has passed is dropped without contacting the
// service.
func (m *Manager) Restore(ctx context.Context) error {
	token, ok := m.store.Get(store.KeyToken)
	if !ok || token == "" {
		return nil
	}

	exp, hasExp := tokenExpiry(token)
	if hasExp && !m.now().Before(exp) {
		m.store.Remove(store.KeyToken)
		m.recordEvent(&audit.Event{
			Action:   audit.ActionRestore,
			Resource: "session",
			ErrorMsg: "stored token expired",
		})
		return nil
	}

	m.update(func(s *Snapshot) {
		s.Token = token
		s.ExpiresAt = exp
		s.State = StateAuthenticated
		s.IsLoading = true
	})

	user, err := m.FetchProfile(ctx)
	m.update(func(s *Snapshot) { s.IsLoading = false })

	name := ""
	if user != nil {
		name = user.Username
	}
	m.record(audit.ActionRestore, name, err)
	return err
}

// Invalidate clears the session after the service rejected the token. It
// is idempotent; only a call that actually ended a session notifies the
// OnInvalidated callbacks.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	active := m.snap.Token != "" || m.snap.User != nil
	callbacks := append([]func(){}, m.invalidated...)
	m.mu.Unlock()

	if !active {
		m.store.Remove(store.KeyToken)
		return
	}

	var prev Snapshot
	m.update(func(s *Snapshot) {
		prev = s.clone()
		*s = Snapshot{State: StateAnonymous}
	})

	m.log.Info("session invalidated")
	m.recordEvent(&audit.Event{
		Level:    audit.LevelWarning,
		Username: username(prev),
		Action:   audit.ActionInvalidate,
		Resource: "session",
	})

	for _, fn := range callbacks {
		fn()
	}
}

// ClearError removes the last error message
func (m *Manager) ClearError() {
	m.update(func(s *Snapshot) { s.Error = "" })
}

// SetLoading sets the loading flag
func (m *Manager) SetLoading(loading bool) {
	m.update(func(s *Snapshot) { s.IsLoading = loading })
}

func (m *Manager) setError(err error) {
	m.update(func(s *Snapshot) { s.Error = apperrors.UserMessage(err) })
}

func username(s Snapshot) string {
	if s.User != nil {
		return s.User.Username
	}
	return ""
}

func (m *Manager) record(action, name string, err error) {
	event := &audit.Event{
		Username: name,
		Action:   action,
		Resource: "session",
		Success:  err == nil,
	}
	if err != nil {
		event.Level = audit.LevelWarning
		event.ErrorMsg = err.Error()
	}
	m.recordEvent(event)
}

func (m *Manager) recordEvent(event *audit.Event) {
	if m.auditor == nil {
		return
	}
	if err := m.auditor.Log(event); err != nil {
		m.log.Warn("audit event dropped", "action", event.Action, "error", err)
	}
}
