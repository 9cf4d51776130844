package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/amirk1998/authsession/internal/httpclient"
	"github.com/amirk1998/authsession/internal/store"
	"github.com/amirk1998/authsession/internal/stubserver"
	apperrors "github.com/amirk1998/authsession/pkg/errors"
	"github.com/amirk1998/authsession/pkg/validator"
)

// recorder counts requests per path and can force a status for a path
type recorder struct {
	next http.Handler

	mu        sync.Mutex
	counts    map[string]int
	overrides map[string]int
}

func (r *recorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.counts[req.URL.Path]++
	status, forced := r.overrides[req.URL.Path]
	r.mu.Unlock()

	if forced {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(`{"detail":"forced failure"}`))
		return
	}
	r.next.ServeHTTP(w, req)
}

func (r *recorder) force(path string, status int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[path] = status
}

func (r *recorder) count(path string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[path]
}

func (r *recorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.counts {
		n += c
	}
	return n
}

type harness struct {
	stub    *stubserver.Server
	rec     *recorder
	store   *store.Store
	client  *httpclient.Client
	manager *Manager
}

func newHarnessWith(t *testing.T, st *store.Store) *harness {
	t.Helper()

	stub := stubserver.New(stubserver.Options{Argon2: stubserver.DevArgon2Params})
	_, err := stub.AddUser("demo", "demo@x.com", "demo123", nil)
	require.NoError(t, err)

	rec := &recorder{next: stub.Handler(), counts: map[string]int{}, overrides: map[string]int{}}
	srv := httptest.NewServer(rec)
	t.Cleanup(srv.Close)

	client := httpclient.New(httpclient.Options{BaseURL: srv.URL, Timeout: 2 * time.Second})
	return &harness{
		stub:    stub,
		rec:     rec,
		store:   st,
		client:  client,
		manager: NewManager(client, st, nil),
	}
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, store.New(store.NewMemoryBackend()))
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	res, err := h.manager.Login(context.Background(), "demo", "demo123")
	require.NoError(t, err)
	require.False(t, res.Requires2FA)
	require.True(t, h.manager.Snapshot().IsAuthenticated)
}

func TestLogin_DemoScenario(t *testing.T) {
	var meAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok1", "expires_in": 3600})
	})
	mux.HandleFunc("GET /auth/me", func(w http.ResponseWriter, r *http.Request) {
		meAuth = r.Header.Get("Authorization")
		json.NewEncoder(w).Encode(map[string]any{
			"id": 1, "username": "demo", "email": "demo@x.com", "is_active": true, "created_at": "2024-01-01",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	st := store.New(nil)
	m := NewManager(httpclient.New(httpclient.Options{BaseURL: srv.URL}), st, nil)

	before := time.Now()
	_, err := m.Login(context.Background(), "demo", "demo123")
	require.NoError(t, err)

	snap := m.Snapshot()
	require.True(t, snap.IsAuthenticated)
	require.False(t, snap.IsLoading)
	require.Equal(t, StateAuthenticated, snap.State)
	require.Equal(t, "demo", snap.User.Username)
	require.Equal(t, "tok1", snap.Token)
	require.Empty(t, snap.Error)
	require.WithinDuration(t, before.Add(time.Hour), snap.ExpiresAt, 5*time.Second)
	require.Equal(t, "Bearer tok1", meAuth)

	created, ok := snap.User.Created()
	require.True(t, ok)
	require.Equal(t, 2024, created.Year())

	token, ok := st.Get(store.KeyToken)
	require.True(t, ok)
	require.Equal(t, "tok1", token)
	require.Equal(t, "demo", m.RememberedIdentifier())
}

func TestLogin_WrongPassword(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Login(context.Background(), "demo", "wrong-pass")
	require.Error(t, err)
	require.Equal(t, apperrors.KindCredential, apperrors.Kind(err))

	snap := h.manager.Snapshot()
	require.False(t, snap.IsAuthenticated)
	require.False(t, snap.IsLoading)
	require.Equal(t, StateAnonymous, snap.State)
	require.Equal(t, "Incorrect username or password", snap.Error)
	require.Empty(t, h.manager.RememberedIdentifier())
}

func TestLogin_ValidationMakesNoRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Login(context.Background(), "  ", "demo123")
	require.Equal(t, apperrors.KindValidation, apperrors.Kind(err))

	_, err = h.manager.Login(context.Background(), "demo", "abc")
	require.Equal(t, apperrors.KindValidation, apperrors.Kind(err))
	require.Equal(t, "Password must be at least 6 characters", h.manager.Snapshot().Error)
	require.Zero(t, h.rec.total())
}

func TestLogin_TwoFactorPersistsNothingUntilVerified(t *testing.T) {
	h := newHarness(t)
	secret, err := h.stub.EnableTOTP("demo")
	require.NoError(t, err)

	res, err := h.manager.Login(context.Background(), "demo", "demo123")
	require.NoError(t, err)
	require.True(t, res.Requires2FA)

	snap := h.manager.Snapshot()
	require.Equal(t, StateAwaiting2FA, snap.State)
	require.False(t, snap.IsAuthenticated)
	require.Empty(t, snap.Token)
	_, stored := h.store.Get(store.KeyToken)
	require.False(t, stored)

	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	err = h.manager.VerifyTwoFactor(context.Background(), wrong)
	require.ErrorIs(t, err, apperrors.ErrInvalidCode)
	snap = h.manager.Snapshot()
	require.Equal(t, StateAwaiting2FA, snap.State)
	require.Equal(t, "Invalid verification code", snap.Error)
	_, stored = h.store.Get(store.KeyToken)
	require.False(t, stored)

	require.NoError(t, h.manager.VerifyTwoFactor(context.Background(), code))
	snap = h.manager.Snapshot()
	require.True(t, snap.IsAuthenticated)
	require.Equal(t, StateAuthenticated, snap.State)
	require.Equal(t, "demo", snap.User.Username)
	require.False(t, snap.ExpiresAt.IsZero())

	token, stored := h.store.Get(store.KeyToken)
	require.True(t, stored)
	require.Equal(t, snap.Token, token)
	require.Equal(t, "demo", h.manager.RememberedIdentifier())
}

func TestVerifyTwoFactor_WithoutChallenge(t *testing.T) {
	h := newHarness(t)

	err := h.manager.VerifyTwoFactor(context.Background(), "123456")
	require.ErrorIs(t, err, apperrors.ErrNoChallenge)
	require.Zero(t, h.rec.total())

	err = h.manager.VerifyTwoFactor(context.Background(), "12ab56")
	require.Equal(t, apperrors.KindValidation, apperrors.Kind(err))
}

func TestCancelTwoFactor(t *testing.T) {
	h := newHarness(t)
	_, err := h.stub.EnableTOTP("demo")
	require.NoError(t, err)

	_, err = h.manager.Login(context.Background(), "demo", "demo123")
	require.NoError(t, err)

	h.manager.CancelTwoFactor()
	require.Equal(t, StateAnonymous, h.manager.Snapshot().State)
	require.ErrorIs(t, h.manager.VerifyTwoFactor(context.Background(), "123456"), apperrors.ErrNoChallenge)
}

func TestUnauthorized_AnyEndpointClearsSession(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	navigations := 0
	h.manager.OnInvalidated(func() { navigations++ })

	h.rec.force("/conversions", http.StatusUnauthorized)
	err := h.client.Get(context.Background(), "/conversions", nil)
	require.Equal(t, apperrors.KindSessionExpired, apperrors.Kind(err))

	snap := h.manager.Snapshot()
	require.False(t, snap.IsAuthenticated)
	require.Equal(t, StateAnonymous, snap.State)
	require.Empty(t, snap.Token)
	require.Empty(t, snap.Error)
	_, stored := h.store.Get(store.KeyToken)
	require.False(t, stored)
	require.Equal(t, 1, navigations)

	// A second 401 has nothing left to clear
	h.manager.Invalidate()
	require.Equal(t, 1, navigations)
}

func TestFetchProfile_TransientFailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.rec.force(PathMe, http.StatusServiceUnavailable)
	_, err := h.manager.FetchProfile(context.Background())
	require.Equal(t, apperrors.KindTransient, apperrors.Kind(err))

	snap := h.manager.Snapshot()
	require.True(t, snap.IsAuthenticated)
	require.Equal(t, "demo", snap.User.Username)
	require.NotEmpty(t, snap.Error)

	h.manager.ClearError()
	require.Empty(t, h.manager.Snapshot().Error)
}

func TestFetchProfile_UnauthorizedClearsSession(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.rec.force(PathMe, http.StatusUnauthorized)
	_, err := h.manager.FetchProfile(context.Background())
	require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	require.False(t, h.manager.Snapshot().IsAuthenticated)
	_, stored := h.store.Get(store.KeyToken)
	require.False(t, stored)
}

func TestFetchProfile_Concurrent(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.manager.FetchProfile(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.True(t, h.manager.Snapshot().IsAuthenticated)
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	token := h.manager.Token()

	h.manager.Logout(context.Background())

	snap := h.manager.Snapshot()
	require.False(t, snap.IsAuthenticated)
	require.Equal(t, StateAnonymous, snap.State)
	_, stored := h.store.Get(store.KeyToken)
	require.False(t, stored)
	require.Equal(t, 1, h.rec.count(PathLogout))

	// The service revoked the token
	req, err := http.NewRequest(http.MethodGet, h.client.BaseURL()+PathMe, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLogout_RemoteFailureStillLogsOut(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusUnauthorized} {
		h := newHarness(t)
		h.login(t)

		h.rec.force(PathLogout, status)
		h.manager.Logout(context.Background())

		snap := h.manager.Snapshot()
		require.False(t, snap.IsAuthenticated, "status %d", status)
		require.Empty(t, snap.Error)
		_, stored := h.store.Get(store.KeyToken)
		require.False(t, stored)
	}
}

func TestRegister_WeakPasswordMakesNoRequest(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Register(context.Background(), validator.Registration{
		Username:        "alice",
		Email:           "alice@x.com",
		Password:        "abc",
		ConfirmPassword: "abc",
	})
	require.Equal(t, apperrors.KindValidation, apperrors.Kind(err))
	require.Equal(t, "Password must be at least 8 characters", apperrors.UserMessage(err))
	require.Equal(t, "Password must be at least 8 characters", h.manager.Snapshot().Error)
	require.Zero(t, h.rec.total())
}

func TestRegister_LogsIn(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Register(context.Background(), validator.Registration{
		Username:        "alice",
		Email:           "alice@x.com",
		Password:        "Secret123",
		ConfirmPassword: "Secret123",
		FullName:        "Alice Example",
	})
	require.NoError(t, err)

	snap := h.manager.Snapshot()
	require.True(t, snap.IsAuthenticated)
	require.Equal(t, "alice", snap.User.Username)
	require.Equal(t, "Alice Example", snap.User.DisplayName())
}

func TestRegister_ServerRejects(t *testing.T) {
	h := newHarness(t)

	_, err := h.manager.Register(context.Background(), validator.Registration{
		Username:        "demo",
		Email:           "new@x.com",
		Password:        "Secret123",
		ConfirmPassword: "Secret123",
	})
	require.Error(t, err)
	require.Equal(t, "Username already registered", h.manager.Snapshot().Error)
	require.Zero(t, h.rec.count(PathLogin))
}

func TestRestore_ValidToken(t *testing.T) {
	st := store.New(nil)
	h := newHarnessWith(t, st)
	h.login(t)

	// A fresh process sharing the same store
	restored := NewManager(httpclient.New(httpclient.Options{BaseURL: h.client.BaseURL()}), st, nil)
	require.NoError(t, restored.Restore(context.Background()))

	snap := restored.Snapshot()
	require.True(t, snap.IsAuthenticated)
	require.Equal(t, "demo", snap.User.Username)
	require.False(t, snap.IsLoading)
	require.False(t, snap.ExpiresAt.IsZero())
}

func TestRestore_ExpiredTokenDroppedLocally(t *testing.T) {
	h := newHarness(t)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte("irrelevant"))
	require.NoError(t, err)
	require.NoError(t, h.store.Set(store.KeyToken, expired))

	require.NoError(t, h.manager.Restore(context.Background()))
	require.False(t, h.manager.Snapshot().IsAuthenticated)
	_, stored := h.store.Get(store.KeyToken)
	require.False(t, stored)
	require.Zero(t, h.rec.total())
}

func TestRestore_RejectedTokenCleared(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.Set(store.KeyToken, "opaque-stale-token"))

	err := h.manager.Restore(context.Background())
	require.ErrorIs(t, err, apperrors.ErrSessionExpired)
	require.False(t, h.manager.Snapshot().IsAuthenticated)
	_, stored := h.store.Get(store.KeyToken)
	require.False(t, stored)
}

func TestSubscribe(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var states []State
	unsubscribe := h.manager.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, s.State)
	})

	h.login(t)
	unsubscribe()
	h.manager.SetLoading(true)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, StateAuthenticating, states[0])
	require.Equal(t, StateAuthenticated, states[len(states)-1])
	require.True(t, h.manager.Snapshot().IsLoading)
}
