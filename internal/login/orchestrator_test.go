package login

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amirk1998/authsession/internal/httpclient"
	"github.com/amirk1998/authsession/internal/session"
	"github.com/amirk1998/authsession/internal/store"
	"github.com/amirk1998/authsession/internal/stubserver"
	apperrors "github.com/amirk1998/authsession/pkg/errors"
)

// fakeAuth answers every call with the configured result
type fakeAuth struct {
	loginCalls  int
	verifyCalls int
	loginRes    session.LoginResult
	loginErr    error
	verifyErr   error
	remembered  string
	cancelled   bool
}

func (f *fakeAuth) Login(ctx context.Context, identifier, password string) (session.LoginResult, error) {
	f.loginCalls++
	return f.loginRes, f.loginErr
}

func (f *fakeAuth) VerifyTwoFactor(ctx context.Context, code string) error {
	f.verifyCalls++
	return f.verifyErr
}

func (f *fakeAuth) CancelTwoFactor()             { f.cancelled = true }
func (f *fakeAuth) RememberedIdentifier() string { return f.remembered }

var rejected = &apperrors.APIError{Status: 401, Detail: "Incorrect username or password", Err: apperrors.ErrInvalidCredentials}

func TestSubmit_LocksAfterThreshold(t *testing.T) {
	auth := &fakeAuth{loginErr: rejected}
	o := New(auth, Config{}, nil)

	for i := 1; i <= DefaultThreshold; i++ {
		err := o.Submit(context.Background(), "demo", "wrong-pass")
		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
		require.Equal(t, i, o.State().AttemptCount)
	}

	state := o.State()
	require.True(t, state.IsLocked)
	require.Equal(t, 900, state.LockoutRemainingSeconds)

	err := o.Submit(context.Background(), "demo", "demo123")
	var lockErr *apperrors.LockoutError
	require.ErrorAs(t, err, &lockErr)
	require.Equal(t, 15*time.Minute, lockErr.Remaining)
	require.Equal(t, apperrors.KindLockout, apperrors.Kind(err))
	require.Equal(t, DefaultThreshold, auth.loginCalls)
}

func TestSubmit_TransientAndValidationDoNotCount(t *testing.T) {
	auth := &fakeAuth{loginErr: apperrors.ErrTransient}
	o := New(auth, Config{}, nil)

	for i := 0; i < 10; i++ {
		require.Error(t, o.Submit(context.Background(), "demo", "demo123"))
	}
	require.Zero(t, o.State().AttemptCount)

	err := o.Submit(context.Background(), "", "demo123")
	require.Equal(t, apperrors.KindValidation, apperrors.Kind(err))
	require.Equal(t, 10, auth.loginCalls)
}

func TestSubmit_ServerLockoutDoesNotCount(t *testing.T) {
	auth := &fakeAuth{loginErr: &apperrors.APIError{Status: 423, Err: apperrors.ErrAccountLocked}}
	o := New(auth, Config{}, nil)

	for i := 0; i < DefaultThreshold; i++ {
		require.Error(t, o.Submit(context.Background(), "demo", "demo123"))
	}
	require.False(t, o.State().IsLocked)
	require.Zero(t, o.State().AttemptCount)
}

func TestTick_CountdownUnlocks(t *testing.T) {
	auth := &fakeAuth{loginErr: rejected}
	o := New(auth, Config{}, nil)
	for i := 0; i < DefaultThreshold; i++ {
		o.Submit(context.Background(), "demo", "wrong-pass")
	}

	prev := o.State().LockoutRemainingSeconds
	for prev > 1 {
		state := o.Tick()
		require.Equal(t, prev-1, state.LockoutRemainingSeconds)
		require.True(t, state.IsLocked)
		require.Equal(t, DefaultThreshold, state.AttemptCount)
		prev = state.LockoutRemainingSeconds
	}

	state := o.Tick()
	require.False(t, state.IsLocked)
	require.Zero(t, state.LockoutRemainingSeconds)
	require.Zero(t, state.AttemptCount)
	require.Equal(t, UnlockedNotice, state.Notice)

	auth.loginErr = nil
	require.NoError(t, o.Submit(context.Background(), "demo", "demo123"))
	require.Empty(t, o.State().Notice)
}

func TestRunCountdown(t *testing.T) {
	auth := &fakeAuth{loginErr: rejected}
	o := New(auth, Config{Threshold: 1, Duration: 3 * time.Second}, nil)
	o.interval = time.Millisecond

	require.Error(t, o.Submit(context.Background(), "demo", "wrong-pass"))
	require.True(t, o.State().IsLocked)

	var ticks []int
	o.RunCountdown(context.Background(), func(s State) { ticks = append(ticks, s.LockoutRemainingSeconds) })

	require.Equal(t, []int{2, 1, 0}, ticks)
	require.False(t, o.State().IsLocked)
}

func TestRunCountdown_StopsOnCancel(t *testing.T) {
	auth := &fakeAuth{loginErr: rejected}
	o := New(auth, Config{Threshold: 1}, nil)
	require.Error(t, o.Submit(context.Background(), "demo", "wrong-pass"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		o.RunCountdown(ctx, nil)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("countdown did not stop")
	}
	require.True(t, o.State().IsLocked)
}

func TestTwoFactor_KeepsCounterAndSuccessClears(t *testing.T) {
	auth := &fakeAuth{loginErr: rejected}
	o := New(auth, Config{}, nil)

	for i := 0; i < 3; i++ {
		o.Submit(context.Background(), "demo", "wrong-pass")
	}

	auth.loginErr = nil
	auth.loginRes = session.LoginResult{Requires2FA: true}
	require.NoError(t, o.Submit(context.Background(), "demo", "demo123"))

	state := o.State()
	require.Equal(t, ModeTwoFactor, state.Mode)
	require.Equal(t, 3, state.AttemptCount)

	auth.verifyErr = apperrors.ErrInvalidCode
	require.Error(t, o.SubmitCode(context.Background(), "123456"))
	require.Equal(t, ModeTwoFactor, o.State().Mode)
	require.Equal(t, 3, o.State().AttemptCount)

	require.Equal(t, apperrors.KindValidation, apperrors.Kind(o.SubmitCode(context.Background(), "12345")))
	require.Equal(t, 1, auth.verifyCalls)

	auth.verifyErr = nil
	require.NoError(t, o.SubmitCode(context.Background(), "123456"))
	state = o.State()
	require.Equal(t, ModeCredentials, state.Mode)
	require.Zero(t, state.AttemptCount)
}

func TestCancel2FA(t *testing.T) {
	auth := &fakeAuth{loginRes: session.LoginResult{Requires2FA: true}}
	o := New(auth, Config{}, nil)

	require.NoError(t, o.Submit(context.Background(), "demo", "demo123"))
	o.Cancel2FA()

	require.True(t, auth.cancelled)
	require.Equal(t, ModeCredentials, o.State().Mode)
	require.ErrorIs(t, o.SubmitCode(context.Background(), "123456"), apperrors.ErrNoChallenge)
}

func TestNew_PrefillsRememberedIdentifier(t *testing.T) {
	o := New(&fakeAuth{remembered: "demo@x.com"}, Config{}, nil)
	require.Equal(t, "demo@x.com", o.State().Identifier)
}

func TestLockout_AgainstStubService(t *testing.T) {
	stub := stubserver.New(stubserver.Options{Argon2: stubserver.DevArgon2Params})
	_, err := stub.AddUser("demo", "demo@x.com", "demo123", nil)
	require.NoError(t, err)

	var requests atomic.Int32
	handler := stub.Handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	client := httpclient.New(httpclient.Options{BaseURL: srv.URL})
	manager := session.NewManager(client, store.New(nil), nil)
	o := New(manager, Config{}, nil)

	for i := 0; i < DefaultThreshold; i++ {
		err := o.Submit(context.Background(), "demo", "wrong-pass")
		require.Equal(t, apperrors.KindCredential, apperrors.Kind(err))
	}

	state := o.State()
	require.True(t, state.IsLocked)
	require.Equal(t, 900, state.LockoutRemainingSeconds)
	require.EqualValues(t, DefaultThreshold, requests.Load())

	err = o.Submit(context.Background(), "demo", "demo123")
	require.Equal(t, apperrors.KindLockout, apperrors.Kind(err))
	require.EqualValues(t, DefaultThreshold, requests.Load())
	require.False(t, manager.Snapshot().IsAuthenticated)
}
