// Package login drives the login form: it validates input, calls the
// session, counts failed attempts and enforces a temporary local lockout.
//
// Lockout state belongs to one Orchestrator and is never persisted; a new
// form starts with a clean counter.
package login

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/amirk1998/authsession/internal/audit"
	"github.com/amirk1998/authsession/internal/session"
	apperrors "github.com/amirk1998/authsession/pkg/errors"
	"github.com/amirk1998/authsession/pkg/validator"
)

const (
	DefaultThreshold = 5
	DefaultDuration  = 15 * time.Minute
)

// UnlockedNotice is shown once the lockout countdown has elapsed
const UnlockedNotice = "Account unlocked. You can try logging in again."

type Mode int

const (
	ModeCredentials Mode = iota
	ModeTwoFactor
)

func (m Mode) String() string {
	if m == ModeTwoFactor {
		return "two_factor"
	}
	return "credentials"
}

// Authenticator is the part of the session manager the form uses.
type Authenticator interface {
	Login(ctx context.Context, identifier, password string) (session.LoginResult, error)
	VerifyTwoFactor(ctx context.Context, code string) error
	CancelTwoFactor()
	RememberedIdentifier() string
}

// Auditor records lockout events; *audit.Logger satisfies it.
type Auditor interface {
	Log(event *audit.Event) error
}

type Config struct {
	Threshold int
	Duration  time.Duration
}

// State is a copy of the form's control state.
type State struct {
	Mode                    Mode
	Identifier              string
	AttemptCount            int
	IsLocked                bool
	LockoutRemainingSeconds int
	Notice                  string
}

type Orchestrator struct {
	auth      Authenticator
	auditor   Auditor
	validator *validator.Validator
	threshold int
	seconds   int
	interval  time.Duration
	log       *slog.Logger

	mu         sync.Mutex
	mode       Mode
	identifier string
	attempts   int
	locked     bool
	remaining  int
	notice     string
	counting   bool
}

// New creates a form prefilled with the remembered identifier. auditor may be nil.
func New(auth Authenticator, cfg Config, auditor Auditor) *Orchestrator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Duration < time.Second {
		cfg.Duration = DefaultDuration
	}

	return &Orchestrator{
		auth:       auth,
		auditor:    auditor,
		validator:  validator.New(),
		threshold:  cfg.Threshold,
		seconds:    int(cfg.Duration / time.Second),
		interval:   time.Second,
		log:        slog.Default().With("component", "login"),
		identifier: auth.RememberedIdentifier(),
	}
}

// State returns the current control state
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked()
}

func (o *Orchestrator) stateLocked() State {
	return State{
		Mode:                    o.mode,
		Identifier:              o.identifier,
		AttemptCount:            o.attempts,
		IsLocked:                o.locked,
		LockoutRemainingSeconds: o.remaining,
		Notice:                  o.notice,
	}
}

// lockoutErr reports the remaining wait if the form is locked; o.mu must be held
func (o *Orchestrator) lockoutErr() error {
	if !o.locked {
		return nil
	}
	return &apperrors.LockoutError{Remaining: time.Duration(o.remaining) * time.Second}
}

// Submit sends the credentials unless the form is locked or the input is
// invalid. Only credential rejections count toward the lockout.
func (o *Orchestrator) Submit(ctx context.Context, identifier, password string) error {
	o.mu.Lock()
	if err := o.lockoutErr(); err != nil {
		o.mu.Unlock()
		return err
	}
	o.notice = ""
	o.identifier = identifier
	o.mu.Unlock()

	if err := o.validator.ValidateLogin(o.validator.SanitizeString(identifier), password); err != nil {
		return err
	}

	res, err := o.auth.Login(ctx, identifier, password)

	o.mu.Lock()
	defer o.mu.Unlock()

	if err != nil {
		if apperrors.Kind(err) == apperrors.KindCredential {
			o.recordFailureLocked(identifier)
		}
		return err
	}

	if res.Requires2FA {
		o.mode = ModeTwoFactor
		return nil
	}

	o.resetLocked()
	return nil
}

func (o *Orchestrator) recordFailureLocked(identifier string) {
	o.attempts++
	if o.attempts < o.threshold {
		return
	}

	o.locked = true
	o.remaining = o.seconds
	o.log.Warn("login form locked", "attempts", o.attempts, "seconds", o.seconds)

	if o.auditor != nil {
		o.auditor.Log(&audit.Event{
			Level:    audit.LevelWarning,
			Username: identifier,
			Action:   audit.ActionLockout,
			Resource: "login_form",
			Success:  false,
		})
	}
}

func (o *Orchestrator) resetLocked() {
	o.mode = ModeCredentials
	o.attempts = 0
	o.locked = false
	o.remaining = 0
}

// SubmitCode answers the two-factor challenge. A wrong code leaves the
// challenge open and does not count toward the lockout.
func (o *Orchestrator) SubmitCode(ctx context.Context, code string) error {
	o.mu.Lock()
	mode := o.mode
	o.mu.Unlock()

	if mode != ModeTwoFactor {
		return apperrors.NewValidationError("code", "No verification is pending, please log in again", apperrors.ErrNoChallenge)
	}

	if err := o.validator.ValidateTwoFactorCode(code); err != nil {
		return err
	}

	if err := o.auth.VerifyTwoFactor(ctx, code); err != nil {
		return err
	}

	o.mu.Lock()
	o.resetLocked()
	o.mu.Unlock()
	return nil
}

// Cancel2FA leaves the challenge and returns to the credential fields
func (o *Orchestrator) Cancel2FA() {
	o.auth.CancelTwoFactor()

	o.mu.Lock()
	defer o.mu.Unlock()
	o.mode = ModeCredentials
}

// Tick advances the countdown by one second. When it reaches zero the form
// unlocks, the counter resets and the unlocked notice is set.
func (o *Orchestrator) Tick() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.locked {
		return o.stateLocked()
	}

	o.remaining--
	if o.remaining <= 0 {
		o.locked = false
		o.remaining = 0
		o.attempts = 0
		o.notice = UnlockedNotice
		o.log.Info("login form unlocked")
	}
	return o.stateLocked()
}

// RunCountdown calls Tick once per second until the lockout ends or ctx is
// cancelled. onTick, if set, receives each new state. Only one countdown
// runs at a time; extra calls return immediately.
func (o *Orchestrator) RunCountdown(ctx context.Context, onTick func(State)) {
	o.mu.Lock()
	if !o.locked || o.counting {
		o.mu.Unlock()
		return
	}
	o.counting = true
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.counting = false
		o.mu.Unlock()
	}()

	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state := o.Tick()
			if onTick != nil {
				onTick(state)
			}
			if !state.IsLocked {
				return
			}
		}
	}
}
