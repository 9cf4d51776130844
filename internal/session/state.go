package session

import (
	"time"

	"github.com/amirk1998/authsession/internal/models"
)

type State string

const (
	StateAnonymous      State = "ANONYMOUS"
	StateAuthenticating State = "AUTHENTICATING"
	StateAwaiting2FA    State = "AWAITING_2FA"
	StateAuthenticated  State = "AUTHENTICATED"
	StateLoggingOut     State = "LOGGING_OUT"
)

// Snapshot is a copy of the session at one point in time.
type Snapshot struct {
	Token           string
	User            *models.User
	IsAuthenticated bool
	IsLoading       bool
	Error           string
	State           State
	// Zero when the token carries no expiry
	ExpiresAt time.Time
}

func (s Snapshot) clone() Snapshot {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// LoginResult tells the caller whether a second factor is still required.
type LoginResult struct {
	Requires2FA bool
}
