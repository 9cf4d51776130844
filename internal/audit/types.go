package audit

import "time"

type LogLevel string

const (
	LevelInfo     LogLevel = "INFO"
	LevelWarning  LogLevel = "WARNING"
	LevelError    LogLevel = "ERROR"
	LevelCritical LogLevel = "CRITICAL"
)

// Actions recorded by the session manager
const (
	ActionLogin          = "LOGIN"
	ActionTwoFactor      = "VERIFY_2FA"
	ActionRegister       = "REGISTER"
	ActionLogout         = "LOGOUT"
	ActionProfile        = "FETCH_PROFILE"
	ActionRestore        = "RESTORE"
	ActionInvalidate     = "SESSION_INVALIDATED"
	ActionLockout        = "LOCKOUT"
	ActionFailedLoginSum = "FAILED_LOGIN_THRESHOLD"
)

type Event struct {
	ID        int64     `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Username  string    `json:"username,omitempty"`
	Action    string    `json:"action"`
	Resource  string    `json:"resource"`
	RequestID string    `json:"request_id,omitempty"`
	Success   bool      `json:"success"`
	ErrorMsg  string    `json:"error_msg,omitempty"`
	Metadata  string    `json:"metadata,omitempty"`
}

type QueryFilters struct {
	StartTime *time.Time
	EndTime   *time.Time
	Username  string
	Action    string
	Level     LogLevel
	Limit     int
}

// matches applies the filters to an event read from the log file
func (f QueryFilters) matches(e *Event) bool {
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	if f.Username != "" && e.Username != f.Username {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	return true
}
