package errors

import (
	"errors"
	"fmt"
	"time"
)

// Custom error types for better error handling
var (
	// Authentication errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidCode        = errors.New("invalid verification code")
	ErrNoChallenge        = errors.New("no pending two-factor challenge")
	ErrSessionExpired     = errors.New("session expired")
	ErrAccountLocked      = errors.New("too many failed login attempts")
	ErrRequestRejected    = errors.New("request rejected")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrWeakPassword    = errors.New("password does not meet requirements")
	ErrInvalidEmail    = errors.New("invalid email format")
	ErrInvalidUsername = errors.New("invalid username format")

	// Transport errors
	ErrTransient         = errors.New("service temporarily unavailable")
	ErrTimeout           = errors.New("request timed out")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// Storage errors
	ErrStorageUnavailable = errors.New("credential storage unavailable")
	ErrRecordNotFound     = errors.New("record not found")

	// Encryption errors
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrInvalidKey       = errors.New("invalid encryption key")
)

// ErrorKind classifies an error into the failure categories callers react to.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindValidation
	KindCredential
	KindLockout
	KindSessionExpired
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCredential:
		return "credential"
	case KindLockout:
		return "lockout"
	case KindSessionExpired:
		return "session_expired"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// ValidationError reports input rejected before any network call.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidInput
}

// NewValidationError creates a validation error for a single field
func NewValidationError(field, message string, err error) *ValidationError {
	return &ValidationError{Field: field, Message: message, Err: err}
}

// LockoutError is returned locally while the login form is locked.
type LockoutError struct {
	Remaining time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("too many failed attempts, try again in %s", FormatRemaining(e.Remaining))
}

func (e *LockoutError) Unwrap() error {
	return ErrAccountLocked
}

// APIError wraps a non-2xx response from the remote auth service.
type APIError struct {
	Status int
	Detail string
	Err    error
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%v (status %d): %s", e.Err, e.Status, e.Detail)
	}
	return fmt.Sprintf("%v (status %d)", e.Err, e.Status)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// StorageError is returned by the credential store when the backend failed.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// AppError wraps errors with additional context
type AppError struct {
	Err     error
	Message string
	Code    int
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Err.Error()
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewAppError creates a new application error
func NewAppError(err error, message string, code int) *AppError {
	return &AppError{
		Err:     err,
		Message: message,
		Code:    code,
	}
}

// Kind returns the category of err.
func Kind(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var lockErr *LockoutError
	var valErr *ValidationError

	switch {
	case errors.As(err, &lockErr), errors.Is(err, ErrAccountLocked):
		return KindLockout
	case errors.As(err, &valErr), errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrSessionExpired):
		return KindSessionExpired
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrInvalidCode), errors.Is(err, ErrRequestRejected):
		return KindCredential
	case errors.Is(err, ErrTransient), errors.Is(err, ErrTimeout), errors.Is(err, ErrRateLimitExceeded):
		return KindTransient
	default:
		return KindUnknown
	}
}

// UserMessage returns the short message shown to the user for err.
// Server-provided detail wins over the generic text for the error's kind.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Detail != "" && !errors.Is(err, ErrSessionExpired) {
		return apiErr.Detail
	}

	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return valErr.Message
	}

	var lockErr *LockoutError
	if errors.As(err, &lockErr) {
		return lockErr.Error()
	}

	switch Kind(err) {
	case KindCredential:
		if errors.Is(err, ErrInvalidCode) {
			return "Invalid verification code. Please try again."
		}
		return "Login failed. Please check your credentials."
	case KindSessionExpired:
		return "Your session has ended. Please log in again."
	case KindTransient:
		if errors.Is(err, ErrTimeout) {
			return "The request timed out. Please try again."
		}
		return "The service is unavailable right now. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}

// FormatRemaining renders a lockout duration as m:ss.
func FormatRemaining(d time.Duration) string {
	secs := int(d.Round(time.Second) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
