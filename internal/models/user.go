package models

import (
	"time"
)

// User is the profile returned by GET /auth/me
type User struct {
	ID        int     `json:"id"`
	Username  string  `json:"username"`
	Email     string  `json:"email"`
	FullName  *string `json:"full_name,omitempty"`
	IsActive  bool    `json:"is_active"`
	CreatedAt string  `json:"created_at"`
}

// Created parses CreatedAt, which the service sends either as a date or a full timestamp
func (u *User) Created() (time.Time, bool) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, u.CreatedAt); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// DisplayName prefers the full name when the profile has one
func (u *User) DisplayName() string {
	if u.FullName != nil && *u.FullName != "" {
		return *u.FullName
	}
	return u.Username
}

type LoginRequest struct {
	Identifier        string `json:"identifier"`
	Password          string `json:"password"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	IPAddress         string `json:"ip_address,omitempty"`
}

// LoginResponse carries either an access token or a two-factor challenge
type LoginResponse struct {
	AccessToken  string `json:"access_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int    `json:"expires_in,omitempty"`
	Requires2FA  bool   `json:"requires_2fa,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
}

type Verify2FARequest struct {
	SessionToken      string `json:"session_token"`
	Code              string `json:"code"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
}

type Verify2FAResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	User        *User  `json:"user,omitempty"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

type RegisterRequest struct {
	Username string  `json:"username"`
	Email    string  `json:"email"`
	Password string  `json:"password"`
	FullName *string `json:"full_name,omitempty"`
}

// MessageResponse is the generic {"message": ...} body of logout and register
type MessageResponse struct {
	Message string `json:"message,omitempty"`
}
