package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiry reads the exp claim without verifying the signature. The
// server remains the authority; this only avoids presenting a token that is
// already known to be dead. Opaque tokens report false.
func tokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// expiresAt prefers the token's own exp claim over the response's expires_in
func expiresAt(token string, expiresIn int, now time.Time) time.Time {
	if exp, ok := tokenExpiry(token); ok {
		return exp
	}
	if expiresIn > 0 {
		return now.Add(time.Duration(expiresIn) * time.Second)
	}
	return time.Time{}
}
