// Package stubserver is an in-process implementation of the remote auth
// service used for local development and end-to-end tests.
package stubserver

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"

	"github.com/amirk1998/authsession/internal/models"
	"github.com/amirk1998/authsession/internal/ratelimit"
	"github.com/amirk1998/authsession/internal/security"
)

const (
	defaultTokenTTL     = time.Hour
	defaultChallengeTTL = 5 * time.Minute
	issuer              = "authsession-stub"
)

// DevArgon2Params keeps hashing fast for a local development service
var DevArgon2Params = security.Argon2Params{
	Time:      1,
	Memory:    8 * 1024,
	Threads:   1,
	KeyLength: 32,
	SaltLen:   16,
}

var (
	errUnknownAccount = errors.New("account not found")
	errBadToken       = errors.New("invalid token")
)

type Options struct {
	JWTSecret    string
	TokenTTL     time.Duration
	ChallengeTTL time.Duration
	Argon2       security.Argon2Params
	// Per client address; zero disables server-side throttling
	RateLimitRPS   int
	RateLimitBurst int
}

type account struct {
	profile      models.User
	passwordHash string
	totpSecret   string
}

type challenge struct {
	userID    int
	expiresAt time.Time
}

type Server struct {
	opts   Options
	hasher *security.PasswordHasher
	secret []byte
	limit  *ratelimit.RateLimiter
	log    *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	accounts   map[int]*account
	nextID     int
	challenges map[string]challenge
	revoked    map[string]time.Time
}

// New creates an empty service. A random signing secret is used when none is configured.
func New(opts Options) *Server {
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = defaultTokenTTL
	}
	if opts.ChallengeTTL <= 0 {
		opts.ChallengeTTL = defaultChallengeTTL
	}
	if opts.Argon2.KeyLength == 0 {
		opts.Argon2 = security.DefaultArgon2Params
	}
	if opts.JWTSecret == "" {
		opts.JWTSecret = uuid.NewString() + uuid.NewString()
	}

	s := &Server{
		opts:       opts,
		hasher:     security.NewPasswordHasher(opts.Argon2),
		secret:     []byte(opts.JWTSecret),
		log:        slog.Default().With("component", "stubserver"),
		now:        time.Now,
		accounts:   make(map[int]*account),
		nextID:     1,
		challenges: make(map[string]challenge),
		revoked:    make(map[string]time.Time),
	}
	if opts.RateLimitRPS > 0 {
		s.limit = ratelimit.NewRateLimiter(opts.RateLimitRPS, max(opts.RateLimitBurst, 1))
	}
	return s
}

// AddUser creates an account and returns its profile
func (s *Server) AddUser(username, email, password string, fullName *string) (*models.User, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.findLocked(username) != nil {
		return nil, fmt.Errorf("username %q already registered", username)
	}
	if s.findLocked(email) != nil {
		return nil, fmt.Errorf("email %q already registered", email)
	}

	acct := &account{
		profile: models.User{
			ID:        s.nextID,
			Username:  username,
			Email:     email,
			FullName:  fullName,
			IsActive:  true,
			CreatedAt: s.now().UTC().Format(time.RFC3339),
		},
		passwordHash: hash,
	}
	s.accounts[acct.profile.ID] = acct
	s.nextID++

	profile := acct.profile
	return &profile, nil
}

// EnableTOTP turns on two-factor login for username and returns the base32 secret
func (s *Server) EnableTOTP(username string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: username})
	if err != nil {
		return "", fmt.Errorf("failed to generate totp secret: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acct := s.findLocked(username)
	if acct == nil {
		return "", errUnknownAccount
	}
	acct.totpSecret = key.Secret()
	return acct.totpSecret, nil
}

// findLocked looks an account up by username or email; s.mu must be held
func (s *Server) findLocked(identifier string) *account {
	for _, acct := range s.accounts {
		if acct.profile.Username == identifier || strings.EqualFold(acct.profile.Email, identifier) {
			return acct
		}
	}
	return nil
}

// authenticate checks the identifier and password. Unknown identifiers
// still spend one hash.
func (s *Server) authenticate(identifier, password string) (*account, bool) {
	s.mu.Lock()
	acct := s.findLocked(identifier)
	s.mu.Unlock()

	if acct == nil {
		s.hasher.Hash(password)
		return nil, false
	}

	ok, err := s.hasher.Verify(password, acct.passwordHash)
	if err != nil || !ok {
		return nil, false
	}
	return acct, true
}

func (s *Server) newChallenge(userID int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	s.challenges[id] = challenge{userID: userID, expiresAt: s.now().Add(s.opts.ChallengeTTL)}
	return id
}

// takeChallenge returns the account behind a pending challenge without consuming it
func (s *Server) takeChallenge(id string) (*account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return nil, false
	}
	if s.now().After(c.expiresAt) {
		delete(s.challenges, id)
		return nil, false
	}
	acct, ok := s.accounts[c.userID]
	return acct, ok
}

func (s *Server) finishChallenge(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, id)
}

// issueToken signs an HS256 access token for userID
func (s *Server) issueToken(userID int) (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   fmt.Sprintf("%d", userID),
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.TokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// parseToken validates a bearer token and returns its claims
func (s *Server) parseToken(tokenStr string) (*jwt.RegisteredClaims, *account, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)

	claims := &jwt.RegisteredClaims{}
	if _, err := parser.ParseWithClaims(tokenStr, claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	}); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errBadToken, err)
	}

	var userID int
	if _, err := fmt.Sscanf(claims.Subject, "%d", &userID); err != nil {
		return nil, nil, errBadToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, revoked := s.revoked[claims.ID]; revoked {
		return nil, nil, errBadToken
	}
	acct, ok := s.accounts[userID]
	if !ok || !acct.profile.IsActive {
		return nil, nil, errUnknownAccount
	}
	return claims, acct, nil
}

// revoke blacklists a token id until it would have expired anyway
func (s *Server) revoke(claims *jwt.RegisteredClaims) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for id, exp := range s.revoked {
		if now.After(exp) {
			delete(s.revoked, id)
		}
	}
	s.revoked[claims.ID] = claims.ExpiresAt.Time
}
