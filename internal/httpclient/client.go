// Package httpclient is the single request pipeline every remote call goes
// through. It attaches the bearer token, throttles outgoing requests and
// reacts to 401 responses by running the registered invalidation hooks before
// the caller sees the error.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/amirk1998/authsession/internal/ratelimit"
	apperrors "github.com/amirk1998/authsession/pkg/errors"
)

// DefaultTimeout is applied to every request when Options.Timeout is zero
const DefaultTimeout = 10 * time.Second

// maxErrorBody bounds how much of an error response is read
const maxErrorBody = 64 << 10

// TokenSource supplies the bearer token for outgoing requests.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// UnauthorizedHook runs synchronously when any response is 401.
type UnauthorizedHook func(req *http.Request)

type Options struct {
	BaseURL           string
	Timeout           time.Duration
	Tokens            TokenSource
	Limiter           *ratelimit.RateLimiter
	DeviceFingerprint string
	Transport         http.RoundTripper
}

// Client is the API client for the remote auth service
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokens      TokenSource
	fingerprint string
	log         *slog.Logger

	mu    sync.RWMutex
	hooks []UnauthorizedHook
}

// New creates a client. Tokens may be nil for a client that never authenticates.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Tokens == nil {
		opts.Tokens = TokenFunc(func() string { return "" })
	}

	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		tokens:      opts.Tokens,
		fingerprint: opts.DeviceFingerprint,
		log:         slog.Default().With("component", "httpclient"),
	}
	c.httpClient = &http.Client{
		Timeout: opts.Timeout,
		Transport: &interceptor{
			base:    opts.Transport,
			client:  c,
			limiter: opts.Limiter,
		},
	}
	return c
}

// BaseURL returns the service root all paths are joined to
func (c *Client) BaseURL() string {
	return c.baseURL
}

// DeviceFingerprint returns the value sent with login requests
func (c *Client) DeviceFingerprint() string {
	return c.fingerprint
}

// SetTokenSource replaces the source of bearer tokens
func (c *Client) SetTokenSource(ts TokenSource) {
	if ts == nil {
		ts = TokenFunc(func() string { return "" })
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens = ts
}

func (c *Client) token() string {
	c.mu.RLock()
	ts := c.tokens
	c.mu.RUnlock()
	return ts.Token()
}

// OnUnauthorized registers a hook run on every 401 response
func (c *Client) OnUnauthorized(hook UnauthorizedHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

func (c *Client) fireUnauthorized(req *http.Request) {
	c.mu.RLock()
	hooks := make([]UnauthorizedHook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.RUnlock()

	c.log.Info("credential rejected, invalidating session", "method", req.Method, "path", req.URL.Path)
	for _, hook := range hooks {
		hook(req)
	}
}

// Get calls GET path and decodes the JSON response into out
func (c *Client) Get(ctx context.Context, path string, out any) error {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

// Post calls POST path with a JSON body and decodes the response into out
func (c *Client) Post(ctx context.Context, path string, in, out any) error {
	return c.Do(ctx, http.MethodPost, path, in, out)
}

// Do sends a JSON request. out may be nil to discard the response body.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.handleRequestError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: invalid response from auth service: %v", apperrors.ErrTransient, err)
	}

	return nil
}

// handleRequestError converts transport failures into transient errors
func (c *Client) handleRequestError(ctx context.Context, err error) error {
	if errors.Is(err, apperrors.ErrRateLimitExceeded) {
		return fmt.Errorf("%w: %w", apperrors.ErrTransient, apperrors.ErrRateLimitExceeded)
	}
	if ctx.Err() == context.Canceled {
		return fmt.Errorf("request canceled: %w", context.Canceled)
	}
	if ctx.Err() == context.DeadlineExceeded || isTimeout(err) {
		return fmt.Errorf("%w: %w", apperrors.ErrTransient, apperrors.ErrTimeout)
	}
	return fmt.Errorf("%w: cannot connect to auth service at %s: %v", apperrors.ErrTransient, c.baseURL, err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// handleErrorResponse maps a non-2xx response to an *errors.APIError
func (c *Client) handleErrorResponse(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := parseDetail(raw)

	authenticated := resp.Request != nil && resp.Request.Header.Get("Authorization") != ""

	var kind error
	switch {
	case resp.StatusCode == http.StatusUnauthorized && authenticated:
		kind = apperrors.ErrSessionExpired
	case resp.StatusCode == http.StatusUnauthorized:
		kind = apperrors.ErrInvalidCredentials
	case resp.StatusCode == http.StatusLocked:
		kind = apperrors.ErrAccountLocked
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = fmt.Errorf("%w: %w", apperrors.ErrTransient, apperrors.ErrRateLimitExceeded)
	case resp.StatusCode == http.StatusRequestTimeout:
		kind = fmt.Errorf("%w: %w", apperrors.ErrTransient, apperrors.ErrTimeout)
	case resp.StatusCode >= 500:
		kind = apperrors.ErrTransient
	default:
		kind = apperrors.ErrRequestRejected
	}

	return &apperrors.APIError{Status: resp.StatusCode, Detail: detail, Err: kind}
}

// errorBody accepts {"detail": "..."}, {"detail": [{"msg": "..."}]} and {"error": "..."}
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
	Error  string          `json:"error"`
}

func parseDetail(raw []byte) string {
	var body errorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}

	if len(body.Detail) > 0 {
		var s string
		if err := json.Unmarshal(body.Detail, &s); err == nil {
			return s
		}

		var items []struct {
			Msg string `json:"msg"`
		}
		if err := json.Unmarshal(body.Detail, &items); err == nil {
			msgs := make([]string, 0, len(items))
			for _, item := range items {
				if item.Msg != "" {
					msgs = append(msgs, item.Msg)
				}
			}
			return strings.Join(msgs, "; ")
		}
	}

	return body.Error
}
