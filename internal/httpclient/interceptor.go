package httpclient

import (
	"net/http"
	"os"
	"os/user"
	"runtime"

	"github.com/google/uuid"

	"github.com/amirk1998/authsession/internal/ratelimit"
)

// interceptor decorates every request and observes every response.
type interceptor struct {
	base    http.RoundTripper
	client  *Client
	limiter *ratelimit.RateLimiter
}

func (t *interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context(), req.URL.Path); err != nil {
			return nil, err
		}
	}

	// RoundTrippers must not modify the caller's request
	out := req.Clone(req.Context())
	out.Header.Set("X-Request-ID", uuid.NewString())
	if t.client.fingerprint != "" {
		out.Header.Set("X-Device-Fingerprint", t.client.fingerprint)
	}
	if token := t.client.token(); token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		t.client.fireUnauthorized(out)
	}

	return resp, nil
}

// DeviceFingerprint derives a stable identifier for this machine and OS user.
// Nothing is persisted; the same inputs always give the same value.
func DeviceFingerprint() string {
	host, _ := os.Hostname()
	username := ""
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(host+"|"+username+"|"+runtime.GOOS+"/"+runtime.GOARCH)).String()
}
