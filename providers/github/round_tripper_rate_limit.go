package github

import (
	"fmt"
	"net/http"
	"time"

	"github.com/geeknoid/cargo-rank/retry"
)

// retryTransport turns GraphQL rate-limit responses into *retry.RateLimitError
// so the coordinator can pause the service. The GraphQL client would otherwise
// report them as opaque non-200 errors.
type retryTransport struct {
	base http.RoundTripper
	now  func() time.Time
}

func newRetryTransport(base http.RoundTripper) *retryTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &retryTransport{base: base, now: time.Now}
}

func (s *retryTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := s.base.RoundTrip(r)
	if err != nil {
		return nil, err
	}

	limited := resp.StatusCode == http.StatusTooManyRequests ||
		(resp.StatusCode == http.StatusForbidden && (resp.Header.Get("Retry-After") != "" || resp.Header.Get("X-RateLimit-Remaining") == "0"))
	if !limited {
		return resp, nil
	}

	_ = resp.Body.Close()
	after, _ := retry.RetryAfterFromHeader(resp.Header, s.now())
	return nil, retry.RateLimited(after, fmt.Errorf("github graphql rate limit (status %d)", resp.StatusCode))
}
