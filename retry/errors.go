package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/geeknoid/cargo-rank/cache"
)

// ErrExhausted marks a resource whose transient retry budget ran out.
// Such resources are unavailable for this run but are not cached.
var ErrExhausted = errors.New("retries exhausted")

// RateLimitError is returned when a service asks the client to slow down.
// RetryAfter is zero when the service gave no hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// TransientError is a failure that may succeed if the same request is repeated.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError is a failure that will not change on retry. Its reason
// decides how the resource is cached negatively.
type PermanentError struct {
	Reason cache.Reason
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

func RateLimited(after time.Duration, err error) error {
	return &RateLimitError{RetryAfter: after, Err: err}
}

func Transient(err error) error {
	return &TransientError{Err: err}
}

func NotFound(format string, args ...any) error {
	return &PermanentError{Reason: cache.ReasonNotFound, Err: fmt.Errorf(format, args...)}
}

func Unsupported(format string, args ...any) error {
	return &PermanentError{Reason: cache.ReasonUnsupported, Err: fmt.Errorf(format, args...)}
}

func ParseError(err error) error {
	return &PermanentError{Reason: cache.ReasonParseError, Err: err}
}

type Class int

const (
	ClassNone Class = iota
	ClassRateLimit
	ClassTransient
	ClassPermanent
	ClassCanceled
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "success"
	case ClassRateLimit:
		return "rate_limit"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	case ClassCanceled:
		return "canceled"
	}
	return "unknown"
}

// Classify maps an error onto the retry taxonomy. Unrecognized errors are
// treated as transient so that they get a bounded number of retries.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var rl *RateLimitError
	var perm *PermanentError
	switch {
	case errors.As(err, &rl):
		return ClassRateLimit
	case errors.As(err, &perm):
		return ClassPermanent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ClassCanceled
	}
	return ClassTransient
}

// FromStatus classifies an HTTP status code. It returns nil for 2xx responses.
func FromStatus(code int, header http.Header, now time.Time, what string) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return NotFound("%s: not found", what)
	case code == http.StatusTooManyRequests:
		after, _ := RetryAfterFromHeader(header, now)
		return RateLimited(after, fmt.Errorf("%s: status %d", what, code))
	case code == http.StatusForbidden && header.Get("X-RateLimit-Remaining") == "0":
		after, _ := RetryAfterFromHeader(header, now)
		return RateLimited(after, fmt.Errorf("%s: status %d", what, code))
	case code == http.StatusRequestTimeout || code >= 500:
		return Transient(fmt.Errorf("%s: status %d", what, code))
	default:
		return Unsupported("%s: status %d", what, code)
	}
}

// RetryAfterFromHeader reads Retry-After (seconds or HTTP date) and falls back
// to X-RateLimit-Reset (epoch seconds).
func RetryAfterFromHeader(h http.Header, now time.Time) (time.Duration, bool) {
	if h == nil {
		return 0, false
	}
	if d, ok := ParseRetryAfter(h.Get("Retry-After"), now); ok {
		return d, true
	}
	if reset := strings.TrimSpace(h.Get("X-RateLimit-Reset")); reset != "" {
		if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
			d := time.Unix(epoch, 0).Sub(now)
			if d < 0 {
				d = 0
			}
			return d, true
		}
	}
	return 0, false
}

func ParseRetryAfter(v string, now time.Time) (time.Duration, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if at, err := http.ParseTime(v); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
