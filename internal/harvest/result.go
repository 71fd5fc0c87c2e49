package harvest

import (
	"errors"
	"time"
)

// Outcome classifies one fetch attempt.
type Outcome string

// Fetch outcomes.
const (
	OutcomeSuccess        Outcome = "success"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeForbidden      Outcome = "forbidden"
	OutcomeTransientError Outcome = "transient_error"
	OutcomeTimeout        Outcome = "timeout"
)

// Sentinel causes attached to short-circuit results.
var (
	ErrBackoffActive     = errors.New("target is cooling down")
	ErrTargetSuspended   = errors.New("target is suspended")
	ErrRobotsDisallowed  = errors.New("path disallowed by robots.txt")
	ErrUnknownTarget     = errors.New("unknown target")
	ErrDuplicateTarget   = errors.New("duplicate target")
	ErrSessionNotFound   = errors.New("session not found")
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrQueueClosed       = errors.New("queue closed")
	ErrAlreadyQueued     = errors.New("session already queued for target")
)

// FetchResult is the immutable outcome of a single fetch attempt.
type FetchResult struct {
	Outcome    Outcome
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
	Err        error
	URL        string
	Duration   time.Duration
	// ShortCircuit is set when the result was produced without a network call.
	ShortCircuit bool
}

// Success builds a successful result.
func Success(body []byte, status int) FetchResult {
	return FetchResult{Outcome: OutcomeSuccess, Body: body, StatusCode: status}
}

// RateLimited builds a 429-style result with an optional retry hint.
func RateLimited(retryAfter time.Duration) FetchResult {
	return FetchResult{Outcome: OutcomeRateLimited, RetryAfter: retryAfter}
}

// Forbidden builds a 403-style result.
func Forbidden() FetchResult {
	return FetchResult{Outcome: OutcomeForbidden}
}

// TransientError builds a result for a recoverable failure.
func TransientError(cause error) FetchResult {
	return FetchResult{Outcome: OutcomeTransientError, Err: cause}
}

// Timeout builds a result for a transport timeout.
func Timeout(cause error) FetchResult {
	return FetchResult{Outcome: OutcomeTimeout, Err: cause}
}

// IsBanSignal reports whether the source has started blocking us.
func (r FetchResult) IsBanSignal() bool {
	return r.Outcome == OutcomeRateLimited || r.Outcome == OutcomeForbidden
}

// IsTransient reports whether the attempt may be retried on the same page.
func (r FetchResult) IsTransient() bool {
	return r.Outcome == OutcomeTransientError || r.Outcome == OutcomeTimeout
}
