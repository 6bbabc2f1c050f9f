package ratelimit

import (
	"context"
	"time"
)

// Decision is the outcome of one admission attempt.
type Decision struct {
	Allowed bool
	// RetryAfter is positive when Allowed is false.
	RetryAfter time.Duration
	// Remaining is the number of admissions left in the current window.
	Remaining int
	Limit     int
}

// Limiter decides whether a client may proceed at time now.
//
// Implementations serialize attempts for the same key and must not
// serialize attempts for different keys.
type Limiter interface {
	Admit(ctx context.Context, key string, now time.Time) (Decision, error)
}

func denied(limit int, window, retry time.Duration) Decision {
	if retry <= 0 {
		retry = time.Millisecond
	}
	if retry > window {
		retry = window
	}
	return Decision{Allowed: false, RetryAfter: retry, Remaining: 0, Limit: limit}
}
