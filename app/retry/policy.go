// Package retry decides when and whether a failed delivery is tried again.
package retry

import "time"

const (
	// baseDelay is added to every scheduled retry after the first attempt.
	baseDelay = 5 * time.Second

	// MaxDelay caps the wait before any single retry.
	MaxDelay = 365 * 24 * time.Hour

	// (attempt-1)^4 seconds overflows time.Duration past this.
	maxExponentBase = 300
)

// DelayFor returns the earliest time attempt may run. The first attempt runs
// immediately; later ones wait 5 + (attempt-1)^4 seconds, at most MaxDelay.
func DelayFor(now time.Time, attempt int) time.Time {
	if attempt <= 1 {
		return now
	}
	n := int64(attempt - 1)
	if n > maxExponentBase {
		return now.Add(MaxDelay)
	}
	delay := baseDelay + time.Duration(n*n*n*n)*time.Second
	if delay > MaxDelay {
		delay = MaxDelay
	}
	return now.Add(delay)
}

// ShouldRetry reports whether the attempt that just failed may be followed by
// another one. A nil ceiling means unlimited retries.
//
// The comparison uses the failed attempt's number, so with a ceiling of 3 the
// third failure is terminal and the recorded payload carries attempt 4.
func ShouldRetry(failedAttempt int, maxAttempts *int) bool {
	if maxAttempts == nil {
		return true
	}
	return *maxAttempts > failedAttempt
}
