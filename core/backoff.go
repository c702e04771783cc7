package core

import "time"

const (
	// DefaultBackoffBase is the first retry delay after a transient failure.
	DefaultBackoffBase = 2 * time.Second
	// DefaultBackoffCap bounds the retry delay.
	DefaultBackoffCap = 5 * time.Minute
)

// backoffDelay returns min(base·2^(attempt-1), cap) for attempt >= 1.
func backoffDelay(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= limit/2 {
			return limit
		}
		delay *= 2
	}
	if delay > limit {
		return limit
	}
	return delay
}
