package model

import (
	"time"
)

// BackoffPolicy computes the retry delay for failed attempts:
// delay(attempt) = min(base * 2^attempt, cap).
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// DefaultBackoffPolicy matches the fleet-wide retry schedule.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base: 60 * time.Second,
		Cap:  time.Hour,
	}
}

// Delay returns the backoff for the given attempt number (0-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Guard the shift: past 32 doublings any sane base exceeds the cap.
	if attempt > 32 {
		return p.Cap
	}
	d := p.Base << uint(attempt)
	if d <= 0 || d > p.Cap {
		return p.Cap
	}
	return d
}

// NextRun returns the earliest time the next attempt may be picked up.
func (p BackoffPolicy) NextRun(attempt int) time.Time {
	return time.Now().UTC().Add(p.Delay(attempt))
}
