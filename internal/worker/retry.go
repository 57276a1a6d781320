package worker

import (
	"math"
	"time"
)

// RetryPolicy defines attempt ceiling and exponential backoff parameters.
type RetryPolicy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// NextDelay returns delay for a given attempt (1-based) with clamping.
func (r RetryPolicy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = time.Second
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}

	delay := float64(r.InitialDelay) * math.Pow(r.BackoffFactor, float64(attempt-1))
	if r.MaxDelay > 0 && delay > float64(r.MaxDelay) {
		return r.MaxDelay
	}
	d := time.Duration(delay)
	if d <= 0 || delay > math.MaxInt64 {
		d = r.MaxDelay
		if d <= 0 {
			d = time.Second
		}
	}
	return d
}

// Exhausted reports whether a job that has now run attempts times may not run again.
func (r RetryPolicy) Exhausted(attempts int) bool {
	ceiling := r.MaxAttempts
	if ceiling <= 0 {
		ceiling = 1
	}
	return attempts >= ceiling
}
