package crawler

import (
	"math"
	"time"
)

// RetryPolicy bounds retries and computes the delay before the next attempt.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultRetryPolicy returns a policy with sane defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
	}
}

// Exhausted reports whether an item with retryCount attempts recorded is dead.
func (p RetryPolicy) Exhausted(retryCount int) bool {
	return retryCount > p.MaxRetries
}

// Backoff returns min(BaseDelay * 2^retryCount, MaxDelay).
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	delay := float64(p.BaseDelay) * math.Pow(2, float64(retryCount))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
