package syncer

import (
	"math"
	"time"
)

// RetryPolicy defines the bounded backoff schedule for re-attempting
// queued updates after transient failures.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Factor     float64
	MaxDelay   time.Duration
}

// DefaultRetryPolicy matches the tracker's schedule: an immediate first
// retry, then 3s and 9s, three retries in total.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  3 * time.Second,
		Factor:     3,
	}
}

// Delay returns the wait before the given retry (1-based). The first
// retry fires immediately; later ones back off exponentially with
// clamping.
func (r RetryPolicy) Delay(retry int) time.Duration {
	if retry <= 1 {
		return 0
	}
	base := r.BaseDelay
	if base <= 0 {
		base = 3 * time.Second
	}
	factor := r.Factor
	if factor <= 0 {
		factor = 3
	}

	d := time.Duration(float64(base) * math.Pow(factor, float64(retry-2)))
	if r.MaxDelay > 0 && d > r.MaxDelay {
		d = r.MaxDelay
	}
	if d < 0 {
		d = r.MaxDelay
	}
	return d
}
