package dispatch

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds the send attempts for one notification.
type RetryPolicy struct {
	MaxAttempts int           // total sends, first attempt included
	Base        time.Duration // wait after the first failure
	Max         time.Duration // cap before jitter
	Factor      float64
}

// DefaultRetryPolicy returns the policy used when config leaves it unset.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		Base:        500 * time.Millisecond,
		Max:         10 * time.Second,
		Factor:      2.0,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.Base <= 0 {
		p.Base = d.Base
	}
	if p.Max <= 0 {
		p.Max = d.Max
	}
	if p.Factor < 1 {
		p.Factor = d.Factor
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-based):
// base * factor^(attempt-1), capped at Max, with ±25% jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if backoff > float64(p.Max) {
		backoff = float64(p.Max)
	}

	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	backoff += jitter

	return time.Duration(backoff)
}

// worstCase is the longest one delivery cycle can take, used to size the
// dispatch lease.
func (p RetryPolicy) worstCase(timeout time.Duration) time.Duration {
	waits := time.Duration(0)
	for i := 1; i < p.MaxAttempts; i++ {
		waits += p.Backoff(i)*5/4 + time.Millisecond
	}
	return time.Duration(p.MaxAttempts)*timeout + waits
}
