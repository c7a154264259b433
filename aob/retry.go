package aob

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds a node's retry behavior. The attempt counter is
// durable: it travels in node.started payloads, so a recovered scheduler
// continues counting where the crashed one stopped.
type RetryPolicy struct {
	// MaxAttempts is the total attempts, first try included. 1 disables
	// retries. Valid range is 1..16.
	MaxAttempts int `json:"max_attempts"`

	// BaseDelay is the delay before the second attempt; it doubles per
	// attempt thereafter.
	BaseDelay time.Duration `json:"base_delay"`

	// MaxDelay caps the backoff.
	MaxDelay time.Duration `json:"max_delay"`

	// Jitter scales each delay by uniform(0.5, 1.0) to decorrelate
	// thundering retries.
	Jitter bool `json:"jitter"`
}

// DefaultRetryPolicy is used when a node declares no retry block: a single
// attempt.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 1}

// Delay returns the backoff before the given attempt (attempt 2 is the
// first retry). The rng supplies jitter; pass the run's seeded source so
// delays stay reproducible per run.
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 2; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter && rng != nil && d > 0 {
		d = time.Duration(float64(d) * (0.5 + 0.5*rng.Float64()))
	}
	return d
}

func retryFromSpec(rs *RetrySpec) RetryPolicy {
	if rs == nil {
		return DefaultRetryPolicy
	}
	return RetryPolicy{
		MaxAttempts: rs.MaxAttempts,
		BaseDelay:   time.Duration(rs.BaseDelayMS) * time.Millisecond,
		MaxDelay:    time.Duration(rs.MaxDelayMS) * time.Millisecond,
		Jitter:      rs.Jitter,
	}
}
