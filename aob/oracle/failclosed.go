package oracle

import (
	"context"
	"time"
)

// ReasonUnavailable is the denial reason recorded when the oracle could not
// be reached within the retry budget. The transition is denied, never
// silently allowed.
const ReasonUnavailable = "oracle_unavailable"

// FailClosed wraps an Oracle with bounded retries and a fail-closed
// degradation: when the inner oracle keeps erroring, Evaluate returns a
// denial with ReasonUnavailable instead of an error.
//
// Retries use exponential backoff starting at Base, doubling per attempt.
// Genuine decisions (allow or deny) pass through untouched.
type FailClosed struct {
	inner    Oracle
	attempts int
	base     time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// FailClosedOption configures a FailClosed wrapper.
type FailClosedOption func(*FailClosed)

// WithAttempts sets the total evaluation attempts (default 3, minimum 1).
func WithAttempts(n int) FailClosedOption {
	return func(f *FailClosed) {
		if n >= 1 {
			f.attempts = n
		}
	}
}

// WithBackoffBase sets the first retry delay (default 100ms).
func WithBackoffBase(d time.Duration) FailClosedOption {
	return func(f *FailClosed) {
		if d > 0 {
			f.base = d
		}
	}
}

// NewFailClosed wraps inner with fail-closed retry semantics.
func NewFailClosed(inner Oracle, opts ...FailClosedOption) *FailClosed {
	f := &FailClosed{
		inner:    inner,
		attempts: 3,
		base:     100 * time.Millisecond,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Evaluate implements Oracle. It never returns an oracle error: exhausted
// retries become a denial. Context cancellation still propagates, because a
// cancelled run should stop, not record a policy denial.
func (f *FailClosed) Evaluate(ctx context.Context, q Query) (Decision, error) {
	delay := f.base
	for attempt := 1; ; attempt++ {
		d, err := f.inner.Evaluate(ctx, q)
		if err == nil {
			return d, nil
		}
		if ctx.Err() != nil {
			return Decision{}, ctx.Err()
		}
		if attempt >= f.attempts {
			return Decision{Allow: false, Reason: ReasonUnavailable}, nil
		}
		if err := f.sleep(ctx, delay); err != nil {
			return Decision{}, err
		}
		delay *= 2
	}
}
