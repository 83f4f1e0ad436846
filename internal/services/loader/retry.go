package loader

import (
	"context"
	"time"

	"github.com/Visual-Knowledge-LLC/california-collectors/internal/errs"
)

// RetryPolicy decides how often and how long to wait before repeating a batch
// that failed transiently. Non-transient failures are never retried.
type RetryPolicy struct {
	// MaxAttempts includes the first attempt; values below 1 mean 1.
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	// Sleep waits for d or until ctx is done. Tests substitute a fake.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy allows maxRetries retries after the first attempt with
// exponential backoff between initial and maxWait.
func NewRetryPolicy(maxRetries int, initial, maxWait time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return RetryPolicy{
		MaxAttempts: maxRetries + 1,
		Backoff:     ExponentialBackoff(initial, maxWait),
		Sleep:       SleepContext,
	}
}

// ExponentialBackoff doubles the wait for every attempt, starting at initial
// and never exceeding maxWait.
func ExponentialBackoff(initial, maxWait time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if initial <= 0 {
			return 0
		}
		d := initial
		for i := 1; i < attempt; i++ {
			d *= 2
			if maxWait > 0 && d >= maxWait {
				return maxWait
			}
		}
		if maxWait > 0 && d > maxWait {
			return maxWait
		}
		return d
	}
}

func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs fn until it succeeds, fails with a non-transient error or the
// attempts are used up. It returns the number of retries made and the last
// error. onRetry, if set, is called before each wait.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error, onRetry func(attempt int, err error)) (int, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !errs.IsTransient(err) || attempt >= attempts {
			return attempt - 1, err
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		var wait time.Duration
		if p.Backoff != nil {
			wait = p.Backoff(attempt)
		}
		if serr := sleep(ctx, wait); serr != nil {
			return attempt - 1, err
		}
	}
}
