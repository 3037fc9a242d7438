package phase

import (
	"context"
	"time"
)

// RetryPolicy retries transient failures with exponential backoff:
// base, 2*base, 4*base, up to MaxRetries extra attempts. No jitter, so
// call timing stays deterministic under test clocks.
type RetryPolicy struct {
	MaxRetries int
	Base       time.Duration
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy builds a policy with the given attempt budget and base
// delay.
func NewRetryPolicy(maxRetries int, base time.Duration) RetryPolicy {
	return RetryPolicy{MaxRetries: maxRetries, Base: base, sleep: sleepCtx}
}

// Do runs fn until it succeeds, fails permanently, exhausts the retry
// budget, or the context ends. The last error is returned as-is.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	delay := p.Base
	for attempt := 0; ; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		err = fn(ctx)
		if err == nil || !IsTransient(err) || attempt >= p.MaxRetries {
			return err
		}
		if serr := sleep(ctx, delay); serr != nil {
			return serr
		}
		delay *= 2
	}
}
