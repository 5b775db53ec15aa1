package fetch

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Policy is a bounded retry policy. The zero value makes a single attempt.
type Policy struct {
	// Attempts is the total number of tries, including the first one.
	Attempts int

	// Delay returns the wait after the given failed attempt (1-based).
	Delay func(attempt int) time.Duration

	// Sleep waits for d or until ctx is done. Tests swap in a virtual clock.
	Sleep func(ctx context.Context, d time.Duration) error

	// Retryable decides whether an error earns another attempt. Defaults to IsRetryable.
	Retryable func(err error) bool
}

// DefaultPolicy mirrors the CLI defaults: three attempts, one second linear backoff.
func DefaultPolicy() Policy {
	return Policy{
		Attempts: 3,
		Delay:    LinearBackoff(time.Second),
		Sleep:    SleepContext,
	}
}

// LinearBackoff waits base*attempt after each failure.
func LinearBackoff(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if base <= 0 || attempt <= 0 {
			return 0
		}
		return base * time.Duration(attempt)
	}
}

// SleepContext blocks for d unless ctx is cancelled first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are used up. The error of the last attempt is returned unmasked.
func (p Policy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) || attempt == attempts {
			break
		}

		var wait time.Duration
		if p.Delay != nil {
			wait = p.Delay(attempt)
		}
		log.Debug("Attempt failed, retrying",
			"attempt", attempt,
			"max_attempts", attempts,
			"backoff", wait,
			"error", err)

		if sleepErr := sleep(ctx, wait); sleepErr != nil {
			return sleepErr
		}
	}

	return lastErr
}
