package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/ajitpratap0/conduit/pkg/errors"
)

// NotifyFunc observes a failed attempt before the wait that follows it.
type NotifyFunc func(attempt int, delay time.Duration, err error)

// Do runs fn until it succeeds, returns a non-retryable error, or the policy
// runs out of attempts. Only errors classified by errors.IsRetryable are
// retried.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	return DoNotify(ctx, p, fn, nil)
}

// DoNotify is Do with a callback invoked after every retryable failure.
func DoNotify(ctx context.Context, p Policy, fn func(context.Context) error, notify NotifyFunc) error {
	if err := p.Validate(); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.IsRetryable(err) {
			return err
		}

		// Don't wait after the last attempt
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.Delay(attempt)
		if notify != nil {
			notify(attempt, delay, err)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", p.MaxAttempts, lastErr)
}
