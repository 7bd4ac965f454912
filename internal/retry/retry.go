package retry

import (
	"context"
	"time"

	"github.com/example/technician-matching/internal/errs"
)

// Do calls fn up to attempts times, doubling delay between tries.
// Permanent errors (see errs.IsPermanent) and context cancellation end the loop early.
// onRetry, when non-nil, is called before every backoff sleep.
func Do(ctx context.Context, attempts int, delay time.Duration, onRetry func(attempt int, err error), fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if errs.IsPermanent(err) || ctx.Err() != nil || i == attempts-1 {
			return err
		}
		if onRetry != nil {
			onRetry(i+1, err)
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
	return err
}
