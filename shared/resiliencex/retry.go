package resiliencex

import (
	"context"
	"time"
)

// RetryLinear calls fn up to attempts times while retryable(err) holds, sleeping
// base*attempt between tries. The last error is returned unchanged.
func RetryLinear(ctx context.Context, attempts int, base time.Duration, retryable func(error) bool, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil || retryable == nil || !retryable(err) || attempt == attempts {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(base * time.Duration(attempt)):
		}
	}
	return err
}
