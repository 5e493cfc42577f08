package backend

import (
	"context"
	"time"
)

const (
	minBackoff = 100 * time.Millisecond
	maxBackoff = 5 * time.Second

	// DefaultTransientAttempts bounds retries of substrate calls
	// (submission channel lost, scheduler unreachable) before the error
	// surfaces as a task failure.
	DefaultTransientAttempts = 5
)

// Retry runs fn up to attempts times with exponential backoff, returning
// the last error. A cancelled context stops the wait early.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	backoff := minBackoff
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return err
}
