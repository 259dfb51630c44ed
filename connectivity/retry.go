package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy bounds a retried call.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt (0 = none).
	MaxRetries int
	// Backoff is the wait before the first retry, doubled for each further one.
	Backoff time.Duration
	// Timeout bounds each attempt. Zero leaves the caller's deadline alone.
	Timeout time.Duration
}

// Retry calls fn until it succeeds, the retries are exhausted, the error is
// Permanent or a circuit is open, or ctx is done. The last error is returned.
func Retry(ctx context.Context, p Policy, logger *slog.Logger, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		err := attemptOnce(ctx, p.Timeout, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || IsPermanent(err) {
			return lastErr
		}
		var open *ErrCircuitOpen
		if errors.As(err, &open) {
			return lastErr
		}

		if attempt < p.MaxRetries {
			wait := p.Backoff * (1 << uint(attempt))
			if logger != nil {
				logger.WarnContext(ctx, "connectivity: retrying call",
					"attempt", attempt+1,
					"max_retries", p.MaxRetries,
					"backoff_ms", wait.Milliseconds(),
					"error", err)
			}
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(wait):
			}
		}
	}
	return lastErr
}

func attemptOnce(ctx context.Context, timeout time.Duration, fn func(context.Context) error) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}
