// Package connectivity guards outbound calls to messaging endpoints with a
// per-endpoint circuit breaker and bounded retry with exponential backoff.
//
//	cb := connectivity.NewCircuitBreaker()
//	err := connectivity.Retry(ctx, connectivity.Policy{MaxRetries: 2}, logger, func(ctx context.Context) error {
//		return cb.Do(ctx, "telegram", send)
//	})
package connectivity

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned when the circuit breaker for an endpoint is
// open, rejecting the call without attempting it.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// permanentError marks an error that retrying cannot fix (HTTP 4xx,
// malformed payload).
type permanentError struct {
	cause error
}

func (e *permanentError) Error() string { return e.cause.Error() }
func (e *permanentError) Unwrap() error { return e.cause }

// Permanent wraps err so Retry returns it immediately. Nil stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{cause: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
