// Package alerterr defines the failure taxonomy shared by the cycle and its
// components. Each type names the stage that failed and wraps its cause, so
// callers branch with errors.As and log the fields.
package alerterr

import (
	"errors"
	"fmt"
	"strings"
)

// FeedReadError means the aircraft snapshot was missing or corrupt. The
// cycle aborts and the next one retries.
type FeedReadError struct {
	Path  string
	Stage string // "read", "decode"
	Cause error
}

func (e *FeedReadError) Error() string {
	return fmt.Sprintf("feed %s %s: %v", e.Stage, e.Path, e.Cause)
}

func (e *FeedReadError) Unwrap() error { return e.Cause }

// WatchlistFetchError means a list could not be downloaded or parsed. The
// previous index stays in use.
type WatchlistFetchError struct {
	List  string
	Stage string // "fetch", "open", "parse"
	Cause error
}

func (e *WatchlistFetchError) Error() string {
	return fmt.Sprintf("watchlist %s %s: %v", e.List, e.Stage, e.Cause)
}

func (e *WatchlistFetchError) Unwrap() error { return e.Cause }

// RecipientFailure is one recipient whose text delivery failed.
type RecipientFailure struct {
	Recipient string
	Cause     error
}

// DeliveryError means at least one recipient did not receive the text
// alert. The notification is not marked sent for those recipients.
type DeliveryError struct {
	Hex    string
	Stage  string // "send", "render"
	Failed []RecipientFailure
}

func (e *DeliveryError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Recipient, f.Cause))
	}
	return fmt.Sprintf("deliver %s %s: %d recipient(s) failed: %s",
		e.Hex, e.Stage, len(e.Failed), strings.Join(parts, "; "))
}

// Unwrap exposes every recipient cause to errors.Is / errors.As.
func (e *DeliveryError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		out = append(out, f.Cause)
	}
	return out
}

// Recipients returns the failed recipient IDs.
func (e *DeliveryError) Recipients() []string {
	out := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		out = append(out, f.Recipient)
	}
	return out
}

// PersistenceError means the track store could not be read or written.
// It is fatal for the cycle.
type PersistenceError struct {
	Hex   string
	Stage string // "get", "put", "list", "open"
	Cause error
}

func (e *PersistenceError) Error() string {
	if e.Hex == "" {
		return fmt.Sprintf("persistence %s: %v", e.Stage, e.Cause)
	}
	return fmt.Sprintf("persistence %s %s: %v", e.Stage, e.Hex, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }

// IsPersistence reports whether err carries a *PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
