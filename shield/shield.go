// Package shield provides the HTTP middleware of the read-only status API:
// response headers for JSON endpoints, HEAD support for uptime checks, a
// request ID with a per-request logger, and panic recovery.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.Stack(logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// Stack returns the middleware chain in order: Recover, HeadToGet (for
// /healthz only), SecurityHeaders, RequestID.
func Stack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		Recover(logger),
		HeadToGet("/healthz"),
		SecurityHeaders(DefaultHeaders()),
		RequestID(logger),
	}
}
