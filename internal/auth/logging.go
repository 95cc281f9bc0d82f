// logging.go -- Request-scoped logging helpers.
//
// Every auth log line carries the peer address, method, path and, once
// middleware has run, the correlation id and authenticated user id.
package auth

import (
	"log/slog"
	"net/http"
)

// reqAttrs returns the request-scoped attributes attached to every auth log line.
func reqAttrs(r *http.Request) []any {
	attrs := []any{
		"peer", remoteHost(r.RemoteAddr),
		"user_agent", r.UserAgent(),
		"method", r.Method,
		"path", r.URL.Path,
	}
	if id, ok := CorrelationIDFromContext(r.Context()); ok {
		attrs = append(attrs, "correlation_id", id)
	}
	if id, ok := UserIDFromContext(r.Context()); ok {
		attrs = append(attrs, "user_id", id)
	}
	return attrs
}

// logAt logs through the default logger with the request's context,
// so cancellation-aware handlers see it.
func logAt(r *http.Request, level slog.Level, msg string, args []any) {
	ctx := r.Context()
	if !slog.Default().Enabled(ctx, level) {
		return
	}
	slog.Default().Log(ctx, level, msg, append(reqAttrs(r), args...)...)
}

func logInfo(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelInfo, msg, args) }

func logWarn(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelWarn, msg, args) }

// logError is for failures the operator must see; the client gets a generic 500.
func logError(r *http.Request, msg string, args ...any) { logAt(r, slog.LevelError, msg, args) }
