package server

import (
	"context"
	"log/slog"
	"net/http"

	"fedistream/internal/observability/logging"
)

// loggingWithRequest returns a logger annotated with the request id from the
// context alongside the path, the resolved client address and where that
// address came from.
func loggingWithRequest(base *slog.Logger, resolver *clientIPResolver, r *http.Request) *slog.Logger {
	if base == nil || r == nil {
		return nil
	}

	logger := loggerWithRequestContext(r.Context(), base)
	ip, source := resolver.ClientIPFromRequest(r)
	return logger.With(
		"path", r.URL.Path,
		"remote_ip", ip,
		"ip_source", source,
	)
}

func loggerWithRequestContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctxLogger := logging.LoggerFromContext(ctx); ctxLogger != nil {
		return ctxLogger
	}
	return logging.WithContext(ctx, logger)
}
