package server

import (
	"log/slog"
	"net/http"

	"reelhouse/internal/observability/logging"
)

// loggingWithRequest returns the request-scoped logger, falling back to base,
// annotated with the path and resolved client IP.
func loggingWithRequest(base *slog.Logger, ip string, r *http.Request) *slog.Logger {
	logger := logging.LoggerFromContext(r.Context())
	if logger == nil {
		logger = logging.WithContext(r.Context(), base)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("path", r.URL.Path, "remote_ip", ip)
}
