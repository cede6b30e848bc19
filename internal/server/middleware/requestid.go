package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"gantry/internal/logger"

	"github.com/google/uuid"
)

// RequestID tags every request with a correlation ID, echoes it in the
// X-Request-ID response header, and writes one access log line with the ID
// attached. A caller-supplied X-Request-ID is kept so IDs survive proxies.
func RequestID(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}

			ctx := logger.WithRequestID(r.Context(), id)
			w.Header().Set("X-Request-ID", id)

			start := time.Now()
			next.ServeHTTP(w, r.WithContext(ctx))

			logger.FromContext(ctx, log).Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"duration_ms", time.Since(start).Milliseconds())
		})
	}
}
