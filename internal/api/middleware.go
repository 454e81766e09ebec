package api

import (
	"context"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"ltmc/internal/logging"
)

// requestIDHeader is honored when the caller already carries a trace
// id; otherwise one is generated per request.
const requestIDHeader = "X-Request-ID"

// requestLogger tags every request with a trace id, propagates it
// through the context for downstream log lines, and logs one summary
// line per request. Health probes stay out of the log.
func requestLogger(log *logging.Logger) func(http.Handler) http.Handler {
	log = log.WithComponent("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if id := r.Header.Get(requestIDHeader); id != "" {
				ctx = context.WithValue(ctx, logging.TraceIDKey, id)
			}
			ctx, traceID := logging.WithTraceIDContext(ctx)
			w.Header().Set(requestIDHeader, traceID)

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			if isHealthPath(r.URL.Path) {
				return
			}
			log.Info("request served",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"trace_id", traceID)
		})
	}
}

func isHealthPath(path string) bool {
	return path == "/health" || path == "/api/v1/health"
}
