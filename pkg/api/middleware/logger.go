// Package middleware provides the HTTP middleware chain of the API server.
package middleware

import (
	"net/http"
	"time"

	"github.com/goclaw/mnemos/pkg/logger"
)

// statusRecorder captures the status code and body size of a response.
// Only the first WriteHeader counts.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
	size       int
	written    bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *statusRecorder) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	rw.written = true
	n, err := rw.ResponseWriter.Write(b)
	rw.size += n
	return n, err
}

func (rw *statusRecorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// Logger logs one line per request. Server errors log at error level,
// client errors at warn.
func Logger(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r)

			args := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.statusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"size", rec.size,
				"remote_addr", r.RemoteAddr,
			}
			ctx := r.Context()
			switch {
			case rec.statusCode >= http.StatusInternalServerError:
				log.ErrorContext(ctx, "http request", args...)
			case rec.statusCode >= http.StatusBadRequest:
				log.WarnContext(ctx, "http request", args...)
			default:
				log.InfoContext(ctx, "http request", args...)
			}
		})
	}
}
