package middleware

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// MetricsRecorder receives one observation per API request.
type MetricsRecorder interface {
	RecordHTTPRequest(ctx context.Context, method, path, status string, duration time.Duration)
	IncActiveConnections()
	DecActiveConnections()
}

// Metrics records request counts, latency and in-flight requests. The
// metrics endpoint itself is not recorded.
func Metrics(recorder MetricsRecorder, metricsPath string) func(http.Handler) http.Handler {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasPrefix(r.URL.Path, metricsPath) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			recorder.IncActiveConnections()
			defer recorder.DecActiveConnections()

			rec := newStatusRecorder(w)
			record := func() {
				recorder.RecordHTTPRequest(r.Context(), r.Method, normalizePath(r.URL.Path),
					strconv.Itoa(rec.statusCode), time.Since(start))
			}

			defer func() {
				if p := recover(); p != nil {
					rec.statusCode = http.StatusInternalServerError
					record()
					panic(p)
				}
			}()

			next.ServeHTTP(rec, r)
			record()
		})
	}
}

// normalizePath replaces numeric and UUID path segments with ":id" to keep
// label cardinality bounded.
func normalizePath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = ":id"
			continue
		}
		if _, err := strconv.ParseInt(part, 10, 64); err == nil {
			parts[i] = ":id"
		}
	}
	return strings.Join(parts, "/")
}
