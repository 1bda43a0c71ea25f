package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout bounds the request context. Engine calls observe the deadline
// and the handlers map context.DeadlineExceeded to 504. A non-positive
// timeout disables the middleware.
func Timeout(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if timeout <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
