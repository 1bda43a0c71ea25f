package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/goclaw/mnemos/pkg/api/response"
	"github.com/goclaw/mnemos/pkg/logger"
)

// Recovery turns a handler panic into a 500 response. The panic value is
// logged with its stack but never sent to the client.
func Recovery(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				log.ErrorContext(r.Context(), "panic recovered",
					"panic", rec,
					"method", r.Method,
					"path", r.URL.Path,
					"stack", string(debug.Stack()),
				)
				response.Error(w, http.StatusInternalServerError,
					response.ErrCodeInternalServer, "internal server error", GetRequestID(r.Context()))
			}()
			next.ServeHTTP(w, r)
		})
	}
}
