// Package handlers implements the HTTP endpoints of the mnemos API.
package handlers

import (
	"net/http"

	"github.com/goclaw/mnemos/pkg/api/middleware"
)

func requestID(r *http.Request) string {
	if id := middleware.GetRequestID(r.Context()); id != "" {
		return id
	}
	return "unknown"
}
