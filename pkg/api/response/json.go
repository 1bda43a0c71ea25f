// Package response writes the JSON bodies of the HTTP API.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/goclaw/mnemos/pkg/logger"
)

// JSON writes data as a JSON body with the given status code. A nil data
// writes headers only.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data == nil {
		return
	}
	// headers are gone at this point; the failure can only be logged
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("encode response body", "status", statusCode, "error", err)
	}
}

// Error writes an ErrorResponse.
func Error(w http.ResponseWriter, statusCode int, code, message, requestID string) {
	ErrorWithDetails(w, statusCode, code, message, nil, requestID)
}

// ErrorWithDetails writes an ErrorResponse carrying structured details.
func ErrorWithDetails(w http.ResponseWriter, statusCode int, code, message string, details map[string]any, requestID string) {
	JSON(w, statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
	})
}
