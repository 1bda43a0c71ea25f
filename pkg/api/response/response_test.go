package response

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goclaw/mnemos/pkg/memory"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

func TestJSON_WritesBody(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, memory.Statistics{Total: 4, AvgImportance: 0.5, VectorEntries: 3})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	var got memory.Statistics
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, 4, got.Total)
	assert.Equal(t, 3, got.VectorEntries)
}

func TestJSON_NilDataWritesHeadersOnly(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusNoContent, nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestJSON_UnencodableValue(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusOK, map[string]any{"ch": make(chan int)})

	assert.Equal(t, http.StatusOK, w.Code, "the status is committed before encoding")
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, "k must be positive", "req-1")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	got := decodeError(t, w)
	assert.Equal(t, ErrorDetail{Code: ErrCodeBadRequest, Message: "k must be positive", RequestID: "req-1"}, got)
}

func TestErrorWithDetails(t *testing.T) {
	w := httptest.NewRecorder()
	ErrorWithDetails(w, http.StatusBadRequest, ErrCodeValidationFailed, "bad k",
		map[string]any{"param": "k"}, "req-2")

	got := decodeError(t, w)
	assert.Equal(t, ErrCodeValidationFailed, got.Code)
	assert.Equal(t, "k", got.Details["param"])
}

func TestHTTPStatusFromError(t *testing.T) {
	tests := map[string]struct {
		err  error
		want int
	}{
		"not found":            {memory.ErrNotFound, http.StatusNotFound},
		"wrapped not found":    {&memory.OpError{Op: "get", ID: 3, Kind: memory.ErrNotFound}, http.StatusNotFound},
		"invalid input":        {fmt.Errorf("k: %w", ErrInvalidInput), http.StatusBadRequest},
		"validation":           {memory.ErrValidation, http.StatusBadRequest},
		"deadline":             {context.DeadlineExceeded, http.StatusGatewayTimeout},
		"closed":               {memory.ErrClosed, http.StatusServiceUnavailable},
		"index unavailable":    {memory.ErrIndexUnavailable, http.StatusServiceUnavailable},
		"provider unavailable": {memory.ErrProviderUnavailable, http.StatusServiceUnavailable},
		"unknown":              {errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatusFromError(tt.err))
		})
	}
}

func TestErrorCodeFromStatus(t *testing.T) {
	assert.Equal(t, ErrCodeBadRequest, ErrorCodeFromStatus(http.StatusBadRequest))
	assert.Equal(t, ErrCodeNotFound, ErrorCodeFromStatus(http.StatusNotFound))
	assert.Equal(t, ErrCodeMethodNotAllowed, ErrorCodeFromStatus(http.StatusMethodNotAllowed))
	assert.Equal(t, ErrCodeServiceUnavailable, ErrorCodeFromStatus(http.StatusServiceUnavailable))
	assert.Equal(t, ErrCodeGatewayTimeout, ErrorCodeFromStatus(http.StatusGatewayTimeout))
	assert.Equal(t, ErrCodeInternalServer, ErrorCodeFromStatus(999))
}

func TestHandleError(t *testing.T) {
	w := httptest.NewRecorder()
	HandleError(w, &memory.OpError{Op: "get", ID: 9, Kind: memory.ErrNotFound}, "req-9")

	assert.Equal(t, http.StatusNotFound, w.Code)
	got := decodeError(t, w)
	assert.Equal(t, ErrCodeNotFound, got.Code)
	assert.Equal(t, "req-9", got.RequestID)
}
