package errors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/robopt/internal/logging"
	"github.com/copyleftdev/robopt/internal/optimization"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   int
	}{
		{nil, http.StatusOK, CodeServerError},
		{fmt.Errorf("run r1: %w", ErrNotFound), http.StatusNotFound, CodeNotFound},
		{fmt.Errorf("run r1 finished: %w", ErrConflict), http.StatusConflict, CodeConflict},
		{optimization.WrapErrorf(optimization.ErrInvalidArgument, "level must lie in [0, 1]"), http.StatusBadRequest, CodeInvalidParams},
		{fmt.Errorf("bounds: %w", optimization.ErrDimensionMismatch), http.StatusBadRequest, CodeInvalidParams},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, CodeServerError},
		{optimization.ErrNoFeasibleStart, http.StatusInternalServerError, CodeServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, HTTPStatus(tt.err), "%v", tt.err)
		if tt.err != nil {
			assert.Equal(t, tt.code, RPCCode(tt.err), "%v", tt.err)
		}
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.DebugLevel, &buf)

	h := RecoveryMiddleware(logger)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("solver exploded")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/optimize", nil))

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
	assert.Contains(t, body["error"], "solver exploded")
	assert.Contains(t, buf.String(), "Recovered from panic")
}

func TestErrorHandlerLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.DebugLevel, &buf)

	h := ErrorHandler(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			WriteJSON(w, ErrNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Empty(t, buf.String())

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, buf.String(), "Request error")
}
