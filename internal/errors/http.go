// Package errors maps solver errors onto HTTP and JSON-RPC responses and
// provides the recovery middleware of the HTTP server.
package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/copyleftdev/robopt/internal/optimization"
)

// ErrNotFound reports an unknown run or job.
var ErrNotFound = stderrors.New("not found")

// ErrConflict reports an operation that the current job state forbids.
var ErrConflict = stderrors.New("conflict")

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
	CodeNotFound       = -32004
	CodeConflict       = -32009
)

// HTTPStatus returns the status code a handler should answer with for err.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case stderrors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, ErrConflict):
		return http.StatusConflict
	case stderrors.Is(err, optimization.ErrInvalidArgument),
		stderrors.Is(err, optimization.ErrDimensionMismatch),
		stderrors.Is(err, optimization.ErrUnsupportedDistribution):
		return http.StatusBadRequest
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// RPCCode returns the JSON-RPC error code for err.
func RPCCode(err error) int {
	switch HTTPStatus(err) {
	case http.StatusBadRequest:
		return CodeInvalidParams
	case http.StatusNotFound:
		return CodeNotFound
	case http.StatusConflict:
		return CodeConflict
	default:
		return CodeServerError
	}
}

// WriteJSON writes {"error": err} with the status HTTPStatus picks.
func WriteJSON(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err))
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
