// Package errors defines the JSON error envelope the HTTP API speaks.
package errors

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/3leaps/skyrun/pkg/backend"
	"github.com/3leaps/skyrun/pkg/runstore"
)

// Stable machine-readable error codes.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeBadRequest       = "BAD_REQUEST"
	CodeConflict         = "CONFLICT"
	CodeInternal         = "INTERNAL_ERROR"
	CodeBackend          = "BACKEND_ERROR"
)

// HTTPErrorResponse is the envelope for every non-2xx response.
type HTTPErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Write emits the envelope with the given status.
func Write(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(HTTPErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

// WriteError maps a domain error onto the envelope.
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		Write(w, http.StatusInternalServerError, CodeInternal, "nil error")
	case errors.Is(err, runstore.ErrJobNotFound), backend.IsNotFound(err):
		Write(w, http.StatusNotFound, CodeNotFound, err.Error())
	case backend.IsInvalidCredentials(err), backend.IsNoCapacity(err), backend.IsProvisioning(err):
		Write(w, http.StatusConflict, CodeBackend, err.Error())
	default:
		Write(w, http.StatusInternalServerError, CodeInternal, err.Error())
	}
}
