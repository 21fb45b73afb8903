// Package middleware holds the HTTP middleware the server mounts globally.
package middleware

import (
	"fmt"
	"net/http"

	apperrors "github.com/3leaps/skyrun/internal/errors"
)

// ErrorResponse is the envelope panics and routing errors are reported in.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery converts handler panics into 500 responses with the standard
// error envelope, keeping one bad request from taking the daemon down.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				apperrors.Write(w, http.StatusInternalServerError,
					apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// NotFound is the router-level handler for unknown paths.
func NotFound(w http.ResponseWriter, r *http.Request) {
	apperrors.Write(w, http.StatusNotFound, apperrors.CodeNotFound,
		"no route for "+r.URL.Path)
}

// MethodNotAllowed is the router-level handler for known paths with the
// wrong method.
func MethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	apperrors.Write(w, http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed,
		r.Method+" not allowed for "+r.URL.Path)
}
