package backend

import (
	"errors"
	"fmt"
)

// Sentinel errors for backend operations.
var (
	// ErrInvalidCredentials indicates the credential probe failed with an
	// authentication or authorization error. Never retried.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrNoCapacity indicates no offering satisfies the requirements.
	ErrNoCapacity = errors.New("no instance type satisfies requirements")

	// ErrProvisioning indicates the provider rejected a launch request
	// (quota, invalid parameters). Not retried by the Compute itself.
	ErrProvisioning = errors.New("provisioning rejected")

	// ErrNotFound indicates the provider no longer knows the resource.
	ErrNotFound = errors.New("request not found")

	// ErrThrottled indicates the request was rate limited by the provider.
	ErrThrottled = errors.New("request throttled")

	// ErrBackendUnavailable indicates the provider service is unavailable.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendNotConfigured indicates no backend is registered under the
	// requested name.
	ErrBackendNotConfigured = errors.New("backend not configured")
)

// Error wraps backend-specific failures with context.
type Error struct {
	// Op is the operation that failed (e.g., "RunInstance").
	Op string

	// Backend is the backend type (e.g., "aws").
	Backend Type

	// Region is the region the call targeted, if applicable.
	Region string

	// RequestID is the provisioning request id, if applicable.
	RequestID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.RequestID != "" && e.Region != "":
		return fmt.Sprintf("%s %s: %s/%s: %v", e.Backend, e.Op, e.Region, e.RequestID, e.Err)
	case e.RequestID != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.RequestID, e.Err)
	case e.Region != "":
		return fmt.Sprintf("%s %s: %s: %v", e.Backend, e.Op, e.Region, e.Err)
	default:
		return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
	}
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsInvalidCredentials returns true if the error indicates authentication failed.
func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}

// IsNoCapacity returns true if the error indicates no matching offering.
func IsNoCapacity(err error) bool {
	return errors.Is(err, ErrNoCapacity)
}

// IsProvisioning returns true if the error indicates a rejected launch.
func IsProvisioning(err error) bool {
	return errors.Is(err, ErrProvisioning)
}

// IsNotFound returns true if the error indicates an unknown resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsThrottled returns true if the error indicates provider rate limiting.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}
