// Package backend defines abstractions for cloud compute provisioning.
//
// Backends implement a minimal surface area focused on launching, observing,
// and terminating single instances. Authentication uses SDK default credential
// chains - backends should not implement custom auth logic.
package backend

import (
	"context"
)

// Compute abstracts single-instance provisioning for one cloud.
//
// Implementations should:
//   - Separate submit (RunInstance) from observe (GetRequestHead) so the
//     scheduler can apply a uniform polling policy across providers
//   - Be safe for concurrent use across jobs
//   - Treat terminate/cancel of unknown resources as a no-op
type Compute interface {
	// GetInstanceType returns the cheapest offering satisfying the
	// requirements, or ErrNoCapacity if nothing in the catalog matches.
	// Must not have side effects.
	GetInstanceType(ctx context.Context, req Requirements) (*InstanceType, error)

	// RunInstance issues a provisioning call and returns an opaque request
	// id immediately. It does not block until the instance is running.
	// Returns ErrProvisioning if the provider rejects the request.
	RunInstance(ctx context.Context, job Job, instanceType InstanceType) (string, error)

	// GetRequestHead is a non-blocking status probe for a provisioning
	// request. Idempotent and safe to call at high frequency.
	GetRequestHead(ctx context.Context, job Job, requestID string) (*RequestHead, error)

	// TerminateInstance terminates the instance behind a request id.
	// Best-effort and idempotent; unknown ids are not an error.
	TerminateInstance(ctx context.Context, requestID string) error

	// CancelSpotRequest cancels a spot request that has not materialized
	// into a running instance. Best-effort and idempotent.
	CancelSpotRequest(ctx context.Context, requestID string) error
}

// Backend wraps one validated provider configuration and exposes its Compute.
//
// Construction performs a credential probe (a cheap read of owned resources)
// and fails with ErrInvalidCredentials on auth failure. A Backend is otherwise
// stateless and safe to share across concurrent scheduler steps.
type Backend interface {
	// Name returns the configured backend name (registry key).
	Name() string

	// Type identifies the cloud behind this backend.
	Type() Type

	// Compute returns the provisioning capability for this backend.
	Compute() Compute
}

// Type identifies a cloud compute provider.
type Type string

const (
	// TypeAWS represents Amazon EC2.
	TypeAWS Type = "aws"

	// TypeGCP represents Google Compute Engine.
	TypeGCP Type = "gcp"
)

// String returns the string representation of the backend type.
func (t Type) String() string {
	return string(t)
}

// RequestStatus is the observed state of a provisioning request.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestRunning    RequestStatus = "running"
	RequestTerminated RequestStatus = "terminated"
)

// RequestHead is the non-blocking view of an in-flight provisioning request.
type RequestHead struct {
	// RequestID echoes the id the head was resolved for.
	RequestID string

	// Status is the current provider-side state of the request.
	Status RequestStatus

	// Hostname is the public address, set only when Status is RequestRunning.
	Hostname string

	// Found is false when the provider no longer knows the request id,
	// e.g. a reclaimed spot instance. Status is RequestTerminated then.
	Found bool
}

// Requirements are the resource and pricing constraints for one job.
type Requirements struct {
	CPU             int     `json:"cpu,omitempty" yaml:"cpu,omitempty"`
	MemoryMiB       int     `json:"memory_mib,omitempty" yaml:"memory_mib,omitempty"`
	GPU             int     `json:"gpu,omitempty" yaml:"gpu,omitempty"`
	Spot            bool    `json:"spot,omitempty" yaml:"spot,omitempty"`
	MaxPricePerHour float64 `json:"max_price_per_hour,omitempty" yaml:"max_price_per_hour,omitempty"`
}

// Resources is the shape of a selectable offering.
type Resources struct {
	CPU       int `json:"cpu"`
	MemoryMiB int `json:"memory_mib"`
	GPU       int `json:"gpu,omitempty"`
}

// InstanceType is an immutable description of a selectable offering.
// It has no lifecycle of its own and is recomputed per request.
type InstanceType struct {
	Name         string    `json:"name"`
	Resources    Resources `json:"resources"`
	PricePerHour float64   `json:"price_per_hour"`
	Spot         bool      `json:"spot,omitempty"`
}

// Job carries the launch parameters a Compute needs. It is a narrow view of
// the scheduler's job record; backends must not mutate it.
type Job struct {
	ID           string
	RunName      string
	RunnerID     string
	RepoID       string
	SSHPublicKey string
	Requirements Requirements
}

// Satisfies reports whether the offering covers the requirements.
// Pricing class must match: a spot requirement never selects on-demand
// capacity and vice versa.
func (t InstanceType) Satisfies(req Requirements) bool {
	if t.Resources.CPU < req.CPU {
		return false
	}
	if t.Resources.MemoryMiB < req.MemoryMiB {
		return false
	}
	if t.Resources.GPU < req.GPU {
		return false
	}
	if req.MaxPricePerHour > 0 && t.PricePerHour > req.MaxPricePerHour {
		return false
	}
	if t.Spot != req.Spot {
		return false
	}
	return true
}

// CheapestMatch returns the lowest-priced catalog entry satisfying the
// requirements, or nil when nothing matches. Catalogs are expected to be
// small static tables, so a linear scan is fine.
func CheapestMatch(catalog []InstanceType, req Requirements) *InstanceType {
	var best *InstanceType
	for i := range catalog {
		t := catalog[i]
		t.Spot = req.Spot
		if req.Spot {
			t.PricePerHour = t.PricePerHour * SpotPriceFactor
		}
		if !t.Satisfies(req) {
			continue
		}
		if best == nil || t.PricePerHour < best.PricePerHour {
			chosen := t
			best = &chosen
		}
	}
	return best
}

// SpotPriceFactor is the catalog-level discount applied to spot offerings.
// Providers publish dynamic spot pricing; the static catalog uses a fixed
// fraction of the on-demand rate for ordering purposes only.
const SpotPriceFactor = 0.35
