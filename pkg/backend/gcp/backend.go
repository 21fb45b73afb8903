package gcp

import (
	"context"
	"fmt"

	"github.com/3leaps/skyrun/pkg/backend"
)

// Backend wraps one GCE configuration and its Compute.
type Backend struct {
	name    string
	compute *Compute
}

// Ensure Backend implements the interface.
var _ backend.Backend = (*Backend)(nil)

// New constructs the backend and verifies its credentials with a cheap list
// of owned instances. Auth failures surface as ErrInvalidCredentials;
// transient errors propagate unchanged so callers can retry.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	compute, err := NewCompute(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b := &Backend{name: cfg.Name, compute: compute}
	if b.name == "" {
		b.name = string(backend.TypeGCP)
	}
	if err := b.checkCredentials(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

// Name returns the configured backend name.
func (b *Backend) Name() string {
	return b.name
}

// Type identifies the cloud behind this backend.
func (b *Backend) Type() backend.Type {
	return backend.TypeGCP
}

// Compute returns the provisioning capability.
func (b *Backend) Compute() backend.Compute {
	return b.compute
}

// checkCredentials lists instances in the configured zone.
func (b *Backend) checkCredentials(ctx context.Context) error {
	cfg := b.compute.cfg
	_, err := b.compute.svc.Instances.List(cfg.ProjectID, cfg.Zone).
		MaxResults(5).
		Filter(`labels.skyrun-job-id:*`).
		Context(ctx).
		Do()
	if err != nil {
		wrapped := b.compute.wrapError("CheckCredentials", "", err)
		if backend.IsInvalidCredentials(wrapped) {
			return &backend.Error{Op: "New", Backend: backend.TypeGCP,
				Err: fmt.Errorf("%w: credential probe rejected", backend.ErrInvalidCredentials)}
		}
		return wrapped
	}
	return nil
}
