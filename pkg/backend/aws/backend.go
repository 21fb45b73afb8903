package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/3leaps/skyrun/pkg/backend"
)

// Backend wraps one EC2 configuration and its Compute.
type Backend struct {
	name    string
	compute *Compute
}

// Ensure Backend implements the interface.
var _ backend.Backend = (*Backend)(nil)

// New constructs the backend and verifies its credentials with a cheap read
// of owned instances. Auth failures surface as ErrInvalidCredentials;
// transient errors propagate unchanged so callers can retry.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	compute, err := NewCompute(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b := &Backend{name: cfg.Name, compute: compute}
	if b.name == "" {
		b.name = string(backend.TypeAWS)
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
	return backend.TypeAWS
}

// Compute returns the provisioning capability.
func (b *Backend) Compute() backend.Compute {
	return b.compute
}

// checkCredentials lists owned instances in the primary region.
func (b *Backend) checkCredentials(ctx context.Context) error {
	client := b.compute.clients[b.compute.cfg.Region]
	_, err := client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		MaxResults: aws.Int32(5),
		Filters: []ec2types.Filter{
			{Name: aws.String("tag-key"), Values: []string{"skyrun:job-id"}},
		},
	})
	if err != nil {
		wrapped := b.compute.wrapError("CheckCredentials", b.compute.cfg.Region, "", err)
		if backend.IsInvalidCredentials(wrapped) {
			return &backend.Error{Op: "New", Backend: backend.TypeAWS,
				Err: fmt.Errorf("%w: credential probe rejected", backend.ErrInvalidCredentials)}
		}
		return wrapped
	}
	return nil
}
