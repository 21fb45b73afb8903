package gcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	compute "google.golang.org/api/compute/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/3leaps/skyrun/pkg/backend"
)

// Compute implements backend.Compute for Google Compute Engine.
//
// GCE addresses instances by name, so the instance name doubles as the
// request id. Spot capacity uses the SPOT provisioning model with
// instance deletion on reclaim; there is no separate spot request object,
// so cancelling a spot request deletes the instance.
type Compute struct {
	cfg Config
	svc *compute.Service
}

// Ensure Compute implements the interface.
var _ backend.Compute = (*Compute)(nil)

// NewCompute builds the GCE API client.
func NewCompute(ctx context.Context, cfg Config) (*Compute, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	svc, err := compute.NewService(ctx, opts...)
	if err != nil {
		return nil, &backend.Error{Op: "NewCompute", Backend: backend.TypeGCP, Err: err}
	}
	return &Compute{cfg: cfg, svc: svc}, nil
}

// GetInstanceType returns the cheapest catalog entry satisfying the
// requirements. Pure catalog lookup, no provider calls.
func (c *Compute) GetInstanceType(_ context.Context, req backend.Requirements) (*backend.InstanceType, error) {
	match := backend.CheapestMatch(catalog, req)
	if match == nil {
		return nil, &backend.Error{Op: "GetInstanceType", Backend: backend.TypeGCP, Err: backend.ErrNoCapacity}
	}
	return match, nil
}

// RunInstance inserts the instance and returns its name as the request id.
// The insert operation is not awaited; GetRequestHead observes progress.
func (c *Compute) RunInstance(ctx context.Context, job backend.Job, instanceType backend.InstanceType) (string, error) {
	name := instanceName(job)

	network := c.cfg.Network
	if network == "" {
		network = "global/networks/default"
	}
	networkInterface := &compute.NetworkInterface{
		Network: network,
		AccessConfigs: []*compute.AccessConfig{
			{Type: "ONE_TO_ONE_NAT", Name: "External NAT"},
		},
	}
	if c.cfg.Subnetwork != "" {
		networkInterface.Subnetwork = c.cfg.Subnetwork
	}

	diskSize := c.cfg.BootDiskSizeGB
	if diskSize <= 0 {
		diskSize = 50
	}

	instance := &compute.Instance{
		Name:        name,
		MachineType: fmt.Sprintf("zones/%s/machineTypes/%s", c.cfg.Zone, instanceType.Name),
		Disks: []*compute.AttachedDisk{
			{
				Boot:       true,
				AutoDelete: true,
				InitializeParams: &compute.AttachedDiskInitializeParams{
					SourceImage: c.cfg.Image,
					DiskSizeGb:  diskSize,
					DiskType:    fmt.Sprintf("zones/%s/diskTypes/pd-balanced", c.cfg.Zone),
				},
			},
		},
		NetworkInterfaces: []*compute.NetworkInterface{networkInterface},
		Labels: map[string]string{
			"skyrun-job-id":    strings.ToLower(job.ID),
			"skyrun-runner-id": strings.ToLower(job.RunnerID),
		},
	}
	if job.SSHPublicKey != "" {
		sshKeys := "ubuntu:" + strings.TrimSpace(job.SSHPublicKey)
		instance.Metadata = &compute.Metadata{
			Items: []*compute.MetadataItems{
				{Key: "ssh-keys", Value: &sshKeys},
			},
		}
	}
	if job.Requirements.Spot {
		instance.Scheduling = &compute.Scheduling{
			ProvisioningModel:         "SPOT",
			InstanceTerminationAction: "DELETE",
		}
	}

	if _, err := c.svc.Instances.Insert(c.cfg.ProjectID, c.cfg.Zone, instance).Context(ctx).Do(); err != nil {
		return "", c.wrapError("RunInstance", name, err)
	}
	return name, nil
}

// GetRequestHead probes the instance by name. An unknown name reports a
// terminated, not-found head so reclaimed spot instances surface as
// ordinary terminations.
func (c *Compute) GetRequestHead(ctx context.Context, _ backend.Job, requestID string) (*backend.RequestHead, error) {
	instance, err := c.svc.Instances.Get(c.cfg.ProjectID, c.cfg.Zone, requestID).Context(ctx).Do()
	if err != nil {
		wrapped := c.wrapError("GetRequestHead", requestID, err)
		if backend.IsNotFound(wrapped) {
			return &backend.RequestHead{RequestID: requestID, Status: backend.RequestTerminated, Found: false}, nil
		}
		return nil, wrapped
	}

	head := &backend.RequestHead{RequestID: requestID, Found: true}
	switch instance.Status {
	case "PROVISIONING", "STAGING":
		head.Status = backend.RequestPending
	case "RUNNING":
		head.Status = backend.RequestRunning
		head.Hostname = externalIP(instance)
	default:
		head.Status = backend.RequestTerminated
	}
	return head, nil
}

// TerminateInstance deletes the instance. Deleting an unknown instance is
// not an error.
func (c *Compute) TerminateInstance(ctx context.Context, requestID string) error {
	_, err := c.svc.Instances.Delete(c.cfg.ProjectID, c.cfg.Zone, requestID).Context(ctx).Do()
	if err != nil {
		wrapped := c.wrapError("TerminateInstance", requestID, err)
		if backend.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

// CancelSpotRequest deletes the instance: GCE spot capacity has no separate
// request object to cancel.
func (c *Compute) CancelSpotRequest(ctx context.Context, requestID string) error {
	return c.TerminateInstance(ctx, requestID)
}

func instanceName(job backend.Job) string {
	// GCE instance names must be RFC1035 labels.
	name := strings.ToLower("skyrun-" + job.RunName)
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return '-'
	}, name)
	if len(name) > 63 {
		name = name[:63]
	}
	return strings.Trim(name, "-")
}

func externalIP(instance *compute.Instance) string {
	for _, ni := range instance.NetworkInterfaces {
		for _, ac := range ni.AccessConfigs {
			if ac.NatIP != "" {
				return ac.NatIP
			}
		}
	}
	return ""
}

// wrapError converts GCE errors to backend errors with appropriate sentinels.
func (c *Compute) wrapError(op, requestID string, err error) error {
	wrapped := &backend.Error{
		Op:        op,
		Backend:   backend.TypeGCP,
		Region:    c.cfg.Zone,
		RequestID: requestID,
		Err:       err,
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401, 403:
			wrapped.Err = backend.ErrInvalidCredentials
		case 404:
			wrapped.Err = backend.ErrNotFound
		case 429:
			wrapped.Err = backend.ErrThrottled
		case 400, 409, 412:
			wrapped.Err = fmt.Errorf("%w: %s", backend.ErrProvisioning, apiErr.Message)
		case 500, 503:
			wrapped.Err = backend.ErrBackendUnavailable
		}
	}
	return wrapped
}
