package aws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/3leaps/skyrun/pkg/backend"
)

// Compute implements backend.Compute for Amazon EC2.
//
// Request ids are "region:instance-id" so head/terminate/cancel calls reach
// the regional client that launched the instance.
type Compute struct {
	cfg     Config
	clients map[string]*ec2.Client
}

// Ensure Compute implements the interface.
var _ backend.Compute = (*Compute)(nil)

// NewCompute builds per-region EC2 clients for the primary and extra regions.
func NewCompute(ctx context.Context, cfg Config) (*Compute, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	clients := make(map[string]*ec2.Client, len(cfg.regions()))
	for _, region := range cfg.regions() {
		awsCfg, err := loadAWSConfig(ctx, cfg, region)
		if err != nil {
			return nil, &backend.Error{Op: "NewCompute", Backend: backend.TypeAWS, Region: region, Err: err}
		}
		clients[region] = ec2.NewFromConfig(awsCfg)
	}
	return &Compute{cfg: cfg, clients: clients}, nil
}

func loadAWSConfig(ctx context.Context, cfg Config, region string) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		staticCreds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"", // session token (empty for long-term credentials)
		)
		opts = append(opts, awsconfig.WithCredentialsProvider(staticCreds))
	}
	return awsconfig.LoadDefaultConfig(ctx, opts...)
}

// GetInstanceType returns the cheapest catalog entry satisfying the
// requirements. Pure catalog lookup, no provider calls.
func (c *Compute) GetInstanceType(_ context.Context, req backend.Requirements) (*backend.InstanceType, error) {
	match := backend.CheapestMatch(catalog, req)
	if match == nil {
		return nil, &backend.Error{Op: "GetInstanceType", Backend: backend.TypeAWS, Err: backend.ErrNoCapacity}
	}
	return match, nil
}

// RunInstance launches an instance, fanning out across the configured
// regions until one accepts the request. First successful launch wins.
func (c *Compute) RunInstance(ctx context.Context, job backend.Job, instanceType backend.InstanceType) (string, error) {
	var lastErr error
	for _, region := range c.cfg.regions() {
		instanceID, err := c.runInRegion(ctx, region, job, instanceType)
		if err == nil {
			return region + ":" + instanceID, nil
		}
		lastErr = err
		// Capacity and quota rejections are worth retrying in the next
		// region; auth and parameter errors will fail everywhere.
		if backend.IsInvalidCredentials(err) {
			return "", err
		}
	}
	return "", lastErr
}

func (c *Compute) runInRegion(ctx context.Context, region string, job backend.Job, instanceType backend.InstanceType) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(c.cfg.ImageID),
		InstanceType: ec2types.InstanceType(instanceType.Name),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(userData(job)))),
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String("skyrun-" + job.RunName)},
					{Key: aws.String("skyrun:job-id"), Value: aws.String(job.ID)},
					{Key: aws.String("skyrun:runner-id"), Value: aws.String(job.RunnerID)},
				},
			},
		},
	}
	if region == c.cfg.Region && c.cfg.SubnetID != "" {
		input.SubnetId = aws.String(c.cfg.SubnetID)
	}
	if job.Requirements.Spot {
		input.InstanceMarketOptions = &ec2types.InstanceMarketOptionsRequest{
			MarketType: ec2types.MarketTypeSpot,
			SpotOptions: &ec2types.SpotMarketOptions{
				SpotInstanceType:             ec2types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: ec2types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}

	out, err := c.clients[region].RunInstances(ctx, input)
	if err != nil {
		return "", c.wrapError("RunInstance", region, "", err)
	}
	if len(out.Instances) == 0 {
		return "", &backend.Error{Op: "RunInstance", Backend: backend.TypeAWS, Region: region,
			Err: fmt.Errorf("%w: no instance in reservation", backend.ErrProvisioning)}
	}
	return aws.ToString(out.Instances[0].InstanceId), nil
}

// GetRequestHead probes the instance behind a request id. Idempotent and
// cheap; an unknown id reports a terminated, not-found head rather than an
// error so reclaimed spot instances surface as ordinary terminations.
func (c *Compute) GetRequestHead(ctx context.Context, _ backend.Job, requestID string) (*backend.RequestHead, error) {
	region, instanceID, err := c.splitRequestID(requestID)
	if err != nil {
		return nil, err
	}

	out, err := c.clients[region].DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		wrapped := c.wrapError("GetRequestHead", region, requestID, err)
		if backend.IsNotFound(wrapped) {
			return &backend.RequestHead{RequestID: requestID, Status: backend.RequestTerminated, Found: false}, nil
		}
		return nil, wrapped
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return &backend.RequestHead{RequestID: requestID, Status: backend.RequestTerminated, Found: false}, nil
	}

	instance := out.Reservations[0].Instances[0]
	head := &backend.RequestHead{RequestID: requestID, Found: true}
	switch instance.State.Name {
	case ec2types.InstanceStateNamePending:
		head.Status = backend.RequestPending
	case ec2types.InstanceStateNameRunning:
		head.Status = backend.RequestRunning
		head.Hostname = aws.ToString(instance.PublicIpAddress)
	default:
		head.Status = backend.RequestTerminated
	}
	return head, nil
}

// TerminateInstance terminates the instance behind a request id.
// Terminating an already-terminated or unknown instance is not an error.
func (c *Compute) TerminateInstance(ctx context.Context, requestID string) error {
	region, instanceID, err := c.splitRequestID(requestID)
	if err != nil {
		return err
	}
	_, err = c.clients[region].TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		wrapped := c.wrapError("TerminateInstance", region, requestID, err)
		if backend.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

// CancelSpotRequest cancels the spot request tied to the instance, if any.
// On-demand instances have no spot request; that is a no-op, as is a request
// the provider already reclaimed.
func (c *Compute) CancelSpotRequest(ctx context.Context, requestID string) error {
	region, instanceID, err := c.splitRequestID(requestID)
	if err != nil {
		return err
	}
	client := c.clients[region]

	out, err := client.DescribeSpotInstanceRequests(ctx, &ec2.DescribeSpotInstanceRequestsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("instance-id"), Values: []string{instanceID}},
		},
	})
	if err != nil {
		wrapped := c.wrapError("CancelSpotRequest", region, requestID, err)
		if backend.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	if len(out.SpotInstanceRequests) == 0 {
		return nil
	}

	ids := make([]string, 0, len(out.SpotInstanceRequests))
	for _, req := range out.SpotInstanceRequests {
		ids = append(ids, aws.ToString(req.SpotInstanceRequestId))
	}
	if _, err := client.CancelSpotInstanceRequests(ctx, &ec2.CancelSpotInstanceRequestsInput{
		SpotInstanceRequestIds: ids,
	}); err != nil {
		wrapped := c.wrapError("CancelSpotRequest", region, requestID, err)
		if backend.IsNotFound(wrapped) {
			return nil
		}
		return wrapped
	}
	return nil
}

// splitRequestID resolves "region:instance-id". A bare instance id targets
// the primary region.
func (c *Compute) splitRequestID(requestID string) (region, instanceID string, err error) {
	if requestID == "" {
		return "", "", &backend.Error{Op: "splitRequestID", Backend: backend.TypeAWS,
			Err: fmt.Errorf("%w: empty request id", backend.ErrNotFound)}
	}
	region = c.cfg.Region
	instanceID = requestID
	if idx := strings.IndexByte(requestID, ':'); idx >= 0 {
		region, instanceID = requestID[:idx], requestID[idx+1:]
	}
	if _, ok := c.clients[region]; !ok {
		return "", "", &backend.Error{Op: "splitRequestID", Backend: backend.TypeAWS, Region: region,
			RequestID: requestID, Err: fmt.Errorf("region not configured")}
	}
	return region, instanceID, nil
}

// userData renders the cloud-init script that installs the job's ssh key and
// hands the runner its identity.
func userData(job backend.Job) string {
	var sb strings.Builder
	sb.WriteString("#!/bin/sh\n")
	if job.SSHPublicKey != "" {
		sb.WriteString("mkdir -p /home/ubuntu/.ssh\n")
		sb.WriteString("echo '" + strings.TrimSpace(job.SSHPublicKey) + "' >> /home/ubuntu/.ssh/authorized_keys\n")
		sb.WriteString("chown -R ubuntu:ubuntu /home/ubuntu/.ssh\n")
		sb.WriteString("chmod 600 /home/ubuntu/.ssh/authorized_keys\n")
	}
	sb.WriteString("echo 'SKYRUN_RUNNER_ID=" + job.RunnerID + "' >> /etc/skyrun-runner.env\n")
	if job.RepoID != "" {
		sb.WriteString("echo 'SKYRUN_REPO_ID=" + job.RepoID + "' >> /etc/skyrun-runner.env\n")
	}
	return sb.String()
}

// wrapError converts EC2 errors to backend errors with appropriate sentinels.
func (c *Compute) wrapError(op, region, requestID string, err error) error {
	wrapped := &backend.Error{
		Op:        op,
		Backend:   backend.TypeAWS,
		Region:    region,
		RequestID: requestID,
		Err:       err,
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed",
			"InvalidSpotInstanceRequestID.NotFound":
			wrapped.Err = backend.ErrNotFound
		case "AuthFailure", "UnauthorizedOperation", "SignatureDoesNotMatch":
			wrapped.Err = backend.ErrInvalidCredentials
		case "InsufficientInstanceCapacity", "InstanceLimitExceeded",
			"MaxSpotInstanceCountExceeded", "VcpuLimitExceeded",
			"InvalidParameterValue", "Unsupported":
			wrapped.Err = fmt.Errorf("%w: %s", backend.ErrProvisioning, apiErr.ErrorMessage())
		case "RequestLimitExceeded", "Throttling":
			wrapped.Err = backend.ErrThrottled
		case "ServiceUnavailable", "InternalError":
			wrapped.Err = backend.ErrBackendUnavailable
		}
	}
	return wrapped
}
