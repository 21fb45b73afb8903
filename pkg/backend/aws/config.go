// Package aws implements the backend interface for Amazon EC2.
package aws

import (
	"github.com/3leaps/skyrun/pkg/backend"
)

// Config configures an EC2 backend.
//
// Authentication priority (AWS SDK v2 default chain):
//  1. Explicit AccessKeyID/SecretAccessKey (if provided)
//  2. Environment variables (AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY)
//  3. Shared credentials file (~/.aws/credentials)
//  4. Shared config file (~/.aws/config) with profile
//  5. EC2 instance metadata / ECS task role / EKS IRSA
type Config struct {
	// Name is the registry key for this backend instance.
	Name string `mapstructure:"name"`

	// Region is the primary launch region (required).
	Region string `mapstructure:"region"`

	// ExtraRegions are tried in order when a launch is rejected in the
	// primary region. First successful launch wins.
	ExtraRegions []string `mapstructure:"extra_regions"`

	// ImageID is the AMI instances boot from (required).
	ImageID string `mapstructure:"image_id"`

	// SubnetID places instances in a specific subnet. Empty uses the
	// default VPC subnet for the availability zone EC2 picks.
	SubnetID string `mapstructure:"subnet_id"`

	// Profile is the AWS profile name to use from shared config.
	Profile string `mapstructure:"profile"`

	// AccessKeyID is an explicit access key. If set, SecretAccessKey must
	// also be set. Takes precedence over the default credential chain.
	AccessKeyID string `mapstructure:"access_key_id"`

	// SecretAccessKey is an explicit secret key. Required if AccessKeyID is set.
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Region == "" {
		return &ConfigError{Field: "Region", Message: "region is required"}
	}
	if c.ImageID == "" {
		return &ConfigError{Field: "ImageID", Message: "image id is required"}
	}
	if (c.AccessKeyID != "") != (c.SecretAccessKey != "") {
		return &ConfigError{
			Field:   "AccessKeyID/SecretAccessKey",
			Message: "both access key ID and secret access key must be provided together",
		}
	}
	return nil
}

// regions returns the launch fan-out order: primary first, then extras.
func (c *Config) regions() []string {
	return append([]string{c.Region}, c.ExtraRegions...)
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "aws config: " + e.Field + ": " + e.Message
}

// catalog is the static offering table GetInstanceType selects from.
// Prices are approximate us-east-1 on-demand USD rates used only for
// cheapest-first ordering; spot pricing applies backend.SpotPriceFactor.
var catalog = []backend.InstanceType{
	{Name: "t3.small", Resources: backend.Resources{CPU: 2, MemoryMiB: 2048}, PricePerHour: 0.0208},
	{Name: "t3.medium", Resources: backend.Resources{CPU: 2, MemoryMiB: 4096}, PricePerHour: 0.0416},
	{Name: "t3.large", Resources: backend.Resources{CPU: 2, MemoryMiB: 8192}, PricePerHour: 0.0832},
	{Name: "m5.xlarge", Resources: backend.Resources{CPU: 4, MemoryMiB: 16384}, PricePerHour: 0.192},
	{Name: "c5.2xlarge", Resources: backend.Resources{CPU: 8, MemoryMiB: 16384}, PricePerHour: 0.34},
	{Name: "m5.2xlarge", Resources: backend.Resources{CPU: 8, MemoryMiB: 32768}, PricePerHour: 0.384},
	{Name: "g4dn.xlarge", Resources: backend.Resources{CPU: 4, MemoryMiB: 16384, GPU: 1}, PricePerHour: 0.526},
	{Name: "g4dn.12xlarge", Resources: backend.Resources{CPU: 48, MemoryMiB: 196608, GPU: 4}, PricePerHour: 3.912},
	{Name: "p3.2xlarge", Resources: backend.Resources{CPU: 8, MemoryMiB: 62464, GPU: 1}, PricePerHour: 3.06},
	{Name: "p3.8xlarge", Resources: backend.Resources{CPU: 32, MemoryMiB: 249856, GPU: 4}, PricePerHour: 12.24},
}
