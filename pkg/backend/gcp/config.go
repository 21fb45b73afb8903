// Package gcp implements the backend interface for Google Compute Engine.
package gcp

import (
	"github.com/3leaps/skyrun/pkg/backend"
)

// Config configures a GCE backend.
//
// Authentication uses Application Default Credentials unless
// CredentialsFile points at a service account key.
type Config struct {
	// Name is the registry key for this backend instance.
	Name string `mapstructure:"name"`

	// ProjectID is the Cloud project to launch in (required).
	ProjectID string `mapstructure:"project_id"`

	// Zone is the launch zone, e.g. "us-central1-a" (required).
	Zone string `mapstructure:"zone"`

	// Image is the boot image in "projects/<p>/global/images/<name>" form
	// (required).
	Image string `mapstructure:"image"`

	// Network defaults to the auto-created "default" network.
	Network string `mapstructure:"network"`

	// Subnetwork optionally pins instances to a subnetwork, in
	// "regions/<region>/subnetworks/<name>" form.
	Subnetwork string `mapstructure:"subnetwork"`

	// CredentialsFile is a service account key path; empty uses ADC.
	CredentialsFile string `mapstructure:"credentials_file"`

	// BootDiskSizeGB defaults to 50.
	BootDiskSizeGB int64 `mapstructure:"boot_disk_size_gb"`
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.ProjectID == "" {
		return &ConfigError{Field: "ProjectID", Message: "project id is required"}
	}
	if c.Zone == "" {
		return &ConfigError{Field: "Zone", Message: "zone is required"}
	}
	if c.Image == "" {
		return &ConfigError{Field: "Image", Message: "boot image is required"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "gcp config: " + e.Field + ": " + e.Message
}

// catalog is the static offering table GetInstanceType selects from.
// GPU shapes use machine families with bundled accelerators so launch needs
// no separate accelerator configuration. Prices are approximate us-central1
// on-demand USD rates used for ordering only.
var catalog = []backend.InstanceType{
	{Name: "e2-small", Resources: backend.Resources{CPU: 2, MemoryMiB: 2048}, PricePerHour: 0.0168},
	{Name: "e2-medium", Resources: backend.Resources{CPU: 2, MemoryMiB: 4096}, PricePerHour: 0.0335},
	{Name: "e2-standard-4", Resources: backend.Resources{CPU: 4, MemoryMiB: 16384}, PricePerHour: 0.134},
	{Name: "n1-standard-8", Resources: backend.Resources{CPU: 8, MemoryMiB: 30720}, PricePerHour: 0.38},
	{Name: "e2-standard-16", Resources: backend.Resources{CPU: 16, MemoryMiB: 65536}, PricePerHour: 0.536},
	{Name: "g2-standard-4", Resources: backend.Resources{CPU: 4, MemoryMiB: 16384, GPU: 1}, PricePerHour: 0.71},
	{Name: "g2-standard-48", Resources: backend.Resources{CPU: 48, MemoryMiB: 196608, GPU: 4}, PricePerHour: 3.99},
	{Name: "a2-highgpu-1g", Resources: backend.Resources{CPU: 12, MemoryMiB: 87040, GPU: 1}, PricePerHour: 3.67},
	{Name: "a2-highgpu-4g", Resources: backend.Resources{CPU: 48, MemoryMiB: 348160, GPU: 4}, PricePerHour: 14.69},
}
