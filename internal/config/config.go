// Package config loads and validates the process configuration.
//
// The configuration is built once at process start and passed by reference
// to every component that needs it; there is no global mutable config cache.
package config

import (
	"time"

	awsbackend "github.com/3leaps/skyrun/pkg/backend/aws"
	gcpbackend "github.com/3leaps/skyrun/pkg/backend/gcp"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	SSH       SSHConfig       `mapstructure:"ssh"`
	Store     StoreConfig     `mapstructure:"store"`
	Backends  BackendsConfig  `mapstructure:"backends"`
}

// ServerConfig tunes the HTTP API listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig selects the logger level and output profile.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// SchedulerConfig tunes the reconciliation loop.
type SchedulerConfig struct {
	Interval            time.Duration `mapstructure:"interval"`
	ProvisioningTimeout time.Duration `mapstructure:"provisioning_timeout"`
	Workers             int           `mapstructure:"workers"`
	ProviderRPS         float64       `mapstructure:"provider_rps"`
}

// SSHConfig locates the tunnel subsystem's files.
type SSHConfig struct {
	// ConfigPath is the managed ssh_config file skyrun owns.
	ConfigPath string `mapstructure:"config_path"`

	// PrimaryConfigPath is the user's ~/.ssh/config to Include from;
	// empty skips the include step.
	PrimaryConfigPath string `mapstructure:"primary_config_path"`

	// ControlDir holds per-run multiplexing control sockets.
	ControlDir string `mapstructure:"control_dir"`

	// IdentityFile is the private key used for run tunnels.
	IdentityFile string `mapstructure:"identity_file"`

	// User is the remote login user on provisioned instances.
	User string `mapstructure:"user"`
}

// StoreConfig locates the run database.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// BackendsConfig lists the configured cloud backends.
type BackendsConfig struct {
	AWS []awsbackend.Config `mapstructure:"aws"`
	GCP []gcpbackend.Config `mapstructure:"gcp"`
}
