// Package api defines the request and response schemas shared by the HTTP
// server and the CLI client.
package api

import (
	"time"

	"github.com/3leaps/skyrun/pkg/backend"
	"github.com/3leaps/skyrun/pkg/runstore"
)

// RunSpec names the run and its repository identity.
type RunSpec struct {
	RunName           string `json:"run_name" yaml:"run_name"`
	RepoID            string `json:"repo_id,omitempty" yaml:"repo_id,omitempty"`
	ConfigurationPath string `json:"configuration_path,omitempty" yaml:"configuration_path,omitempty"`
}

// JobSpec describes what runs on the instance and what it needs.
type JobSpec struct {
	Commands     []string             `json:"commands,omitempty" yaml:"commands,omitempty"`
	Entrypoint   []string             `json:"entrypoint,omitempty" yaml:"entrypoint,omitempty"`
	Env          map[string]string    `json:"env,omitempty" yaml:"env,omitempty"`
	WorkingDir   string               `json:"working_dir,omitempty" yaml:"working_dir,omitempty"`
	MaxDuration  time.Duration        `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`
	Backend      string               `json:"backend" yaml:"backend"`
	Requirements backend.Requirements `json:"requirements" yaml:"requirements"`

	// Ports maps remote in-instance ports to local ports; zero local
	// requests automatic assignment.
	Ports map[int]int `json:"ports,omitempty" yaml:"ports,omitempty"`

	SSHPublicKey string `json:"ssh_key_pub,omitempty" yaml:"ssh_key_pub,omitempty"`
}

// SubmitRunRequest submits one run for execution.
type SubmitRunRequest struct {
	RunSpec RunSpec `json:"run_spec"`
	JobSpec JobSpec `json:"job_spec"`

	// Secrets and RepoCredentials pass through to the runner; the
	// orchestration core does not interpret them.
	Secrets         map[string]string `json:"secrets,omitempty"`
	RepoCredentials map[string]string `json:"repo_credentials,omitempty"`
}

// SubmitRunResponse returns the created job.
type SubmitRunResponse struct {
	Job runstore.Job `json:"job"`
}

// ListRunsResponse returns all jobs, newest first.
type ListRunsResponse struct {
	Jobs []runstore.Job `json:"jobs"`
}

// StopRunsRequest stops (or aborts) runs by name.
type StopRunsRequest struct {
	RunNames []string `json:"runs_names"`
	Abort    bool     `json:"abort"`
}

// PullRequest polls one run's events after a watermark.
type PullRequest struct {
	RunName string `json:"run_name"`
	Since   int64  `json:"since"`
}
