package runstore

import (
	"time"

	"github.com/3leaps/skyrun/pkg/backend"
)

// JobState is the lifecycle state of a submitted job.
//
// NOTE: These values are persisted in the run database and are part of the
// stable on-disk contract.
type JobState string

const (
	StateSubmitted    JobState = "submitted"
	StateProvisioning JobState = "provisioning"
	StateStarting     JobState = "starting"
	StateRunning      JobState = "running"
	StateStopping     JobState = "stopping"
	StateFailed       JobState = "failed"
	StateTerminated   JobState = "terminated"
)

// Terminal reports whether the state is absorbing.
func (s JobState) Terminal() bool {
	return s == StateFailed || s == StateTerminated
}

// Job is the persistent record of one submitted unit of work.
//
// It is created on submission, mutated only by the scheduler, and retired
// once a terminal state is reached.
type Job struct {
	ID      string `json:"job_id"`
	RunName string `json:"run_name"`
	Backend string `json:"backend"`

	State JobState `json:"state"`
	// Error is the human-readable failure reason for StateFailed.
	Error string `json:"error,omitempty"`

	Requirements backend.Requirements `json:"requirements"`

	RunnerID     string `json:"runner_id"`
	RepoID       string `json:"repo_id,omitempty"`
	SSHPublicKey string `json:"ssh_key_pub,omitempty"`

	// RequestID is the cloud-side provisioning request id, set once the
	// launch call succeeds.
	RequestID    string `json:"request_id,omitempty"`
	InstanceType string `json:"instance_type,omitempty"`
	// Hostname is the instance public address, set once it is running.
	Hostname string `json:"hostname,omitempty"`

	// Ports maps remote in-instance ports to requested local ports
	// (zero requests automatic assignment).
	Ports map[int]int `json:"ports,omitempty"`

	// StopRequested and Abort record a user stop; the scheduler actions
	// them at the next safe transition point. Abort skips graceful
	// shutdown signaling.
	StopRequested bool `json:"stop_requested,omitempty"`
	Abort         bool `json:"abort,omitempty"`

	SubmittedAt time.Time `json:"submitted_at"`
	// ProvisioningStartedAt anchors the provisioning timeout.
	ProvisioningStartedAt *time.Time `json:"provisioning_started_at,omitempty"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// ComputeView is the narrow view of the job a backend needs to launch it.
func (j *Job) ComputeView() backend.Job {
	return backend.Job{
		ID:           j.ID,
		RunName:      j.RunName,
		RunnerID:     j.RunnerID,
		RepoID:       j.RepoID,
		SSHPublicKey: j.SSHPublicKey,
		Requirements: j.Requirements,
	}
}

// LogSource distinguishes the two byte-payload log streams.
type LogSource string

const (
	SourceJob    LogSource = "job"
	SourceRunner LogSource = "runner"
)

// JobStateEvent is one timestamped lifecycle transition.
type JobStateEvent struct {
	Timestamp int64    `json:"timestamp"`
	State     JobState `json:"state"`
}

// LogEvent is one timestamped log payload.
type LogEvent struct {
	Timestamp int64  `json:"timestamp"`
	Message   []byte `json:"message"`
}

// PullResponse is the incremental batch poll consumers read.
// LastUpdated is the watermark to pass as since on the next poll.
type PullResponse struct {
	JobStates   []JobStateEvent `json:"job_states"`
	JobLogs     []LogEvent      `json:"job_logs"`
	RunnerLogs  []LogEvent      `json:"runner_logs"`
	LastUpdated int64           `json:"last_updated"`
}
