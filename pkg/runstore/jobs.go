package runstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const jobColumns = `job_id, run_name, backend, state, error, requirements,
	runner_id, repo_id, ssh_key_pub, request_id, instance_type, hostname,
	ports, stop_requested, abort, submitted_at, provisioning_started_at, updated_at`

// SubmitJob inserts a freshly submitted job and records its first state event.
func (s *Store) SubmitJob(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if job.ID == "" || job.RunName == "" {
		return fmt.Errorf("job id and run name are required")
	}
	now := time.Now().UTC()
	job.State = StateSubmitted
	job.SubmittedAt = now
	job.UpdatedAt = now

	reqs, err := marshalJSON(job.Requirements)
	if err != nil {
		return err
	}
	ports, err := marshalJSON(job.Ports)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (job_id, run_name, backend, state, error, requirements,
			runner_id, repo_id, ssh_key_pub, request_id, instance_type, hostname,
			ports, stop_requested, abort, submitted_at, provisioning_started_at, updated_at)
		VALUES (?, ?, ?, ?, '', ?, ?, ?, ?, '', '', '', ?, 0, 0, ?, '', ?)`,
		job.ID, job.RunName, job.Backend, string(job.State), reqs,
		job.RunnerID, job.RepoID, job.SSHPublicKey,
		ports, formatTime(job.SubmittedAt), formatTime(job.UpdatedAt),
	); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if err := appendStateEvent(ctx, tx, job.ID, now, job.State); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit submit: %w", err)
	}
	return nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE job_id = ?`, jobID)
	return scanJob(row)
}

// GetJobByRunName loads one job by its run name.
func (s *Store) GetJobByRunName(ctx context.Context, runName string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE run_name = ?`, runName)
	return scanJob(row)
}

// ListActive returns all jobs not in a terminal state, oldest first.
// The scheduler snapshots this per tick.
func (s *Store) ListActive(ctx context.Context) ([]Job, error) {
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM jobs
		WHERE state NOT IN (?, ?) ORDER BY submitted_at`,
		string(StateFailed), string(StateTerminated))
}

// ListJobs returns every job, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]Job, error) {
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY submitted_at DESC`)
}

// UpdateJob persists a job's mutable fields and appends a state event when
// the state changed. The scheduler is the only caller during a job's
// lifecycle.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	now := time.Now().UTC()
	job.UpdatedAt = now

	ports, err := marshalJSON(job.Ports)
	if err != nil {
		return err
	}
	var provisioningStarted string
	if job.ProvisioningStartedAt != nil {
		provisioningStarted = formatTime(*job.ProvisioningStartedAt)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevState string
	err = tx.QueryRowContext(ctx,
		`SELECT state FROM jobs WHERE job_id = ?`, job.ID).Scan(&prevState)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load previous state: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET state = ?, error = ?, request_id = ?, instance_type = ?,
			hostname = ?, ports = ?, stop_requested = ?, abort = ?,
			provisioning_started_at = ?, updated_at = ?
		WHERE job_id = ?`,
		string(job.State), job.Error, job.RequestID, job.InstanceType,
		job.Hostname, ports, boolInt(job.StopRequested), boolInt(job.Abort),
		provisioningStarted, formatTime(now), job.ID,
	); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	if prevState != string(job.State) {
		if err := appendStateEvent(ctx, tx, job.ID, now, job.State); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update: %w", err)
	}
	return nil
}

// RequestStop records a user-initiated stop for a run. The scheduler actions
// it at the next safe transition point. Returns ErrJobNotFound for unknown
// run names; stopping an already-terminal job is a no-op.
func (s *Store) RequestStop(ctx context.Context, runName string, abort bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET stop_requested = 1, abort = ?, updated_at = ?
		WHERE run_name = ?`,
		boolInt(abort), formatTime(time.Now().UTC()), runName)
	if err != nil {
		return fmt.Errorf("request stop: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("request stop: %w", err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var state, reqs, ports, submittedAt, provisioningStarted, updatedAt string
	var stopRequested, abort int
	err := row.Scan(
		&job.ID, &job.RunName, &job.Backend, &state, &job.Error, &reqs,
		&job.RunnerID, &job.RepoID, &job.SSHPublicKey,
		&job.RequestID, &job.InstanceType, &job.Hostname,
		&ports, &stopRequested, &abort,
		&submittedAt, &provisioningStarted, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.State = JobState(state)
	job.StopRequested = stopRequested != 0
	job.Abort = abort != 0
	if err := unmarshalJSON(reqs, &job.Requirements); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(ports, &job.Ports); err != nil {
		return nil, err
	}
	if job.SubmittedAt, err = parseTime(submittedAt); err != nil {
		return nil, fmt.Errorf("parse submitted_at: %w", err)
	}
	if provisioningStarted != "" {
		t, err := parseTime(provisioningStarted)
		if err != nil {
			return nil, fmt.Errorf("parse provisioning_started_at: %w", err)
		}
		job.ProvisioningStartedAt = &t
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &job, nil
}

func appendStateEvent(ctx context.Context, tx *sql.Tx, jobID string, ts time.Time, state JobState) error {
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO job_state_events (job_id, ts, state) VALUES (?, ?, ?)`,
		jobID, ts.UnixMilli(), string(state),
	); err != nil {
		return fmt.Errorf("append state event: %w", err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
