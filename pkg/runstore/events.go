package runstore

import (
	"context"
	"fmt"
	"time"
)

// AppendLog records one log payload for a job on the given stream.
func (s *Store) AppendLog(ctx context.Context, jobID string, source LogSource, message []byte) error {
	if jobID == "" {
		return fmt.Errorf("job id is required")
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO log_events (job_id, ts, source, message) VALUES (?, ?, ?, ?)`,
		jobID, time.Now().UTC().UnixMilli(), string(source), message,
	); err != nil {
		return fmt.Errorf("append log event: %w", err)
	}
	return nil
}

// Pull returns all state and log events for a job with timestamps strictly
// after since, plus the new watermark. Polling with the returned LastUpdated
// yields each event exactly once.
func (s *Store) Pull(ctx context.Context, jobID string, since int64) (*PullResponse, error) {
	resp := &PullResponse{
		JobStates:   []JobStateEvent{},
		JobLogs:     []LogEvent{},
		RunnerLogs:  []LogEvent{},
		LastUpdated: since,
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, state FROM job_state_events
		WHERE job_id = ? AND ts > ? ORDER BY ts, event_id`, jobID, since)
	if err != nil {
		return nil, fmt.Errorf("pull state events: %w", err)
	}
	for rows.Next() {
		var ev JobStateEvent
		var state string
		if err := rows.Scan(&ev.Timestamp, &state); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan state event: %w", err)
		}
		ev.State = JobState(state)
		resp.JobStates = append(resp.JobStates, ev)
		if ev.Timestamp > resp.LastUpdated {
			resp.LastUpdated = ev.Timestamp
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("pull state events: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("pull state events: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT ts, source, message FROM log_events
		WHERE job_id = ? AND ts > ? ORDER BY ts, event_id`, jobID, since)
	if err != nil {
		return nil, fmt.Errorf("pull log events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var ev LogEvent
		var source string
		if err := rows.Scan(&ev.Timestamp, &source, &ev.Message); err != nil {
			return nil, fmt.Errorf("scan log event: %w", err)
		}
		switch LogSource(source) {
		case SourceRunner:
			resp.RunnerLogs = append(resp.RunnerLogs, ev)
		default:
			resp.JobLogs = append(resp.JobLogs, ev)
		}
		if ev.Timestamp > resp.LastUpdated {
			resp.LastUpdated = ev.Timestamp
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pull log events: %w", err)
	}
	return resp, nil
}

// StateEvents returns the full lifecycle history for a job, oldest first.
func (s *Store) StateEvents(ctx context.Context, jobID string) ([]JobStateEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, state FROM job_state_events
		WHERE job_id = ? ORDER BY ts, event_id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list state events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []JobStateEvent
	for rows.Next() {
		var ev JobStateEvent
		var state string
		if err := rows.Scan(&ev.Timestamp, &state); err != nil {
			return nil, fmt.Errorf("scan state event: %w", err)
		}
		ev.State = JobState(state)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list state events: %w", err)
	}
	return events, nil
}
