package runstore

import (
	"context"
	"database/sql"
	"fmt"
)

const SchemaVersion = 1

// Migrate creates (or upgrades) the run schema in-place.
//
// The schema supports:
// - job identity + lifecycle state (single writer: the scheduler)
// - timestamped state events for incremental polling
// - two byte-payload log streams (job, runner)
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS jobs (
			job_id TEXT PRIMARY KEY,
			run_name TEXT NOT NULL UNIQUE,
			backend TEXT NOT NULL,
			state TEXT NOT NULL,
			error TEXT,
			requirements TEXT,
			runner_id TEXT NOT NULL,
			repo_id TEXT,
			ssh_key_pub TEXT,
			request_id TEXT,
			instance_type TEXT,
			hostname TEXT,
			ports TEXT,
			stop_requested INTEGER NOT NULL DEFAULT 0,
			abort INTEGER NOT NULL DEFAULT 0,
			submitted_at TEXT NOT NULL,
			provisioning_started_at TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);`,

		`CREATE TABLE IF NOT EXISTS job_state_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			state TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_state_events_job ON job_state_events(job_id, ts);`,

		`CREATE TABLE IF NOT EXISTS log_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			source TEXT NOT NULL,
			message BLOB NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_log_events_job ON log_events(job_id, ts);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE schema_meta SET schema_version = ? WHERE id = 1 AND schema_version < ?`,
		SchemaVersion, SchemaVersion,
	); err != nil {
		return fmt.Errorf("bump schema version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}
