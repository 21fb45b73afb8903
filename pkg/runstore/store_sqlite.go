//go:build !cgo

package runstore

import (
	"context"
	"database/sql"
	"fmt"

	sqlite "modernc.org/sqlite"
)

const driverName = "libsql"

func init() {
	sql.Register(driverName, &sqlite.Driver{})
}

// Open opens (and creates if needed) a SQLite-backed run database.
//
// Notes:
// - Local file paths are created if parent directories do not exist.
// - WAL and busy_timeout are applied for predictable daemon behavior.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping run store: %w", err)
	}

	if err := configureLocalSQLite(ctx, db, dsn); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}
