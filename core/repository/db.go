package repository

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// DB wraps the run history database handle
type DB struct {
	*sql.DB
}

// NewDB opens a Postgres connection and checks it is reachable
func NewDB(databaseURL string) (*DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return &DB{DB: db}, nil
}

// Migrate creates the run history table if missing
func (db *DB) Migrate() error {
	_, err := db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS run_summaries (
	run_label          TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL,
	run_date           TEXT NOT NULL,
	base_model         TEXT NOT NULL,
	provider           TEXT,
	pod_id             TEXT,
	training_success   BOOLEAN NOT NULL,
	terminated         BOOLEAN NOT NULL,
	remote_exit_code   INTEGER,
	estimated_cost_usd DOUBLE PRECISION,
	error              TEXT,
	summary            JSONB NOT NULL,
	started_at         TIMESTAMPTZ NOT NULL,
	finished_at        TIMESTAMPTZ
)`
