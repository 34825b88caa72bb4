package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"remote-trainer/core/models"
)

// RunRepository mirrors run summaries into Postgres
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

// SaveSummary inserts or replaces the summary of a run
func (r *RunRepository) SaveSummary(ctx context.Context, s *models.RunSummary) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO run_summaries (
			run_label, run_id, run_date, base_model, provider, pod_id,
			training_success, terminated, remote_exit_code, estimated_cost_usd,
			error, summary, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (run_label) DO UPDATE SET
			training_success = EXCLUDED.training_success,
			terminated = EXCLUDED.terminated,
			remote_exit_code = EXCLUDED.remote_exit_code,
			estimated_cost_usd = EXCLUDED.estimated_cost_usd,
			error = EXCLUDED.error,
			summary = EXCLUDED.summary,
			finished_at = EXCLUDED.finished_at
	`

	_, err = r.db.ExecContext(ctx, query,
		s.RunLabel,
		s.RunID,
		s.Date,
		s.BaseModel,
		nullString(s.Provider),
		s.PodID,
		s.TrainingSuccess,
		s.Terminated,
		s.RemoteExitCode,
		s.EstimatedCostUSD,
		s.Error,
		doc,
		s.StartedAt,
		s.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", s.RunLabel, err)
	}
	return nil
}

// GetSummary retrieves a run by label
func (r *RunRepository) GetSummary(ctx context.Context, runLabel string) (*models.RunSummary, error) {
	var doc []byte
	err := r.db.QueryRowContext(ctx, `SELECT summary FROM run_summaries WHERE run_label = $1`, runLabel).Scan(&doc)
	if err != nil {
		return nil, err
	}

	var s models.RunSummary
	if err := json.Unmarshal(doc, &s); err != nil {
		return nil, fmt.Errorf("corrupt summary for run %s: %w", runLabel, err)
	}
	return &s, nil
}

// ListRecent returns the most recent runs, newest first
func (r *RunRepository) ListRecent(ctx context.Context, limit int) ([]*models.RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `SELECT summary FROM run_summaries ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.RunSummary
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var s models.RunSummary
		if err := json.Unmarshal(doc, &s); err != nil {
			return nil, err
		}
		runs = append(runs, &s)
	}
	return runs, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
