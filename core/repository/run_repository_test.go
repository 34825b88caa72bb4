package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remote-trainer/core/models"
)

func sampleSummary() *models.RunSummary {
	finished := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	return &models.RunSummary{
		Date:            "2026-03-01",
		RunLabel:        "2026-03-01-100000-0a1b2c3d",
		RunID:           "6f1c",
		Samples:         3,
		BaseModel:       "unsloth/Qwen3-Coder-30B-A3B-Instruct",
		PodID:           models.StringPtr("pod-1"),
		Provider:        "runpod",
		Terminated:      true,
		TrainingSuccess: true,
		RemoteExitCode:  models.IntPtr(0),
		StartedAt:       finished.Add(-time.Hour),
		FinishedAt:      &finished,
	}
}

func TestSaveSummary(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := sampleSummary()
	mock.ExpectExec("INSERT INTO run_summaries").
		WithArgs(s.RunLabel, s.RunID, s.Date, s.BaseModel, sqlmock.AnyArg(), sqlmock.AnyArg(),
			true, true, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			s.StartedAt, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, NewRunRepository(db).SaveSummary(context.Background(), s))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSummary(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	doc, err := json.Marshal(sampleSummary())
	require.NoError(t, err)

	mock.ExpectQuery("SELECT summary FROM run_summaries WHERE run_label").
		WithArgs("2026-03-01-100000-0a1b2c3d").
		WillReturnRows(sqlmock.NewRows([]string{"summary"}).AddRow(doc))
	mock.ExpectQuery("SELECT summary FROM run_summaries WHERE run_label").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	repo := NewRunRepository(db)
	got, err := repo.GetSummary(context.Background(), "2026-03-01-100000-0a1b2c3d")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Samples)
	require.NotNil(t, got.PodID)
	assert.Equal(t, "pod-1", *got.PodID)

	_, err = repo.GetSummary(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	a, b := sampleSummary(), sampleSummary()
	b.RunLabel = "2026-03-01-090000-ffffffff"
	docA, _ := json.Marshal(a)
	docB, _ := json.Marshal(b)

	mock.ExpectQuery("SELECT summary FROM run_summaries ORDER BY started_at DESC").
		WithArgs(20).
		WillReturnRows(sqlmock.NewRows([]string{"summary"}).AddRow(docA).AddRow(docB))

	runs, err := NewRunRepository(db).ListRecent(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, b.RunLabel, runs[1].RunLabel)
	assert.NoError(t, mock.ExpectationsWereMet())
}
