package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/models"
)

func (db *DB) CreateJob(ctx context.Context, job *models.Job) error {
	query := `
		INSERT INTO jobs (
			id, kind, status, project_id, chapter_id, dialogue_ids
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	return db.QueryRowContext(
		ctx, query,
		job.ID, job.Kind, job.Status, job.ProjectID, job.ChapterID, pq.Array(job.DialogueIDs),
	).Scan(&job.CreatedAt)
}

func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	query := `
		SELECT
			id, kind, status, project_id, chapter_id, dialogue_ids,
			started_at, finished_at, error_message, created_at
		FROM jobs
		WHERE id = $1
	`

	job := &models.Job{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &job.Kind, &job.Status, &job.ProjectID, &job.ChapterID,
		pq.Array(&job.DialogueIDs), &job.StartedAt, &job.FinishedAt,
		&job.ErrorMessage, &job.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, domainerrors.NotFoundf("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// UpdateJobStatus records a status change. running stamps started_at;
// succeeded and failed stamp finished_at and the error message.
func (db *DB) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, errorMessage *string) error {
	now := time.Now()
	query := `UPDATE jobs SET status = $1, started_at = $2 WHERE id = $3`
	args := []any{status, now, id}

	if status == models.JobStatusSucceeded || status == models.JobStatusFailed {
		query = `UPDATE jobs SET status = $1, finished_at = $2, error_message = $3 WHERE id = $4`
		args = []any{status, now, errorMessage, id}
	}

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// FailUnfinishedJobs marks queued and running jobs of a previous process as failed.
func (db *DB) FailUnfinishedJobs(ctx context.Context, reason string) (int64, error) {
	query := `
		UPDATE jobs
		SET status = $1, error_message = $2, finished_at = NOW()
		WHERE status IN ($3, $4)
	`
	res, err := db.ExecContext(ctx, query, models.JobStatusFailed, reason, models.JobStatusQueued, models.JobStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("failed to fail unfinished jobs: %w", err)
	}
	return res.RowsAffected()
}
