package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/models"
)

// CreateAudioExport inserts an export record. Inserting an id that already
// exists is a no-op.
func (db *DB) CreateAudioExport(ctx context.Context, e *models.AudioExport) error {
	query := `
		INSERT INTO audio_exports (
			id, project_id, format, quality, export_range, file_path, file_size, duration, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`

	_, err := db.ExecContext(ctx, query,
		e.ID, e.ProjectID, e.Format, e.Quality, e.ExportRange,
		e.FilePath, e.FileSize, e.Duration, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audio export: %w", err)
	}
	return nil
}

func (db *DB) GetAudioExport(ctx context.Context, id uuid.UUID) (*models.AudioExport, error) {
	query := `
		SELECT id, project_id, format, quality, export_range, file_path, file_size, duration, created_at
		FROM audio_exports
		WHERE id = $1
	`

	e := &models.AudioExport{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&e.ID, &e.ProjectID, &e.Format, &e.Quality, &e.ExportRange,
		&e.FilePath, &e.FileSize, &e.Duration, &e.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, domainerrors.NotFoundf("audio export %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audio export: %w", err)
	}

	return e, nil
}

// ListAudioExports returns a project's exports, newest first.
func (db *DB) ListAudioExports(ctx context.Context, projectID uuid.UUID) ([]models.AudioExport, error) {
	query := `
		SELECT id, project_id, format, quality, export_range, file_path, file_size, duration, created_at
		FROM audio_exports
		WHERE project_id = $1
		ORDER BY created_at DESC
	`

	rows, err := db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query audio exports: %w", err)
	}
	defer rows.Close()

	var exports []models.AudioExport
	for rows.Next() {
		var e models.AudioExport
		if err := rows.Scan(
			&e.ID, &e.ProjectID, &e.Format, &e.Quality, &e.ExportRange,
			&e.FilePath, &e.FileSize, &e.Duration, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audio export: %w", err)
		}
		exports = append(exports, e)
	}

	return exports, rows.Err()
}

// DeleteAudioExport removes the record. Deleting a missing id is not an error.
func (db *DB) DeleteAudioExport(ctx context.Context, id uuid.UUID) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM audio_exports WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete audio export: %w", err)
	}
	return nil
}
