package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/models"
)

func (db *DB) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	query := `
		SELECT
			id, name, description, chapters_count, characters_count,
			total_duration, created_at, updated_at
		FROM projects
		WHERE id = $1
	`

	project := &models.Project{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&project.ID, &project.Name, &project.Description,
		&project.ChaptersCount, &project.CharactersCount,
		&project.TotalDuration, &project.CreatedAt, &project.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, domainerrors.NotFoundf("project %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get project: %w", err)
	}

	return project, nil
}

// RefreshProjectCounters recomputes the denormalized counters and the total
// duration of completed audio for a project.
func (db *DB) RefreshProjectCounters(ctx context.Context, projectID uuid.UUID) error {
	query := `
		UPDATE projects p
		SET
			chapters_count   = (SELECT COUNT(*) FROM chapters c WHERE c.project_id = p.id),
			characters_count = (SELECT COUNT(*) FROM characters ch WHERE ch.project_id = p.id),
			total_duration   = COALESCE((
				SELECT SUM(d.duration)
				FROM dialogues d
				JOIN chapters c ON c.id = d.chapter_id
				WHERE c.project_id = p.id AND d.status = 'completed'
			), 0),
			updated_at = NOW()
		WHERE p.id = $1
	`
	_, err := db.ExecContext(ctx, query, projectID)
	if err != nil {
		return fmt.Errorf("failed to refresh project counters: %w", err)
	}
	return nil
}

// RefreshChapterDuration sums the completed audio of a chapter.
func (db *DB) RefreshChapterDuration(ctx context.Context, chapterID uuid.UUID) (uuid.UUID, error) {
	query := `
		UPDATE chapters c
		SET
			duration = COALESCE((
				SELECT SUM(d.duration) FROM dialogues d
				WHERE d.chapter_id = c.id AND d.status = 'completed'
			), 0),
			updated_at = NOW()
		WHERE c.id = $1
		RETURNING c.project_id
	`

	var projectID uuid.UUID
	err := db.QueryRowContext(ctx, query, chapterID).Scan(&projectID)
	if err == sql.ErrNoRows {
		return uuid.Nil, domainerrors.NotFoundf("chapter %s not found", chapterID)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to refresh chapter duration: %w", err)
	}
	return projectID, nil
}
