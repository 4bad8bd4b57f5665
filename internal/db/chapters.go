package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/models"
)

func (db *DB) GetChapter(ctx context.Context, id uuid.UUID) (*models.Chapter, error) {
	query := `
		SELECT id, project_id, title, order_index, content, status, duration, created_at, updated_at
		FROM chapters
		WHERE id = $1
	`

	ch := &models.Chapter{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&ch.ID, &ch.ProjectID, &ch.Title, &ch.OrderIndex, &ch.Content,
		&ch.Status, &ch.Duration, &ch.CreatedAt, &ch.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, domainerrors.NotFoundf("chapter %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chapter: %w", err)
	}

	return ch, nil
}

// DialogueIDsInOrder lists a chapter's dialogue ids by order_index. An
// unknown chapter is NOT_FOUND; a chapter without dialogues returns nil.
func (db *DB) DialogueIDsInOrder(ctx context.Context, chapterID uuid.UUID) ([]uuid.UUID, error) {
	var exists bool
	if err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM chapters WHERE id = $1)`, chapterID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check chapter: %w", err)
	}
	if !exists {
		return nil, domainerrors.NotFoundf("chapter %s not found", chapterID)
	}

	rows, err := db.QueryContext(ctx,
		`SELECT id FROM dialogues WHERE chapter_id = $1 ORDER BY order_index, created_at`, chapterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dialogue ids: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan dialogue id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}
