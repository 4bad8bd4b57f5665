package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/bobarin/voxbook/internal/models"
)

func (db *DB) ListCharacters(ctx context.Context, projectID uuid.UUID) ([]models.Character, error) {
	query := `
		SELECT id, project_id, name, voice_config, created_at, updated_at
		FROM characters
		WHERE project_id = $1
		ORDER BY name
	`

	rows, err := db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query characters: %w", err)
	}
	defer rows.Close()

	var characters []models.Character
	for rows.Next() {
		var c models.Character
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Name, &c.VoiceConfig, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan character: %w", err)
		}
		characters = append(characters, c)
	}

	return characters, rows.Err()
}
