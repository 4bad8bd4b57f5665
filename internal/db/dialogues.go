package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/models"
)

const dialogueColumns = `
	id, chapter_id, order_index, type, content, character_id, audio_path,
	duration, status, error_message, voice_config, pause_after, stale,
	revision, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDialogue(row rowScanner) (models.Dialogue, error) {
	var d models.Dialogue
	var voice models.VoiceConfig
	var hasVoice sql.NullString
	err := row.Scan(
		&d.ID, &d.ChapterID, &d.OrderIndex, &d.Type, &d.Content, &d.CharacterID,
		&d.AudioPath, &d.Duration, &d.Status, &d.ErrorMessage, &hasVoice,
		&d.PauseAfter, &d.Stale, &d.Revision, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return d, err
	}
	if hasVoice.Valid {
		if err := voice.Scan(hasVoice.String); err != nil {
			return d, fmt.Errorf("failed to decode voice config: %w", err)
		}
		if !voice.IsZero() {
			d.VoiceConfig = &voice
		}
	}
	return d, nil
}

func (db *DB) GetDialogue(ctx context.Context, id uuid.UUID) (*models.Dialogue, error) {
	query := `SELECT ` + dialogueColumns + ` FROM dialogues WHERE id = $1`

	d, err := scanDialogue(db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, domainerrors.NotFoundf("dialogue %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dialogue: %w", err)
	}

	return &d, nil
}

// GetChapterDialogues returns a chapter's dialogues by order_index.
func (db *DB) GetChapterDialogues(ctx context.Context, chapterID uuid.UUID) ([]models.Dialogue, error) {
	query := `SELECT ` + dialogueColumns + ` FROM dialogues WHERE chapter_id = $1 ORDER BY order_index, created_at`

	rows, err := db.QueryContext(ctx, query, chapterID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dialogues: %w", err)
	}
	defer rows.Close()

	var dialogues []models.Dialogue
	for rows.Next() {
		d, err := scanDialogue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dialogue: %w", err)
		}
		dialogues = append(dialogues, d)
	}

	return dialogues, rows.Err()
}

// GetDialoguesByIDs returns the dialogues for ids in the order of ids.
// Unknown ids are NOT_FOUND.
func (db *DB) GetDialoguesByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Dialogue, error) {
	query := `SELECT ` + dialogueColumns + ` FROM dialogues WHERE id = ANY($1)`

	rows, err := db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query dialogues: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]models.Dialogue, len(ids))
	for rows.Next() {
		d, err := scanDialogue(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dialogue: %w", err)
		}
		byID[d.ID] = d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]models.Dialogue, 0, len(ids))
	for _, id := range ids {
		d, ok := byID[id]
		if !ok {
			return nil, domainerrors.NotFoundf("dialogue %s not found", id)
		}
		out = append(out, d)
	}
	return out, nil
}

// SaveDialogue writes every mutable field of d.
func (db *DB) SaveDialogue(ctx context.Context, d *models.Dialogue) error {
	var voice any
	if d.VoiceConfig != nil {
		voice = d.VoiceConfig
	}

	query := `
		UPDATE dialogues
		SET content = $1, character_id = $2, audio_path = $3, duration = $4,
			status = $5, error_message = $6, voice_config = $7, pause_after = $8,
			stale = $9, revision = $10, updated_at = $11
		WHERE id = $12
	`
	res, err := db.ExecContext(ctx, query,
		d.Content, d.CharacterID, d.AudioPath, d.Duration,
		d.Status, d.ErrorMessage, voice, d.PauseAfter,
		d.Stale, d.Revision, d.UpdatedAt, d.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save dialogue: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domainerrors.NotFoundf("dialogue %s not found", d.ID)
	}
	return nil
}

// ResetInterruptedDialogues fails every dialogue left generating by a
// previous process, so it can be started again.
func (db *DB) ResetInterruptedDialogues(ctx context.Context, reason string) (int64, error) {
	query := `
		UPDATE dialogues
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE status = $3
	`
	res, err := db.ExecContext(ctx, query, models.DialogueStatusFailed, reason, models.DialogueStatusGenerating)
	if err != nil {
		return 0, fmt.Errorf("failed to reset interrupted dialogues: %w", err)
	}
	return res.RowsAffected()
}
