package orchestrator

import (
	"context"
	"strings"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/lifecycle"
	"github.com/bobarin/voxbook/internal/models"
)

// DialogueEdit holds the fields to change; nil fields are left alone.
// ClearCharacter removes the character and cannot be combined with CharacterID.
type DialogueEdit struct {
	Content        *string
	CharacterID    *uuid.UUID
	ClearCharacter bool
	VoiceConfig    *models.VoiceConfig
	PauseAfter     *int
}

// EditDialogue applies edits to a dialogue. Changing what is spoken or by
// whom bumps the revision: completed audio is flagged stale, and a generation
// already in flight will complete stale. No new generation is started.
func (o *Orchestrator) EditDialogue(ctx context.Context, id uuid.UUID, edit DialogueEdit) (models.Dialogue, error) {
	if edit.Content != nil && strings.TrimSpace(*edit.Content) == "" {
		return models.Dialogue{}, domainerrors.Validation("content must not be empty")
	}
	if edit.PauseAfter != nil && *edit.PauseAfter < 0 {
		return models.Dialogue{}, domainerrors.Validation("pause_after must not be negative")
	}
	if edit.ClearCharacter && edit.CharacterID != nil {
		return models.Dialogue{}, domainerrors.Validation("character_id and clear_character are mutually exclusive")
	}

	loaded, err := o.lookupDialogue(ctx, id)
	if err != nil {
		return models.Dialogue{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	current, ok := o.dialogues.Get(id)
	if !ok {
		current = loaded
	}

	next := current
	spoken := false
	if edit.Content != nil && *edit.Content != next.Content {
		next.Content = *edit.Content
		spoken = true
	}
	if edit.CharacterID != nil && (next.CharacterID == nil || *next.CharacterID != *edit.CharacterID) {
		characterID := *edit.CharacterID
		next.CharacterID = &characterID
		spoken = true
	}
	if edit.ClearCharacter && next.CharacterID != nil {
		next.CharacterID = nil
		spoken = true
	}
	if edit.VoiceConfig != nil && (next.VoiceConfig == nil || !cmp.Equal(*next.VoiceConfig, *edit.VoiceConfig)) {
		voice := *edit.VoiceConfig
		next.VoiceConfig = &voice
		spoken = true
	}
	if edit.PauseAfter != nil {
		next.PauseAfter = *edit.PauseAfter
	}

	if spoken {
		lifecycle.MarkEdited(&next)
	}
	if ok && !spoken && next.PauseAfter == current.PauseAfter {
		return current, nil
	}

	next.UpdatedAt = o.now()
	o.dialogues.Upsert(next)
	return next, nil
}
