// Package selection turns an export range into an ordered dialogue sequence.
package selection

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/models"
)

// ChapterSource lists a chapter's dialogue ids in order_index order.
type ChapterSource interface {
	DialogueIDsInOrder(ctx context.Context, chapterID uuid.UUID) ([]uuid.UUID, error)
}

type Resolver struct {
	chapters ChapterSource
}

func New(chapters ChapterSource) *Resolver {
	return &Resolver{chapters: chapters}
}

// Resolve expands every chapter in the order given, then appends the explicit
// dialogue ids. The first occurrence of an id wins.
func (r *Resolver) Resolve(ctx context.Context, rng models.ExportRange) ([]uuid.UUID, error) {
	if rng.IsEmpty() {
		return nil, domainerrors.ErrEmptyRange
	}

	seen := make(map[uuid.UUID]struct{})
	var out []uuid.UUID
	add := func(id uuid.UUID) {
		if _, dup := seen[id]; dup {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}

	for _, chapterID := range rng.ChapterIDs {
		ids, err := r.chapters.DialogueIDsInOrder(ctx, chapterID)
		if err != nil {
			return nil, fmt.Errorf("failed to list dialogues for chapter %s: %w", chapterID, err)
		}
		for _, id := range ids {
			add(id)
		}
	}
	for _, id := range rng.DialogueIDs {
		add(id)
	}

	if len(out) == 0 {
		return nil, domainerrors.ErrEmptyRange
	}
	return out, nil
}

// AsRange flattens a resolved sequence into an explicit range. Resolving the
// result yields the same sequence.
func AsRange(ids []uuid.UUID) models.ExportRange {
	return models.ExportRange{DialogueIDs: append([]uuid.UUID(nil), ids...)}
}
