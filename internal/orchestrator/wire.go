package orchestrator

import (
	"encoding/json"

	"github.com/google/uuid"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/models"
)

// Synthesis worker endpoints.
const (
	PathGenerate = "/audio/generate"
	PathExport   = "/audio/export"
)

// GeneratePayload asks the worker to synthesize one dialogue.
type GeneratePayload struct {
	DialogueID  uuid.UUID          `json:"dialogue_id"`
	ChapterID   uuid.UUID          `json:"chapter_id"`
	Content     string             `json:"content"`
	VoiceConfig models.VoiceConfig `json:"voice_config"`
}

// GenerateResult is the worker's answer to a GeneratePayload.
type GenerateResult struct {
	DialogueID uuid.UUID `json:"dialogue_id" validate:"required"`
	AudioPath  string    `json:"audio_path" validate:"required"`
	Duration   float64   `json:"duration" validate:"gte=0"`
}

// ExportPayload asks the worker to assemble the given dialogues, in order,
// into a single file.
type ExportPayload struct {
	ExportID    uuid.UUID            `json:"export_id"`
	ProjectID   uuid.UUID            `json:"project_id"`
	Format      models.ExportFormat  `json:"format"`
	Quality     models.ExportQuality `json:"quality"`
	DialogueIDs []uuid.UUID          `json:"dialogue_ids"`
}

// ExportResult is the worker's answer to an ExportPayload.
type ExportResult struct {
	FilePath string  `json:"file_path" validate:"required"`
	FileSize int64   `json:"file_size" validate:"gte=0"`
	Duration float64 `json:"duration" validate:"gte=0"`
}

// decode unmarshals and validates a worker response. Anything that does not
// match the expected schema is a transport failure.
func (o *Orchestrator) decode(path string, raw []byte, dest any) error {
	if err := json.Unmarshal(raw, dest); err != nil {
		return domainerrors.TransportFailuref("malformed %s response: %v", path, err)
	}
	if err := o.validator.Validate(dest); err != nil {
		return domainerrors.TransportFailuref("unexpected %s response: %v", path, err)
	}
	return nil
}

func asTransportFailure(err error) error {
	if domainerrors.Is(err, domainerrors.ErrTransportFailure) {
		return err
	}
	return domainerrors.TransportFailure(err)
}
