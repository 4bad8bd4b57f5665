package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums
type DialogueStatus string

const (
	DialogueStatusPending    DialogueStatus = "pending"
	DialogueStatusGenerating DialogueStatus = "generating"
	DialogueStatusCompleted  DialogueStatus = "completed"
	DialogueStatusFailed     DialogueStatus = "failed"
)

type DialogueType string

const (
	DialogueTypeDialogue  DialogueType = "dialogue"
	DialogueTypeNarration DialogueType = "narration"
)

type ExportFormat string

const (
	ExportFormatMP3 ExportFormat = "mp3"
	ExportFormatWAV ExportFormat = "wav"
	ExportFormatM4A ExportFormat = "m4a"
)

// ContentType returns the MIME type used when uploading an export artifact.
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportFormatWAV:
		return "audio/wav"
	case ExportFormatM4A:
		return "audio/mp4"
	default:
		return "audio/mpeg"
	}
}

type ExportQuality string

const (
	ExportQualityLow    ExportQuality = "low"
	ExportQualityMedium ExportQuality = "medium"
	ExportQualityHigh   ExportQuality = "high"
)

// Bitrate maps a quality setting to the encoder bitrate passed to ffmpeg.
func (q ExportQuality) Bitrate() string {
	switch q {
	case ExportQualityLow:
		return "64k"
	case ExportQualityMedium:
		return "128k"
	default:
		return "320k"
	}
}

type JobKind string

const (
	JobKindGenerateOne     JobKind = "generate_one"
	JobKindGenerateBatch   JobKind = "generate_batch"
	JobKindGenerateChapter JobKind = "generate_chapter"
	JobKindExport          JobKind = "export"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// VoiceConfig is stored as a JSONB column on characters and dialogues.
type VoiceConfig struct {
	Engine  string   `json:"engine,omitempty"`
	VoiceID string   `json:"voice_id,omitempty"`
	Speed   *float64 `json:"speed,omitempty"`
	Pitch   *float64 `json:"pitch,omitempty"`
	Volume  *float64 `json:"volume,omitempty"`
}

// IsZero reports whether no voice field is set (narration without a voice).
func (v VoiceConfig) IsZero() bool {
	return v.Engine == "" && v.VoiceID == "" && v.Speed == nil && v.Pitch == nil && v.Volume == nil
}

// Merge returns v with every field set in override taking precedence.
func (v VoiceConfig) Merge(override *VoiceConfig) VoiceConfig {
	if override == nil {
		return v
	}
	out := v
	if override.Engine != "" {
		out.Engine = override.Engine
	}
	if override.VoiceID != "" {
		out.VoiceID = override.VoiceID
	}
	if override.Speed != nil {
		out.Speed = override.Speed
	}
	if override.Pitch != nil {
		out.Pitch = override.Pitch
	}
	if override.Volume != nil {
		out.Volume = override.Volume
	}
	return out
}

func (v VoiceConfig) Value() (driver.Value, error) {
	return json.Marshal(v)
}

func (v *VoiceConfig) Scan(value interface{}) error {
	return scanJSON(value, v)
}

// ExportRange is a selection of chapters and/or dialogues, not a materialized list.
type ExportRange struct {
	ChapterIDs  []uuid.UUID `json:"chapter_ids,omitempty"`
	DialogueIDs []uuid.UUID `json:"dialogue_ids,omitempty"`
}

// IsEmpty reports whether neither chapters nor dialogues are selected.
func (r ExportRange) IsEmpty() bool {
	return len(r.ChapterIDs) == 0 && len(r.DialogueIDs) == 0
}

func (r ExportRange) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *ExportRange) Scan(value interface{}) error {
	return scanJSON(value, r)
}

func scanJSON(value interface{}, dest interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dest)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("unsupported JSON column type %T", value)
	}
}

// Models

type Project struct {
	ID              uuid.UUID `json:"id"`
	Name            string    `json:"name"`
	Description     *string   `json:"description,omitempty"`
	ChaptersCount   int       `json:"chapters_count"`
	CharactersCount int       `json:"characters_count"`
	TotalDuration   float64   `json:"total_duration"` // seconds
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

type Chapter struct {
	ID         uuid.UUID `json:"id"`
	ProjectID  uuid.UUID `json:"project_id"`
	Title      string    `json:"title"`
	OrderIndex int       `json:"order_index"`
	Content    string    `json:"content"`
	Status     string    `json:"status"`
	Duration   float64   `json:"duration"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type Character struct {
	ID          uuid.UUID   `json:"id"`
	ProjectID   uuid.UUID   `json:"project_id"`
	Name        string      `json:"name"`
	VoiceConfig VoiceConfig `json:"voice_config"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

type Dialogue struct {
	ID           uuid.UUID      `json:"id"`
	ChapterID    uuid.UUID      `json:"chapter_id"`
	OrderIndex   int            `json:"order_index"`
	Type         DialogueType   `json:"type"`
	Content      string         `json:"content"`
	CharacterID  *uuid.UUID     `json:"character_id,omitempty"` // weak reference, may dangle
	AudioPath    *string        `json:"audio_path,omitempty"`
	Duration     float64        `json:"duration"`
	Status       DialogueStatus `json:"status"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	VoiceConfig  *VoiceConfig   `json:"voice_config,omitempty"` // per-dialogue override
	PauseAfter   int            `json:"pause_after"`            // milliseconds
	Stale        bool           `json:"stale"`                  // audio no longer matches content
	Revision     int            `json:"revision"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

type AudioExport struct {
	ID          uuid.UUID     `json:"id"`
	ProjectID   uuid.UUID     `json:"project_id"`
	Format      ExportFormat  `json:"format"`
	Quality     ExportQuality `json:"quality"`
	ExportRange ExportRange   `json:"export_range"`
	FilePath    string        `json:"file_path"`
	FileSize    int64         `json:"file_size"`
	Duration    float64       `json:"duration"`
	CreatedAt   time.Time     `json:"created_at"`
}

type Job struct {
	ID           uuid.UUID   `json:"id"`
	Kind         JobKind     `json:"kind"`
	Status       JobStatus   `json:"status"`
	ProjectID    *uuid.UUID  `json:"project_id,omitempty"`
	ChapterID    *uuid.UUID  `json:"chapter_id,omitempty"`
	DialogueIDs  []uuid.UUID `json:"dialogue_ids,omitempty"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// Request DTOs

type GenerateAudioRequest struct {
	DialogueID uuid.UUID `json:"dialogue_id" validate:"required"`
}

type BatchGenerateRequest struct {
	DialogueIDs []uuid.UUID `json:"dialogue_ids" validate:"required,min=1,dive,required"`
}

type GenerateChapterRequest struct {
	ChapterID     uuid.UUID `json:"chapter_id" validate:"required"`
	SkipCompleted bool      `json:"skip_completed"`
}

type ExportAudioRequest struct {
	ProjectID   uuid.UUID     `json:"project_id" validate:"required"`
	Format      ExportFormat  `json:"format" validate:"required,oneof=mp3 wav m4a"`
	Quality     ExportQuality `json:"quality" validate:"required,oneof=low medium high"`
	ExportRange ExportRange   `json:"export_range"`
}

type UpdateDialogueRequest struct {
	Content     *string      `json:"content,omitempty" validate:"omitempty,min=1"`
	CharacterID *uuid.UUID   `json:"character_id,omitempty"`
	VoiceConfig *VoiceConfig `json:"voice_config,omitempty"`
	PauseAfter  *int         `json:"pause_after,omitempty" validate:"omitempty,min=0"`
	// ClearCharacter detaches the dialogue from its character, leaving plain narration.
	ClearCharacter bool `json:"clear_character,omitempty"`
}

// Response DTOs

type DialogueResponse struct {
	Dialogue
	AudioURL *string `json:"audio_url,omitempty"`
}

type JobAcceptedResponse struct {
	JobID   uuid.UUID   `json:"job_id"`
	Kind    JobKind     `json:"kind"`
	Total   int         `json:"total"`
	Skipped []uuid.UUID `json:"skipped,omitempty"`
}

type AudioExportResponse struct {
	AudioExport
	URL string `json:"url"`
}

type EnginesResponse struct {
	Engines []string `json:"engines"`
	Default string   `json:"default,omitempty"`
}
