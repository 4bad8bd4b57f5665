package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/models"
	"github.com/bobarin/voxbook/internal/orchestrator"
)

// Store is the read side of the database the handlers need.
type Store interface {
	GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error)
	GetChapter(ctx context.Context, id uuid.UUID) (*models.Chapter, error)
	GetChapterDialogues(ctx context.Context, chapterID uuid.UUID) ([]models.Dialogue, error)
	ListCharacters(ctx context.Context, projectID uuid.UUID) ([]models.Character, error)
	ListAudioExports(ctx context.Context, projectID uuid.UUID) ([]models.AudioExport, error)
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
}

// URLBuilder turns a storage path into a URL clients can fetch.
type URLBuilder interface {
	GetPublicURL(path string) string
}

// EngineLister reports the TTS engines a voice config may name.
type EngineLister interface {
	Engines() []string
	Narrator() string
}

type Handler struct {
	orch      *orchestrator.Orchestrator
	store     Store
	urls      URLBuilder
	engines   EngineLister
	validator orchestrator.Validator
}

func NewHandler(orch *orchestrator.Orchestrator, store Store, urls URLBuilder, engines EngineLister, v orchestrator.Validator) *Handler {
	return &Handler{
		orch:      orch,
		store:     store,
		urls:      urls,
		engines:   engines,
		validator: v,
	}
}

// ListChapterDialogues handles GET /v1/chapters/{chapterId}/dialogues
func (h *Handler) ListChapterDialogues(w http.ResponseWriter, r *http.Request) {
	chapterID, ok := parseID(w, r, "chapterId", "chapter")
	if !ok {
		return
	}

	chapter, err := h.store.GetChapter(r.Context(), chapterID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	dialogues, err := h.store.GetChapterDialogues(r.Context(), chapterID)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	// Character voices are resolved from the cache when generation starts.
	if characters, err := h.store.ListCharacters(r.Context(), chapter.ProjectID); err == nil {
		for _, c := range characters {
			h.orch.Characters().Upsert(c)
		}
	} else {
		log.Printf("Warning: could not load characters for project %s: %v", chapter.ProjectID, err)
	}

	h.orch.ReplaceDialogues(dialogues)

	list := h.orch.Dialogues().List()
	responses := make([]models.DialogueResponse, len(list))
	for i, d := range list {
		responses[i] = h.dialogueResponse(d)
	}
	respondJSON(w, http.StatusOK, responses)
}

// GetDialogue handles GET /v1/dialogues/{id}
func (h *Handler) GetDialogue(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "dialogue")
	if !ok {
		return
	}

	d, err := h.orch.ShowDialogue(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.dialogueResponse(d))
}

// UpdateDialogue handles PUT /v1/dialogues/{id}
func (h *Handler) UpdateDialogue(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "dialogue")
	if !ok {
		return
	}

	var req models.UpdateDialogueRequest
	if !h.decode(w, r, &req) {
		return
	}

	d, err := h.orch.EditDialogue(r.Context(), id, orchestrator.DialogueEdit{
		Content:        req.Content,
		CharacterID:    req.CharacterID,
		ClearCharacter: req.ClearCharacter,
		VoiceConfig:    req.VoiceConfig,
		PauseAfter:     req.PauseAfter,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.dialogueResponse(d))
}

// GenerateAudio handles POST /v1/audio/generate
func (h *Handler) GenerateAudio(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateAudioRequest
	if !h.decode(w, r, &req) {
		return
	}

	job, err := h.orch.GenerateOne(r.Context(), req.DialogueID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondAccepted(w, job)
}

// BatchGenerateAudio handles POST /v1/audio/batch-generate
func (h *Handler) BatchGenerateAudio(w http.ResponseWriter, r *http.Request) {
	var req models.BatchGenerateRequest
	if !h.decode(w, r, &req) {
		return
	}

	job, err := h.orch.GenerateBatch(r.Context(), req.DialogueIDs)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondAccepted(w, job)
}

// GenerateChapterAudio handles POST /v1/audio/generate-chapter
func (h *Handler) GenerateChapterAudio(w http.ResponseWriter, r *http.Request) {
	var req models.GenerateChapterRequest
	if !h.decode(w, r, &req) {
		return
	}

	job, err := h.orch.GenerateChapter(r.Context(), req.ChapterID, orchestrator.ChapterOptions{
		SkipCompleted: req.SkipCompleted,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondAccepted(w, job)
}

// ExportAudio handles POST /v1/audio/export
func (h *Handler) ExportAudio(w http.ResponseWriter, r *http.Request) {
	var req models.ExportAudioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, domainerrors.CodeValidation, "Invalid request body")
		return
	}

	// The orchestrator validates the descriptor so empty ranges report EMPTY_RANGE.
	job, err := h.orch.ExportAudio(r.Context(), orchestrator.ExportRequest{
		ProjectID: req.ProjectID,
		Format:    req.Format,
		Quality:   req.Quality,
		Range:     req.ExportRange,
	})
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondAccepted(w, job)
}

// ListAudioExports handles GET /v1/audio/exports?project_id=
func (h *Handler) ListAudioExports(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(r.URL.Query().Get("project_id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, domainerrors.CodeValidation, "Invalid project ID")
		return
	}

	if _, err := h.store.GetProject(r.Context(), projectID); err != nil {
		respondDomainError(w, err)
		return
	}

	exports, err := h.store.ListAudioExports(r.Context(), projectID)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	h.orch.Exports().ReplaceList(exports)

	list := h.orch.Exports().List()
	responses := make([]models.AudioExportResponse, len(list))
	for i, e := range list {
		responses[i] = models.AudioExportResponse{AudioExport: e, URL: h.urls.GetPublicURL(e.FilePath)}
	}
	respondJSON(w, http.StatusOK, responses)
}

// DeleteAudioExport handles DELETE /v1/audio/exports/{id}
func (h *Handler) DeleteAudioExport(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "export")
	if !ok {
		return
	}

	if err := h.orch.DeleteExport(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetJob handles GET /v1/jobs/{id}. Jobs started by this process report live
// progress; older ones fall back to the persisted row.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id", "job")
	if !ok {
		return
	}

	if job, ok := h.orch.Job(id); ok {
		respondJSON(w, http.StatusOK, job.Snapshot())
		return
	}

	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// ListEngines handles GET /v1/audio/engines
func (h *Handler) ListEngines(w http.ResponseWriter, r *http.Request) {
	resp := models.EnginesResponse{Engines: []string{}}
	if h.engines != nil {
		resp.Engines = h.engines.Engines()
		resp.Default = h.engines.Narrator()
	}
	respondJSON(w, http.StatusOK, resp)
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"in_flight": len(h.orch.InFlight()),
	})
}

// Helper methods

func (h *Handler) dialogueResponse(d models.Dialogue) models.DialogueResponse {
	resp := models.DialogueResponse{Dialogue: d}
	if d.AudioPath != nil && *d.AudioPath != "" {
		url := h.urls.GetPublicURL(*d.AudioPath)
		resp.AudioURL = &url
	}
	return resp
}

// decode reads and validates a JSON body, answering the request on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		respondError(w, http.StatusBadRequest, domainerrors.CodeValidation, "Invalid request body")
		return false
	}
	if err := h.validator.Validate(dest); err != nil {
		respondDomainError(w, err)
		return false
	}
	return true
}

func parseID(w http.ResponseWriter, r *http.Request, param, label string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		respondError(w, http.StatusBadRequest, domainerrors.CodeValidation, "Invalid "+label+" ID")
		return uuid.Nil, false
	}
	return id, true
}

func respondAccepted(w http.ResponseWriter, job *orchestrator.Job) {
	respondJSON(w, http.StatusAccepted, models.JobAcceptedResponse{
		JobID:   job.ID,
		Kind:    job.Kind,
		Total:   job.Total(),
		Skipped: job.Skipped(),
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, code domainerrors.Code, message string) {
	respondJSON(w, status, map[string]string{"error": message, "code": string(code)})
}

// respondDomainError maps a coded error to its HTTP status. Uncoded errors are
// logged and reported as internal.
func respondDomainError(w http.ResponseWriter, err error) {
	var de *domainerrors.Error
	if !domainerrors.As(err, &de) {
		log.Printf("[API] internal error: %v", err)
		respondError(w, http.StatusInternalServerError, domainerrors.CodeInternal, "Internal server error")
		return
	}

	body := map[string]any{"error": de.Error(), "code": de.Code}
	if de.Details != nil {
		body["details"] = de.Details
	}
	respondJSON(w, de.HTTPStatus(), body)
}
