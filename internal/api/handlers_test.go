package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/models"
	"github.com/bobarin/voxbook/internal/orchestrator"
	"github.com/bobarin/voxbook/internal/services"
	"github.com/bobarin/voxbook/internal/validation"
)

type fakeStore struct {
	chapters   map[uuid.UUID]models.Chapter
	dialogues  map[uuid.UUID][]models.Dialogue
	characters map[uuid.UUID][]models.Character
}

func (s *fakeStore) GetProject(_ context.Context, id uuid.UUID) (*models.Project, error) {
	for _, c := range s.chapters {
		if c.ProjectID == id {
			return &models.Project{ID: id}, nil
		}
	}
	return nil, domainerrors.NotFoundf("project %s not found", id)
}

func (s *fakeStore) GetChapter(_ context.Context, id uuid.UUID) (*models.Chapter, error) {
	c, ok := s.chapters[id]
	if !ok {
		return nil, domainerrors.NotFoundf("chapter %s not found", id)
	}
	return &c, nil
}

func (s *fakeStore) GetChapterDialogues(_ context.Context, chapterID uuid.UUID) ([]models.Dialogue, error) {
	return s.dialogues[chapterID], nil
}

func (s *fakeStore) DialogueIDsInOrder(_ context.Context, chapterID uuid.UUID) ([]uuid.UUID, error) {
	if _, ok := s.chapters[chapterID]; !ok {
		return nil, domainerrors.NotFoundf("chapter %s not found", chapterID)
	}
	var ids []uuid.UUID
	for _, d := range s.dialogues[chapterID] {
		ids = append(ids, d.ID)
	}
	return ids, nil
}

func (s *fakeStore) GetDialogue(_ context.Context, id uuid.UUID) (*models.Dialogue, error) {
	for _, list := range s.dialogues {
		for _, d := range list {
			if d.ID == id {
				return &d, nil
			}
		}
	}
	return nil, domainerrors.NotFoundf("dialogue %s not found", id)
}

func (s *fakeStore) ListCharacters(_ context.Context, projectID uuid.UUID) ([]models.Character, error) {
	return s.characters[projectID], nil
}

func (s *fakeStore) ListAudioExports(_ context.Context, projectID uuid.UUID) ([]models.AudioExport, error) {
	return nil, nil
}

func (s *fakeStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	return nil, domainerrors.NotFoundf("job %s not found", id)
}

type urls struct{}

func (urls) GetPublicURL(p string) string { return "https://cdn.test/" + p }

// gatedTransport answers generate requests once release is closed.
type gatedTransport struct {
	release chan struct{}
}

func (t *gatedTransport) Send(ctx context.Context, method, path string, body any) ([]byte, error) {
	select {
	case <-t.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p := body.(orchestrator.GeneratePayload)
	return json.Marshal(orchestrator.GenerateResult{
		DialogueID: p.DialogueID,
		AudioPath:  p.ChapterID.String() + "/dialogue_" + p.DialogueID.String() + ".mp3",
		Duration:   1.5,
	})
}

type fixture struct {
	server    *httptest.Server
	orch      *orchestrator.Orchestrator
	transport *gatedTransport
	projectID uuid.UUID
	chapterID uuid.UUID
	dialogues []models.Dialogue
	character models.Character
}

func newFixture(t *testing.T, cfg RouterConfig) *fixture {
	t.Helper()

	projectID, chapterID := uuid.New(), uuid.New()
	character := models.Character{ID: uuid.New(), ProjectID: projectID, Name: "Alice", VoiceConfig: models.VoiceConfig{Engine: "mock", VoiceID: "alice"}}
	path := "c/existing.mp3"
	dialogues := []models.Dialogue{
		{ID: uuid.New(), ChapterID: chapterID, OrderIndex: 0, Content: "Once upon a time.", Status: models.DialogueStatusPending},
		{ID: uuid.New(), ChapterID: chapterID, OrderIndex: 1, Content: "Hello!", CharacterID: &character.ID, Status: models.DialogueStatusCompleted, AudioPath: &path},
	}
	store := &fakeStore{
		chapters:   map[uuid.UUID]models.Chapter{chapterID: {ID: chapterID, ProjectID: projectID}},
		dialogues:  map[uuid.UUID][]models.Dialogue{chapterID: dialogues},
		characters: map[uuid.UUID][]models.Character{projectID: {character}},
	}

	tr := &gatedTransport{release: make(chan struct{})}
	v := validation.New()
	orch := orchestrator.New(orchestrator.Deps{
		Transport: tr,
		Chapters:  store,
		Dialogues: store,
		Validator: v,
	}, orchestrator.WithTimeout(5*time.Second))

	engines := services.NewTTSRegistry("mock")
	engines.Register(services.MockTTSService{})
	server := httptest.NewServer(NewRouter(NewHandler(orch, store, urls{}, engines, v), cfg))
	t.Cleanup(server.Close)

	return &fixture{
		server:    server,
		orch:      orch,
		transport: tr,
		projectID: projectID,
		chapterID: chapterID,
		dialogues: dialogues,
		character: character,
	}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp, out
}

func TestListChapterDialogues(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	resp, err := http.Get(f.server.URL + "/v1/chapters/" + f.chapterID.String() + "/dialogues")
	if err != nil {
		t.Fatalf("get dialogues: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var got []models.DialogueResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].ID != f.dialogues[0].ID || got[1].ID != f.dialogues[1].ID {
		t.Fatalf("unexpected dialogues %+v", got)
	}
	if got[0].AudioURL != nil {
		t.Errorf("pending dialogue should have no audio url")
	}
	if got[1].AudioURL == nil || *got[1].AudioURL != "https://cdn.test/c/existing.mp3" {
		t.Errorf("unexpected audio url %v", got[1].AudioURL)
	}

	if f.orch.Dialogues().Len() != 2 {
		t.Errorf("expected dialogues cached, got %d", f.orch.Dialogues().Len())
	}
	if _, ok := f.orch.Characters().Get(f.character.ID); !ok {
		t.Error("expected project characters cached")
	}
}

func TestGenerateAudioConflict(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	id := f.dialogues[0].ID

	resp, body := f.do(t, http.MethodPost, "/v1/audio/generate", `{"dialogue_id":"`+id.String()+`"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %v", resp.StatusCode, body)
	}
	jobID := uuid.MustParse(body["job_id"].(string))

	resp, body = f.do(t, http.MethodPost, "/v1/audio/generate", `{"dialogue_id":"`+id.String()+`"}`)
	if resp.StatusCode != http.StatusConflict || body["code"] != string(domainerrors.CodeAlreadyInFlight) {
		t.Fatalf("expected 409 ALREADY_IN_FLIGHT, got %d %v", resp.StatusCode, body)
	}

	close(f.transport.release)
	job, ok := f.orch.Job(jobID)
	if !ok {
		t.Fatalf("job %s not registered", jobID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := job.Wait(ctx); err != nil {
		t.Fatalf("job failed: %v", err)
	}

	resp, body = f.do(t, http.MethodGet, "/v1/jobs/"+jobID.String(), "")
	if resp.StatusCode != http.StatusOK || body["status"] != string(models.JobStatusSucceeded) {
		t.Errorf("unexpected job snapshot %d %v", resp.StatusCode, body)
	}

	resp, body = f.do(t, http.MethodGet, "/v1/dialogues/"+id.String(), "")
	if resp.StatusCode != http.StatusOK || body["status"] != string(models.DialogueStatusCompleted) || body["audio_url"] == nil {
		t.Errorf("unexpected dialogue after generation %d %v", resp.StatusCode, body)
	}
}

func TestBatchGenerateReportsSkipped(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	defer close(f.transport.release)
	a, b := f.dialogues[0].ID, f.dialogues[1].ID

	if resp, body := f.do(t, http.MethodPost, "/v1/audio/generate", `{"dialogue_id":"`+a.String()+`"}`); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %v", resp.StatusCode, body)
	}

	resp, body := f.do(t, http.MethodPost, "/v1/audio/batch-generate", `{"dialogue_ids":["`+a.String()+`","`+b.String()+`","`+b.String()+`"]}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %v", resp.StatusCode, body)
	}
	if body["total"] != float64(2) {
		t.Errorf("expected 2 unique ids, got %v", body["total"])
	}
	skipped, _ := body["skipped"].([]any)
	if len(skipped) != 1 || skipped[0] != a.String() {
		t.Errorf("expected %s skipped, got %v", a, body["skipped"])
	}
}

func TestRequestErrors(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
		code   domainerrors.Code
	}{
		{"malformed body", http.MethodPost, "/v1/audio/generate", `{`, http.StatusBadRequest, domainerrors.CodeValidation},
		{"empty batch", http.MethodPost, "/v1/audio/batch-generate", `{"dialogue_ids":[]}`, http.StatusBadRequest, domainerrors.CodeValidation},
		{"unknown dialogue", http.MethodPost, "/v1/audio/generate", `{"dialogue_id":"` + uuid.NewString() + `"}`, http.StatusNotFound, domainerrors.CodeNotFound},
		{"unknown chapter", http.MethodPost, "/v1/audio/generate-chapter", `{"chapter_id":"` + uuid.NewString() + `"}`, http.StatusNotFound, domainerrors.CodeNotFound},
		{"empty export range", http.MethodPost, "/v1/audio/export", `{"project_id":"` + f.projectID.String() + `","format":"mp3","quality":"high","export_range":{}}`, http.StatusBadRequest, domainerrors.CodeEmptyRange},
		{"bad export format", http.MethodPost, "/v1/audio/export", `{"project_id":"` + f.projectID.String() + `","format":"ogg","quality":"high"}`, http.StatusBadRequest, domainerrors.CodeValidation},
		{"empty edit content", http.MethodPut, "/v1/dialogues/" + f.dialogues[0].ID.String(), `{"content":""}`, http.StatusBadRequest, domainerrors.CodeValidation},
		{"unknown project exports", http.MethodGet, "/v1/audio/exports?project_id=" + uuid.NewString(), "", http.StatusNotFound, domainerrors.CodeNotFound},
		{"bad job id", http.MethodGet, "/v1/jobs/not-a-uuid", "", http.StatusBadRequest, domainerrors.CodeValidation},
		{"unknown job", http.MethodGet, "/v1/jobs/" + uuid.NewString(), "", http.StatusNotFound, domainerrors.CodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.status || body["code"] != string(tt.code) {
				t.Errorf("expected %d %s, got %d %v", tt.status, tt.code, resp.StatusCode, body)
			}
		})
	}
}

func TestUpdateDialogueMarksStale(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	id := f.dialogues[1].ID

	resp, body := f.do(t, http.MethodPut, "/v1/dialogues/"+id.String(), `{"content":"Goodbye!"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", resp.StatusCode, body)
	}
	if body["content"] != "Goodbye!" || body["stale"] != true {
		t.Errorf("expected edited stale dialogue, got %v", body)
	}
}

func TestUpdateDialogueClearsCharacter(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	id := f.dialogues[1].ID

	resp, body := f.do(t, http.MethodPut, "/v1/dialogues/"+id.String(), `{"clear_character":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d %v", resp.StatusCode, body)
	}
	if _, ok := body["character_id"]; ok || body["stale"] != true {
		t.Errorf("expected narration with stale audio, got %v", body)
	}

	body2 := `{"character_id":"` + f.character.ID.String() + `","clear_character":true}`
	if resp, body := f.do(t, http.MethodPut, "/v1/dialogues/"+id.String(), body2); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 for conflicting edit, got %d %v", resp.StatusCode, body)
	}
}

func TestGetDialogueShowsLatest(t *testing.T) {
	f := newFixture(t, RouterConfig{})
	id := f.dialogues[0].ID

	resp, body := f.do(t, http.MethodPost, "/v1/audio/generate", `{"dialogue_id":"`+id.String()+`"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d %v", resp.StatusCode, body)
	}
	jobID := uuid.MustParse(body["job_id"].(string))

	// Viewing the dialogue mid-generation must not pin the generating copy.
	resp, body = f.do(t, http.MethodGet, "/v1/dialogues/"+id.String(), "")
	if resp.StatusCode != http.StatusOK || body["status"] != string(models.DialogueStatusGenerating) {
		t.Fatalf("expected generating dialogue, got %d %v", resp.StatusCode, body)
	}

	close(f.transport.release)
	job, ok := f.orch.Job(jobID)
	if !ok {
		t.Fatalf("job %s not registered", jobID)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := job.Wait(ctx); err != nil {
		t.Fatalf("job failed: %v", err)
	}

	resp, body = f.do(t, http.MethodGet, "/v1/dialogues/"+id.String(), "")
	if resp.StatusCode != http.StatusOK || body["status"] != string(models.DialogueStatusCompleted) {
		t.Fatalf("expected completed dialogue, got %d %v", resp.StatusCode, body)
	}
	if detail, _ := f.orch.Dialogues().Detail(); detail.Status != models.DialogueStatusCompleted {
		t.Errorf("detail view: expected completed, got %s", detail.Status)
	}

	resp, body = f.do(t, http.MethodPost, "/v1/audio/generate", `{"dialogue_id":"`+id.String()+`"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("regeneration should be accepted, got %d %v", resp.StatusCode, body)
	}
}

func TestDeleteUnknownExport(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	resp, _ := f.do(t, http.MethodDelete, "/v1/audio/exports/"+uuid.NewString(), "")
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", resp.StatusCode)
	}
}

func TestListEngines(t *testing.T) {
	f := newFixture(t, RouterConfig{})

	resp, body := f.do(t, http.MethodGet, "/v1/audio/engines", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if diff := cmp.Diff(map[string]any{"engines": []any{"mock"}, "default": "mock"}, body); diff != "" {
		t.Errorf("unexpected engines (-want +got):\n%s", diff)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	f := newFixture(t, RouterConfig{BackendAPIKey: "secret"})
	path := "/v1/jobs/" + uuid.NewString()

	if resp, _ := f.do(t, http.MethodGet, path, ""); resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 without key, got %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, path, "", "X-API-Key", "wrong"); resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 with wrong key, got %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, path, "", "Authorization", "Bearer secret"); resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected request to pass auth, got %d", resp.StatusCode)
	}
	if resp, _ := f.do(t, http.MethodGet, "/health", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("health should not require a key, got %d", resp.StatusCode)
	}
}

func TestAllowedOrigins(t *testing.T) {
	if got := allowedOrigins(""); len(got) != 1 || got[0] != "*" {
		t.Errorf("expected wildcard, got %v", got)
	}
	if got := allowedOrigins(" https://a.test, ,https://b.test "); len(got) != 2 || got[1] != "https://b.test" {
		t.Errorf("unexpected origins %v", got)
	}
}
