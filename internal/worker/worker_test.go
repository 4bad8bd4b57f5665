package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/models"
	"github.com/bobarin/voxbook/internal/orchestrator"
	"github.com/bobarin/voxbook/internal/queue"
	"github.com/bobarin/voxbook/internal/services"
)

type fakeQueue struct {
	mu      sync.Mutex
	replies []*queue.Reply
}

func (q *fakeQueue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (q *fakeQueue) Reply(ctx context.Context, job *queue.Job, reply *queue.Reply) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	reply.JobID = job.ID
	q.replies = append(q.replies, reply)
	return nil
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, types: map[string]string{}}
}

func (s *fakeStore) Upload(ctx context.Context, p string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[p] = data
	s.types[p] = contentType
	return nil
}

func (s *fakeStore) UploadFile(ctx context.Context, storagePath, localPath, contentType string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	return s.Upload(ctx, storagePath, data, contentType)
}

func (s *fakeStore) Download(ctx context.Context, p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[p]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

type fakeDialogues map[uuid.UUID]models.Dialogue

func (f fakeDialogues) GetDialoguesByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Dialogue, error) {
	out := make([]models.Dialogue, 0, len(ids))
	for _, id := range ids {
		d, ok := f[id]
		if !ok {
			return nil, domainerrors.NotFoundf("dialogue %s not found", id)
		}
		out = append(out, d)
	}
	return out, nil
}

// fakeAssembler writes a fixed output instead of running ffmpeg.
type fakeAssembler struct {
	dir        string
	durationMs int
	probeErr   error
	segments   []services.Segment
	inputs     [][]byte
}

func (a *fakeAssembler) ConcatenateAudio(ctx context.Context, segments []services.Segment, outputPath string, format models.ExportFormat, quality models.ExportQuality) error {
	a.segments = segments
	var out []byte
	for _, s := range segments {
		data, err := os.ReadFile(s.Path)
		if err != nil {
			return err
		}
		a.inputs = append(a.inputs, data)
		out = append(out, data...)
	}
	return os.WriteFile(outputPath, out, 0644)
}

func (a *fakeAssembler) GetAudioDuration(ctx context.Context, audioPath string) (int, error) {
	return a.durationMs, a.probeErr
}

func (a *fakeAssembler) CreateTempFile(filename string) string {
	return filepath.Join(a.dir, filename)
}

func (a *fakeAssembler) Cleanup(paths ...string) {
	for _, p := range paths {
		os.Remove(p)
	}
}

func newTestWorker(t *testing.T, dialogues fakeDialogues) (*Worker, *fakeStore, *fakeAssembler) {
	t.Helper()
	registry := services.NewTTSRegistry("mock")
	registry.Register(services.MockTTSService{})
	store := newFakeStore()
	asm := &fakeAssembler{dir: t.TempDir(), probeErr: errors.New("ffprobe unavailable")}
	return New(&fakeQueue{}, dialogues, store, registry, asm), store, asm
}

func jobFor(t *testing.T, path string, payload any) *queue.Job {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &queue.Job{ID: uuid.New(), Method: http.MethodPost, Path: path, Body: body}
}

func TestGenerateUploadsAudio(t *testing.T) {
	w, store, _ := newTestWorker(t, nil)
	chapterID, dialogueID := uuid.New(), uuid.New()

	reply := w.dispatch(context.Background(), jobFor(t, orchestrator.PathGenerate, orchestrator.GeneratePayload{
		DialogueID: dialogueID,
		ChapterID:  chapterID,
		Content:    strings.Repeat("a", 30),
	}))
	if !reply.OK() {
		t.Fatalf("expected OK reply, got %d %s", reply.Code, reply.Message)
	}

	var result orchestrator.GenerateResult
	if err := json.Unmarshal(reply.Data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	wantPath := chapterID.String() + "/dialogue_" + dialogueID.String() + ".wav"
	if result.AudioPath != wantPath || result.DialogueID != dialogueID {
		t.Errorf("unexpected result %+v", result)
	}
	if result.Duration != 2.0 {
		t.Errorf("expected estimated 2.0s when probing fails, got %v", result.Duration)
	}
	if _, ok := store.objects[wantPath]; !ok {
		t.Errorf("audio not uploaded to %s", wantPath)
	}
	if store.types[wantPath] != "audio/wav" {
		t.Errorf("unexpected content type %q", store.types[wantPath])
	}
}

func TestGenerateUsesProbedDuration(t *testing.T) {
	w, _, asm := newTestWorker(t, nil)
	asm.probeErr = nil
	asm.durationMs = 1234

	reply := w.dispatch(context.Background(), jobFor(t, orchestrator.PathGenerate, orchestrator.GeneratePayload{
		DialogueID: uuid.New(), ChapterID: uuid.New(), Content: "Hello.",
	}))
	var result orchestrator.GenerateResult
	if err := json.Unmarshal(reply.Data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Duration != 1.234 {
		t.Errorf("expected probed duration 1.234s, got %v", result.Duration)
	}
}

func TestDispatchErrors(t *testing.T) {
	w, _, _ := newTestWorker(t, nil)

	tests := []struct {
		name string
		job  *queue.Job
		code int
	}{
		{
			name: "unknown path",
			job:  jobFor(t, "/audio/remix", map[string]string{}),
			code: http.StatusNotFound,
		},
		{
			name: "unknown engine",
			job: jobFor(t, orchestrator.PathGenerate, orchestrator.GeneratePayload{
				DialogueID: uuid.New(), ChapterID: uuid.New(), Content: "Hi",
				VoiceConfig: models.VoiceConfig{Engine: "azure"},
			}),
			code: http.StatusBadRequest,
		},
		{
			name: "empty content",
			job: jobFor(t, orchestrator.PathGenerate, orchestrator.GeneratePayload{
				DialogueID: uuid.New(), ChapterID: uuid.New(),
			}),
			code: http.StatusBadRequest,
		},
		{
			name: "malformed body",
			job:  &queue.Job{ID: uuid.New(), Method: http.MethodPost, Path: orchestrator.PathExport, Body: json.RawMessage(`"nope"`)},
			code: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply := w.dispatch(context.Background(), tt.job)
			if reply.Code != tt.code {
				t.Errorf("expected %d, got %d (%s)", tt.code, reply.Code, reply.Message)
			}
			if reply.Message == "" {
				t.Error("expected an error message")
			}
		})
	}
}

func TestExportAssemblesInOrder(t *testing.T) {
	exportID, projectID := uuid.New(), uuid.New()
	d1 := models.Dialogue{ID: uuid.New(), AudioPath: strPtr("c/d1.mp3"), Duration: 1.0, PauseAfter: 500}
	d2 := models.Dialogue{ID: uuid.New(), AudioPath: strPtr("c/d2.mp3"), Duration: 2.0, PauseAfter: 800}

	w, store, asm := newTestWorker(t, fakeDialogues{d1.ID: d1, d2.ID: d2})
	store.objects["c/d1.mp3"] = []byte("one")
	store.objects["c/d2.mp3"] = []byte("two")

	reply := w.dispatch(context.Background(), jobFor(t, orchestrator.PathExport, orchestrator.ExportPayload{
		ExportID:    exportID,
		ProjectID:   projectID,
		Format:      models.ExportFormatM4A,
		Quality:     models.ExportQualityMedium,
		DialogueIDs: []uuid.UUID{d2.ID, d1.ID},
	}))
	if !reply.OK() {
		t.Fatalf("expected OK reply, got %d %s", reply.Code, reply.Message)
	}

	var result orchestrator.ExportResult
	if err := json.Unmarshal(reply.Data, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	wantPath := "exports/" + projectID.String() + "/" + exportID.String() + ".m4a"
	want := orchestrator.ExportResult{FilePath: wantPath, FileSize: 6, Duration: 3.8}
	if diff := cmp.Diff(want, result); diff != "" {
		t.Errorf("unexpected result (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([][]byte{[]byte("two"), []byte("one")}, asm.inputs); diff != "" {
		t.Errorf("segments out of order (-want +got):\n%s", diff)
	}
	if asm.segments[0].PauseMs != 800 || asm.segments[1].PauseMs != 500 {
		t.Errorf("unexpected pauses %+v", asm.segments)
	}
	if string(store.objects[wantPath]) != "twoone" || store.types[wantPath] != "audio/mp4" {
		t.Errorf("export not uploaded as expected")
	}
}

func TestExportRequiresAudio(t *testing.T) {
	d := models.Dialogue{ID: uuid.New()}
	w, _, _ := newTestWorker(t, fakeDialogues{d.ID: d})

	reply := w.dispatch(context.Background(), jobFor(t, orchestrator.PathExport, orchestrator.ExportPayload{
		ExportID: uuid.New(), ProjectID: uuid.New(), DialogueIDs: []uuid.UUID{d.ID},
	}))
	if reply.Code != http.StatusBadRequest || !strings.Contains(reply.Message, "no generated audio") {
		t.Errorf("expected 400 for missing audio, got %d %s", reply.Code, reply.Message)
	}

	reply = w.dispatch(context.Background(), jobFor(t, orchestrator.PathExport, orchestrator.ExportPayload{
		ExportID: uuid.New(), ProjectID: uuid.New(), DialogueIDs: []uuid.UUID{uuid.New()},
	}))
	if reply.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown dialogue, got %d %s", reply.Code, reply.Message)
	}
}

func TestProcessAlwaysReplies(t *testing.T) {
	w, _, _ := newTestWorker(t, nil)
	q := w.queue.(*fakeQueue)

	job := jobFor(t, "/unknown", nil)
	w.process(context.Background(), job)

	if len(q.replies) != 1 || q.replies[0].JobID != job.ID || q.replies[0].OK() {
		t.Fatalf("expected one failure reply for job %s, got %+v", job.ID, q.replies)
	}
}

func TestSummedDuration(t *testing.T) {
	got := summedDuration([]models.Dialogue{
		{Duration: 1.5, PauseAfter: 300},
		{Duration: 0.5, PauseAfter: 700},
	})
	if got != 2300 {
		t.Errorf("expected 2300ms (last pause excluded), got %d", got)
	}
}

func strPtr(s string) *string { return &s }
