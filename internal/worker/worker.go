// Package worker is the synthesis worker: it consumes generate and export
// requests from the synthesis queue and answers each on its reply list.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/models"
	"github.com/bobarin/voxbook/internal/orchestrator"
	"github.com/bobarin/voxbook/internal/queue"
	"github.com/bobarin/voxbook/internal/services"
	"github.com/bobarin/voxbook/internal/storage"
)

const (
	dequeueTimeout     = 5 * time.Second
	maxUploads         = 4
	downloadsPerExport = 6
)

// JobQueue is the part of the queue the worker consumes.
type JobQueue interface {
	Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*queue.Job, error)
	Reply(ctx context.Context, job *queue.Job, reply *queue.Reply) error
}

// DialogueStore loads dialogues for export, in the order asked.
type DialogueStore interface {
	GetDialoguesByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Dialogue, error)
}

// ObjectStore holds dialogue audio and export artifacts.
type ObjectStore interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) error
	UploadFile(ctx context.Context, storagePath, localPath, contentType string) error
	Download(ctx context.Context, path string) ([]byte, error)
}

// AudioAssembler joins and measures audio files on local disk.
type AudioAssembler interface {
	ConcatenateAudio(ctx context.Context, segments []services.Segment, outputPath string, format models.ExportFormat, quality models.ExportQuality) error
	GetAudioDuration(ctx context.Context, audioPath string) (int, error)
	CreateTempFile(filename string) string
	Cleanup(paths ...string)
}

type handlerFunc func(ctx context.Context, body json.RawMessage) (any, error)

type Worker struct {
	queue     JobQueue
	dialogues DialogueStore
	storage   ObjectStore
	tts       *services.TTSRegistry
	ffmpeg    AudioAssembler
	uploadSem chan struct{} // limits concurrent storage uploads across handlers
	handlers  map[string]handlerFunc
}

func New(
	q JobQueue,
	dialogues DialogueStore,
	stor ObjectStore,
	tts *services.TTSRegistry,
	ffmpegSvc AudioAssembler,
) *Worker {
	w := &Worker{
		queue:     q,
		dialogues: dialogues,
		storage:   stor,
		tts:       tts,
		ffmpeg:    ffmpegSvc,
		uploadSem: make(chan struct{}, maxUploads),
	}
	w.handlers = map[string]handlerFunc{
		orchestrator.PathGenerate: w.handleGenerate,
		orchestrator.PathExport:   w.handleExport,
	}
	return w
}

// uploadWithLimit wraps an upload call with a semaphore to prevent storage congestion.
func (w *Worker) uploadWithLimit(ctx context.Context, label string, fn func() error) error {
	select {
	case w.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-w.uploadSem }()

	log.Printf("[Upload] %s uploading...", label)
	return fn()
}

// Start consumes the synthesis queue with concurrency consumers until ctx is done.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	log.Printf("Worker started with concurrency: %d (engines: %v)", concurrency, w.tts.Engines())

	for i := 0; i < concurrency; i++ {
		go w.processQueue(ctx, queue.QueueSynthesis)
	}

	<-ctx.Done()
	log.Println("Worker shutting down...")
}

func (w *Worker) processQueue(ctx context.Context, queueName string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, queueName, dequeueTimeout)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("Error dequeuing from %s: %v", queueName, err)
				continue
			}
			if job == nil {
				continue
			}
			w.process(ctx, job)
		}
	}
}

// process runs one job and always answers it, so the sender never waits
// out its full timeout on a handler error.
func (w *Worker) process(ctx context.Context, job *queue.Job) {
	log.Printf("Processing job %s (%s %s)", job.ID, job.Method, job.Path)

	reply := w.dispatch(ctx, job)
	if reply.OK() {
		log.Printf("Job %s completed successfully", job.ID)
	} else {
		log.Printf("Job %s failed (%d): %s", job.ID, reply.Code, reply.Message)
	}

	if err := w.queue.Reply(ctx, job, reply); err != nil {
		log.Printf("Failed to reply to job %s: %v", job.ID, err)
	}
}

func (w *Worker) dispatch(ctx context.Context, job *queue.Job) *queue.Reply {
	handler, ok := w.handlers[job.Path]
	if !ok || (job.Method != "" && job.Method != http.MethodPost) {
		return &queue.Reply{Code: http.StatusNotFound, Message: fmt.Sprintf("no handler for %s %s", job.Method, job.Path)}
	}

	result, err := handler(ctx, job.Body)
	if err != nil {
		return &queue.Reply{Code: domainerrors.CodeOf(err).HTTPStatus(), Message: err.Error()}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return &queue.Reply{Code: http.StatusInternalServerError, Message: fmt.Sprintf("failed to encode result: %v", err)}
	}
	return &queue.Reply{Code: http.StatusOK, Data: data}
}

// handleGenerate synthesizes one dialogue and stores the audio next to its chapter.
func (w *Worker) handleGenerate(ctx context.Context, body json.RawMessage) (any, error) {
	var p orchestrator.GeneratePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, domainerrors.Validationf("invalid generate payload: %v", err)
	}
	if p.DialogueID == uuid.Nil || p.ChapterID == uuid.Nil {
		return nil, domainerrors.Validation("dialogue_id and chapter_id are required")
	}
	if p.Content == "" {
		return nil, domainerrors.Validationf("dialogue %s has no content", p.DialogueID)
	}

	tts, err := w.tts.Resolve(p.VoiceConfig.Engine)
	if err != nil {
		return nil, domainerrors.Wrap(err, domainerrors.CodeValidation, err.Error())
	}

	log.Printf("Dialogue %s: generating speech with %s...", p.DialogueID, tts.Engine())
	resp, err := tts.GenerateSpeech(ctx, services.SpeechRequestFor(p.Content, p.VoiceConfig))
	if err != nil {
		return nil, fmt.Errorf("failed to generate speech: %w", err)
	}

	format := models.ExportFormat(resp.Format)
	audioPath := storage.DialogueAudioPath(p.ChapterID, p.DialogueID, resp.Format)
	durationMs := w.measure(ctx, p.DialogueID, resp, format)

	if err := w.uploadWithLimit(ctx, fmt.Sprintf("dialogue_%s_audio", p.DialogueID.String()[:8]), func() error {
		return w.storage.Upload(ctx, audioPath, resp.AudioData, format.ContentType())
	}); err != nil {
		return nil, fmt.Errorf("failed to upload dialogue audio: %w", err)
	}

	return orchestrator.GenerateResult{
		DialogueID: p.DialogueID,
		AudioPath:  audioPath,
		Duration:   float64(durationMs) / 1000.0,
	}, nil
}

// measure probes the synthesized audio, falling back to the provider's estimate.
func (w *Worker) measure(ctx context.Context, dialogueID uuid.UUID, resp *services.TTSResponse, format models.ExportFormat) int {
	tempPath := w.ffmpeg.CreateTempFile(fmt.Sprintf("dialogue_%s.%s", dialogueID, format))
	defer w.ffmpeg.Cleanup(tempPath)

	if err := os.WriteFile(tempPath, resp.AudioData, 0644); err != nil {
		log.Printf("Warning: could not write audio for probing, using estimate: %v", err)
		return resp.DurationMs
	}
	durationMs, err := w.ffmpeg.GetAudioDuration(ctx, tempPath)
	if err != nil || durationMs <= 0 {
		log.Printf("Warning: could not get audio duration, using estimate %dms: %v", resp.DurationMs, err)
		return resp.DurationMs
	}
	return durationMs
}

// handleExport assembles the dialogues' audio, in the given order, into a
// single file separated by each dialogue's pause.
func (w *Worker) handleExport(ctx context.Context, body json.RawMessage) (any, error) {
	var p orchestrator.ExportPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, domainerrors.Validationf("invalid export payload: %v", err)
	}
	if p.ExportID == uuid.Nil || p.ProjectID == uuid.Nil {
		return nil, domainerrors.Validation("export_id and project_id are required")
	}
	if len(p.DialogueIDs) == 0 {
		return nil, domainerrors.Validation("export has no dialogues")
	}
	if p.Format == "" {
		p.Format = models.ExportFormatMP3
	}
	if p.Quality == "" {
		p.Quality = models.ExportQualityHigh
	}

	log.Printf("Export %s: assembling %d dialogues (%s, %s)", p.ExportID, len(p.DialogueIDs), p.Format, p.Quality)

	dialogues, err := w.dialogues.GetDialoguesByIDs(ctx, p.DialogueIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load dialogues: %w", err)
	}
	if err := requireAudio(dialogues); err != nil {
		return nil, err
	}

	segments := make([]services.Segment, len(dialogues))
	defer func() {
		for _, s := range segments {
			if s.Path != "" {
				w.ffmpeg.Cleanup(s.Path)
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(downloadsPerExport)
	for i, d := range dialogues {
		g.Go(func() error {
			data, err := w.storage.Download(gctx, *d.AudioPath)
			if err != nil {
				return fmt.Errorf("failed to download audio for dialogue %s: %w", d.ID, err)
			}
			tempPath := w.ffmpeg.CreateTempFile(fmt.Sprintf("export_%s_%04d_%s", p.ExportID, i, path.Base(*d.AudioPath)))
			if err := os.WriteFile(tempPath, data, 0644); err != nil {
				return fmt.Errorf("failed to write audio for dialogue %s: %w", d.ID, err)
			}
			segments[i] = services.Segment{Path: tempPath, PauseMs: d.PauseAfter}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	outputPath := w.ffmpeg.CreateTempFile(fmt.Sprintf("export_%s.%s", p.ExportID, p.Format))
	defer w.ffmpeg.Cleanup(outputPath)

	if err := w.ffmpeg.ConcatenateAudio(ctx, segments, outputPath, p.Format, p.Quality); err != nil {
		return nil, fmt.Errorf("failed to concatenate audio: %w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat export file: %w", err)
	}

	durationMs, err := w.ffmpeg.GetAudioDuration(ctx, outputPath)
	if err != nil {
		log.Printf("Warning: could not measure export duration, summing segments: %v", err)
		durationMs = summedDuration(dialogues)
	}

	filePath := storage.ExportPath(p.ProjectID, p.ExportID, string(p.Format))
	if err := w.uploadWithLimit(ctx, fmt.Sprintf("export_%s", p.ExportID.String()[:8]), func() error {
		return w.storage.UploadFile(ctx, filePath, outputPath, p.Format.ContentType())
	}); err != nil {
		return nil, fmt.Errorf("failed to upload export: %w", err)
	}

	return orchestrator.ExportResult{
		FilePath: filePath,
		FileSize: info.Size(),
		Duration: float64(durationMs) / 1000.0,
	}, nil
}

// requireAudio fails when any dialogue has nothing to assemble.
func requireAudio(dialogues []models.Dialogue) error {
	for _, d := range dialogues {
		if d.AudioPath == nil || *d.AudioPath == "" {
			return domainerrors.Validationf("dialogue %s has no generated audio", d.ID)
		}
	}
	return nil
}

// summedDuration is the export length implied by the dialogues and the
// pauses between them, in milliseconds.
func summedDuration(dialogues []models.Dialogue) int {
	total := 0
	for i, d := range dialogues {
		total += int(d.Duration * 1000)
		if i < len(dialogues)-1 {
			total += d.PauseAfter
		}
	}
	return total
}
