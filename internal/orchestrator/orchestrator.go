// Package orchestrator starts audio generation and export jobs, tracks which
// dialogues are in flight, and reconciles worker results into the entity
// caches.
//
// Every check-and-set of an in-flight marker and every reconciliation runs
// under a single mutex, so completions are applied one at a time in the order
// they arrive. Operations return a *Job immediately; the caller follows
// progress through Job.Done, Job.Wait or Job.Snapshot.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/voxbook/internal/cache"
	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/models"
	"github.com/bobarin/voxbook/internal/selection"
	"github.com/bobarin/voxbook/internal/validation"
)

const (
	defaultConcurrency  = 4
	defaultTimeout      = 2 * time.Minute
	defaultJobRetention = time.Hour
)

// Transport carries requests to the synthesis worker.
type Transport interface {
	Send(ctx context.Context, method, path string, body any) ([]byte, error)
}

// DialogueSource loads a dialogue that is not yet cached.
type DialogueSource interface {
	GetDialogue(ctx context.Context, id uuid.UUID) (*models.Dialogue, error)
}

// ExportSource loads an export record that is not yet cached.
type ExportSource interface {
	GetAudioExport(ctx context.Context, id uuid.UUID) (*models.AudioExport, error)
}

// ArtifactStore removes exported files.
type ArtifactStore interface {
	Delete(ctx context.Context, path string) error
}

// JobRecorder persists job lifecycle rows.
type JobRecorder interface {
	CreateJob(ctx context.Context, job *models.Job) error
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, errorMessage *string) error
}

// Validator checks request and response payloads.
type Validator interface {
	Validate(s any) error
}

type (
	DialogueCache  = cache.Cache[uuid.UUID, models.Dialogue]
	CharacterCache = cache.Cache[uuid.UUID, models.Character]
	ExportCache    = cache.Cache[uuid.UUID, models.AudioExport]
)

// Deps are the orchestrator's collaborators. Transport and Chapters are
// required; nil caches are created empty.
type Deps struct {
	Transport Transport
	Chapters  selection.ChapterSource
	Dialogues DialogueSource
	Exports   ExportSource
	Artifacts ArtifactStore
	Recorder  JobRecorder
	Validator Validator

	DialogueCache  *DialogueCache
	CharacterCache *CharacterCache
	ExportCache    *ExportCache
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConcurrency bounds the number of simultaneous requests per batch.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithTimeout sets the per-request transport timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithJobRetention sets how long finished jobs stay queryable.
func WithJobRetention(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.retention = d
	}
}

type flight struct {
	jobID    uuid.UUID
	revision int
	snapshot models.Dialogue
}

type Orchestrator struct {
	transport   Transport
	chapters    selection.ChapterSource
	resolver    *selection.Resolver
	dialogueSrc DialogueSource
	exportSrc   ExportSource
	artifacts   ArtifactStore
	recorder    JobRecorder
	validator   Validator

	dialogues  *DialogueCache
	characters *CharacterCache
	exports    *ExportCache

	concurrency int
	timeout     time.Duration
	retention   time.Duration
	now         func() time.Time

	mu       sync.Mutex
	inFlight map[uuid.UUID]flight

	jobsMu sync.RWMutex
	jobs   map[uuid.UUID]*Job
}

func New(deps Deps, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		transport:   deps.Transport,
		chapters:    deps.Chapters,
		resolver:    selection.New(deps.Chapters),
		dialogueSrc: deps.Dialogues,
		exportSrc:   deps.Exports,
		artifacts:   deps.Artifacts,
		recorder:    deps.Recorder,
		validator:   deps.Validator,
		dialogues:   deps.DialogueCache,
		characters:  deps.CharacterCache,
		exports:     deps.ExportCache,
		concurrency: defaultConcurrency,
		timeout:     defaultTimeout,
		retention:   defaultJobRetention,
		now:         time.Now,
		inFlight:    make(map[uuid.UUID]flight),
		jobs:        make(map[uuid.UUID]*Job),
	}
	if o.validator == nil {
		o.validator = validation.New()
	}
	if o.dialogues == nil {
		o.dialogues = cache.New[uuid.UUID, models.Dialogue](func(d models.Dialogue) uuid.UUID { return d.ID })
	}
	if o.characters == nil {
		o.characters = cache.New[uuid.UUID, models.Character](func(c models.Character) uuid.UUID { return c.ID })
	}
	if o.exports == nil {
		o.exports = cache.New[uuid.UUID, models.AudioExport](func(e models.AudioExport) uuid.UUID { return e.ID })
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) Dialogues() *DialogueCache   { return o.dialogues }
func (o *Orchestrator) Characters() *CharacterCache { return o.characters }
func (o *Orchestrator) Exports() *ExportCache       { return o.exports }

// Job returns a job started by this process.
func (o *Orchestrator) Job(id uuid.UUID) (*Job, bool) {
	o.jobsMu.RLock()
	defer o.jobsMu.RUnlock()
	j, ok := o.jobs[id]
	return j, ok
}

// InFlight returns the ids of dialogues currently being generated.
func (o *Orchestrator) InFlight() []uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(o.inFlight))
	for id := range o.inFlight {
		ids = append(ids, id)
	}
	return ids
}

func (o *Orchestrator) IsInFlight(id uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inFlight[id]
	return ok
}

// ReplaceDialogues overwrites the dialogue list view with freshly loaded
// rows. A row older than the cached copy (by UpdatedAt) does not overwrite
// it, and in-flight dialogues keep their generating status.
func (o *Orchestrator) ReplaceDialogues(rows []models.Dialogue) {
	o.mu.Lock()
	defer o.mu.Unlock()

	merged := make([]models.Dialogue, 0, len(rows))
	for _, row := range rows {
		cached, ok := o.dialogues.Get(row.ID)
		_, busy := o.inFlight[row.ID]
		if ok && (busy || cached.UpdatedAt.After(row.UpdatedAt)) {
			merged = append(merged, cached)
			continue
		}
		merged = append(merged, row)
	}
	o.dialogues.ReplaceList(merged)
}

// ShowDialogue points the dialogue detail view at id and returns the value it
// shows. A cached value is never replaced; a loaded row is only inserted when
// nothing is cached for id by the time it arrives.
func (o *Orchestrator) ShowDialogue(ctx context.Context, id uuid.UUID) (models.Dialogue, error) {
	if d, ok := o.dialogues.PointDetail(id); ok {
		return d, nil
	}

	loaded, err := o.lookupDialogue(ctx, id)
	if err != nil {
		return models.Dialogue{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dialogues.ShowDetail(loaded), nil
}

// lookupDialogue returns the cached dialogue, loading it when absent.
func (o *Orchestrator) lookupDialogue(ctx context.Context, id uuid.UUID) (models.Dialogue, error) {
	if d, ok := o.dialogues.Get(id); ok {
		return d, nil
	}
	if o.dialogueSrc == nil {
		return models.Dialogue{}, domainerrors.NotFoundf("dialogue %s not found", id)
	}
	d, err := o.dialogueSrc.GetDialogue(ctx, id)
	if err != nil {
		return models.Dialogue{}, err
	}
	if d == nil {
		return models.Dialogue{}, domainerrors.NotFoundf("dialogue %s not found", id)
	}
	return *d, nil
}

func (o *Orchestrator) register(job *Job) {
	o.jobsMu.Lock()
	defer o.jobsMu.Unlock()

	if o.retention > 0 {
		cutoff := o.now().Add(-o.retention)
		for id, j := range o.jobs {
			if j.finishedBefore(cutoff) {
				delete(o.jobs, id)
			}
		}
	}
	o.jobs[job.ID] = job
}

func (o *Orchestrator) recordCreated(ctx context.Context, job *Job, ids []uuid.UUID, projectID, chapterID *uuid.UUID) {
	if o.recorder == nil {
		return
	}
	row := &models.Job{
		ID:          job.ID,
		Kind:        job.Kind,
		Status:      models.JobStatusQueued,
		ProjectID:   projectID,
		ChapterID:   chapterID,
		DialogueIDs: ids,
		CreatedAt:   job.CreatedAt,
	}
	if err := o.recorder.CreateJob(ctx, row); err != nil {
		log.Printf("[Orchestrator] Failed to record job %s: %v", job.ID, err)
	}
}

func (o *Orchestrator) markRunning(ctx context.Context, job *Job) {
	job.setStatus(models.JobStatusRunning)
	if o.recorder == nil {
		return
	}
	if err := o.recorder.UpdateJobStatus(ctx, job.ID, models.JobStatusRunning, nil); err != nil {
		log.Printf("[Orchestrator] Failed to mark job %s running: %v", job.ID, err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, job *Job) {
	err := job.finish(o.now())

	status := models.JobStatusSucceeded
	var msg *string
	if err != nil {
		status = models.JobStatusFailed
		s := err.Error()
		msg = &s
		log.Printf("[Orchestrator] Job %s (%s) failed: %v", job.ID, job.Kind, err)
	} else {
		log.Printf("[Orchestrator] Job %s (%s) finished", job.ID, job.Kind)
	}

	if o.recorder == nil {
		return
	}
	if rerr := o.recorder.UpdateJobStatus(ctx, job.ID, status, msg); rerr != nil {
		log.Printf("[Orchestrator] Failed to record job %s status: %v", job.ID, rerr)
	}
}

// violation logs an invariant breach loudly and attaches it to the job.
func (o *Orchestrator) violation(job *Job, format string, args ...any) error {
	err := domainerrors.Invariantf(format, args...)
	log.Printf("[Orchestrator] INVARIANT VIOLATION in job %s: %v", job.ID, err)
	job.addErr(err)
	return err
}

func (o *Orchestrator) requestContext(base context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(base, o.timeout)
}

func dedup(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func describe(kind models.JobKind, n int) string {
	if n == 1 {
		return fmt.Sprintf("%s of 1 dialogue", kind)
	}
	return fmt.Sprintf("%s of %d dialogues", kind, n)
}
