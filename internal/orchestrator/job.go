package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/models"
)

// Outcome is the per-dialogue result of a generation job.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"  // already in flight, or up to date
	OutcomeRejected  Outcome = "rejected" // unknown dialogue
)

// DialogueResult reports what happened to one dialogue of a job.
type DialogueResult struct {
	Outcome   Outcome               `json:"outcome"`
	Status    models.DialogueStatus `json:"status,omitempty"`
	AudioPath *string               `json:"audio_path,omitempty"`
	Error     string                `json:"error,omitempty"`
	Stale     bool                  `json:"stale,omitempty"`
}

// Result is the outcome of a finished job. Dialogues is keyed by every
// unique id submitted; Export is set only for successful export jobs.
type Result struct {
	Dialogues map[uuid.UUID]DialogueResult `json:"dialogues,omitempty"`
	Export    *models.AudioExport          `json:"export,omitempty"`
}

// Succeeded returns the ids that completed, sorted for stable output.
func (r *Result) Succeeded() []uuid.UUID {
	return r.withOutcome(OutcomeCompleted)
}

// Failed returns the ids that failed, sorted for stable output.
func (r *Result) Failed() []uuid.UUID {
	return r.withOutcome(OutcomeFailed)
}

func (r *Result) withOutcome(o Outcome) []uuid.UUID {
	var ids []uuid.UUID
	for id, res := range r.Dialogues {
		if res.Outcome == o {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// JobSnapshot is a point-in-time view of a job, safe to serialize.
type JobSnapshot struct {
	ID         uuid.UUID                    `json:"id"`
	Kind       models.JobKind               `json:"kind"`
	Status     models.JobStatus             `json:"status"`
	Total      int                          `json:"total"`
	Completed  int                          `json:"completed"`
	Failed     int                          `json:"failed"`
	Skipped    int                          `json:"skipped"`
	Rejected   int                          `json:"rejected"`
	Results    map[uuid.UUID]DialogueResult `json:"results,omitempty"`
	Export     *models.AudioExport          `json:"export,omitempty"`
	Error      string                       `json:"error,omitempty"`
	ErrorCode  domainerrors.Code            `json:"error_code,omitempty"`
	CreatedAt  time.Time                    `json:"created_at"`
	FinishedAt *time.Time                   `json:"finished_at,omitempty"`
}

// Job is a handle on asynchronous work started by the orchestrator.
type Job struct {
	ID        uuid.UUID
	Kind      models.JobKind
	CreatedAt time.Time

	total int
	done  chan struct{}

	mu         sync.Mutex
	status     models.JobStatus
	results    map[uuid.UUID]DialogueResult
	export     *models.AudioExport
	errs       []error
	finishedAt *time.Time
}

func newJob(id uuid.UUID, kind models.JobKind, total int, now time.Time) *Job {
	return &Job{
		ID:        id,
		Kind:      kind,
		CreatedAt: now,
		total:     total,
		done:      make(chan struct{}),
		status:    models.JobStatusQueued,
		results:   make(map[uuid.UUID]DialogueResult),
	}
}

// Total is the number of unique items the job covers.
func (j *Job) Total() int {
	return j.total
}

// Done is closed once the job has finished.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Wait blocks until the job finishes or ctx is done. The returned error is
// the job error (export failure, single-dialogue failure or invariant
// violation); partial batch failures are reported only in the Result.
func (j *Job) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resultLocked(), j.errLocked()
}

// Skipped returns the ids that were skipped at submission time.
func (j *Job) Skipped() []uuid.UUID {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resultLocked().withOutcome(OutcomeSkipped)
}

// Snapshot returns the job's current progress.
func (j *Job) Snapshot() JobSnapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	snap := JobSnapshot{
		ID:         j.ID,
		Kind:       j.Kind,
		Status:     j.status,
		Total:      j.total,
		Results:    make(map[uuid.UUID]DialogueResult, len(j.results)),
		Export:     j.export,
		CreatedAt:  j.CreatedAt,
		FinishedAt: j.finishedAt,
	}
	for id, r := range j.results {
		snap.Results[id] = r
		switch r.Outcome {
		case OutcomeCompleted:
			snap.Completed++
		case OutcomeFailed:
			snap.Failed++
		case OutcomeSkipped:
			snap.Skipped++
		case OutcomeRejected:
			snap.Rejected++
		}
	}
	if err := j.errLocked(); err != nil {
		snap.Error = err.Error()
		snap.ErrorCode = domainerrors.CodeOf(err)
	}
	return snap
}

func (j *Job) setStatus(s models.JobStatus) {
	j.mu.Lock()
	j.status = s
	j.mu.Unlock()
}

func (j *Job) setResult(id uuid.UUID, r DialogueResult) {
	j.mu.Lock()
	j.results[id] = r
	j.mu.Unlock()
}

func (j *Job) setExport(e *models.AudioExport) {
	j.mu.Lock()
	j.export = e
	j.mu.Unlock()
}

func (j *Job) addErr(err error) {
	j.mu.Lock()
	j.errs = append(j.errs, err)
	j.mu.Unlock()
}

// finish closes the job and returns the final error, if any.
func (j *Job) finish(now time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := j.errLocked()
	if err != nil {
		j.status = models.JobStatusFailed
	} else {
		j.status = models.JobStatusSucceeded
	}
	j.finishedAt = &now
	close(j.done)
	return err
}

func (j *Job) finishedBefore(t time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.finishedAt != nil && j.finishedAt.Before(t)
}

func (j *Job) resultLocked() *Result {
	res := &Result{Dialogues: make(map[uuid.UUID]DialogueResult, len(j.results)), Export: j.export}
	for id, r := range j.results {
		res.Dialogues[id] = r
	}
	return res
}

func (j *Job) errLocked() error {
	switch len(j.errs) {
	case 0:
		return nil
	case 1:
		return j.errs[0]
	default:
		return domainerrors.Join(j.errs...)
	}
}
