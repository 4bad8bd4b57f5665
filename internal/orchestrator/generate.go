package orchestrator

import (
	"context"
	"log"
	"net/http"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/lifecycle"
	"github.com/bobarin/voxbook/internal/models"
)

// ChapterOptions controls GenerateChapter.
type ChapterOptions struct {
	// SkipCompleted leaves dialogues with up-to-date audio untouched.
	SkipCompleted bool
}

// GenerateOne starts generation for a single dialogue. It fails synchronously
// with ALREADY_IN_FLIGHT when the dialogue is already generating, leaving its
// status unchanged.
func (o *Orchestrator) GenerateOne(ctx context.Context, dialogueID uuid.UUID) (*Job, error) {
	d, err := o.lookupDialogue(ctx, dialogueID)
	if err != nil {
		return nil, err
	}

	jobID := uuid.New()
	o.mu.Lock()
	_, err = o.beginLocked(jobID, d)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}

	job := newJob(jobID, models.JobKindGenerateOne, 1, o.now())
	o.register(job)
	chapterID := d.ChapterID
	o.recordCreated(ctx, job, []uuid.UUID{dialogueID}, nil, &chapterID)

	go o.runGenerations(context.WithoutCancel(ctx), job, []uuid.UUID{dialogueID})
	return job, nil
}

// GenerateBatch starts generation for every unique id. Ids already in flight
// are skipped and unknown ids are rejected; both are reported in the job's
// result map alongside the ids that were submitted.
func (o *Orchestrator) GenerateBatch(ctx context.Context, ids []uuid.UUID) (*Job, error) {
	return o.startBatch(ctx, models.JobKindGenerateBatch, ids, nil, nil)
}

// GenerateChapter resolves the chapter's dialogues in order and starts a
// batch over them. By default every dialogue is regenerated.
func (o *Orchestrator) GenerateChapter(ctx context.Context, chapterID uuid.UUID, opts ChapterOptions) (*Job, error) {
	ids, err := o.chapters.DialogueIDsInOrder(ctx, chapterID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, domainerrors.Validationf("chapter %s has no dialogues", chapterID)
	}

	preset := make(map[uuid.UUID]DialogueResult)
	if opts.SkipCompleted {
		for _, id := range ids {
			d, err := o.lookupDialogue(ctx, id)
			if err != nil {
				continue
			}
			if d.Status == models.DialogueStatusCompleted && !d.Stale {
				preset[id] = DialogueResult{
					Outcome:   OutcomeSkipped,
					Status:    d.Status,
					AudioPath: d.AudioPath,
					Error:     "audio is up to date",
				}
			}
		}
	}

	return o.startBatch(ctx, models.JobKindGenerateChapter, ids, preset, &chapterID)
}

func (o *Orchestrator) startBatch(ctx context.Context, kind models.JobKind, ids []uuid.UUID, preset map[uuid.UUID]DialogueResult, chapterID *uuid.UUID) (*Job, error) {
	unique := dedup(ids)
	if len(unique) == 0 {
		return nil, domainerrors.Validation("no dialogue ids given")
	}

	jobID := uuid.New()
	job := newJob(jobID, kind, len(unique), o.now())
	for id, r := range preset {
		job.results[id] = r
	}

	loaded := make(map[uuid.UUID]models.Dialogue, len(unique))
	for _, id := range unique {
		if _, done := preset[id]; done {
			continue
		}
		d, err := o.lookupDialogue(ctx, id)
		if err != nil {
			job.results[id] = DialogueResult{Outcome: OutcomeRejected, Error: err.Error()}
			continue
		}
		loaded[id] = d
	}

	var eligible []uuid.UUID
	o.mu.Lock()
	for _, id := range unique {
		d, ok := loaded[id]
		if !ok {
			continue
		}
		current, err := o.beginLocked(jobID, d)
		if err != nil {
			job.results[id] = DialogueResult{Outcome: OutcomeSkipped, Status: current.Status, AudioPath: current.AudioPath, Error: err.Error()}
			continue
		}
		eligible = append(eligible, id)
	}
	o.mu.Unlock()

	o.register(job)
	o.recordCreated(ctx, job, unique, nil, chapterID)
	log.Printf("[Orchestrator] Job %s: %s, %d submitted", job.ID, describe(kind, len(unique)), len(eligible))

	go o.runGenerations(context.WithoutCancel(ctx), job, eligible)
	return job, nil
}

// beginLocked marks d in flight for jobID and moves it to generating.
// It returns the cached dialogue as it was seen.
func (o *Orchestrator) beginLocked(jobID uuid.UUID, d models.Dialogue) (models.Dialogue, error) {
	current, ok := o.dialogues.Get(d.ID)
	if !ok {
		current = d
	}
	if _, busy := o.inFlight[d.ID]; busy {
		return current, domainerrors.AlreadyInFlightf("dialogue %s is already generating", d.ID)
	}

	next := current
	if err := lifecycle.Begin(&next); err != nil {
		return current, err
	}
	next.UpdatedAt = o.now()

	o.inFlight[d.ID] = flight{jobID: jobID, revision: next.Revision, snapshot: next}
	o.dialogues.Upsert(next)
	return current, nil
}

func (o *Orchestrator) runGenerations(ctx context.Context, job *Job, ids []uuid.UUID) {
	o.markRunning(ctx, job)

	g := new(errgroup.Group)
	g.SetLimit(o.concurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			res, sendErr := o.requestGeneration(ctx, id)
			failure := o.reconcileGeneration(job, id, res, sendErr)
			if failure != nil && job.Kind == models.JobKindGenerateOne {
				job.addErr(failure)
			}
			return nil
		})
	}
	_ = g.Wait()

	o.finish(ctx, job)
}

func (o *Orchestrator) requestGeneration(ctx context.Context, id uuid.UUID) (*GenerateResult, error) {
	o.mu.Lock()
	f, ok := o.inFlight[id]
	o.mu.Unlock()
	if !ok {
		return nil, domainerrors.Invariantf("dialogue %s left flight before its request was sent", id)
	}

	d := f.snapshot
	payload := GeneratePayload{
		DialogueID:  d.ID,
		ChapterID:   d.ChapterID,
		Content:     d.Content,
		VoiceConfig: o.resolveVoice(d),
	}

	reqCtx, cancel := o.requestContext(ctx)
	defer cancel()

	raw, err := o.transport.Send(reqCtx, http.MethodPost, PathGenerate, payload)
	if err != nil {
		return nil, asTransportFailure(err)
	}

	var res GenerateResult
	if err := o.decode(PathGenerate, raw, &res); err != nil {
		return nil, err
	}
	if res.DialogueID != id {
		return nil, domainerrors.TransportFailuref("generate response for dialogue %s answered dialogue %s", id, res.DialogueID)
	}
	return &res, nil
}

// resolveVoice merges the dialogue's override over its character's voice.
// A missing character means narration without a specific voice.
func (o *Orchestrator) resolveVoice(d models.Dialogue) models.VoiceConfig {
	var base models.VoiceConfig
	if d.CharacterID != nil {
		if c, ok := o.characters.Get(*d.CharacterID); ok {
			base = c.VoiceConfig
		}
	}
	return base.Merge(d.VoiceConfig)
}

// reconcileGeneration applies one worker result. It returns the dialogue's
// failure, if any.
func (o *Orchestrator) reconcileGeneration(job *Job, id uuid.UUID, res *GenerateResult, sendErr error) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	f, ok := o.inFlight[id]
	if !ok || f.jobID != job.ID {
		err := o.violation(job, "completion for dialogue %s which is not in flight for this job", id)
		job.setResult(id, DialogueResult{Outcome: OutcomeFailed, Error: err.Error()})
		return nil
	}
	delete(o.inFlight, id)

	current, cached := o.dialogues.Get(id)
	if !cached {
		current = f.snapshot
	}
	if current.Status != models.DialogueStatusGenerating {
		err := o.violation(job, "completion for dialogue %s whose status is %s", id, current.Status)
		job.setResult(id, DialogueResult{Outcome: OutcomeFailed, Status: current.Status, AudioPath: current.AudioPath, Error: err.Error()})
		return nil
	}

	next := current
	var failure error
	if sendErr != nil {
		failure = sendErr
		_ = lifecycle.Failed(&next, sendErr.Error())
		log.Printf("[Orchestrator] Dialogue %s failed: %v", id, sendErr)
	} else {
		if err := lifecycle.Complete(&next, res.AudioPath, res.Duration); err != nil {
			failure = err
			_ = lifecycle.Failed(&next, err.Error())
		} else if next.Revision != f.revision {
			next.Stale = true
		}
	}
	next.UpdatedAt = o.now()
	o.dialogues.Upsert(next)

	r := DialogueResult{Status: next.Status, AudioPath: next.AudioPath, Stale: next.Stale}
	if failure != nil {
		r.Outcome = OutcomeFailed
		r.Error = failure.Error()
	} else {
		r.Outcome = OutcomeCompleted
	}
	job.setResult(id, r)
	return failure
}
