package orchestrator

import (
	"context"
	"log"
	"net/http"

	"github.com/google/uuid"

	domainerrors "github.com/bobarin/voxbook/internal/errors"
	"github.com/bobarin/voxbook/internal/models"
)

// ExportRequest describes an export to assemble.
type ExportRequest struct {
	ProjectID uuid.UUID
	Format    models.ExportFormat
	Quality   models.ExportQuality
	Range     models.ExportRange
}

// ExportAudio validates req, resolves its range and starts an export job.
// Invalid descriptors and empty ranges fail synchronously. On success the new
// export is inserted at the head of the export list; on failure the list is
// left unchanged and the job error is TRANSPORT_FAILURE.
func (o *Orchestrator) ExportAudio(ctx context.Context, req ExportRequest) (*Job, error) {
	if err := o.validator.Validate(models.ExportAudioRequest{
		ProjectID:   req.ProjectID,
		Format:      req.Format,
		Quality:     req.Quality,
		ExportRange: req.Range,
	}); err != nil {
		return nil, err
	}

	ids, err := o.resolver.Resolve(ctx, req.Range)
	if err != nil {
		return nil, err
	}

	job := newJob(uuid.New(), models.JobKindExport, len(ids), o.now())
	o.register(job)
	projectID := req.ProjectID
	o.recordCreated(ctx, job, ids, &projectID, nil)
	log.Printf("[Orchestrator] Job %s: export %s/%s of %d dialogues", job.ID, req.Format, req.Quality, len(ids))

	go o.runExport(context.WithoutCancel(ctx), job, req, ids)
	return job, nil
}

func (o *Orchestrator) runExport(ctx context.Context, job *Job, req ExportRequest, ids []uuid.UUID) {
	o.markRunning(ctx, job)
	defer o.finish(ctx, job)

	exportID := uuid.New()
	payload := ExportPayload{
		ExportID:    exportID,
		ProjectID:   req.ProjectID,
		Format:      req.Format,
		Quality:     req.Quality,
		DialogueIDs: ids,
	}

	reqCtx, cancel := o.requestContext(ctx)
	raw, err := o.transport.Send(reqCtx, http.MethodPost, PathExport, payload)
	cancel()

	var res ExportResult
	if err != nil {
		err = asTransportFailure(err)
	} else {
		err = o.decode(PathExport, raw, &res)
	}
	if err != nil {
		job.addErr(err)
		return
	}

	export := models.AudioExport{
		ID:          exportID,
		ProjectID:   req.ProjectID,
		Format:      req.Format,
		Quality:     req.Quality,
		ExportRange: req.Range,
		FilePath:    res.FilePath,
		FileSize:    res.FileSize,
		Duration:    res.Duration,
		CreatedAt:   o.now(),
	}

	o.mu.Lock()
	o.exports.Prepend(export)
	o.mu.Unlock()

	job.setExport(&export)
}

// DeleteExport removes an export record and then deletes its artifact.
// Deleting an unknown id is a no-op. Artifact deletion is best-effort: a
// failure is logged and never restores the record.
func (o *Orchestrator) DeleteExport(ctx context.Context, id uuid.UUID) error {
	export, ok := o.exports.Get(id)
	if !ok && o.exportSrc != nil {
		loaded, err := o.exportSrc.GetAudioExport(ctx, id)
		switch {
		case domainerrors.Is(err, domainerrors.ErrNotFound):
			return nil
		case err != nil:
			return err
		case loaded != nil:
			export, ok = *loaded, true
			o.exports.Upsert(export)
		}
	}
	if !ok {
		return nil
	}

	o.mu.Lock()
	removed := o.exports.Remove(id)
	o.mu.Unlock()
	if !removed {
		return nil
	}

	if o.artifacts != nil && export.FilePath != "" {
		if err := o.artifacts.Delete(ctx, export.FilePath); err != nil {
			log.Printf("[Orchestrator] Failed to delete export artifact %s: %v", export.FilePath, err)
		}
	}
	return nil
}
