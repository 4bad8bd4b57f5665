// Package persist writes cache changes through to the database. Cache
// observers queue the value each change produced; a single goroutine applies
// the writes in the order the changes happened, whether or not the entity is
// still cached by then.
package persist

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bobarin/voxbook/internal/cache"
	"github.com/bobarin/voxbook/internal/models"
	"github.com/bobarin/voxbook/internal/orchestrator"
)

const flushTimeout = 10 * time.Second

// Store is the write side of the database.
type Store interface {
	SaveDialogue(ctx context.Context, d *models.Dialogue) error
	RefreshChapterDuration(ctx context.Context, chapterID uuid.UUID) (uuid.UUID, error)
	RefreshProjectCounters(ctx context.Context, projectID uuid.UUID) error
	CreateAudioExport(ctx context.Context, e *models.AudioExport) error
	DeleteAudioExport(ctx context.Context, id uuid.UUID) error
}

type opKind int

const (
	opSaveDialogue opKind = iota
	opCreateExport
	opDeleteExport
)

type op struct {
	kind     opKind
	dialogue models.Dialogue
	export   models.AudioExport
	id       uuid.UUID
}

type Persister struct {
	store Store

	// Observers run while the cache holds its notification lock, so they
	// must not block.
	mu      sync.Mutex
	pending []op
	wake    chan struct{}

	unsubscribe []func()
}

// New subscribes to the orchestrator's dialogue and export caches. Call Run
// to apply the writes.
func New(store Store, dialogues *orchestrator.DialogueCache, exports *orchestrator.ExportCache) *Persister {
	p := &Persister{
		store: store,
		wake:  make(chan struct{}, 1),
	}

	p.unsubscribe = append(p.unsubscribe, dialogues.Subscribe(func(c cache.Change[uuid.UUID, models.Dialogue]) {
		if c.Kind == cache.Upserted {
			p.enqueue(op{kind: opSaveDialogue, dialogue: c.Value, id: c.ID})
		}
	}))

	p.unsubscribe = append(p.unsubscribe, exports.Subscribe(func(c cache.Change[uuid.UUID, models.AudioExport]) {
		switch c.Kind {
		case cache.Upserted:
			p.enqueue(op{kind: opCreateExport, export: c.Value, id: c.ID})
		case cache.Removed:
			p.enqueue(op{kind: opDeleteExport, id: c.ID})
		}
	}))

	return p
}

func (p *Persister) enqueue(o op) {
	p.mu.Lock()
	p.pending = append(p.pending, o)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Persister) take() []op {
	p.mu.Lock()
	defer p.mu.Unlock()
	ops := p.pending
	p.pending = nil
	return ops
}

// Run applies writes until ctx is done, then unsubscribes and flushes what
// is still queued.
func (p *Persister) Run(ctx context.Context) {
	log.Println("[Persist] Write-through started")

	for {
		select {
		case <-p.wake:
			for _, o := range p.take() {
				p.apply(ctx, o)
			}
		case <-ctx.Done():
			for _, unsub := range p.unsubscribe {
				unsub()
			}
			p.flush()
			log.Println("[Persist] Write-through stopped")
			return
		}
	}
}

func (p *Persister) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	for _, o := range p.take() {
		p.apply(ctx, o)
	}
}

func (p *Persister) apply(ctx context.Context, o op) {
	switch o.kind {
	case opSaveDialogue:
		p.saveDialogue(ctx, o.dialogue)
	case opCreateExport:
		if err := p.store.CreateAudioExport(ctx, &o.export); err != nil {
			log.Printf("[Persist] Failed to save export %s: %v", o.id, err)
		}
	case opDeleteExport:
		if err := p.store.DeleteAudioExport(ctx, o.id); err != nil {
			log.Printf("[Persist] Failed to delete export %s: %v", o.id, err)
		}
	}
}

// saveDialogue writes d and, once its audio is complete, the chapter and
// project totals that depend on it.
func (p *Persister) saveDialogue(ctx context.Context, d models.Dialogue) {
	if err := p.store.SaveDialogue(ctx, &d); err != nil {
		log.Printf("[Persist] Failed to save dialogue %s: %v", d.ID, err)
		return
	}
	if d.Status != models.DialogueStatusCompleted {
		return
	}

	projectID, err := p.store.RefreshChapterDuration(ctx, d.ChapterID)
	if err != nil {
		log.Printf("[Persist] Failed to refresh chapter %s duration: %v", d.ChapterID, err)
		return
	}
	if err := p.store.RefreshProjectCounters(ctx, projectID); err != nil {
		log.Printf("[Persist] Failed to refresh project %s counters: %v", projectID, err)
	}
}
