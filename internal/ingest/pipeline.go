package ingest

import (
	"context"
	"fmt"
	"log"

	"github.com/decaynet/cloud/internal/core"
	"github.com/decaynet/cloud/internal/store"
)

// Pipeline lands a mapped batch in the event store inside one
// transaction. Large batches (gateways buffer up to ~1840 events) are
// pushed in flush-sized slices so the in-memory working set stays
// bounded while the transaction remains open.
type Pipeline struct {
	db         *store.DB
	events     store.EventRepository
	flushEvery int
	logger     *log.Logger
}

func NewPipeline(db *store.DB, events store.EventRepository, flushEvery int) *Pipeline {
	if flushEvery <= 0 {
		flushEvery = 100
	}
	return &Pipeline{
		db:         db,
		events:     events,
		flushEvery: flushEvery,
		logger:     log.New(log.Writer(), "[PIPELINE] ", log.LstdFlags),
	}
}

// PersistBatch writes all events atomically. On any failure the whole
// batch rolls back and the error propagates so the ack can report it.
func (p *Pipeline) PersistBatch(ctx context.Context, events []core.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("pipeline: begin: %w", err)
	}
	defer tx.Rollback()

	persisted := 0
	for start := 0; start < len(events); start += p.flushEvery {
		end := start + p.flushEvery
		if end > len(events) {
			end = len(events)
		}
		if err := p.events.InsertEvents(ctx, tx, events[start:end]); err != nil {
			return 0, fmt.Errorf("pipeline: flush at %d: %w", start, err)
		}
		persisted += end - start
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("pipeline: commit: %w", err)
	}
	return persisted, nil
}
