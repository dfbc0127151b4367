// Package reconcile classifies incoming record rows against the stored
// collection of their source and applies approved changes.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kalambet/stager/internal/batch"
	"github.com/kalambet/stager/internal/engine"
	"github.com/kalambet/stager/internal/records"
	"github.com/kalambet/stager/internal/storage"
)

// Store is the record persistence the pipeline reads and writes.
type Store interface {
	GetRecord(ctx context.Context, id string) (*records.Record, error)
	RecordIDsBySource(ctx context.Context, source string) ([]string, error)
	UpsertRecord(ctx context.Context, r *records.Record) error
	DeleteRecord(ctx context.Context, id string) error
	MarkAllSourceCachesStale(ctx context.Context, source string) error
}

// Index is told when a source's similarity relationships are out of date.
type Index interface {
	FlagSourceForResync(ctx context.Context, source string) error
}

// Pipeline runs the record batch phases. Items inside a batch are always
// handled one at a time, in ledger order.
type Pipeline struct {
	store   Store
	schemas *records.Registry
	index   Index
	logger  *slog.Logger
}

// New creates a Pipeline.
func New(store Store, schemas *records.Registry, index Index) *Pipeline {
	return &Pipeline{
		store:   store,
		schemas: schemas,
		index:   index,
		logger:  slog.Default(),
	}
}

// Actions returns the record state transitions for the state machine.
func (p *Pipeline) Actions() engine.Actions {
	return engine.Actions{
		batch.StateStarted:                 p.Process,
		batch.StateImportStarted:           p.Apply,
		batch.StateImportCompleted:         p.Resync,
		batch.StateSimilaritySyncStarted:   p.Resync,
		batch.StateSimilaritySyncCompleted: p.Finish,
	}
}

// Process classifies every input row as created, changed, unchanged or
// error, then appends a deleted result for each stored record of the source
// that the input no longer mentions. It leaves the batch in process.completed
// awaiting approval. Running it again on the same batch gives the same
// classification.
func (p *Pipeline) Process(ctx context.Context, b *batch.Batch, _ engine.SaveFunc) error {
	if b.Records == nil {
		return fmt.Errorf("batch %s has no record payload", b.ID)
	}
	schema, ok := p.schemas.Lookup(b.Records.Type)
	if !ok {
		return fmt.Errorf("unknown record type %q", b.Records.Type)
	}

	b.Results = resetResults(b.Results)
	incoming := make(map[string]bool, len(b.Results))

	for i := range b.Results {
		if err := ctx.Err(); err != nil {
			return err
		}
		r := &b.Results[i]
		r.State = batch.StateProcessCompleted

		data, warnings, err := schema.Normalize(r.Data)
		if err != nil {
			r.Result = batch.ResultError
			r.Error = err.Error()
			continue
		}
		r.ID, _ = data["id"].(string)
		r.Data = data
		r.Warnings = warnings

		identity := records.IdentityOf(b.Source, r.ID)
		if incoming[identity] {
			r.Result = batch.ResultError
			r.Error = fmt.Sprintf("duplicate id %q in input", r.ID)
			continue
		}
		incoming[identity] = true

		existing, err := p.store.GetRecord(ctx, identity)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			r.Result = batch.ResultCreated
		case err != nil:
			return fmt.Errorf("loading record %s: %w", identity, err)
		default:
			r.Model = identity
			r.Diff = records.Compare(existing.Data, data)
			if r.Diff != nil {
				r.Result = batch.ResultChanged
			} else {
				r.Result = batch.ResultUnchanged
			}
		}
		p.logger.Debug("record classified", "batch_id", b.ID, "record_id", identity, "result", r.Result)
	}

	stored, err := p.store.RecordIDsBySource(ctx, b.Source)
	if err != nil {
		return fmt.Errorf("listing records of %s: %w", b.Source, err)
	}
	for _, id := range stored {
		if incoming[id] {
			continue
		}
		b.Results = append(b.Results, batch.Result{
			ID:     records.LocalID(b.Source, id),
			Model:  id,
			Result: batch.ResultDeleted,
			State:  batch.StateProcessCompleted,
		})
	}

	p.logger.Info("records processed", "batch_id", b.ID, "results", len(b.Results))
	b.State = batch.StateProcessCompleted
	return nil
}

// resetResults drops deleted results synthesized by an earlier run and
// clears the classification of input rows.
func resetResults(in []batch.Result) []batch.Result {
	out := in[:0]
	for _, r := range in {
		if r.Data == nil && r.Result == batch.ResultDeleted {
			continue
		}
		out = append(out, batch.Result{ID: r.ID, Data: r.Data, Result: batch.ResultUnknown})
	}
	return out
}

// Apply writes the approved classification to the store: created and changed
// rows are upserted, deleted ones removed. A single write failure stops the
// batch with ERROR_SAVING or ERROR_DELETING after recording it on the item.
func (p *Pipeline) Apply(ctx context.Context, b *batch.Batch, _ engine.SaveFunc) error {
	for i := range b.Results {
		if err := ctx.Err(); err != nil {
			return err
		}
		r := &b.Results[i]
		r.State = batch.StateImportStarted

		switch r.Result {
		case batch.ResultCreated, batch.ResultChanged:
			rec := &records.Record{
				ID:     records.IdentityOf(b.Source, r.ID),
				Source: b.Source,
				Type:   b.Records.Type,
				Data:   r.Data,
			}
			if err := p.store.UpsertRecord(ctx, rec); err != nil {
				r.State = batch.StateError
				r.Error = string(batch.ErrSaving)
				return batch.Fail(batch.ErrSaving, err)
			}
			r.Model = rec.ID
		case batch.ResultDeleted:
			err := p.store.DeleteRecord(ctx, r.Model)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				r.State = batch.StateError
				r.Error = string(batch.ErrDeleting)
				return batch.Fail(batch.ErrDeleting, err)
			}
		}
		r.State = batch.StateImportCompleted
	}

	if err := p.store.MarkAllSourceCachesStale(ctx, b.Source); err != nil {
		return fmt.Errorf("marking source caches stale: %w", err)
	}
	p.logger.Info("records imported", "batch_id", b.ID)
	b.State = batch.StateImportCompleted
	return nil
}

// Resync flags the source for similarity recomputation when the import
// added or removed records, and otherwise completes the batch. From
// similarity.sync.started it repeats the flagging, which is idempotent.
func (p *Pipeline) Resync(ctx context.Context, b *batch.Batch, save engine.SaveFunc) error {
	if b.State != batch.StateSimilaritySyncStarted {
		f := b.FilteredResults()
		if len(f.Created) == 0 && len(f.Deleted) == 0 {
			b.State = batch.StateCompleted
			return nil
		}
		b.State = batch.StateSimilaritySyncStarted
		if err := save(ctx); err != nil {
			return err
		}
	}
	if err := p.index.FlagSourceForResync(ctx, b.Source); err != nil {
		return fmt.Errorf("flagging %s for resync: %w", b.Source, err)
	}
	b.State = batch.StateSimilaritySyncCompleted
	return nil
}

// Finish completes a batch whose similarity sync is done.
func (p *Pipeline) Finish(_ context.Context, b *batch.Batch, _ engine.SaveFunc) error {
	b.State = batch.StateCompleted
	return nil
}
