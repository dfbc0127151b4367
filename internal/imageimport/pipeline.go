// Package imageimport ingests the images of an uploaded archive.
package imageimport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/kalambet/stager/internal/batch"
	"github.com/kalambet/stager/internal/engine"
	"github.com/kalambet/stager/internal/images"
	"github.com/kalambet/stager/internal/storage"
)

// Store is the image persistence the pipeline needs.
type Store interface {
	GetImage(ctx context.Context, id string) (*storage.Image, error)
	FindImageByFileName(ctx context.Context, source, fileName string) (*storage.Image, error)
	SaveImage(ctx context.Context, img *storage.Image) error
	LinkImageToRecords(ctx context.Context, source, fileName, imageID string) (int, error)
}

// Extractor unpacks an archive into files.
type Extractor interface {
	ExtractFile(ctx context.Context, archivePath string) (dir string, paths []string, err error)
}

// Index queues new images for similarity indexing.
type Index interface {
	EnqueueImages(ctx context.Context, ids []string) error
}

// Pipeline runs the image batch phases.
type Pipeline struct {
	store        Store
	extractor    Extractor
	blobs        images.BlobStore
	index        Index
	minDimension int
	logger       *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMinDimension overrides images.DefaultMinDimension.
func WithMinDimension(px int) Option {
	return func(p *Pipeline) {
		if px > 0 {
			p.minDimension = px
		}
	}
}

// New creates a Pipeline.
func New(store Store, extractor Extractor, blobs images.BlobStore, index Index, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:        store,
		extractor:    extractor,
		blobs:        blobs,
		index:        index,
		minDimension: images.DefaultMinDimension,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Actions returns the image state transitions for the state machine.
func (p *Pipeline) Actions() engine.Actions {
	return engine.Actions{
		batch.StateStarted:          p.Process,
		batch.StateProcessStarted:   p.Process,
		batch.StateProcessCompleted: p.Finish,
	}
}

// Process extracts the archive and ingests each accepted file in archive
// order. Bad images become item errors; failing to store a good one fails
// the batch with ERROR_SAVING. The ledger is persisted after every file.
//
// A batch found in process.started was interrupted mid-run. Its partial
// ledger is dropped and the archive ingested again; images are keyed by
// content so the stores are unaffected, and images the earlier run already
// stored keep the classification it gave them.
func (p *Pipeline) Process(ctx context.Context, b *batch.Batch, save engine.SaveFunc) error {
	if b.Images == nil {
		return fmt.Errorf("batch %s has no image payload", b.ID)
	}
	var earlier map[string]batch.Result
	if b.State == batch.StateProcessStarted {
		earlier = make(map[string]batch.Result, len(b.Results))
		for _, r := range b.Results {
			if r.Model != "" {
				earlier[r.Model] = r
			}
		}
		p.logger.Info("resuming interrupted image batch", "batch_id", b.ID, "ledgered", len(b.Results))
	}
	b.Results = nil
	b.State = batch.StateProcessStarted
	if err := save(ctx); err != nil {
		return err
	}

	dir, paths, err := p.extractor.ExtractFile(ctx, b.Images.ArchivePath)
	if err != nil {
		return err
	}
	p.logger.Info("processing images", "batch_id", b.ID, "dir", dir, "files", len(paths))

	var created []string
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, err := p.ingest(ctx, b, path, earlier)
		if err != nil {
			return err
		}
		if r.Result == batch.ResultCreated {
			created = append(created, r.Model)
		}
		b.Results = append(b.Results, r)
		if err := save(ctx); err != nil {
			return err
		}
	}

	if err := p.index.EnqueueImages(ctx, created); err != nil {
		return fmt.Errorf("enqueueing images: %w", err)
	}
	b.State = batch.StateProcessCompleted
	return nil
}

// ingest stores one file and returns its ledger entry. The returned error is
// batch-fatal; problems with the image itself are reported on the result.
// earlier holds the ledger of an interrupted run of b, keyed by image id.
func (p *Pipeline) ingest(ctx context.Context, b *batch.Batch, path string, earlier map[string]batch.Result) (batch.Result, error) {
	r := batch.Result{FileName: filepath.Base(path), State: batch.StateProcessCompleted}

	f, err := images.FromFile(path, p.minDimension)
	if err != nil {
		r.Result = batch.ResultError
		r.Error = string(batch.CodeOf(err))
		p.logger.Debug("image rejected", "batch_id", b.ID, "file", r.FileName, "error", err)
		return r, nil
	}
	id := f.ID(b.Source)
	r.Model = id

	prev, err := p.store.FindImageByFileName(ctx, b.Source, f.FileName)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return r, fmt.Errorf("looking up %s: %w", f.FileName, err)
	case prev.Hash != f.Hash:
		r.Warnings = append(r.Warnings, string(batch.ErrNewVersion))
	}

	r.Result = batch.ResultCreated
	stored, err := p.store.GetImage(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return r, fmt.Errorf("loading image %s: %w", id, err)
	case earlier == nil:
		r.Result = batch.ResultUnchanged
	default:
		if prev, ok := earlier[id]; ok {
			r.Result = prev.Result
			r.Warnings = prev.Warnings
		} else if stored.BatchID != b.ID {
			r.Result = batch.ResultUnchanged
		}
	}

	key := id + strings.ToLower(filepath.Ext(f.FileName))
	if err := p.putBlob(ctx, key, f); err != nil {
		return r, batch.Fail(batch.ErrSaving, err)
	}
	img := &storage.Image{
		ID:        id,
		Source:    b.Source,
		BatchID:   b.ID,
		FileName:  f.FileName,
		Hash:      f.Hash,
		Width:     f.Width,
		Height:    f.Height,
		BlobKey:   key,
		Signature: f.Signature,
	}
	if err := p.store.SaveImage(ctx, img); err != nil {
		return r, batch.Fail(batch.ErrSaving, err)
	}
	linked, err := p.store.LinkImageToRecords(ctx, b.Source, f.FileName, id)
	if err != nil {
		return r, batch.Fail(batch.ErrSaving, err)
	}
	p.logger.Debug("image stored", "batch_id", b.ID, "image_id", id, "records", linked)
	return r, nil
}

func (p *Pipeline) putBlob(ctx context.Context, key string, f *images.File) error {
	fh, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer fh.Close()
	return p.blobs.Put(ctx, key, fh, f.Size, "image/"+f.Format)
}

// Finish completes a processed image batch.
func (p *Pipeline) Finish(_ context.Context, b *batch.Batch, _ engine.SaveFunc) error {
	b.State = batch.StateCompleted
	return nil
}
