// Package scheduler drives batch advancement and similarity maintenance
// with independent polling loops.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/stager/internal/batch"
)

// Machine advances every eligible batch of a kind.
type Machine interface {
	AdvanceMany(ctx context.Context, k batch.Kind) error
}

// Index exposes one unit of similarity work at a time. Each call reports
// whether it found work.
type Index interface {
	TryRecomputeRecords(ctx context.Context, recordType string) (bool, error)
	TryIndexImage(ctx context.Context) (bool, error)
	TryRecomputeImage(ctx context.Context) (bool, error)
}

// Scheduler owns the four loops. They share nothing but the store.
type Scheduler struct {
	loops  []*Loop
	logger *slog.Logger
}

// New builds the loops. recordTypes lists every record type whose
// similarity is maintained.
func New(machine Machine, index Index, recordTypes []string, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{logger: logger}
	s.loops = []*Loop{
		NewLoop("advance-record-batches", advance(machine, batch.KindRecord), interval, logger),
		NewLoop("advance-image-batches", advance(machine, batch.KindImage), interval, logger),
		NewLoop("recompute-record-similarity", recomputeRecords(index, recordTypes), interval, logger),
		NewLoop("recompute-image-similarity", recomputeImages(index), interval, logger),
	}
	return s
}

// advance never reports work, so batch loops always wait between passes.
func advance(m Machine, k batch.Kind) Step {
	return func(ctx context.Context) (bool, error) {
		return false, m.AdvanceMany(ctx, k)
	}
}

func recomputeRecords(index Index, types []string) Step {
	return func(ctx context.Context) (bool, error) {
		var (
			found bool
			errs  []error
		)
		for _, t := range types {
			ok, err := index.TryRecomputeRecords(ctx, t)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", t, err))
				continue
			}
			found = found || ok
		}
		return found, errors.Join(errs...)
	}
}

// recomputeImages prefers indexing new images over refreshing scores.
func recomputeImages(index Index) Step {
	return func(ctx context.Context) (bool, error) {
		ok, err := index.TryIndexImage(ctx)
		if err != nil || ok {
			return ok, err
		}
		return index.TryRecomputeImage(ctx)
	}
}

// Run starts every loop and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, l := range s.loops {
		g.Go(func() error {
			s.logger.Info("loop started", "loop", l.Name())
			l.Run(ctx)
			s.logger.Info("loop stopped", "loop", l.Name())
			return nil
		})
	}
	return g.Wait()
}

// RunOnce runs a single iteration of every loop in order.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var errs []error
	for _, l := range s.loops {
		if _, err := l.RunOnce(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", l.Name(), err))
		}
	}
	return errors.Join(errs...)
}
