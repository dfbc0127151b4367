package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Step performs one unit of work and reports whether it found any.
type Step func(ctx context.Context) (bool, error)

// Loop runs a Step forever. After a step that did work it runs again at
// once; after an idle or failed step it waits for the interval.
type Loop struct {
	name     string
	step     Step
	interval time.Duration
	logger   *slog.Logger
}

// NewLoop creates a Loop. If interval is <= 0, it defaults to 5s.
func NewLoop(name string, step Step, interval time.Duration, logger *slog.Logger) *Loop {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		name:     name,
		step:     step,
		interval: interval,
		logger:   logger.With("loop", name),
	}
}

// Name identifies the loop in logs.
func (l *Loop) Name() string {
	return l.name
}

// Run repeats the step until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := l.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			l.logger.Error("loop iteration failed", "error", err)
		}
		if done && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.interval):
		}
	}
}

// RunOnce runs the step a single time.
func (l *Loop) RunOnce(ctx context.Context) (bool, error) {
	return l.step(ctx)
}
