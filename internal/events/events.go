// Package events announces batch state changes to other services.
package events

import (
	"context"
	"time"

	"github.com/kalambet/stager/internal/batch"
)

// StateChanged is emitted whenever a batch is persisted in a new state.
type StateChanged struct {
	BatchID    string          `json:"batch_id"`
	Kind       batch.Kind      `json:"kind"`
	Source     string          `json:"source"`
	OldState   batch.State     `json:"old_state"`
	NewState   batch.State     `json:"new_state"`
	Error      batch.ErrorCode `json:"error,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// Publisher delivers state-change events. Delivery failures never affect the
// batch itself.
type Publisher interface {
	Publish(ctx context.Context, ev StateChanged) error
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(context.Context, StateChanged) error { return nil }
