package api

import (
	"context"
	"time"

	"github.com/kalambet/stager/internal/batch"
)

// BatchStore reads batches for the admin surfaces.
type BatchStore interface {
	GetBatch(ctx context.Context, id string) (*batch.Batch, error)
	ListBatches(ctx context.Context, k batch.Kind, source string, limit int) ([]*batch.Batch, error)
}

// Machine performs operator transitions.
type Machine interface {
	Approve(ctx context.Context, id string) (*batch.Batch, error)
	Abandon(ctx context.Context, id string) (*batch.Batch, error)
}

// BatchView is the client representation of a batch.
type BatchView struct {
	ID           string          `json:"id"`
	Kind         batch.Kind      `json:"kind"`
	Source       string          `json:"source"`
	FileName     string          `json:"file_name,omitempty"`
	State        batch.State     `json:"state"`
	StateName    string          `json:"state_name"`
	Error        batch.ErrorCode `json:"error,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Created      time.Time       `json:"created"`
	Modified     time.Time       `json:"modified"`
	Counts       map[string]int  `json:"counts"`
	Results      *batch.Filtered `json:"results,omitempty"`
}

// NewBatchView summarizes b. Grouped results are included when detail is set.
func NewBatchView(reg *batch.Registry, b *batch.Batch, locale string, detail bool) BatchView {
	v := BatchView{
		ID:        b.ID,
		Kind:      b.Kind,
		Source:    b.Source,
		FileName:  b.FileName(),
		State:     b.State,
		StateName: stateName(reg, b, locale),
		Error:     b.Error,
		Created:   b.Created,
		Modified:  b.Modified,
		Counts:    map[string]int{},
	}
	if b.Error != "" {
		v.ErrorMessage = reg.ErrorMessage(b.Kind, b.Error, locale)
	}
	for _, r := range b.Results {
		v.Counts[string(r.Result)]++
	}
	if detail {
		f := b.FilteredResults()
		for _, group := range [][]batch.Result{f.Errors, f.Warnings} {
			for i := range group {
				group[i] = localizeResult(reg, b.Kind, group[i], locale)
			}
		}
		v.Results = &f
	}
	return v
}

// stateName tolerates states this build does not know, which can appear in
// rows written by a newer version.
func stateName(reg *batch.Registry, b *batch.Batch, locale string) string {
	if !reg.Valid(b.Kind, b.State) {
		return string(b.State)
	}
	return reg.DisplayName(b.Kind, b.State, locale)
}

func localizeResult(reg *batch.Registry, k batch.Kind, r batch.Result, locale string) batch.Result {
	if r.Error != "" {
		r.Error = reg.ErrorMessage(k, batch.ErrorCode(r.Error), locale)
	}
	if len(r.Warnings) > 0 {
		warnings := make([]string, len(r.Warnings))
		for i, w := range r.Warnings {
			warnings[i] = reg.ErrorMessage(k, batch.ErrorCode(w), locale)
		}
		r.Warnings = warnings
	}
	return r
}
