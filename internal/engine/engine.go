// Package engine advances import batches through their state tables, one
// step at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/kalambet/stager/internal/batch"
	"github.com/kalambet/stager/internal/events"
	"github.com/kalambet/stager/internal/lock"
	"github.com/kalambet/stager/internal/storage"
)

var (
	// ErrNotApprovable is returned by Approve for batches not awaiting confirmation.
	ErrNotApprovable = errors.New("batch is not awaiting approval")
	// ErrTerminal is returned by Abandon for batches that already finished.
	ErrTerminal = errors.New("batch already finished")
)

// Store is the persistence the machine needs. PutBatch must reject writes
// whose Version is stale with storage.ErrStaleWrite.
type Store interface {
	GetBatch(ctx context.Context, id string) (*batch.Batch, error)
	PutBatch(ctx context.Context, b *batch.Batch) error
	FindBatchesInStates(ctx context.Context, k batch.Kind, states []batch.State) ([]string, error)
}

// SaveFunc persists the batch an action is working on. Actions call it to
// checkpoint intermediate states and ledger progress.
type SaveFunc func(ctx context.Context) error

// Action is the automatic transition of one state. It must set b.State to the
// next state before returning nil. A *batch.CodedError return fails the batch
// with that code; any other error fails it with the error's message.
type Action func(ctx context.Context, b *batch.Batch, save SaveFunc) error

// Actions maps the auto-advance states of one kind to their transitions.
type Actions map[batch.State]Action

// Machine advances batches. It is safe for concurrent use.
type Machine struct {
	store     Store
	registry  *batch.Registry
	actions   map[batch.Kind]Actions
	locker    lock.Locker
	publisher events.Publisher
	pool      *ants.Pool
	logger    *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine) error

// WithLocker replaces the default in-process locker.
func WithLocker(l lock.Locker) Option {
	return func(m *Machine) error {
		if l != nil {
			m.locker = l
		}
		return nil
	}
}

// WithPublisher sets where state changes are announced. Default discards them.
func WithPublisher(p events.Publisher) Option {
	return func(m *Machine) error {
		if p != nil {
			m.publisher = p
		}
		return nil
	}
}

// WithConcurrency bounds how many batches AdvanceMany works on at once.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithConcurrency(n int) Option {
	return func(m *Machine) error {
		if n < 1 {
			n = 1
		}
		pool, err := ants.NewPool(n)
		if err != nil {
			return err
		}
		if m.pool != nil {
			m.pool.Release()
		}
		m.pool = pool
		return nil
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) error {
		if logger != nil {
			m.logger = logger
		}
		return nil
	}
}

// New builds a Machine. Every auto-advance state of every kind in actions
// must have an action.
func New(store Store, registry *batch.Registry, actions map[batch.Kind]Actions, opts ...Option) (*Machine, error) {
	for kind, table := range actions {
		for _, st := range registry.Advanceable(kind) {
			if table[st] == nil {
				return nil, fmt.Errorf("no action for %s state %s", kind, st)
			}
		}
	}

	size := runtime.NumCPU() / 2
	if size < 1 {
		size = 1
	}
	pool, err := ants.NewPool(size)
	if err != nil {
		return nil, err
	}

	m := &Machine{
		store:     store,
		registry:  registry,
		actions:   actions,
		locker:    lock.NewLocal(),
		publisher: events.Noop{},
		pool:      pool,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// Close releases the worker pool.
func (m *Machine) Close() {
	if m.pool != nil {
		m.pool.Release()
	}
}

// AdvanceMany advances every batch of kind k sitting in an auto-advance
// state. Batches are processed concurrently; one batch's failure does not
// stop the others.
func (m *Machine) AdvanceMany(ctx context.Context, k batch.Kind) error {
	ids, err := m.store.FindBatchesInStates(ctx, k, m.registry.Advanceable(k))
	if err != nil {
		return fmt.Errorf("finding %s batches: %w", k, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		err := m.pool.Submit(func() {
			defer wg.Done()
			if err := m.AdvanceOne(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("batch %s: %w", id, err))
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			return fmt.Errorf("submitting batch %s: %w", id, err)
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// AdvanceOne moves batch id forward by one step. Missing batches, batches
// locked by another worker and batches without an automatic transition are
// left alone. A returned error means the step was not persisted and will be
// retried on the next pass.
func (m *Machine) AdvanceOne(ctx context.Context, id string) error {
	unlock, err := m.locker.TryLock(ctx, id)
	if errors.Is(err, lock.ErrLocked) {
		m.logger.Debug("batch locked elsewhere", "batch_id", id)
		return nil
	}
	if err != nil {
		return err
	}
	defer unlock()

	b, err := m.store.GetBatch(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading batch: %w", err)
	}
	if b.State.Terminal() {
		return nil
	}
	def, ok := m.registry.Lookup(b.Kind, b.State)
	if !ok {
		return fmt.Errorf("batch in unknown %s state %q", b.Kind, b.State)
	}
	if !def.AutoAdvance {
		return nil
	}
	action := m.actions[b.Kind][b.State]
	if action == nil {
		return fmt.Errorf("no action for %s state %s", b.Kind, b.State)
	}

	from := b.State
	persisted := b.State
	save := func(ctx context.Context) error {
		prev := persisted
		if err := m.store.PutBatch(ctx, b); err != nil {
			return err
		}
		persisted = b.State
		m.announce(ctx, b, prev)
		return nil
	}

	m.logger.Debug("advancing batch", "batch_id", id, "kind", b.Kind, "state", from)
	if err := action(ctx, b, save); err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			return m.handleStale(ctx, id, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warn("batch step failed", "batch_id", id, "state", b.State, "error", err)
		b.Fail(batch.CodeOf(err))
	} else if b.State != from && !batch.CanTransition(b.Kind, from, b.State) {
		m.logger.Error("invalid transition", "batch_id", id, "from", from, "to", b.State)
		b.Fail(batch.ErrorCode(fmt.Sprintf("invalid transition from %s to %s", from, b.State)))
	}

	if err := save(ctx); err != nil {
		if errors.Is(err, storage.ErrStaleWrite) {
			return m.handleStale(ctx, id, err)
		}
		return fmt.Errorf("saving batch: %w", err)
	}
	m.logger.Info("batch advanced", "batch_id", id, "from", from, "to", b.State)
	return nil
}

// handleStale decides what a lost write means. A concurrent abandon is the
// expected cause and is not an error.
func (m *Machine) handleStale(ctx context.Context, id string, cause error) error {
	current, err := m.store.GetBatch(ctx, id)
	if err != nil {
		return fmt.Errorf("reloading batch after %v: %w", cause, err)
	}
	if current.State == batch.StateError {
		m.logger.Info("batch abandoned during step", "batch_id", id, "error", current.Error)
		return nil
	}
	return fmt.Errorf("batch modified concurrently: %w", cause)
}

// Abandon forces a non-terminal batch into the error state with code
// ABANDONED. It does not wait for an in-flight step; that step notices on
// its next write and stops.
func (m *Machine) Abandon(ctx context.Context, id string) (*batch.Batch, error) {
	for attempt := 0; ; attempt++ {
		b, err := m.store.GetBatch(ctx, id)
		if err != nil {
			return nil, err
		}
		if b.State.Terminal() {
			return b, ErrTerminal
		}
		prev := b.State
		b.Fail(batch.ErrAbandoned)
		err = m.store.PutBatch(ctx, b)
		if errors.Is(err, storage.ErrStaleWrite) && attempt < 5 {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("saving batch: %w", err)
		}
		m.logger.Info("batch abandoned", "batch_id", id, "state", prev)
		m.announce(ctx, b, prev)
		return b, nil
	}
}

// Approve confirms a staged record batch. The batch moves to import.started
// and the changes are applied by the next advance.
func (m *Machine) Approve(ctx context.Context, id string) (*batch.Batch, error) {
	b, err := m.store.GetBatch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Kind != batch.KindRecord || b.State != batch.StateProcessCompleted {
		return b, ErrNotApprovable
	}
	prev := b.State
	b.State = batch.StateImportStarted
	if err := m.store.PutBatch(ctx, b); err != nil {
		return nil, fmt.Errorf("saving batch: %w", err)
	}
	m.logger.Info("batch approved", "batch_id", id)
	m.announce(ctx, b, prev)
	return b, nil
}

func (m *Machine) announce(ctx context.Context, b *batch.Batch, prev batch.State) {
	if prev == b.State {
		return
	}
	ev := events.StateChanged{
		BatchID:    b.ID,
		Kind:       b.Kind,
		Source:     b.Source,
		OldState:   prev,
		NewState:   b.State,
		Error:      b.Error,
		OccurredAt: time.Now().UTC(),
	}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.logger.Warn("publishing state change failed", "batch_id", b.ID, "error", err)
	}
}
