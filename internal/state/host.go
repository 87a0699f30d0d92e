package state

import (
	"context"
	"sync"
	"time"
)

// Clock supplies ledger time. Callers never supply time themselves.
type Clock interface {
	Now() time.Time
}

// SystemClock reads wall-clock time.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock is a settable clock for tests and simulations.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type execKey struct{}

// execution is the call currently in flight. Nested calls made from inside it
// (for example by a token transfer hook) share its transaction and timestamp.
type execution struct {
	tx     Tx
	now    int64
	active map[string]bool
	after  []func()
	undo   []func()
}

// Host applies calls one at a time against the store, the way a ledger
// serializes transactions. Each top-level call is one atomic unit pinned to a
// single timestamp; a nested call on a key that is already executing fails
// with ErrReentrantCall.
type Host struct {
	store Store
	clock Clock
	mu    sync.Mutex
}

// NewHost creates a host over store. A nil clock means wall-clock time.
func NewHost(store Store, clock Clock) *Host {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Host{store: store, clock: clock}
}

// Store returns the underlying store.
func (h *Host) Store() Store {
	return h.store
}

// Exec runs fn as one atomic unit guarded by key. An empty key skips the
// reentrancy guard.
func (h *Host) Exec(ctx context.Context, key string, fn func(ctx context.Context, tx Tx) error) error {
	if ex, ok := ctx.Value(execKey{}).(*execution); ok {
		if key != "" {
			if ex.active[key] {
				return ErrReentrantCall
			}
			ex.active[key] = true
			defer delete(ex.active, key)
		}
		return fn(ctx, ex.tx)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ex := &execution{
		now:    h.clock.Now().Unix(),
		active: make(map[string]bool),
	}
	if key != "" {
		ex.active[key] = true
	}
	err := h.store.Atomic(ctx, func(tx Tx) error {
		ex.tx = tx
		return fn(context.WithValue(ctx, execKey{}, ex), tx)
	})
	if err != nil {
		for i := len(ex.undo) - 1; i >= 0; i-- {
			ex.undo[i]()
		}
		return err
	}
	for _, f := range ex.after {
		f()
	}
	return nil
}

// View runs fn against committed state, or against the in-flight transaction
// when called from inside Exec.
func (h *Host) View(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if ex, ok := ctx.Value(execKey{}).(*execution); ok {
		return fn(ctx, ex.tx)
	}
	return h.store.Read(ctx, func(tx Tx) error {
		return fn(ctx, tx)
	})
}

// Now returns ledger time in unix seconds: the pinned timestamp inside Exec,
// the clock otherwise.
func (h *Host) Now(ctx context.Context) int64 {
	if ex, ok := ctx.Value(execKey{}).(*execution); ok {
		return ex.now
	}
	return h.clock.Now().Unix()
}

// AfterCommit schedules f to run once the enclosing Exec commits. Outside
// Exec it runs immediately.
func (h *Host) AfterCommit(ctx context.Context, f func()) {
	if ex, ok := ctx.Value(execKey{}).(*execution); ok {
		ex.after = append(ex.after, f)
		return
	}
	f()
}

// OnRollback schedules f to run if the enclosing top-level Exec fails,
// including when its commit fails. Hooks run in reverse order. Outside Exec
// there is nothing to roll back and f is dropped.
func (h *Host) OnRollback(ctx context.Context, f func()) {
	if ex, ok := ctx.Value(execKey{}).(*execution); ok {
		ex.undo = append(ex.undo, f)
	}
}

// ListDue lists subscriptions due for renewal at the current ledger time,
// resuming after the cursor when it is non-nil.
func (h *Host) ListDue(ctx context.Context, after *Due, limit int) ([]Due, error) {
	return h.store.ListDue(ctx, h.Now(ctx), after, limit)
}
