// Package renewal runs the relayer's renewal policy: it periodically lists
// subscriptions whose period has ended and renews them as the relayer.
// A failed renewal is logged and left lapsed. Sweeps page through the due
// list with a cursor, so failed rows are retried on the next pass over the
// list rather than blocking the rows behind them.
package renewal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/recurra/internal/metrics"
	"github.com/mbd888/recurra/internal/state"
	"github.com/mbd888/recurra/internal/subscription"
)

// DefaultBatchSize caps how many due subscriptions one sweep handles.
const DefaultBatchSize = 100

// Renewer renews one subscription as caller.
type Renewer interface {
	Renew(ctx context.Context, caller common.Address, tenantID uint64, user common.Address) (*subscription.Result, error)
}

// DueLister lists subscriptions due at the current ledger time, starting
// after the cursor when one is given.
type DueLister interface {
	ListDue(ctx context.Context, after *state.Due, limit int) ([]state.Due, error)
}

// Timer periodically renews due subscriptions.
type Timer struct {
	renewer  Renewer
	due      DueLister
	relayer  common.Address
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool

	mu     sync.Mutex
	cursor *state.Due
}

// NewTimer creates a renewal timer acting as relayer.
func NewTimer(renewer Renewer, due DueLister, relayer common.Address, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		renewer:  renewer,
		due:      due,
		relayer:  relayer,
		interval: interval,
		batch:    DefaultBatchSize,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the renewal loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in renewal timer", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep renews the next page of due subscriptions and returns how many
// succeeded. A short page ends the pass and the next sweep starts over.
func (t *Timer) Sweep(ctx context.Context) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	metrics.RenewalSweepsTotal.Inc()

	due, err := t.due.ListDue(ctx, t.cursor, t.batch)
	if err != nil {
		t.logger.Warn("failed to list due subscriptions", "error", err)
		return 0
	}
	if len(due) < t.batch {
		t.cursor = nil
	} else {
		last := due[len(due)-1]
		t.cursor = &last
	}

	renewed := 0
	for _, d := range due {
		res, err := t.renewer.Renew(ctx, t.relayer, d.TenantID, d.User)
		if err != nil {
			metrics.RenewalsTotal.WithLabelValues("error").Inc()
			t.logger.Warn("failed to renew subscription",
				"tenant", d.TenantID,
				"tier", d.TierID,
				"user", d.User.Hex(),
				"error", err,
			)
			continue
		}
		metrics.RenewalsTotal.WithLabelValues("ok").Inc()
		renewed++
		t.logger.Info("renewed due subscription",
			"tenant", d.TenantID,
			"tier", d.TierID,
			"user", d.User.Hex(),
			"amount", res.Charged.String(),
		)
	}
	if len(due) > 0 {
		t.logger.Info("renewal sweep complete", "renewed", renewed, "due", len(due))
	}
	return renewed
}
