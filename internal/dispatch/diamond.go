// Package dispatch routes calls to facets by selector.
//
// A Diamond owns the selector table: every call's first four bytes pick the
// facet that handles it. Facets are stateless handlers over the shared state
// arena; the table is changed only through owner-gated cuts, each applied
// atomically together with an optional initialization call.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/recurra/internal/events"
	"github.com/mbd888/recurra/internal/metrics"
	"github.com/mbd888/recurra/internal/state"
	"github.com/mbd888/recurra/internal/traces"
)

var (
	ErrSelectorAlreadyMapped = errors.New("dispatch: selector already mapped")
	ErrNoChangeOrUnmapped    = errors.New("dispatch: no change or selector unmapped")
	ErrNotMapped             = errors.New("dispatch: selector not mapped")
	ErrUnknownSelector       = errors.New("dispatch: unknown selector")
	ErrUnknownFacet          = errors.New("dispatch: facet not deployed")
	ErrUnknownAction         = errors.New("dispatch: unknown cut action")
	ErrNoSelectors           = errors.New("dispatch: no selectors in cut")
	ErrMalformedCall         = errors.New("dispatch: malformed call")
	ErrNotOwner              = errors.New("dispatch: caller is not the platform owner")
	ErrNotPendingOwner       = errors.New("dispatch: caller is not the pending owner")
	ErrNoPendingOwner        = errors.New("dispatch: no pending ownership transfer")
	ErrZeroAddress           = errors.New("dispatch: zero address")
)

// Facet is a logic module the diamond routes calls to.
type Facet interface {
	Name() string
	Address() common.Address
	// Selectors lists every selector the facet can handle.
	Selectors() []Selector
	// Invoke handles a call routed to the facet. Call.Caller and Call.Value
	// are those of the original caller.
	Invoke(ctx context.Context, call *Call) ([]byte, error)
}

// Action is a cut kind. Values match the standard FacetCutAction enum.
type Action uint8

const (
	Add Action = iota
	Replace
	Remove
)

func (a Action) String() string {
	switch a {
	case Add:
		return "add"
	case Replace:
		return "replace"
	case Remove:
		return "remove"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// FacetCut is one entry of a cut. FacetAddress is ignored for Remove.
type FacetCut struct {
	FacetAddress common.Address
	Action       Action
	Selectors    []Selector
}

// Change is one selector's old and new target. A zero address means unmapped.
type Change struct {
	Selector Selector       `json:"selector"`
	From     common.Address `json:"from"`
	To       common.Address `json:"to"`
}

// CutRecord is the audit entry of one committed cut.
type CutRecord struct {
	Seq         uint64         `json:"seq"`
	Caller      common.Address `json:"caller"`
	Changes     []Change       `json:"changes"`
	InitAddress common.Address `json:"initAddress,omitempty"`
	Time        int64          `json:"time"`
}

// Diamond is the selector-routing dispatcher.
type Diamond struct {
	host   *state.Host
	logger *slog.Logger
	sink   events.Sink

	mu       sync.RWMutex
	deployed map[common.Address]Facet
	routes   map[Selector]common.Address
	order    []common.Address
	owner    common.Address
	pending  common.Address
	history  []CutRecord
}

// New creates a diamond owned by owner with an empty selector table.
func New(host *state.Host, owner common.Address, logger *slog.Logger) *Diamond {
	return &Diamond{
		host:     host,
		logger:   logger,
		sink:     events.Nop{},
		deployed: make(map[common.Address]Facet),
		routes:   make(map[Selector]common.Address),
		owner:    owner,
	}
}

// WithEvents publishes cut and ownership events to sink.
func (d *Diamond) WithEvents(sink events.Sink) *Diamond {
	d.sink = sink
	return d
}

// Deploy makes facet available as a cut or init target. Deploying does not
// route any selector to it.
func (d *Diamond) Deploy(facets ...Facet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, f := range facets {
		d.deployed[f.Address()] = f
	}
}

// Cut applies cuts atomically, then runs initData against initAddress if
// set. Any failure, including in the init call, leaves the table and state
// as they were.
func (d *Diamond) Cut(ctx context.Context, caller common.Address, cuts []FacetCut, initAddress common.Address, initData []byte) (retErr error) {
	ctx, span := traces.StartSpan(ctx, "dispatch.Cut", traces.Caller(caller.Hex()))
	defer func() { traces.End(span, retErr) }()

	return d.host.Exec(ctx, "", func(ctx context.Context, _ state.Tx) error {
		d.mu.Lock()
		if caller != d.owner {
			d.mu.Unlock()
			return ErrNotOwner
		}
		prevRoutes, prevOrder := d.snapshot()
		changes, err := d.apply(cuts)
		var initFacet Facet
		if err == nil && initAddress != (common.Address{}) {
			var ok bool
			if initFacet, ok = d.deployed[initAddress]; !ok {
				err = fmt.Errorf("%w: init %s", ErrUnknownFacet, initAddress.Hex())
			}
		}
		d.mu.Unlock()
		// The table is restored if the outermost call fails, even after this
		// cut returned successfully inside it.
		d.host.OnRollback(ctx, func() { d.restore(prevRoutes, prevOrder) })
		if err != nil {
			d.restore(prevRoutes, prevOrder)
			return err
		}

		if initFacet != nil {
			if len(initData) < 4 {
				d.restore(prevRoutes, prevOrder)
				return ErrMalformedCall
			}
			if _, err := initFacet.Invoke(ctx, &Call{Caller: caller, Value: new(big.Int), Data: initData}); err != nil {
				d.restore(prevRoutes, prevOrder)
				return fmt.Errorf("dispatch: init call: %w", err)
			}
		}

		now := d.host.Now(ctx)
		d.host.AfterCommit(ctx, func() { d.record(caller, changes, initAddress, now) })
		return nil
	})
}

// apply mutates the table in place. Caller holds mu; Cut restores on error.
func (d *Diamond) apply(cuts []FacetCut) ([]Change, error) {
	var changes []Change
	for _, c := range cuts {
		if len(c.Selectors) == 0 {
			return nil, ErrNoSelectors
		}
		if c.Action != Remove {
			if _, ok := d.deployed[c.FacetAddress]; !ok {
				return nil, fmt.Errorf("%w: %s", ErrUnknownFacet, c.FacetAddress.Hex())
			}
		}
		for _, sel := range c.Selectors {
			cur, mapped := d.routes[sel]
			switch c.Action {
			case Add:
				if mapped {
					return nil, fmt.Errorf("%w: %s", ErrSelectorAlreadyMapped, sel)
				}
				d.routes[sel] = c.FacetAddress
				d.track(c.FacetAddress)
			case Replace:
				if !mapped || cur == c.FacetAddress {
					return nil, fmt.Errorf("%w: %s", ErrNoChangeOrUnmapped, sel)
				}
				d.routes[sel] = c.FacetAddress
				d.track(c.FacetAddress)
			case Remove:
				if !mapped {
					return nil, fmt.Errorf("%w: %s", ErrNotMapped, sel)
				}
				delete(d.routes, sel)
			default:
				return nil, ErrUnknownAction
			}
			changes = append(changes, Change{Selector: sel, From: cur, To: d.routes[sel]})
		}
	}
	d.prune()
	return changes, nil
}

func (d *Diamond) track(addr common.Address) {
	for _, a := range d.order {
		if a == addr {
			return
		}
	}
	d.order = append(d.order, addr)
}

// prune drops facets that no longer own any selector from the loupe order.
func (d *Diamond) prune() {
	live := make(map[common.Address]bool, len(d.order))
	for _, a := range d.routes {
		live[a] = true
	}
	kept := d.order[:0]
	for _, a := range d.order {
		if live[a] {
			kept = append(kept, a)
		}
	}
	d.order = kept
}

func (d *Diamond) snapshot() (map[Selector]common.Address, []common.Address) {
	routes := make(map[Selector]common.Address, len(d.routes))
	for k, v := range d.routes {
		routes[k] = v
	}
	return routes, append([]common.Address(nil), d.order...)
}

func (d *Diamond) restore(routes map[Selector]common.Address, order []common.Address) {
	d.mu.Lock()
	d.routes, d.order = routes, order
	d.mu.Unlock()
}

func (d *Diamond) record(caller common.Address, changes []Change, initAddress common.Address, now int64) {
	d.mu.Lock()
	rec := CutRecord{
		Seq:         uint64(len(d.history)) + 1,
		Caller:      caller,
		Changes:     changes,
		InitAddress: initAddress,
		Time:        now,
	}
	d.history = append(d.history, rec)
	mapped := len(d.routes)
	d.mu.Unlock()

	metrics.FacetCutsTotal.Inc()
	metrics.MappedSelectors.Set(float64(mapped))
	d.logger.Info("facet cut applied", "caller", caller.Hex(), "changes", len(changes), "selectors", mapped)
	d.sink.Publish(events.Event{
		Kind:    events.FacetCut,
		Account: caller.Hex(),
		Data: map[string]string{
			"changes": fmt.Sprint(len(changes)),
			"init":    initAddress.Hex(),
		},
		Time: now,
	})
}

// History returns every committed cut, oldest first.
func (d *Diamond) History() []CutRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]CutRecord(nil), d.history...)
}

// Dispatch routes call to the facet mapped to its selector and returns the
// facet's result or error unchanged.
func (d *Diamond) Dispatch(ctx context.Context, call *Call) (_ []byte, retErr error) {
	if len(call.Data) < 4 {
		return nil, ErrMalformedCall
	}
	if call.Value == nil {
		call.Value = new(big.Int)
	}
	sel := call.Selector()

	ctx, span := traces.StartSpan(ctx, "dispatch.Dispatch",
		traces.Selector(sel.Hex()),
		traces.Caller(call.Caller.Hex()),
	)
	defer func() { traces.End(span, retErr) }()

	var out []byte
	err := d.host.Exec(ctx, "", func(ctx context.Context, _ state.Tx) error {
		d.mu.RLock()
		addr, ok := d.routes[sel]
		facet := d.deployed[addr]
		d.mu.RUnlock()
		if !ok || facet == nil {
			metrics.DispatchCallsTotal.WithLabelValues("none", "unknown_selector").Inc()
			return fmt.Errorf("%w: %s", ErrUnknownSelector, sel)
		}

		span.SetAttributes(traces.Facet(facet.Name()))
		start := time.Now()
		res, err := facet.Invoke(ctx, call)
		metrics.DispatchDuration.WithLabelValues(facet.Name()).Observe(time.Since(start).Seconds())
		metrics.DispatchCallsTotal.WithLabelValues(facet.Name(), metrics.Result(err)).Inc()
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	return out, err
}
