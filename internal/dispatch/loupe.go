package dispatch

import (
	"bytes"
	"context"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/recurra/internal/events"
	"github.com/mbd888/recurra/internal/state"
)

// FacetInfo describes one routed facet.
type FacetInfo struct {
	Address   common.Address `json:"address"`
	Name      string         `json:"name"`
	Selectors []Selector     `json:"selectors"`
}

// Facets lists every facet that owns at least one selector, in the order
// they were first added.
func (d *Diamond) Facets() []FacetInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]FacetInfo, 0, len(d.order))
	for _, addr := range d.order {
		info := FacetInfo{Address: addr, Selectors: d.selectorsOf(addr)}
		if f, ok := d.deployed[addr]; ok {
			info.Name = f.Name()
		}
		out = append(out, info)
	}
	return out
}

// FacetSelectors lists the selectors routed to facet.
func (d *Diamond) FacetSelectors(facet common.Address) []Selector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.selectorsOf(facet)
}

// FacetAddresses lists the addresses of routed facets.
func (d *Diamond) FacetAddresses() []common.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]common.Address(nil), d.order...)
}

// FacetAddress returns the facet a selector routes to, or the zero address.
func (d *Diamond) FacetAddress(sel Selector) common.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.routes[sel]
}

func (d *Diamond) selectorsOf(addr common.Address) []Selector {
	var out []Selector
	for sel, a := range d.routes {
		if a == addr {
			out = append(out, sel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}

// Owner returns the platform owner.
func (d *Diamond) Owner() common.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.owner
}

// PendingOwner returns the proposed owner, or the zero address.
func (d *Diamond) PendingOwner() common.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.pending
}

// LoadOwnership restores a persisted owner and pending owner. When none has
// been persisted yet, the owner passed to New is written instead.
func (d *Diamond) LoadOwnership(ctx context.Context) error {
	return d.host.Exec(ctx, "", func(ctx context.Context, tx state.Tx) error {
		p, err := tx.Platform(ctx)
		if err != nil {
			return err
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if p.Owner == (common.Address{}) {
			p.Owner, p.PendingOwner = d.owner, d.pending
			return tx.PutPlatform(ctx, p)
		}
		if p.Owner != d.owner {
			d.logger.Info("using persisted platform owner", "owner", p.Owner.Hex(), "configured", d.owner.Hex())
		}
		d.owner, d.pending = p.Owner, p.PendingOwner
		return nil
	})
}

// TransferOwnership proposes next as owner. Ownership moves only when next
// calls AcceptOwnership.
func (d *Diamond) TransferOwnership(ctx context.Context, caller, next common.Address) error {
	if next == (common.Address{}) {
		return ErrZeroAddress
	}
	return d.changeOwnership(ctx, func() error {
		if caller != d.owner {
			return ErrNotOwner
		}
		d.pending = next
		return nil
	}, func() {
		d.publish(ctx, events.OwnershipProposed, caller, map[string]string{"pending": next.Hex()})
	})
}

// AcceptOwnership completes a proposed transfer. Only the pending owner may call it.
func (d *Diamond) AcceptOwnership(ctx context.Context, caller common.Address) error {
	var prev common.Address
	return d.changeOwnership(ctx, func() error {
		if d.pending == (common.Address{}) {
			return ErrNoPendingOwner
		}
		if caller != d.pending {
			return ErrNotPendingOwner
		}
		prev = d.owner
		d.owner, d.pending = caller, common.Address{}
		return nil
	}, func() {
		d.logger.Info("platform ownership transferred", "from", prev.Hex(), "to", caller.Hex())
		d.publish(ctx, events.OwnershipTransferred, caller, map[string]string{"previous": prev.Hex()})
	})
}

// CancelOwnershipTransfer withdraws a pending proposal. Owner only.
func (d *Diamond) CancelOwnershipTransfer(ctx context.Context, caller common.Address) error {
	var cancelled common.Address
	return d.changeOwnership(ctx, func() error {
		if caller != d.owner {
			return ErrNotOwner
		}
		if d.pending == (common.Address{}) {
			return ErrNoPendingOwner
		}
		cancelled = d.pending
		d.pending = common.Address{}
		return nil
	}, func() {
		d.publish(ctx, events.OwnershipCancelled, caller, map[string]string{"cancelled": cancelled.Hex()})
	})
}

// changeOwnership applies mutate under mu and persists the result in the
// platform record. The in-memory values are put back if the call fails.
func (d *Diamond) changeOwnership(ctx context.Context, mutate func() error, done func()) error {
	return d.host.Exec(ctx, "", func(ctx context.Context, tx state.Tx) error {
		d.mu.Lock()
		prevOwner, prevPending := d.owner, d.pending
		if err := mutate(); err != nil {
			d.mu.Unlock()
			return err
		}
		owner, pending := d.owner, d.pending
		d.mu.Unlock()
		undo := func() {
			d.mu.Lock()
			d.owner, d.pending = prevOwner, prevPending
			d.mu.Unlock()
		}
		d.host.OnRollback(ctx, undo)

		p, err := tx.Platform(ctx)
		if err == nil {
			p.Owner, p.PendingOwner = owner, pending
			err = tx.PutPlatform(ctx, p)
		}
		if err != nil {
			undo()
			return err
		}
		done()
		return nil
	})
}

// IsOwner reports whether addr is the platform owner.
func (d *Diamond) IsOwner(_ context.Context, addr common.Address) bool {
	return d.Owner() == addr
}

func (d *Diamond) publish(ctx context.Context, kind events.Kind, account common.Address, data map[string]string) {
	now := d.host.Now(ctx)
	d.host.AfterCommit(ctx, func() {
		d.sink.Publish(events.Event{Kind: kind, Account: account.Hex(), Data: data, Time: now})
	})
}
