// Package catalog manages tenants and their tier catalogs.
//
// Tenant ids are assigned sequentially and never reused. Registering a
// tenant mints its ownership token to the caller; whoever holds that token
// administers the tenant. Tiers are append-only: ids start at 1, grow by one,
// and a tier is edited in place but never removed.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/recurra/internal/events"
	"github.com/mbd888/recurra/internal/ownership"
	"github.com/mbd888/recurra/internal/state"
	"github.com/mbd888/recurra/internal/traces"
)

var (
	ErrNotOwner      = errors.New("catalog: caller does not own tenant")
	ErrTenantDeleted = errors.New("catalog: tenant deleted")
	ErrInvalidPrice  = errors.New("catalog: price must be non-negative")
	ErrInvalidRate   = errors.New("catalog: rate exceeds 10000 bps")
	ErrZeroAddress   = errors.New("catalog: zero address")
)

// RegisterRequest describes a new tenant. A zero PayoutReceiver defaults to
// the caller.
type RegisterRequest struct {
	Name           string
	Token          common.Address
	PayoutReceiver common.Address
}

// TenantInfo is a tenant together with its current owner.
type TenantInfo struct {
	state.Tenant
	Owner common.Address `json:"owner"`
}

// Service administers tenants and tiers.
type Service struct {
	host   *state.Host
	owners ownership.Registry
	sink   events.Sink
	logger *slog.Logger
}

// NewService creates a catalog service.
func NewService(host *state.Host, owners ownership.Registry, logger *slog.Logger) *Service {
	return &Service{host: host, owners: owners, sink: events.Nop{}, logger: logger}
}

// WithEvents publishes catalog changes to sink.
func (s *Service) WithEvents(sink events.Sink) *Service {
	s.sink = sink
	return s
}

// Live loads a tenant that has not been deleted.
func Live(ctx context.Context, tx state.Tx, id uint64) (*state.Tenant, error) {
	t, err := tx.Tenant(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Deleted {
		return nil, ErrTenantDeleted
	}
	return t, nil
}

// RequireOwner fails with ErrNotOwner unless caller holds the tenant's
// ownership token.
func (s *Service) RequireOwner(ctx context.Context, tenantID uint64, caller common.Address) error {
	ok, err := ownership.Owns(ctx, s.owners, tenantID, caller)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotOwner
	}
	return nil
}

// RegisterTenant creates a tenant with an empty catalog and mints its
// ownership token to caller.
func (s *Service) RegisterTenant(ctx context.Context, caller common.Address, req RegisterRequest) (_ *state.Tenant, retErr error) {
	ctx, span := traces.StartSpan(ctx, "catalog.RegisterTenant", traces.Caller(caller.Hex()))
	defer func() { traces.End(span, retErr) }()

	if req.Token == (common.Address{}) {
		return nil, fmt.Errorf("%w: token", ErrZeroAddress)
	}
	if req.PayoutReceiver == (common.Address{}) {
		req.PayoutReceiver = caller
	}

	var tenant *state.Tenant
	err := s.host.Exec(ctx, "platform", func(ctx context.Context, tx state.Tx) error {
		p, err := tx.Platform(ctx)
		if err != nil {
			return err
		}
		p.LastTenantID++
		tenant = &state.Tenant{
			ID:             p.LastTenantID,
			Name:           req.Name,
			Token:          req.Token,
			PayoutReceiver: req.PayoutReceiver,
			CreatedAt:      s.host.Now(ctx),
		}
		if err := tx.PutPlatform(ctx, p); err != nil {
			return err
		}
		if err := tx.PutTenant(ctx, tenant); err != nil {
			return err
		}
		// Mint last: a failed mint rolls back the id assignment.
		if err := s.owners.Mint(ctx, tenant.ID, caller); err != nil {
			return fmt.Errorf("mint ownership token: %w", err)
		}
		s.publish(ctx, events.TenantRegistered, tenant.ID, caller, map[string]string{
			"name":  tenant.Name,
			"token": tenant.Token.Hex(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("tenant registered", "tenant", tenant.ID, "owner", caller.Hex())
	return tenant, nil
}

// DeleteTenant hides a tenant from new subscriptions and burns its
// ownership token. Existing subscriptions lapse naturally. Callable by the
// tenant owner or the platform security delegate.
func (s *Service) DeleteTenant(ctx context.Context, caller common.Address, tenantID uint64) (retErr error) {
	ctx, span := traces.StartSpan(ctx, "catalog.DeleteTenant", traces.TenantID(tenantID), traces.Caller(caller.Hex()))
	defer func() { traces.End(span, retErr) }()

	return s.host.Exec(ctx, tenantKey(tenantID), func(ctx context.Context, tx state.Tx) error {
		t, err := Live(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		p, err := tx.Platform(ctx)
		if err != nil {
			return err
		}
		delegate := p.SecurityDelegate != (common.Address{}) && p.SecurityDelegate == caller
		if !delegate {
			if err := s.RequireOwner(ctx, tenantID, caller); err != nil {
				return err
			}
		}
		t.Deleted = true
		if err := tx.PutTenant(ctx, t); err != nil {
			return err
		}
		if err := s.owners.Burn(ctx, tenantID); err != nil {
			return fmt.Errorf("burn ownership token: %w", err)
		}
		s.publish(ctx, events.TenantDeleted, tenantID, caller, nil)
		return nil
	})
}

// AddTier appends a tier and returns its id.
func (s *Service) AddTier(ctx context.Context, caller common.Address, tenantID uint64, price *big.Int, name string) (_ uint64, retErr error) {
	ctx, span := traces.StartSpan(ctx, "catalog.AddTier", traces.TenantID(tenantID), traces.Amount(price.String()))
	defer func() { traces.End(span, retErr) }()

	if price == nil || price.Sign() < 0 {
		return 0, ErrInvalidPrice
	}
	var id uint64
	err := s.host.Exec(ctx, tenantKey(tenantID), func(ctx context.Context, tx state.Tx) error {
		if err := s.RequireOwner(ctx, tenantID, caller); err != nil {
			return err
		}
		if _, err := Live(ctx, tx, tenantID); err != nil {
			return err
		}
		tiers, err := tx.Tiers(ctx, tenantID)
		if err != nil {
			return err
		}
		id = uint64(len(tiers)) + 1
		tier := &state.Tier{TenantID: tenantID, ID: id, Price: new(big.Int).Set(price), Name: name, Active: true}
		if err := tx.PutTier(ctx, tier); err != nil {
			return err
		}
		s.publish(ctx, events.TierAdded, tenantID, caller, map[string]string{
			"tier":  fmt.Sprint(id),
			"price": price.String(),
			"name":  name,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// EditTier updates a tier in place. Subscribers already on the tier pay the
// new price from their next renewal or change.
func (s *Service) EditTier(ctx context.Context, caller common.Address, tenantID, tierID uint64, price *big.Int, active bool, name string) (retErr error) {
	ctx, span := traces.StartSpan(ctx, "catalog.EditTier", traces.TenantID(tenantID), traces.TierID(tierID))
	defer func() { traces.End(span, retErr) }()

	if price == nil || price.Sign() < 0 {
		return ErrInvalidPrice
	}
	return s.host.Exec(ctx, tenantKey(tenantID), func(ctx context.Context, tx state.Tx) error {
		if err := s.RequireOwner(ctx, tenantID, caller); err != nil {
			return err
		}
		tiers, err := tx.Tiers(ctx, tenantID)
		if err != nil {
			return err
		}
		tier, err := state.TierAt(tiers, tierID)
		if err != nil {
			return err
		}
		tier.Price = new(big.Int).Set(price)
		tier.Active = active
		tier.Name = name
		if err := tx.PutTier(ctx, tier); err != nil {
			return err
		}
		s.publish(ctx, events.TierEdited, tenantID, caller, map[string]string{
			"tier":   fmt.Sprint(tierID),
			"price":  price.String(),
			"active": fmt.Sprint(active),
			"name":   name,
		})
		return nil
	})
}

// SetPayoutReceiver changes where net revenue is paid.
func (s *Service) SetPayoutReceiver(ctx context.Context, caller common.Address, tenantID uint64, receiver common.Address) error {
	if receiver == (common.Address{}) {
		return fmt.Errorf("%w: payout receiver", ErrZeroAddress)
	}
	return s.edit(ctx, caller, tenantID, func(t *state.Tenant) error {
		t.PayoutReceiver = receiver
		return nil
	}, map[string]string{"payoutReceiver": receiver.Hex()})
}

// SetToken changes the token future charges are taken in.
func (s *Service) SetToken(ctx context.Context, caller common.Address, tenantID uint64, token common.Address) error {
	if token == (common.Address{}) {
		return fmt.Errorf("%w: token", ErrZeroAddress)
	}
	return s.edit(ctx, caller, tenantID, func(t *state.Tenant) error {
		t.Token = token
		return nil
	}, map[string]string{"token": token.Hex()})
}

// SetName renames a tenant.
func (s *Service) SetName(ctx context.Context, caller common.Address, tenantID uint64, name string) error {
	return s.edit(ctx, caller, tenantID, func(t *state.Tenant) error {
		t.Name = name
		return nil
	}, map[string]string{"name": name})
}

// SetReferralRate sets the referral cut in basis points.
func (s *Service) SetReferralRate(ctx context.Context, caller common.Address, tenantID uint64, bps uint64) error {
	if bps > state.MaxBPS {
		return ErrInvalidRate
	}
	return s.edit(ctx, caller, tenantID, func(t *state.Tenant) error {
		t.ReferralRateBPS = bps
		return nil
	}, map[string]string{"referralRate": fmt.Sprint(bps)})
}

func (s *Service) edit(ctx context.Context, caller common.Address, tenantID uint64, fn func(*state.Tenant) error, data map[string]string) error {
	return s.host.Exec(ctx, tenantKey(tenantID), func(ctx context.Context, tx state.Tx) error {
		if err := s.RequireOwner(ctx, tenantID, caller); err != nil {
			return err
		}
		t, err := Live(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		if err := fn(t); err != nil {
			return err
		}
		if err := tx.PutTenant(ctx, t); err != nil {
			return err
		}
		s.publish(ctx, events.TenantUpdated, tenantID, caller, data)
		return nil
	})
}

// Tenant returns a tenant and its current owner. Deleted tenants are
// returned with Deleted set and a zero owner.
func (s *Service) Tenant(ctx context.Context, tenantID uint64) (*TenantInfo, error) {
	var info TenantInfo
	err := s.host.View(ctx, func(ctx context.Context, tx state.Tx) error {
		t, err := tx.Tenant(ctx, tenantID)
		if err != nil {
			return err
		}
		info.Tenant = *t
		return nil
	})
	if err != nil {
		return nil, err
	}
	owner, err := s.owners.OwnerOf(ctx, tenantID)
	if err != nil && !errors.Is(err, ownership.ErrNotMinted) {
		return nil, err
	}
	info.Owner = owner
	return &info, nil
}

// TenantsOf lists the ids of tenants owner administers.
func (s *Service) TenantsOf(ctx context.Context, owner common.Address) ([]uint64, error) {
	return s.owners.TokensOf(ctx, owner)
}

// Tiers returns the full catalog in id order.
func (s *Service) Tiers(ctx context.Context, tenantID uint64) ([]*state.Tier, error) {
	var out []*state.Tier
	err := s.host.View(ctx, func(ctx context.Context, tx state.Tx) error {
		if _, err := tx.Tenant(ctx, tenantID); err != nil {
			return err
		}
		tiers, err := tx.Tiers(ctx, tenantID)
		out = tiers
		return err
	})
	return out, err
}

// ActiveTierCount counts tiers with the active flag set.
func (s *Service) ActiveTierCount(ctx context.Context, tenantID uint64) (uint64, error) {
	tiers, err := s.Tiers(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	var n uint64
	for _, t := range tiers {
		if t.Active {
			n++
		}
	}
	return n, nil
}

func (s *Service) publish(ctx context.Context, kind events.Kind, tenantID uint64, account common.Address, data map[string]string) {
	e := events.Event{Kind: kind, TenantID: tenantID, Account: account.Hex(), Data: data, Time: s.host.Now(ctx)}
	s.host.AfterCommit(ctx, func() { s.sink.Publish(e) })
}

func tenantKey(id uint64) string {
	return fmt.Sprintf("tenant:%d", id)
}
