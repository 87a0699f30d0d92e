package facets

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/recurra/internal/catalog"
	"github.com/mbd888/recurra/internal/dispatch"
)

type tierEntry struct {
	ID     uint64   `abi:"id"`
	Price  *big.Int `abi:"price"`
	Name   string   `abi:"name"`
	Active bool     `abi:"active"`
}

// NewTiersFacet exposes tenant registration and catalog management.
func NewTiersFacet(cat *catalog.Service) dispatch.Facet {
	return newFacet(TiersFacet, tiersABI, map[string]handler{
		"registerTenant": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				Name           string         `abi:"name"`
				Token          common.Address `abi:"token"`
				PayoutReceiver common.Address `abi:"payoutReceiver"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			t, err := cat.RegisterTenant(ctx, call.Caller, catalog.RegisterRequest{
				Name:           in.Name,
				Token:          in.Token,
				PayoutReceiver: in.PayoutReceiver,
			})
			if err != nil {
				return nil, err
			}
			return []any{t.ID}, nil
		},
		"deleteTenant": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var id uint64
			if err := decode(&id); err != nil {
				return nil, err
			}
			return nil, cat.DeleteTenant(ctx, call.Caller, id)
		},
		"addTier": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				TenantID uint64   `abi:"tenantId"`
				Price    *big.Int `abi:"price"`
				Name     string   `abi:"name"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			id, err := cat.AddTier(ctx, call.Caller, in.TenantID, in.Price, in.Name)
			if err != nil {
				return nil, err
			}
			return []any{id}, nil
		},
		"editTier": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				TenantID uint64   `abi:"tenantId"`
				TierID   uint64   `abi:"tierId"`
				Price    *big.Int `abi:"price"`
				Active   bool     `abi:"active"`
				Name     string   `abi:"name"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			return nil, cat.EditTier(ctx, call.Caller, in.TenantID, in.TierID, in.Price, in.Active, in.Name)
		},
		"getTiers": func(ctx context.Context, _ *dispatch.Call, decode func(any) error) ([]any, error) {
			var id uint64
			if err := decode(&id); err != nil {
				return nil, err
			}
			tiers, err := cat.Tiers(ctx, id)
			if err != nil {
				return nil, err
			}
			out := make([]tierEntry, len(tiers))
			for i, t := range tiers {
				out[i] = tierEntry{ID: t.ID, Price: t.Price, Name: t.Name, Active: t.Active}
			}
			return []any{out}, nil
		},
		"getActiveTierCount": func(ctx context.Context, _ *dispatch.Call, decode func(any) error) ([]any, error) {
			var id uint64
			if err := decode(&id); err != nil {
				return nil, err
			}
			n, err := cat.ActiveTierCount(ctx, id)
			if err != nil {
				return nil, err
			}
			return []any{n}, nil
		},
		"getTenant": func(ctx context.Context, _ *dispatch.Call, decode func(any) error) ([]any, error) {
			var id uint64
			if err := decode(&id); err != nil {
				return nil, err
			}
			t, err := cat.Tenant(ctx, id)
			if err != nil {
				return nil, err
			}
			return []any{t.Name, t.Token, t.PayoutReceiver, t.ReferralRateBPS, t.Owner, t.Deleted}, nil
		},
		"getTenantsOf": func(ctx context.Context, _ *dispatch.Call, decode func(any) error) ([]any, error) {
			var owner common.Address
			if err := decode(&owner); err != nil {
				return nil, err
			}
			ids, err := cat.TenantsOf(ctx, owner)
			if err != nil {
				return nil, err
			}
			return []any{ids}, nil
		},
		"setPayoutReceiver": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				TenantID uint64         `abi:"tenantId"`
				Receiver common.Address `abi:"receiver"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			return nil, cat.SetPayoutReceiver(ctx, call.Caller, in.TenantID, in.Receiver)
		},
		"setTenantToken": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				TenantID uint64         `abi:"tenantId"`
				Token    common.Address `abi:"token"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			return nil, cat.SetToken(ctx, call.Caller, in.TenantID, in.Token)
		},
		"setTenantName": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				TenantID uint64 `abi:"tenantId"`
				Name     string `abi:"name"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			return nil, cat.SetName(ctx, call.Caller, in.TenantID, in.Name)
		},
		"setReferralRate": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				TenantID     uint64 `abi:"tenantId"`
				ReferralRate uint64 `abi:"referralRate"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			return nil, cat.SetReferralRate(ctx, call.Caller, in.TenantID, in.ReferralRate)
		},
	})
}
