package facets

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/recurra/internal/dispatch"
	"github.com/mbd888/recurra/internal/platform"
	"github.com/mbd888/recurra/internal/settlement"
	"github.com/mbd888/recurra/internal/state"
)

// NewInitFacet exposes init, run once as the init call of the first cut.
func NewInitFacet(p *platform.Service) dispatch.Facet {
	return newFacet(InitFacet, initABI, map[string]handler{
		"init": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				Treasury common.Address `abi:"treasury"`
				Relayer  common.Address `abi:"relayer"`
				TaxRate  uint64         `abi:"taxRate"`
				Period   uint64         `abi:"period"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			return nil, p.Init(ctx, call.Caller, platform.InitParams{
				Treasury:      in.Treasury,
				Relayer:       in.Relayer,
				TaxRateBPS:    in.TaxRate,
				PeriodSeconds: int64(in.Period),
			})
		},
	})
}

// NewAdminFacet exposes the owner-gated platform settings and referral
// account management.
func NewAdminFacet(p *platform.Service, settler *settlement.Service) dispatch.Facet {
	return newFacet(AdminFacet, adminABI, map[string]handler{
		"setTaxRate": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var rate uint64
			if err := decode(&rate); err != nil {
				return nil, err
			}
			return nil, p.SetTaxRate(ctx, call.Caller, rate)
		},
		"setTreasury": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var a common.Address
			if err := decode(&a); err != nil {
				return nil, err
			}
			return nil, p.SetTreasury(ctx, call.Caller, a)
		},
		"setRelayer": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var a common.Address
			if err := decode(&a); err != nil {
				return nil, err
			}
			return nil, p.SetRelayer(ctx, call.Caller, a)
		},
		"setSecurityDelegate": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var a common.Address
			if err := decode(&a); err != nil {
				return nil, err
			}
			return nil, p.SetSecurityDelegate(ctx, call.Caller, a)
		},
		"setPeriod": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var period uint64
			if err := decode(&period); err != nil {
				return nil, err
			}
			return nil, p.SetPeriod(ctx, call.Caller, int64(period))
		},
		"getPlatform": func(ctx context.Context, _ *dispatch.Call, _ func(any) error) ([]any, error) {
			pl, err := p.Get(ctx)
			if err != nil {
				return nil, err
			}
			return []any{
				pl.TaxRateBPS,
				pl.Treasury,
				pl.Relayer,
				pl.SecurityDelegate,
				uint64(pl.Period()),
				pl.LastTenantID,
				pl.Initialized,
			}, nil
		},
		"setReferralAccount": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				TenantID  uint64         `abi:"tenantId"`
				Referrer  common.Address `abi:"referrer"`
				Expiry    uint64         `abi:"expiry"`
				TierScope uint64         `abi:"tierScope"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			return nil, settler.SetReferralAccount(ctx, call.Caller, state.Referral{
				TenantID:  in.TenantID,
				Referrer:  in.Referrer,
				Expiry:    int64(in.Expiry),
				TierScope: in.TierScope,
			})
		},
		"getReferralAccount": func(ctx context.Context, _ *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				TenantID uint64         `abi:"tenantId"`
				Referrer common.Address `abi:"referrer"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			r, err := settler.ReferralAccount(ctx, in.TenantID, in.Referrer)
			if err != nil {
				return nil, err
			}
			return []any{uint64(r.Expiry), r.TierScope}, nil
		},
	})
}
