package facets

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/recurra/internal/dispatch"
	"github.com/mbd888/recurra/internal/relay"
	"github.com/mbd888/recurra/internal/settlement"
	"github.com/mbd888/recurra/internal/subscription"
)

type tenantUser struct {
	TenantID uint64         `abi:"tenantId"`
	User     common.Address `abi:"user"`
}

func chargeResult(res *subscription.Result) []any {
	return []any{res.Charged, uint64(res.PeriodEnd)}
}

// NewPaymentFacet exposes subscribe, renew, status and one-off payments.
func NewPaymentFacet(subs *subscription.Service, settler *settlement.Service) dispatch.Facet {
	return newFacet(PaymentFacet, paymentABI, map[string]handler{
		"setSpendCeiling": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				TenantID uint64   `abi:"tenantId"`
				Amount   *big.Int `abi:"amount"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			return nil, subs.SetSpendCeiling(ctx, call.Caller, in.TenantID, in.Amount)
		},
		"subscribe": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				TenantID uint64         `abi:"tenantId"`
				TierID   uint64         `abi:"tierId"`
				Referrer common.Address `abi:"referrer"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			res, err := subs.Subscribe(ctx, call.Caller, in.TenantID, in.TierID, in.Referrer)
			if err != nil {
				return nil, err
			}
			return chargeResult(res), nil
		},
		"renew": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in tenantUser
			if err := decode(&in); err != nil {
				return nil, err
			}
			res, err := subs.Renew(ctx, call.Caller, in.TenantID, in.User)
			if err != nil {
				return nil, err
			}
			return chargeResult(res), nil
		},
		"getStatus": func(ctx context.Context, _ *dispatch.Call, decode func(any) error) ([]any, error) {
			var in tenantUser
			if err := decode(&in); err != nil {
				return nil, err
			}
			st, err := subs.Status(ctx, in.TenantID, in.User)
			if err != nil {
				return nil, err
			}
			return []any{st.TierID, st.Active}, nil
		},
		"getSubscription": func(ctx context.Context, _ *dispatch.Call, decode func(any) error) ([]any, error) {
			var in tenantUser
			if err := decode(&in); err != nil {
				return nil, err
			}
			sub, err := subs.Subscription(ctx, in.TenantID, in.User)
			if err != nil {
				return nil, err
			}
			return []any{sub.TierID, uint64(sub.PeriodEnd), sub.Ceiling, sub.Nonce}, nil
		},
		"getChangePrice": func(ctx context.Context, _ *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				TenantID uint64         `abi:"tenantId"`
				User     common.Address `abi:"user"`
				NewTier  uint64         `abi:"newTier"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			price, err := subs.ChangePrice(ctx, in.TenantID, in.User, in.NewTier)
			if err != nil {
				return nil, err
			}
			return []any{price}, nil
		},
		"pay": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				TenantID uint64   `abi:"tenantId"`
				Amount   *big.Int `abi:"amount"`
				Memo     string   `abi:"memo"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			_, err := settler.Pay(ctx, call.Caller, in.TenantID, in.Amount, in.Memo)
			return nil, err
		},
	})
}

// NewRelayFacet exposes signature-gated relayed subscribe and renew.
func NewRelayFacet(r *relay.Service) dispatch.Facet {
	return newFacet(RelayFacet, relayABI, map[string]handler{
		"getMessage": func(_ context.Context, _ *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				TenantID uint64         `abi:"tenantId"`
				TierID   uint64         `abi:"tierId"`
				User     common.Address `abi:"user"`
				Amount   *big.Int       `abi:"amount"`
				Nonce    uint64         `abi:"nonce"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			h, err := relay.Message(in.TenantID, in.TierID, in.User, in.Amount, in.Nonce)
			if err != nil {
				return nil, err
			}
			return []any{[32]byte(h)}, nil
		},
		"getNonce": func(ctx context.Context, _ *dispatch.Call, decode func(any) error) ([]any, error) {
			var in tenantUser
			if err := decode(&in); err != nil {
				return nil, err
			}
			n, err := r.Nonce(ctx, in.TenantID, in.User)
			if err != nil {
				return nil, err
			}
			return []any{n}, nil
		},
		"relaySubscribe": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				TenantID  uint64         `abi:"tenantId"`
				FromTier  uint64         `abi:"fromTier"`
				ToTier    uint64         `abi:"toTier"`
				Amount    *big.Int       `abi:"amount"`
				Token     common.Address `abi:"token"`
				User      common.Address `abi:"user"`
				Referrer  common.Address `abi:"referrer"`
				Signature []byte         `abi:"signature"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			res, err := r.RelaySubscribe(ctx, call.Caller, relay.Params{
				TenantID: in.TenantID,
				FromTier: in.FromTier,
				ToTier:   in.ToTier,
				Amount:   in.Amount,
				Token:    in.Token,
			}, in.User, in.Referrer, in.Signature)
			if err != nil {
				return nil, err
			}
			return chargeResult(res), nil
		},
		"relayRenew": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in tenantUser
			if err := decode(&in); err != nil {
				return nil, err
			}
			res, err := r.RelayRenew(ctx, call.Caller, in.TenantID, in.User)
			if err != nil {
				return nil, err
			}
			return chargeResult(res), nil
		},
	})
}
