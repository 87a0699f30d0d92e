// Package relay executes subscribe and renew calls on a user's behalf.
//
// A user authorizes a relayed subscribe by personal-signing
// keccak256(abi.encode(tenantId, tierId, user, amount, nonce)). Each
// signature is tied to the user's next nonce, so it can be used once and
// only in order. The party submitting the call advances the funds, so the
// signed amount is bound into the message but does not cap the charge.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/recurra/internal/catalog"
	"github.com/mbd888/recurra/internal/metrics"
	"github.com/mbd888/recurra/internal/settlement"
	"github.com/mbd888/recurra/internal/sig"
	"github.com/mbd888/recurra/internal/state"
	"github.com/mbd888/recurra/internal/subscription"
	"github.com/mbd888/recurra/internal/traces"
)

var (
	ErrBadSignature  = errors.New("relay: bad signature")
	ErrTokenMismatch = errors.New("relay: token does not match the tenant's token")
	ErrInvalidAmount = errors.New("relay: amount must be non-negative")
)

var messageArgs = func() abi.Arguments {
	u256, _ := abi.NewType("uint256", "", nil)
	addr, _ := abi.NewType("address", "", nil)
	return abi.Arguments{{Type: u256}, {Type: u256}, {Type: addr}, {Type: u256}, {Type: u256}}
}()

// Params is the payload a cross-chain decoder reconstructs before calling
// RelaySubscribe. FromTier is informational.
type Params struct {
	TenantID uint64
	FromTier uint64
	ToTier   uint64
	Amount   *big.Int
	Token    common.Address
}

// Message returns the hash a user signs to authorize a relayed subscribe.
func Message(tenantID, tierID uint64, user common.Address, amount *big.Int, nonce uint64) (common.Hash, error) {
	if amount == nil || amount.Sign() < 0 {
		return common.Hash{}, ErrInvalidAmount
	}
	packed, err := messageArgs.Pack(
		new(big.Int).SetUint64(tenantID),
		new(big.Int).SetUint64(tierID),
		user,
		amount,
		new(big.Int).SetUint64(nonce),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("encode relay message: %w", err)
	}
	return crypto.Keccak256Hash(packed), nil
}

// Service verifies relay authorizations and runs them through the
// subscription state machine.
type Service struct {
	host   *state.Host
	subs   *subscription.Service
	logger *slog.Logger
}

// NewService creates a relay service.
func NewService(host *state.Host, subs *subscription.Service, logger *slog.Logger) *Service {
	return &Service{host: host, subs: subs, logger: logger}
}

// Nonce returns the nonce the user's next signature must commit to.
func (s *Service) Nonce(ctx context.Context, tenantID uint64, user common.Address) (uint64, error) {
	sub, err := s.subs.Subscription(ctx, tenantID, user)
	if err != nil {
		return 0, err
	}
	return sub.Nonce, nil
}

// GetMessage returns the message for the user's current nonce.
func (s *Service) GetMessage(ctx context.Context, tenantID, tierID uint64, user common.Address, amount *big.Int) (common.Hash, uint64, error) {
	nonce, err := s.Nonce(ctx, tenantID, user)
	if err != nil {
		return common.Hash{}, 0, err
	}
	h, err := Message(tenantID, tierID, user, amount, nonce)
	return h, nonce, err
}

// RelaySubscribe verifies that user signed p against their current nonce,
// consumes the nonce and subscribes user to p.ToTier with caller as payer.
// The user's spend ceiling is not consulted.
func (s *Service) RelaySubscribe(ctx context.Context, caller common.Address, p Params, user, referrer common.Address, signature []byte) (_ *subscription.Result, retErr error) {
	ctx, span := traces.StartSpan(ctx, "relay.RelaySubscribe",
		traces.TenantID(p.TenantID),
		traces.TierID(p.ToTier),
		traces.User(user.Hex()),
		traces.Caller(caller.Hex()),
	)
	defer func() {
		metrics.RelayCallsTotal.WithLabelValues("subscribe", metrics.Result(retErr)).Inc()
		traces.End(span, retErr)
	}()

	var res *subscription.Result
	err := s.host.Exec(ctx, fmt.Sprintf("relay:%d:%s", p.TenantID, user.Hex()), func(ctx context.Context, tx state.Tx) error {
		tenant, err := catalog.Live(ctx, tx, p.TenantID)
		if err != nil {
			return err
		}
		if p.Token != tenant.Token {
			return fmt.Errorf("%w: got %s, tenant uses %s", ErrTokenMismatch, p.Token.Hex(), tenant.Token.Hex())
		}
		sub, err := tx.Subscription(ctx, p.TenantID, user)
		if err != nil {
			return err
		}
		msg, err := Message(p.TenantID, p.ToTier, user, p.Amount, sub.Nonce)
		if err != nil {
			return err
		}
		if err := sig.Verify(msg.Bytes(), signature, user); err != nil {
			return fmt.Errorf("%w: %v", ErrBadSignature, err)
		}
		sub.Nonce++
		if err := tx.PutSubscription(ctx, sub); err != nil {
			return err
		}

		res, err = s.subs.SubscribeIn(ctx, subscription.Request{
			TenantID:    p.TenantID,
			TierID:      p.ToTier,
			User:        user,
			Payer:       caller,
			Referrer:    referrer,
			SkipCeiling: true,
			Source:      settlement.SourceRelay,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("relayed subscribe executed",
		"tenant", p.TenantID,
		"tier", p.ToTier,
		"user", user.Hex(),
		"relayer", caller.Hex(),
		"amount", res.Charged.String(),
	)
	return res, nil
}

// RelayRenew renews user's subscription with the relayer's own funds.
// The user's spend ceiling is not consulted.
func (s *Service) RelayRenew(ctx context.Context, caller common.Address, tenantID uint64, user common.Address) (_ *subscription.Result, retErr error) {
	defer func() {
		metrics.RelayCallsTotal.WithLabelValues("renew", metrics.Result(retErr)).Inc()
	}()
	if err := s.subs.RequireRelayer(ctx, caller, user); err != nil {
		return nil, err
	}
	return s.subs.RenewIn(ctx, subscription.RenewRequest{
		TenantID:    tenantID,
		User:        user,
		Payer:       caller,
		SkipCeiling: true,
		Source:      settlement.SourceRelay,
	})
}
