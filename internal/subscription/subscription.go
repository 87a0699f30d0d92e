// Package subscription implements the per-user subscription lifecycle:
// subscribe, tier change with proration, relayer renewal and live status.
//
// States: None (tier 0) -> Active (evergreen tier, or now < periodEnd) ->
// Lapsed (now >= periodEnd) -> Active again through renew or a new
// subscribe. Status is always derived from periodEnd and the tier's
// evergreen flag, never stored.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/recurra/internal/catalog"
	"github.com/mbd888/recurra/internal/events"
	"github.com/mbd888/recurra/internal/metrics"
	"github.com/mbd888/recurra/internal/settlement"
	"github.com/mbd888/recurra/internal/state"
	"github.com/mbd888/recurra/internal/traces"
)

var (
	ErrNotAllowedTo          = errors.New("subscription: subscriber cannot renew their own subscription")
	ErrOnlyRelayer           = errors.New("subscription: only the relayer can renew")
	ErrTooEarlyToRenew       = errors.New("subscription: cannot renew before the end of the period")
	ErrInsufficientCeiling   = errors.New("subscription: amount exceeds the declared spend ceiling")
	ErrInsufficientAllowance = errors.New("subscription: token allowance does not cover the amount")
	ErrAlreadySubscribed     = errors.New("subscription: already subscribed to this tier")
	ErrTierInactive          = errors.New("subscription: tier is not accepting subscribers")
	ErrNotSubscribed         = errors.New("subscription: user has no subscription")
	ErrInvalidCeiling        = errors.New("subscription: ceiling must be non-negative")
)

// Request is a subscribe call. Payer defaults to User. SkipCeiling is set
// when someone other than the user funds the charge, as on signed relay calls.
type Request struct {
	TenantID    uint64
	TierID      uint64
	User        common.Address
	Payer       common.Address
	Referrer    common.Address
	SkipCeiling bool
	Source      string
}

// RenewRequest is a renew call already authorized by the caller.
// SkipCeiling is set when the relayer funds the charge itself.
type RenewRequest struct {
	TenantID    uint64
	User        common.Address
	Payer       common.Address
	SkipCeiling bool
	Source      string
}

// Result describes what a subscribe or renew did.
type Result struct {
	Kind      events.Kind         `json:"kind"`
	TierID    uint64              `json:"tierId"`
	PeriodEnd int64               `json:"periodEnd"`
	Charged   *big.Int            `json:"charged"`
	Receipt   *settlement.Receipt `json:"receipt,omitempty"`
}

// Status is the live view of a subscription.
type Status struct {
	TierID    uint64 `json:"tierId"`
	Active    bool   `json:"active"`
	PeriodEnd int64  `json:"periodEnd"`
}

// Service runs the subscription state machine.
type Service struct {
	host    *state.Host
	settler *settlement.Service
	sink    events.Sink
	logger  *slog.Logger
}

// NewService creates a subscription service.
func NewService(host *state.Host, settler *settlement.Service, logger *slog.Logger) *Service {
	return &Service{host: host, settler: settler, sink: events.Nop{}, logger: logger}
}

// WithEvents publishes subscription changes to sink.
func (s *Service) WithEvents(sink events.Sink) *Service {
	s.sink = sink
	return s
}

// Prorate returns (newPrice-oldPrice)*remaining/period, truncated toward
// zero, with remaining clamped to >= 0. The result is negative for
// downgrades.
func Prorate(oldPrice, newPrice *big.Int, remaining, period int64) *big.Int {
	if remaining < 0 {
		remaining = 0
	}
	if period <= 0 {
		return new(big.Int)
	}
	d := new(big.Int).Sub(newPrice, oldPrice)
	d.Mul(d, big.NewInt(remaining))
	return d.Quo(d, big.NewInt(period))
}

// IsActive reports whether sub is active at now against its tenant's tiers.
func IsActive(sub *state.Subscription, tiers []*state.Tier, now int64) bool {
	tier, err := state.TierAt(tiers, sub.TierID)
	if err != nil {
		return false
	}
	return tier.Evergreen() || now < sub.PeriodEnd
}

// SetSpendCeiling declares the most the caller agrees to be charged at once
// by a tenant.
func (s *Service) SetSpendCeiling(ctx context.Context, caller common.Address, tenantID uint64, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidCeiling
	}
	return s.host.Exec(ctx, key(tenantID, caller), func(ctx context.Context, tx state.Tx) error {
		if _, err := tx.Tenant(ctx, tenantID); err != nil {
			return err
		}
		sub, err := tx.Subscription(ctx, tenantID, caller)
		if err != nil {
			return err
		}
		sub.Ceiling = new(big.Int).Set(amount)
		if err := tx.PutSubscription(ctx, sub); err != nil {
			return err
		}
		s.publish(ctx, events.CeilingSet, tenantID, caller, map[string]string{"ceiling": amount.String()})
		return nil
	})
}

// Subscribe subscribes caller to a tier, paying from their own allowance.
func (s *Service) Subscribe(ctx context.Context, caller common.Address, tenantID, tierID uint64, referrer common.Address) (*Result, error) {
	return s.SubscribeIn(ctx, Request{TenantID: tenantID, TierID: tierID, User: caller, Referrer: referrer})
}

// SubscribeIn runs a subscribe request. An active subscription to a
// different paid tier is a tier change: the prorated difference is charged
// and periodEnd is kept. Otherwise the full price is charged and a new
// period starts now.
func (s *Service) SubscribeIn(ctx context.Context, req Request) (_ *Result, retErr error) {
	ctx, span := traces.StartSpan(ctx, "subscription.Subscribe",
		traces.TenantID(req.TenantID),
		traces.TierID(req.TierID),
		traces.User(req.User.Hex()),
	)
	defer func() { traces.End(span, retErr) }()

	if req.Payer == (common.Address{}) {
		req.Payer = req.User
	}
	if req.Source == "" {
		req.Source = settlement.SourceSubscription
	}

	var res *Result
	err := s.host.Exec(ctx, key(req.TenantID, req.User), func(ctx context.Context, tx state.Tx) error {
		tenant, err := catalog.Live(ctx, tx, req.TenantID)
		if err != nil {
			return err
		}
		p, err := tx.Platform(ctx)
		if err != nil {
			return err
		}
		tiers, err := tx.Tiers(ctx, req.TenantID)
		if err != nil {
			return err
		}
		tier, err := state.TierAt(tiers, req.TierID)
		if err != nil {
			return err
		}
		if !tier.Active {
			return ErrTierInactive
		}
		sub, err := tx.Subscription(ctx, req.TenantID, req.User)
		if err != nil {
			return err
		}

		now := s.host.Now(ctx)
		active := IsActive(sub, tiers, now)
		if active && sub.TierID == req.TierID {
			return ErrAlreadySubscribed
		}

		res = &Result{TierID: req.TierID}
		old, _ := state.TierAt(tiers, sub.TierID)
		if active && !old.Evergreen() {
			delta := Prorate(old.Price, tier.Price, sub.PeriodEnd-now, p.Period())
			res.Kind = events.Downgraded
			if tier.Price.Cmp(old.Price) > 0 {
				res.Kind = events.Upgraded
			}
			res.Charged = new(big.Int)
			if delta.Sign() > 0 {
				res.Charged = delta
			}
			res.PeriodEnd = sub.PeriodEnd
		} else {
			res.Kind = events.Subscribed
			res.Charged = new(big.Int).Set(tier.Price)
			res.PeriodEnd = now + p.Period()
		}

		ceiling := sub.Ceiling
		if req.SkipCeiling {
			ceiling = nil
		}
		if err := s.checkFunding(ctx, tenant, req.Payer, res.Charged, ceiling); err != nil {
			return err
		}

		// State first, transfer last.
		sub.TierID = req.TierID
		sub.PeriodEnd = res.PeriodEnd
		if err := tx.PutSubscription(ctx, sub); err != nil {
			return err
		}
		res.Receipt, err = s.settler.Settle(ctx, tx, settlement.Charge{
			Tenant:   tenant,
			Payer:    req.Payer,
			Amount:   res.Charged,
			Referrer: req.Referrer,
			Source:   req.Source,
		})
		if err != nil {
			return err
		}

		s.publish(ctx, res.Kind, req.TenantID, req.User, map[string]string{
			"tier":      fmt.Sprint(req.TierID),
			"charged":   res.Charged.String(),
			"periodEnd": fmt.Sprint(res.PeriodEnd),
			"payer":     req.Payer.Hex(),
		})
		kind := string(res.Kind)
		s.host.AfterCommit(ctx, func() {
			metrics.SubscriptionChangesTotal.WithLabelValues(kind).Inc()
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("subscription updated",
		"kind", res.Kind,
		"tenant", req.TenantID,
		"tier", req.TierID,
		"user", req.User.Hex(),
		"amount", res.Charged.String(),
	)
	return res, nil
}

// Renew charges the current price of the user's tier and extends the
// period by one from its previous end. Only the relayer may call it; the
// user pays.
func (s *Service) Renew(ctx context.Context, caller common.Address, tenantID uint64, user common.Address) (*Result, error) {
	if err := s.RequireRelayer(ctx, caller, user); err != nil {
		return nil, err
	}
	return s.RenewIn(ctx, RenewRequest{TenantID: tenantID, User: user, Payer: user})
}

// RequireRelayer fails unless caller holds the relayer role. A subscriber
// renewing themself gets ErrNotAllowedTo, any other caller ErrOnlyRelayer.
func (s *Service) RequireRelayer(ctx context.Context, caller, user common.Address) error {
	var p *state.Platform
	err := s.host.View(ctx, func(ctx context.Context, tx state.Tx) error {
		var err error
		p, err = tx.Platform(ctx)
		return err
	})
	if err != nil {
		return err
	}
	if p.Relayer != (common.Address{}) && caller == p.Relayer {
		return nil
	}
	if caller == user {
		return ErrNotAllowedTo
	}
	return ErrOnlyRelayer
}

// RenewIn runs an authorized renewal. Evergreen tiers renew as a no-op.
func (s *Service) RenewIn(ctx context.Context, req RenewRequest) (_ *Result, retErr error) {
	ctx, span := traces.StartSpan(ctx, "subscription.Renew",
		traces.TenantID(req.TenantID),
		traces.User(req.User.Hex()),
	)
	defer func() { traces.End(span, retErr) }()

	if req.Payer == (common.Address{}) {
		req.Payer = req.User
	}
	if req.Source == "" {
		req.Source = settlement.SourceSubscription
	}

	var res *Result
	err := s.host.Exec(ctx, key(req.TenantID, req.User), func(ctx context.Context, tx state.Tx) error {
		tenant, err := catalog.Live(ctx, tx, req.TenantID)
		if err != nil {
			return err
		}
		p, err := tx.Platform(ctx)
		if err != nil {
			return err
		}
		sub, err := tx.Subscription(ctx, req.TenantID, req.User)
		if err != nil {
			return err
		}
		if sub.TierID == 0 {
			return ErrNotSubscribed
		}
		tiers, err := tx.Tiers(ctx, req.TenantID)
		if err != nil {
			return err
		}
		tier, err := state.TierAt(tiers, sub.TierID)
		if err != nil {
			return err
		}
		res = &Result{Kind: events.Renewed, TierID: sub.TierID, PeriodEnd: sub.PeriodEnd, Charged: new(big.Int)}
		if tier.Evergreen() {
			return nil
		}
		if s.host.Now(ctx) < sub.PeriodEnd {
			return ErrTooEarlyToRenew
		}

		res.Charged = new(big.Int).Set(tier.Price)
		ceiling := sub.Ceiling
		if req.SkipCeiling {
			ceiling = nil
		}
		if err := s.checkFunding(ctx, tenant, req.Payer, res.Charged, ceiling); err != nil {
			return err
		}

		sub.PeriodEnd += p.Period()
		res.PeriodEnd = sub.PeriodEnd
		if err := tx.PutSubscription(ctx, sub); err != nil {
			return err
		}
		res.Receipt, err = s.settler.Settle(ctx, tx, settlement.Charge{
			Tenant: tenant,
			Payer:  req.Payer,
			Amount: res.Charged,
			Source: req.Source,
		})
		if err != nil {
			return err
		}

		s.publish(ctx, events.Renewed, req.TenantID, req.User, map[string]string{
			"tier":      fmt.Sprint(sub.TierID),
			"charged":   res.Charged.String(),
			"periodEnd": fmt.Sprint(sub.PeriodEnd),
			"payer":     req.Payer.Hex(),
		})
		s.host.AfterCommit(ctx, func() {
			metrics.SubscriptionChangesTotal.WithLabelValues(string(events.Renewed)).Inc()
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.Charged.Sign() > 0 {
		s.logger.Info("subscription renewed",
			"tenant", req.TenantID,
			"tier", res.TierID,
			"user", req.User.Hex(),
			"amount", res.Charged.String(),
			"periodEnd", res.PeriodEnd,
		)
	}
	return res, nil
}

// Status returns the user's tier and whether it is active now.
func (s *Service) Status(ctx context.Context, tenantID uint64, user common.Address) (*Status, error) {
	var out *Status
	err := s.host.View(ctx, func(ctx context.Context, tx state.Tx) error {
		if _, err := tx.Tenant(ctx, tenantID); err != nil {
			return err
		}
		sub, err := tx.Subscription(ctx, tenantID, user)
		if err != nil {
			return err
		}
		tiers, err := tx.Tiers(ctx, tenantID)
		if err != nil {
			return err
		}
		out = &Status{
			TierID:    sub.TierID,
			Active:    IsActive(sub, tiers, s.host.Now(ctx)),
			PeriodEnd: sub.PeriodEnd,
		}
		return nil
	})
	return out, err
}

// Subscription returns the stored record, including ceiling and nonce.
func (s *Service) Subscription(ctx context.Context, tenantID uint64, user common.Address) (*state.Subscription, error) {
	var out *state.Subscription
	err := s.host.View(ctx, func(ctx context.Context, tx state.Tx) error {
		if _, err := tx.Tenant(ctx, tenantID); err != nil {
			return err
		}
		sub, err := tx.Subscription(ctx, tenantID, user)
		out = sub
		return err
	})
	return out, err
}

// ChangePrice quotes what subscribing user to newTier would charge now:
// the prorated difference during an active paid period (0 for downgrades),
// the full price otherwise.
func (s *Service) ChangePrice(ctx context.Context, tenantID uint64, user common.Address, newTier uint64) (*big.Int, error) {
	var out *big.Int
	err := s.host.View(ctx, func(ctx context.Context, tx state.Tx) error {
		p, err := tx.Platform(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Tenant(ctx, tenantID); err != nil {
			return err
		}
		tiers, err := tx.Tiers(ctx, tenantID)
		if err != nil {
			return err
		}
		tier, err := state.TierAt(tiers, newTier)
		if err != nil {
			return err
		}
		sub, err := tx.Subscription(ctx, tenantID, user)
		if err != nil {
			return err
		}
		now := s.host.Now(ctx)
		old, _ := state.TierAt(tiers, sub.TierID)
		if !IsActive(sub, tiers, now) || old.Evergreen() {
			out = new(big.Int).Set(tier.Price)
			return nil
		}
		out = Prorate(old.Price, tier.Price, sub.PeriodEnd-now, p.Period())
		if out.Sign() < 0 {
			out.SetInt64(0)
		}
		return nil
	})
	return out, err
}

// checkFunding checks the declared ceiling first, then the token allowance,
// so callers can tell which consent is missing. A nil ceiling is not checked.
func (s *Service) checkFunding(ctx context.Context, tenant *state.Tenant, payer common.Address, amount, ceiling *big.Int) error {
	if amount.Sign() == 0 {
		return nil
	}
	if ceiling != nil && ceiling.Cmp(amount) < 0 {
		return fmt.Errorf("%w: need %s, ceiling %s", ErrInsufficientCeiling, amount, ceiling)
	}
	allowance, err := s.settler.Allowance(ctx, tenant, payer)
	if err != nil {
		return err
	}
	if allowance.Cmp(amount) < 0 {
		return fmt.Errorf("%w: need %s, approved %s", ErrInsufficientAllowance, amount, allowance)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, kind events.Kind, tenantID uint64, user common.Address, data map[string]string) {
	e := events.Event{Kind: kind, TenantID: tenantID, Account: user.Hex(), Data: data, Time: s.host.Now(ctx)}
	s.host.AfterCommit(ctx, func() { s.sink.Publish(e) })
}

// key guards a (tenant, user) pair against reentrant settlement.
func key(tenantID uint64, user common.Address) string {
	return fmt.Sprintf("sub:%d:%s", tenantID, user.Hex())
}
