// Package settlement moves a charge from payer to receivers: tax to the
// platform treasury, an optional referral cut to an eligible referrer, and
// the rest to the tenant's payout receiver. The split is paid in a single
// all-or-nothing token transfer.
package settlement

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
	"github.com/mbd888/recurra/internal/state"
	"github.com/mbd888/recurra/internal/token"
	"github.com/mbd888/recurra/internal/traces"
)

var (
	ErrInvalidAmount         = errors.New("settlement: amount must be positive")
	ErrNoTreasury            = errors.New("settlement: platform treasury not set")
	ErrInsufficientAllowance = errors.New("settlement: insufficient token allowance")
)

// Sources label what a charge paid for.
const (
	SourceSubscription = "subscription"
	SourceRelay        = "relay"
	SourcePayment      = "payment"
)

// Charge is one payment to settle.
type Charge struct {
	Tenant   *state.Tenant
	Payer    common.Address
	Amount   *big.Int
	Referrer common.Address
	Source   string
}

// Receipt records how a charge was split.
type Receipt struct {
	TenantID uint64         `json:"tenantId"`
	Token    common.Address `json:"token"`
	Payer    common.Address `json:"payer"`
	Gross    *big.Int       `json:"gross"`
	Tax      *big.Int       `json:"tax"`
	Referral *big.Int       `json:"referral"`
	Net      *big.Int       `json:"net"`
	Treasury common.Address `json:"treasury"`
	Referrer common.Address `json:"referrer,omitempty"`
	Receiver common.Address `json:"receiver"`
}

// Split computes tax = gross*taxBPS/10000 and, when the referrer is
// eligible, referral = gross*referralBPS/10000. Net absorbs the remainder,
// including any forfeited referral cut.
func Split(gross *big.Int, taxBPS, referralBPS uint64, eligible bool) (tax, referral, net *big.Int) {
	tax = bps(gross, taxBPS)
	referral = new(big.Int)
	if eligible {
		referral = bps(gross, referralBPS)
	}
	net = new(big.Int).Sub(gross, tax)
	net.Sub(net, referral)
	return tax, referral, net
}

func bps(v *big.Int, rate uint64) *big.Int {
	out := new(big.Int).Mul(v, new(big.Int).SetUint64(rate))
	return out.Quo(out, big.NewInt(state.MaxBPS))
}

// Service settles charges and manages referral accounts.
type Service struct {
	host    *state.Host
	tokens  token.Registry
	catalog *catalog.Service
	sink    events.Sink
	logger  *slog.Logger
}

// NewService creates a settlement service.
func NewService(host *state.Host, tokens token.Registry, cat *catalog.Service, logger *slog.Logger) *Service {
	return &Service{host: host, tokens: tokens, catalog: cat, sink: events.Nop{}, logger: logger}
}

// WithEvents publishes payments and referral changes to sink.
func (s *Service) WithEvents(sink events.Sink) *Service {
	s.sink = sink
	return s
}

// Allowance returns what payer has approved the platform to spend in the
// tenant's token.
func (s *Service) Allowance(ctx context.Context, tenant *state.Tenant, payer common.Address) (*big.Int, error) {
	tok, err := s.tokens.Token(tenant.Token)
	if err != nil {
		return nil, err
	}
	return tok.Allowance(ctx, payer)
}

// Eligible reports whether referrer holds an unexpired referral account
// for the tenant at ledger time.
func (s *Service) Eligible(ctx context.Context, tx state.Tx, tenantID uint64, referrer common.Address) (bool, error) {
	if referrer == (common.Address{}) {
		return false, nil
	}
	ref, err := tx.Referral(ctx, tenantID, referrer)
	if errors.Is(err, state.ErrReferralNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ref.Expiry > s.host.Now(ctx), nil
}

// Settle splits and pays c inside the caller's atomic unit. It must be
// the last step of an operation so a failed transfer leaves no state
// behind. A zero amount moves nothing.
func (s *Service) Settle(ctx context.Context, tx state.Tx, c Charge) (*Receipt, error) {
	p, err := tx.Platform(ctx)
	if err != nil {
		return nil, err
	}
	eligible, err := s.Eligible(ctx, tx, c.Tenant.ID, c.Referrer)
	if err != nil {
		return nil, err
	}
	gross := new(big.Int).Set(c.Amount)
	tax, referral, net := Split(gross, p.TaxRateBPS, c.Tenant.ReferralRateBPS, eligible)

	r := &Receipt{
		TenantID: c.Tenant.ID,
		Token:    c.Tenant.Token,
		Payer:    c.Payer,
		Gross:    gross,
		Tax:      tax,
		Referral: referral,
		Net:      net,
		Treasury: p.Treasury,
		Receiver: c.Tenant.PayoutReceiver,
	}
	if referral.Sign() > 0 {
		r.Referrer = c.Referrer
	}
	if gross.Sign() == 0 {
		return r, nil
	}
	if tax.Sign() > 0 && p.Treasury == (common.Address{}) {
		return nil, ErrNoTreasury
	}

	tok, err := s.tokens.Token(c.Tenant.Token)
	if err != nil {
		return nil, err
	}
	legs := []token.Leg{
		{To: p.Treasury, Amount: tax},
		{To: c.Referrer, Amount: referral},
		{To: c.Tenant.PayoutReceiver, Amount: net},
	}
	if err := tok.TransferFrom(ctx, c.Payer, legs); err != nil {
		return nil, fmt.Errorf("settle tenant %d: %w", c.Tenant.ID, err)
	}

	source := c.Source
	if source == "" {
		source = SourceSubscription
	}
	s.host.AfterCommit(ctx, func() {
		metrics.SettlementsTotal.WithLabelValues(source).Inc()
		if referral.Sign() > 0 {
			metrics.ReferralPayoutsTotal.Inc()
		}
	})
	return r, nil
}

// Pay settles a one-off payment from caller to a tenant, with tax and no
// referral cut.
func (s *Service) Pay(ctx context.Context, caller common.Address, tenantID uint64, amount *big.Int, memo string) (_ *Receipt, retErr error) {
	ctx, span := traces.StartSpan(ctx, "settlement.Pay",
		traces.TenantID(tenantID),
		traces.Caller(caller.Hex()),
		traces.Amount(amount.String()),
	)
	defer func() { traces.End(span, retErr) }()

	if amount == nil || amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	var receipt *Receipt
	err := s.host.Exec(ctx, fmt.Sprintf("sub:%d:%s", tenantID, caller.Hex()), func(ctx context.Context, tx state.Tx) error {
		tenant, err := catalog.Live(ctx, tx, tenantID)
		if err != nil {
			return err
		}
		allowance, err := s.Allowance(ctx, tenant, caller)
		if err != nil {
			return err
		}
		if allowance.Cmp(amount) < 0 {
			return ErrInsufficientAllowance
		}
		receipt, err = s.Settle(ctx, tx, Charge{Tenant: tenant, Payer: caller, Amount: amount, Source: SourcePayment})
		if err != nil {
			return err
		}
		e := events.Event{
			Kind:     events.Paid,
			TenantID: tenantID,
			Account:  caller.Hex(),
			Data:     map[string]string{"amount": amount.String(), "tax": receipt.Tax.String(), "memo": memo},
			Time:     s.host.Now(ctx),
		}
		s.host.AfterCommit(ctx, func() { s.sink.Publish(e) })
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("payment settled", "tenant", tenantID, "payer", caller.Hex(), "amount", amount.String())
	return receipt, nil
}

// SetReferralAccount registers or updates a referrer's account. Tenant owner only.
func (s *Service) SetReferralAccount(ctx context.Context, caller common.Address, ref state.Referral) error {
	return s.host.Exec(ctx, fmt.Sprintf("tenant:%d", ref.TenantID), func(ctx context.Context, tx state.Tx) error {
		if err := s.catalog.RequireOwner(ctx, ref.TenantID, caller); err != nil {
			return err
		}
		if _, err := catalog.Live(ctx, tx, ref.TenantID); err != nil {
			return err
		}
		if err := tx.PutReferral(ctx, &ref); err != nil {
			return err
		}
		e := events.Event{
			Kind:     events.ReferralSet,
			TenantID: ref.TenantID,
			Account:  ref.Referrer.Hex(),
			Data:     map[string]string{"expiry": fmt.Sprint(ref.Expiry), "tierScope": fmt.Sprint(ref.TierScope)},
			Time:     s.host.Now(ctx),
		}
		s.host.AfterCommit(ctx, func() { s.sink.Publish(e) })
		return nil
	})
}

// ReferralAccount returns a referrer's account.
func (s *Service) ReferralAccount(ctx context.Context, tenantID uint64, referrer common.Address) (*state.Referral, error) {
	var out *state.Referral
	err := s.host.View(ctx, func(ctx context.Context, tx state.Tx) error {
		r, err := tx.Referral(ctx, tenantID, referrer)
		out = r
		return err
	})
	return out, err
}
