package subscription

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/recurra/internal/catalog"
	"github.com/mbd888/recurra/internal/events"
	"github.com/mbd888/recurra/internal/ownership"
	"github.com/mbd888/recurra/internal/settlement"
	"github.com/mbd888/recurra/internal/state"
	"github.com/mbd888/recurra/internal/token"
)

const day = 24 * time.Hour

var (
	merchant = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	user     = common.HexToAddress("0x00000000000000000000000000000000000000B1")
	relayer  = common.HexToAddress("0x00000000000000000000000000000000000000B9")
	stranger = common.HexToAddress("0x00000000000000000000000000000000000000BF")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000C1")
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000D1")
)

// units scales n to 18 decimals.
func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

type fixture struct {
	svc    *Service
	cat    *catalog.Service
	host   *state.Host
	clock  *state.ManualClock
	tok    *token.MemoryToken
	log    *events.Log
	tenant uint64
}

func newFixture(t *testing.T, prices ...int64) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := state.NewManualClock(time.Unix(1_700_000_000, 0))
	host := state.NewHost(state.NewMemoryStore(), clock)
	bank := token.NewBank()
	tok := bank.Deploy(usdc)
	log := events.NewLog(256)

	cat := catalog.NewService(host, ownership.NewMemoryRegistry(), logger)
	settler := settlement.NewService(host, bank, cat, logger)
	svc := NewService(host, settler, logger).WithEvents(log)

	require.NoError(t, host.Exec(ctx, "", func(ctx context.Context, tx state.Tx) error {
		return tx.PutPlatform(ctx, &state.Platform{
			TaxRateBPS:    150,
			Treasury:      treasury,
			Relayer:       relayer,
			PeriodSeconds: int64(30 * day / time.Second),
			Initialized:   true,
		})
	}))
	tn, err := cat.RegisterTenant(ctx, merchant, catalog.RegisterRequest{Name: "acme", Token: usdc})
	require.NoError(t, err)
	for _, p := range prices {
		_, err := cat.AddTier(ctx, merchant, tn.ID, units(p), "tier")
		require.NoError(t, err)
	}

	tok.Mint(user, units(1000))
	tok.Approve(user, units(1000))
	tok.Mint(relayer, units(1000))
	tok.Approve(relayer, units(1000))
	return &fixture{svc: svc, cat: cat, host: host, clock: clock, tok: tok, log: log, tenant: tn.ID}
}

func (f *fixture) balance(t *testing.T, a common.Address) *big.Int {
	t.Helper()
	b, err := f.tok.BalanceOf(context.Background(), a)
	require.NoError(t, err)
	return b
}

func (f *fixture) status(t *testing.T) *Status {
	t.Helper()
	st, err := f.svc.Status(context.Background(), f.tenant, user)
	require.NoError(t, err)
	return st
}

func TestProrate(t *testing.T) {
	tests := []struct {
		name              string
		old, new          int64
		remaining, period int64
		want              int64
	}{
		{"half period upgrade", 10, 50, 15, 30, 20},
		{"downgrade is negative", 50, 10, 15, 30, -20},
		{"expired clamps to zero", 10, 50, -5, 30, 0},
		{"truncates toward zero", 10, 20, 1, 3, 3},
		{"negative truncates toward zero", 20, 10, 1, 3, -3},
		{"zero period", 10, 50, 10, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Prorate(big.NewInt(tt.old), big.NewInt(tt.new), tt.remaining, tt.period)
			assert.Equal(t, tt.want, got.Int64())
		})
	}
}

func TestSubscribe_UpgradeThenRenewScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, 50)
	start := f.host.Now(ctx)
	period := int64(30 * day / time.Second)

	require.NoError(t, f.svc.SetSpendCeiling(ctx, user, f.tenant, units(100)))

	res, err := f.svc.Subscribe(ctx, user, f.tenant, 1, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, events.Subscribed, res.Kind)
	assert.Equal(t, units(10), res.Charged)
	assert.Equal(t, start+period, res.PeriodEnd)

	// 10 at 1.5% tax: 0.15 to the treasury, 9.85 to the merchant.
	assert.Equal(t, big.NewInt(15e16), f.balance(t, treasury))
	assert.Equal(t, new(big.Int).Sub(units(10), big.NewInt(15e16)), f.balance(t, merchant))

	f.clock.Advance(15 * day)
	quote, err := f.svc.ChangePrice(ctx, f.tenant, user, 2)
	require.NoError(t, err)
	assert.Equal(t, units(20), quote)

	res, err = f.svc.Subscribe(ctx, user, f.tenant, 2, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, events.Upgraded, res.Kind)
	assert.Equal(t, units(20), res.Charged)
	assert.Equal(t, start+period, res.PeriodEnd, "tier change keeps the period end")

	f.clock.Advance(15 * day)
	res, err = f.svc.Renew(ctx, relayer, f.tenant, user)
	require.NoError(t, err)
	assert.Equal(t, units(50), res.Charged)
	assert.Equal(t, start+2*period, res.PeriodEnd)

	assert.Equal(t, new(big.Int).Sub(units(1000), units(80)), f.balance(t, user))
	st := f.status(t)
	assert.Equal(t, uint64(2), st.TierID)
	assert.True(t, st.Active)
}

func TestSubscribe_DowngradeIsFree(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, 50)
	require.NoError(t, f.svc.SetSpendCeiling(ctx, user, f.tenant, units(100)))

	_, err := f.svc.Subscribe(ctx, user, f.tenant, 2, common.Address{})
	require.NoError(t, err)
	f.clock.Advance(10 * day)

	quote, err := f.svc.ChangePrice(ctx, f.tenant, user, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), quote.Int64())

	before := f.balance(t, user)
	res, err := f.svc.Subscribe(ctx, user, f.tenant, 1, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, events.Downgraded, res.Kind)
	assert.Equal(t, int64(0), res.Charged.Int64())
	assert.Equal(t, before, f.balance(t, user))
}

func TestSubscribe_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, 50)

	for _, tier := range []uint64{0, 3, 99} {
		_, err := f.svc.Subscribe(ctx, user, f.tenant, tier, common.Address{})
		assert.ErrorIs(t, err, state.ErrWrongSubType, "tier %d", tier)
	}

	_, err := f.svc.Subscribe(ctx, user, f.tenant, 1, common.Address{})
	assert.ErrorIs(t, err, ErrInsufficientCeiling)

	require.NoError(t, f.svc.SetSpendCeiling(ctx, user, f.tenant, units(100)))
	f.tok.Approve(user, units(5))
	_, err = f.svc.Subscribe(ctx, user, f.tenant, 1, common.Address{})
	assert.ErrorIs(t, err, ErrInsufficientAllowance)

	f.tok.Approve(user, units(1000))
	_, err = f.svc.Subscribe(ctx, user, f.tenant, 1, common.Address{})
	require.NoError(t, err)
	_, err = f.svc.Subscribe(ctx, user, f.tenant, 1, common.Address{})
	assert.ErrorIs(t, err, ErrAlreadySubscribed)

	require.NoError(t, f.cat.EditTier(ctx, merchant, f.tenant, 2, units(50), false, "retired"))
	_, err = f.svc.Subscribe(ctx, user, f.tenant, 2, common.Address{})
	assert.ErrorIs(t, err, ErrTierInactive)

	require.NoError(t, f.cat.DeleteTenant(ctx, merchant, f.tenant))
	_, err = f.svc.Subscribe(ctx, stranger, f.tenant, 1, common.Address{})
	assert.ErrorIs(t, err, catalog.ErrTenantDeleted)
	assert.True(t, f.status(t).Active, "deleted tenants leave subscriptions to lapse naturally")
}

func TestSubscribe_FailedFundingLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, 50)
	require.NoError(t, f.svc.SetSpendCeiling(ctx, user, f.tenant, units(100)))
	_, err := f.svc.Subscribe(ctx, user, f.tenant, 1, common.Address{})
	require.NoError(t, err)

	f.clock.Advance(day)
	f.tok.Approve(user, units(1))
	_, err = f.svc.Subscribe(ctx, user, f.tenant, 2, common.Address{})
	require.ErrorIs(t, err, ErrInsufficientAllowance)

	sub, err := f.svc.Subscription(ctx, f.tenant, user)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sub.TierID)
}

func TestRenew_Authorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	require.NoError(t, f.svc.SetSpendCeiling(ctx, user, f.tenant, units(100)))
	_, err := f.svc.Subscribe(ctx, user, f.tenant, 1, common.Address{})
	require.NoError(t, err)

	_, err = f.svc.Renew(ctx, user, f.tenant, user)
	assert.ErrorIs(t, err, ErrNotAllowedTo)
	_, err = f.svc.Renew(ctx, stranger, f.tenant, user)
	assert.ErrorIs(t, err, ErrOnlyRelayer)
	_, err = f.svc.Renew(ctx, relayer, f.tenant, user)
	assert.ErrorIs(t, err, ErrTooEarlyToRenew)
	_, err = f.svc.Renew(ctx, relayer, f.tenant, stranger)
	assert.ErrorIs(t, err, ErrNotSubscribed)
}

func TestRenew_LateRenewalExtendsFromPreviousEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	require.NoError(t, f.svc.SetSpendCeiling(ctx, user, f.tenant, units(100)))
	res, err := f.svc.Subscribe(ctx, user, f.tenant, 1, common.Address{})
	require.NoError(t, err)
	end := res.PeriodEnd

	f.clock.Advance(40 * day)
	assert.False(t, f.status(t).Active)

	res, err = f.svc.Renew(ctx, relayer, f.tenant, user)
	require.NoError(t, err)
	assert.Equal(t, end+int64(30*day/time.Second), res.PeriodEnd)
	assert.True(t, f.status(t).Active)
}

func TestRenew_UsesCurrentPriceAndCeiling(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	require.NoError(t, f.svc.SetSpendCeiling(ctx, user, f.tenant, units(15)))
	_, err := f.svc.Subscribe(ctx, user, f.tenant, 1, common.Address{})
	require.NoError(t, err)

	require.NoError(t, f.cat.EditTier(ctx, merchant, f.tenant, 1, units(20), true, "tier"))
	f.clock.Advance(30 * day)

	_, err = f.svc.Renew(ctx, relayer, f.tenant, user)
	require.ErrorIs(t, err, ErrInsufficientCeiling)
	assert.False(t, f.status(t).Active, "failed renewal leaves the subscription lapsed")

	require.NoError(t, f.svc.SetSpendCeiling(ctx, user, f.tenant, units(20)))
	res, err := f.svc.Renew(ctx, relayer, f.tenant, user)
	require.NoError(t, err)
	assert.Equal(t, units(20), res.Charged)
}

func TestEvergreen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, 0)

	res, err := f.svc.Subscribe(ctx, user, f.tenant, 2, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Charged.Int64())

	f.clock.Advance(90 * day)
	assert.True(t, f.status(t).Active)

	res, err = f.svc.Renew(ctx, relayer, f.tenant, user)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Charged.Int64())

	// Leaving an evergreen tier starts a fresh paid period.
	require.NoError(t, f.svc.SetSpendCeiling(ctx, user, f.tenant, units(10)))
	res, err = f.svc.Subscribe(ctx, user, f.tenant, 1, common.Address{})
	require.NoError(t, err)
	assert.Equal(t, events.Subscribed, res.Kind)
	assert.Equal(t, units(10), res.Charged)

	f.clock.Advance(30 * day)
	assert.False(t, f.status(t).Active)
}

func TestSubscribeIn_SkipCeilingForThirdPartyPayer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	_, err := f.svc.SubscribeIn(ctx, Request{TenantID: f.tenant, TierID: 1, User: user, Payer: relayer})
	assert.ErrorIs(t, err, ErrInsufficientCeiling, "the user's ceiling applies by default")

	before := f.balance(t, user)
	_, err = f.svc.SubscribeIn(ctx, Request{TenantID: f.tenant, TierID: 1, User: user, Payer: relayer, SkipCeiling: true})
	require.NoError(t, err)
	assert.Equal(t, before, f.balance(t, user), "the payer funds the charge")
	assert.True(t, f.status(t).Active)
}

func TestSubscribe_ReentrantTransferRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10, 50)
	require.NoError(t, f.svc.SetSpendCeiling(ctx, user, f.tenant, units(100)))

	var inner error
	f.tok.OnTransfer(func(ctx context.Context, _, from common.Address, _ []token.Leg) error {
		_, inner = f.svc.Subscribe(ctx, user, f.tenant, 2, common.Address{})
		return nil
	})
	_, err := f.svc.Subscribe(ctx, user, f.tenant, 1, common.Address{})
	require.NoError(t, err)
	assert.ErrorIs(t, inner, state.ErrReentrantCall)
}

func TestSubscriptionEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)
	require.NoError(t, f.svc.SetSpendCeiling(ctx, user, f.tenant, units(10)))
	_, err := f.svc.Subscribe(ctx, user, f.tenant, 1, common.Address{})
	require.NoError(t, err)

	var kinds []events.Kind
	for _, e := range f.log.Query(events.Filter{Account: user.Hex()}) {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []events.Kind{events.CeilingSet, events.Subscribed}, kinds)
}
