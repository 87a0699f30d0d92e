package relay

import (
	"context"
	"crypto/ecdsa"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/recurra/internal/catalog"
	"github.com/mbd888/recurra/internal/ownership"
	"github.com/mbd888/recurra/internal/settlement"
	"github.com/mbd888/recurra/internal/sig"
	"github.com/mbd888/recurra/internal/state"
	"github.com/mbd888/recurra/internal/subscription"
	"github.com/mbd888/recurra/internal/token"
)

var (
	merchant = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	relayer  = common.HexToAddress("0x00000000000000000000000000000000000000B9")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000C1")
	usdc     = common.HexToAddress("0x00000000000000000000000000000000000000D1")
)

type fixture struct {
	svc    *Service
	subs   *subscription.Service
	clock  *state.ManualClock
	tok    *token.MemoryToken
	key    *ecdsa.PrivateKey
	user   common.Address
	tenant uint64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := state.NewManualClock(time.Unix(1_700_000_000, 0))
	host := state.NewHost(state.NewMemoryStore(), clock)
	bank := token.NewBank()
	tok := bank.Deploy(usdc)

	cat := catalog.NewService(host, ownership.NewMemoryRegistry(), logger)
	subs := subscription.NewService(host, settlement.NewService(host, bank, cat, logger), logger)
	svc := NewService(host, subs, logger)

	require.NoError(t, host.Exec(ctx, "", func(ctx context.Context, tx state.Tx) error {
		return tx.PutPlatform(ctx, &state.Platform{TaxRateBPS: 150, Treasury: treasury, Relayer: relayer, PeriodSeconds: 30 * 86400, Initialized: true})
	}))
	tn, err := cat.RegisterTenant(ctx, merchant, catalog.RegisterRequest{Token: usdc})
	require.NoError(t, err)
	for _, p := range []int64{1000, 1500} {
		_, err := cat.AddTier(ctx, merchant, tn.ID, big.NewInt(p), "tier")
		require.NoError(t, err)
	}

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	tok.Mint(relayer, big.NewInt(100_000))
	tok.Approve(relayer, big.NewInt(100_000))
	return &fixture{svc: svc, subs: subs, clock: clock, tok: tok, key: key, user: crypto.PubkeyToAddress(key.PublicKey), tenant: tn.ID}
}

func (f *fixture) sign(t *testing.T, tier uint64, amount int64, nonce uint64) []byte {
	t.Helper()
	msg, err := Message(f.tenant, tier, f.user, big.NewInt(amount), nonce)
	require.NoError(t, err)
	s, err := sig.Sign(msg.Bytes(), f.key)
	require.NoError(t, err)
	return s
}

func (f *fixture) params(tier uint64, amount int64) Params {
	return Params{TenantID: f.tenant, ToTier: tier, Amount: big.NewInt(amount), Token: usdc}
}

func TestMessage_MatchesABIEncoding(t *testing.T) {
	user := common.HexToAddress("0x00000000000000000000000000000000000000E1")
	got, err := Message(1, 2, user, big.NewInt(3), 4)
	require.NoError(t, err)

	word := func(v int64) []byte { return common.LeftPadBytes(big.NewInt(v).Bytes(), 32) }
	var enc []byte
	enc = append(enc, word(1)...)
	enc = append(enc, word(2)...)
	enc = append(enc, common.LeftPadBytes(user.Bytes(), 32)...)
	enc = append(enc, word(3)...)
	enc = append(enc, word(4)...)
	assert.Equal(t, crypto.Keccak256Hash(enc), got)

	_, err = Message(1, 2, user, big.NewInt(-1), 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRelaySubscribe(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	msg, nonce, err := f.svc.GetMessage(ctx, f.tenant, 1, f.user, big.NewInt(1000))
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)
	signature, err := sig.Sign(msg.Bytes(), f.key)
	require.NoError(t, err)

	res, err := f.svc.RelaySubscribe(ctx, relayer, f.params(1, 1000), f.user, common.Address{}, signature)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Charged.Int64())

	st, err := f.subs.Status(ctx, f.tenant, f.user)
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.Equal(t, uint64(1), st.TierID)

	bal, _ := f.tok.BalanceOf(ctx, relayer)
	assert.Equal(t, int64(99_000), bal.Int64(), "relayer advances the funds")

	n, err := f.svc.Nonce(ctx, f.tenant, f.user)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestRelaySubscribe_ReplayFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	signature := f.sign(t, 1, 1000, 0)

	_, err := f.svc.RelaySubscribe(ctx, relayer, f.params(1, 1000), f.user, common.Address{}, signature)
	require.NoError(t, err)

	f.clock.Advance(31 * 24 * time.Hour)
	_, err = f.svc.RelaySubscribe(ctx, relayer, f.params(1, 1000), f.user, common.Address{}, signature)
	assert.ErrorIs(t, err, ErrBadSignature)

	// A signature for a future nonce fails too.
	_, err = f.svc.RelaySubscribe(ctx, relayer, f.params(1, 1000), f.user, common.Address{}, f.sign(t, 1, 1000, 2))
	assert.ErrorIs(t, err, ErrBadSignature)

	_, err = f.svc.RelaySubscribe(ctx, relayer, f.params(1, 1000), f.user, common.Address{}, f.sign(t, 1, 1000, 1))
	assert.NoError(t, err)
}

func TestRelaySubscribe_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Signed params differ from submitted params.
	_, err := f.svc.RelaySubscribe(ctx, relayer, f.params(2, 1500), f.user, common.Address{}, f.sign(t, 1, 1500, 0))
	assert.ErrorIs(t, err, ErrBadSignature)

	wrong := f.params(1, 1000)
	wrong.Token = common.HexToAddress("0x00000000000000000000000000000000000000D2")
	_, err = f.svc.RelaySubscribe(ctx, relayer, wrong, f.user, common.Address{}, f.sign(t, 1, 1000, 0))
	assert.ErrorIs(t, err, ErrTokenMismatch)

	// The submitter pays, so a submitter without an allowance cannot.
	_, err = f.svc.RelaySubscribe(ctx, merchant, f.params(1, 1000), f.user, common.Address{}, f.sign(t, 1, 1000, 0))
	assert.ErrorIs(t, err, subscription.ErrInsufficientAllowance)

	// Every failure above rolled back, so nonce 0 is still expected.
	n, err := f.svc.Nonce(ctx, f.tenant, f.user)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestRelaySubscribe_SignedAmountDoesNotCapCharge(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	relay := func(tier uint64, amount int64, nonce uint64) *subscription.Result {
		t.Helper()
		res, err := f.svc.RelaySubscribe(ctx, relayer, f.params(tier, amount), f.user, common.Address{}, f.sign(t, tier, amount, nonce))
		require.NoError(t, err)
		return res
	}

	relay(1, 1000, 0)
	f.clock.Advance(10 * 24 * time.Hour)

	quote, err := f.subs.ChangePrice(ctx, f.tenant, f.user, 2)
	require.NoError(t, err)
	up := relay(2, quote.Int64(), 1)
	assert.Equal(t, quote, up.Charged)

	down := relay(1, 0, 2)
	assert.Zero(t, down.Charged.Sign())

	// Upgrading again with a zero signed amount still goes through and
	// the relayer pays the prorated difference.
	before, _ := f.tok.BalanceOf(ctx, relayer)
	again := relay(2, 0, 3)
	assert.Positive(t, again.Charged.Sign())
	after, _ := f.tok.BalanceOf(ctx, relayer)
	assert.Equal(t, again.Charged, new(big.Int).Sub(before, after))

	st, err := f.subs.Status(ctx, f.tenant, f.user)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.TierID)

	// The relayer renews at the tier's full price when the period ends.
	f.clock.Advance(20 * 24 * time.Hour)
	res, err := f.svc.RelayRenew(ctx, relayer, f.tenant, f.user)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), res.Charged.Int64())
}

func TestRelayRenew(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.svc.RelaySubscribe(ctx, relayer, f.params(1, 1000), f.user, common.Address{}, f.sign(t, 1, 1000, 0))
	require.NoError(t, err)

	_, err = f.svc.RelayRenew(ctx, f.user, f.tenant, f.user)
	assert.ErrorIs(t, err, subscription.ErrNotAllowedTo)
	_, err = f.svc.RelayRenew(ctx, merchant, f.tenant, f.user)
	assert.ErrorIs(t, err, subscription.ErrOnlyRelayer)
	_, err = f.svc.RelayRenew(ctx, relayer, f.tenant, f.user)
	assert.ErrorIs(t, err, subscription.ErrTooEarlyToRenew)

	f.clock.Advance(30 * 24 * time.Hour)
	res, err := f.svc.RelayRenew(ctx, relayer, f.tenant, f.user)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), res.Charged.Int64())

	bal, _ := f.tok.BalanceOf(ctx, relayer)
	assert.Equal(t, int64(98_000), bal.Int64())
}
