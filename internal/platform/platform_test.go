package platform

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/recurra/internal/events"
	"github.com/mbd888/recurra/internal/state"
)

var (
	owner    = common.HexToAddress("0x000000000000000000000000000000000000000A")
	treasury = common.HexToAddress("0x000000000000000000000000000000000000000C")
	relayer  = common.HexToAddress("0x000000000000000000000000000000000000000D")
	stranger = common.HexToAddress("0x000000000000000000000000000000000000000E")
)

type fixedOwner common.Address

func (f fixedOwner) IsOwner(_ context.Context, a common.Address) bool { return common.Address(f) == a }

func newService() (*Service, *events.Log) {
	log := events.NewLog(16)
	host := state.NewHost(state.NewMemoryStore(), nil)
	svc := NewService(host, fixedOwner(owner), slog.New(slog.NewTextHandler(io.Discard, nil))).WithEvents(log)
	return svc, log
}

func TestInit(t *testing.T) {
	ctx := context.Background()
	svc, log := newService()
	params := InitParams{Treasury: treasury, Relayer: relayer, TaxRateBPS: 150, PeriodSeconds: 3600}

	assert.ErrorIs(t, svc.Init(ctx, stranger, params), ErrNotOwner)
	require.NoError(t, svc.Init(ctx, owner, params))
	assert.ErrorIs(t, svc.Init(ctx, owner, params), ErrAlreadyInitialized)

	p, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.True(t, p.Initialized)
	assert.Equal(t, uint64(150), p.TaxRateBPS)
	assert.Equal(t, int64(3600), p.Period())

	ok, err := svc.IsRelayer(ctx, relayer)
	require.NoError(t, err)
	assert.True(t, ok)

	got := log.Query(events.Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, events.PlatformInitialized, got[0].Kind)
}

func TestInit_Validation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()

	assert.ErrorIs(t, svc.Init(ctx, owner, InitParams{Treasury: treasury, Relayer: relayer, TaxRateBPS: 10_001, PeriodSeconds: 1}), ErrInvalidRate)
	assert.ErrorIs(t, svc.Init(ctx, owner, InitParams{Treasury: treasury, Relayer: relayer}), ErrInvalidPeriod)
	assert.ErrorIs(t, svc.Init(ctx, owner, InitParams{Relayer: relayer, PeriodSeconds: 1}), ErrZeroAddress)
}

func TestSetters(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService()

	require.NoError(t, svc.SetTaxRate(ctx, owner, 250))
	require.NoError(t, svc.SetTreasury(ctx, owner, treasury))
	require.NoError(t, svc.SetRelayer(ctx, owner, relayer))
	require.NoError(t, svc.SetSecurityDelegate(ctx, owner, stranger))
	require.NoError(t, svc.SetPeriod(ctx, owner, 60))

	p, err := svc.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(250), p.TaxRateBPS)
	assert.Equal(t, treasury, p.Treasury)
	assert.Equal(t, relayer, p.Relayer)
	assert.Equal(t, stranger, p.SecurityDelegate)
	assert.Equal(t, int64(60), p.PeriodSeconds)

	assert.ErrorIs(t, svc.SetTaxRate(ctx, stranger, 1), ErrNotOwner)
	assert.ErrorIs(t, svc.SetTaxRate(ctx, owner, 20_000), ErrInvalidRate)
	assert.ErrorIs(t, svc.SetRelayer(ctx, owner, common.Address{}), ErrZeroAddress)
	assert.ErrorIs(t, svc.SetPeriod(ctx, owner, 0), ErrInvalidPeriod)

	ok, err := svc.IsRelayer(ctx, stranger)
	require.NoError(t, err)
	assert.False(t, ok)
}
