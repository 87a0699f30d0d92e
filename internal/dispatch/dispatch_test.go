package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/recurra/internal/events"
	"github.com/mbd888/recurra/internal/state"
)

var (
	owner    = common.HexToAddress("0x000000000000000000000000000000000000000A")
	stranger = common.HexToAddress("0x000000000000000000000000000000000000000B")

	selPing  = SelectorOf("ping()")
	selPong  = SelectorOf("pong()")
	selWrite = SelectorOf("write(uint256)")
	selInit  = SelectorOf("init()")
)

// echoFacet answers with its own name and, on write, stores a tenant.
type echoFacet struct {
	name    string
	sels    []Selector
	failErr error
	seen    []common.Address
}

func (f *echoFacet) Name() string            { return f.name }
func (f *echoFacet) Address() common.Address { return FacetAddress(f.name) }
func (f *echoFacet) Selectors() []Selector   { return f.sels }

func (f *echoFacet) Invoke(ctx context.Context, call *Call) ([]byte, error) {
	f.seen = append(f.seen, call.Caller)
	if f.failErr != nil {
		return nil, f.failErr
	}
	return []byte(f.name), nil
}

// writerFacet writes to the store before optionally failing.
type writerFacet struct {
	host *state.Host
	fail bool
}

func (f *writerFacet) Name() string            { return "writer" }
func (f *writerFacet) Address() common.Address { return FacetAddress("writer") }
func (f *writerFacet) Selectors() []Selector   { return []Selector{selInit} }

func (f *writerFacet) Invoke(ctx context.Context, call *Call) ([]byte, error) {
	err := f.host.Exec(ctx, "", func(ctx context.Context, tx state.Tx) error {
		return tx.PutTenant(ctx, &state.Tenant{ID: 42, Name: "from-init"})
	})
	if err != nil {
		return nil, err
	}
	if f.fail {
		return nil, errors.New("init exploded")
	}
	return nil, nil
}

func newDiamond(t *testing.T) (*Diamond, *state.Host, *events.Log) {
	t.Helper()
	host := state.NewHost(state.NewMemoryStore(), state.NewManualClock(time.Unix(1_700_000_000, 0)))
	log := events.NewLog(64)
	d := New(host, owner, slog.New(slog.NewTextHandler(io.Discard, nil))).WithEvents(log)
	return d, host, log
}

func TestSelectorOf(t *testing.T) {
	// Standard ERC-20 selector.
	assert.Equal(t, "0xa9059cbb", SelectorOf("transfer(address,uint256)").Hex())

	s, err := ParseSelector("0xa9059cbb")
	require.NoError(t, err)
	assert.Equal(t, SelectorOf("transfer(address,uint256)"), s)

	_, err = ParseSelector("0xa905")
	assert.ErrorIs(t, err, ErrMalformedCall)

	raw, err := json.Marshal([]Selector{s})
	require.NoError(t, err)
	assert.JSONEq(t, `["0xa9059cbb"]`, string(raw))
	var back []Selector
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, []Selector{s}, back)
}

func TestCut_AddAndDispatch(t *testing.T) {
	ctx := context.Background()
	d, _, log := newDiamond(t)
	a := &echoFacet{name: "a", sels: []Selector{selPing, selPong}}
	d.Deploy(a)

	err := d.Cut(ctx, owner, []FacetCut{{FacetAddress: a.Address(), Action: Add, Selectors: a.sels}}, common.Address{}, nil)
	require.NoError(t, err)

	out, err := d.Dispatch(ctx, &Call{Caller: stranger, Data: selPing[:]})
	require.NoError(t, err)
	assert.Equal(t, "a", string(out))
	assert.Equal(t, []common.Address{stranger}, a.seen)

	assert.Equal(t, a.Address(), d.FacetAddress(selPong))
	require.Len(t, d.Facets(), 1)
	assert.Equal(t, "a", d.Facets()[0].Name)
	assert.Len(t, d.FacetSelectors(a.Address()), 2)

	hist := d.History()
	require.Len(t, hist, 1)
	assert.Len(t, hist[0].Changes, 2)
	assert.Equal(t, common.Address{}, hist[0].Changes[0].From)

	got := log.Query(events.Filter{})
	require.Len(t, got, 1)
	assert.Equal(t, events.FacetCut, got[0].Kind)
}

func TestCut_Errors(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newDiamond(t)
	a := &echoFacet{name: "a"}
	b := &echoFacet{name: "b"}
	d.Deploy(a, b)
	require.NoError(t, d.Cut(ctx, owner, []FacetCut{{FacetAddress: a.Address(), Action: Add, Selectors: []Selector{selPing}}}, common.Address{}, nil))

	tests := []struct {
		name string
		cut  FacetCut
		want error
	}{
		{"add twice", FacetCut{FacetAddress: b.Address(), Action: Add, Selectors: []Selector{selPing}}, ErrSelectorAlreadyMapped},
		{"replace same facet", FacetCut{FacetAddress: a.Address(), Action: Replace, Selectors: []Selector{selPing}}, ErrNoChangeOrUnmapped},
		{"replace unmapped", FacetCut{FacetAddress: b.Address(), Action: Replace, Selectors: []Selector{selPong}}, ErrNoChangeOrUnmapped},
		{"remove unmapped", FacetCut{Action: Remove, Selectors: []Selector{selPong}}, ErrNotMapped},
		{"undeployed facet", FacetCut{FacetAddress: FacetAddress("ghost"), Action: Add, Selectors: []Selector{selPong}}, ErrUnknownFacet},
		{"empty", FacetCut{FacetAddress: b.Address(), Action: Add}, ErrNoSelectors},
		{"bad action", FacetCut{FacetAddress: b.Address(), Action: 7, Selectors: []Selector{selPong}}, ErrUnknownAction},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.Cut(ctx, owner, []FacetCut{tt.cut}, common.Address{}, nil)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, a.Address(), d.FacetAddress(selPing))
		})
	}

	err := d.Cut(ctx, stranger, []FacetCut{{FacetAddress: b.Address(), Action: Add, Selectors: []Selector{selPong}}}, common.Address{}, nil)
	assert.ErrorIs(t, err, ErrNotOwner)
}

func TestCut_BatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newDiamond(t)
	a := &echoFacet{name: "a"}
	d.Deploy(a)
	require.NoError(t, d.Cut(ctx, owner, []FacetCut{{FacetAddress: a.Address(), Action: Add, Selectors: []Selector{selPing}}}, common.Address{}, nil))

	// The second entry fails, so the first must not stick.
	err := d.Cut(ctx, owner, []FacetCut{
		{FacetAddress: a.Address(), Action: Add, Selectors: []Selector{selPong}},
		{Action: Remove, Selectors: []Selector{selWrite}},
	}, common.Address{}, nil)
	assert.ErrorIs(t, err, ErrNotMapped)
	assert.Equal(t, common.Address{}, d.FacetAddress(selPong))
	assert.Len(t, d.History(), 1)
}

func TestCut_ReplaceAndRemove(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newDiamond(t)
	a := &echoFacet{name: "a"}
	b := &echoFacet{name: "b"}
	d.Deploy(a, b)
	require.NoError(t, d.Cut(ctx, owner, []FacetCut{{FacetAddress: a.Address(), Action: Add, Selectors: []Selector{selPing, selPong}}}, common.Address{}, nil))

	require.NoError(t, d.Cut(ctx, owner, []FacetCut{{FacetAddress: b.Address(), Action: Replace, Selectors: []Selector{selPing}}}, common.Address{}, nil))
	out, err := d.Dispatch(ctx, &Call{Caller: stranger, Data: selPing[:]})
	require.NoError(t, err)
	assert.Equal(t, "b", string(out))

	require.NoError(t, d.Cut(ctx, owner, []FacetCut{{Action: Remove, Selectors: []Selector{selPong}}}, common.Address{}, nil))
	_, err = d.Dispatch(ctx, &Call{Caller: stranger, Data: selPong[:]})
	assert.ErrorIs(t, err, ErrUnknownSelector)

	// a no longer owns anything, so the loupe drops it.
	assert.Equal(t, []common.Address{b.Address()}, d.FacetAddresses())
}

func TestCut_InitFailureRevertsEverything(t *testing.T) {
	ctx := context.Background()
	d, host, _ := newDiamond(t)
	a := &echoFacet{name: "a"}
	w := &writerFacet{host: host, fail: true}
	d.Deploy(a, w)

	err := d.Cut(ctx, owner, []FacetCut{{FacetAddress: a.Address(), Action: Add, Selectors: []Selector{selPing}}}, w.Address(), selInit[:])
	require.Error(t, err)
	assert.Equal(t, common.Address{}, d.FacetAddress(selPing))
	assert.Empty(t, d.History())

	err = host.View(ctx, func(ctx context.Context, tx state.Tx) error {
		_, err := tx.Tenant(ctx, 42)
		return err
	})
	assert.ErrorIs(t, err, state.ErrTenantNotFound)

	w.fail = false
	require.NoError(t, d.Cut(ctx, owner, []FacetCut{{FacetAddress: a.Address(), Action: Add, Selectors: []Selector{selPing}}}, w.Address(), selInit[:]))
	err = host.View(ctx, func(ctx context.Context, tx state.Tx) error {
		_, err := tx.Tenant(ctx, 42)
		return err
	})
	assert.NoError(t, err)
	assert.Equal(t, w.Address(), d.History()[0].InitAddress)
}

func TestDispatch_PropagatesFacetError(t *testing.T) {
	ctx := context.Background()
	d, _, _ := newDiamond(t)
	boom := errors.New("boom")
	a := &echoFacet{name: "a", failErr: boom}
	d.Deploy(a)
	require.NoError(t, d.Cut(ctx, owner, []FacetCut{{FacetAddress: a.Address(), Action: Add, Selectors: []Selector{selPing}}}, common.Address{}, nil))

	_, err := d.Dispatch(ctx, &Call{Caller: owner, Data: selPing[:]})
	assert.Same(t, boom, err)

	_, err = d.Dispatch(ctx, &Call{Caller: owner, Data: []byte{1, 2}})
	assert.ErrorIs(t, err, ErrMalformedCall)

	_, err = d.Dispatch(ctx, &Call{Caller: owner, Data: selWrite[:]})
	assert.ErrorIs(t, err, ErrUnknownSelector)
}

func TestOwnership_TwoStep(t *testing.T) {
	ctx := context.Background()
	d, _, log := newDiamond(t)

	assert.ErrorIs(t, d.TransferOwnership(ctx, stranger, stranger), ErrNotOwner)
	assert.ErrorIs(t, d.TransferOwnership(ctx, owner, common.Address{}), ErrZeroAddress)
	assert.ErrorIs(t, d.AcceptOwnership(ctx, stranger), ErrNoPendingOwner)

	require.NoError(t, d.TransferOwnership(ctx, owner, stranger))
	assert.Equal(t, stranger, d.PendingOwner())
	assert.Equal(t, owner, d.Owner())

	assert.ErrorIs(t, d.AcceptOwnership(ctx, owner), ErrNotPendingOwner)

	require.NoError(t, d.CancelOwnershipTransfer(ctx, owner))
	assert.Equal(t, common.Address{}, d.PendingOwner())
	assert.ErrorIs(t, d.AcceptOwnership(ctx, stranger), ErrNoPendingOwner)
	assert.ErrorIs(t, d.CancelOwnershipTransfer(ctx, owner), ErrNoPendingOwner)

	require.NoError(t, d.TransferOwnership(ctx, owner, stranger))
	require.NoError(t, d.AcceptOwnership(ctx, stranger))
	assert.Equal(t, stranger, d.Owner())
	assert.True(t, d.IsOwner(ctx, stranger))

	kinds := []events.Kind{}
	for _, e := range log.Query(events.Filter{}) {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []events.Kind{
		events.OwnershipProposed, events.OwnershipCancelled,
		events.OwnershipProposed, events.OwnershipTransferred,
	}, kinds)
}

func TestCut_OuterFailureRestoresRoutes(t *testing.T) {
	ctx := context.Background()
	d, host, _ := newDiamond(t)
	a := &echoFacet{name: "a"}
	d.Deploy(a)

	later := errors.New("later step failed")
	err := host.Exec(ctx, "", func(ctx context.Context, _ state.Tx) error {
		require.NoError(t, d.Cut(ctx, owner, []FacetCut{{FacetAddress: a.Address(), Action: Add, Selectors: []Selector{selPing}}}, common.Address{}, nil))
		assert.Equal(t, a.Address(), d.FacetAddress(selPing), "visible inside the call")
		return later
	})
	assert.Same(t, later, err)
	assert.Equal(t, common.Address{}, d.FacetAddress(selPing))
	assert.Empty(t, d.FacetAddresses())
	assert.Empty(t, d.History())
}

func TestOwnership_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	store := state.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	boot := func() *Diamond {
		host := state.NewHost(store, state.NewManualClock(time.Unix(1_700_000_000, 0)))
		d := New(host, owner, logger)
		require.NoError(t, d.LoadOwnership(ctx))
		return d
	}

	d := boot()
	assert.Equal(t, owner, d.Owner())
	require.NoError(t, d.TransferOwnership(ctx, owner, stranger))
	require.NoError(t, d.AcceptOwnership(ctx, stranger))
	require.NoError(t, d.TransferOwnership(ctx, stranger, owner))

	d = boot()
	assert.Equal(t, stranger, d.Owner(), "configured owner does not override the persisted one")
	assert.Equal(t, owner, d.PendingOwner())
	assert.ErrorIs(t, d.Cut(ctx, owner, nil, common.Address{}, nil), ErrNotOwner)
}

func TestOwnership_OuterFailureRestores(t *testing.T) {
	ctx := context.Background()
	d, host, _ := newDiamond(t)
	require.NoError(t, d.LoadOwnership(ctx))

	err := host.Exec(ctx, "", func(ctx context.Context, _ state.Tx) error {
		require.NoError(t, d.TransferOwnership(ctx, owner, stranger))
		return errors.New("aborted")
	})
	require.Error(t, err)
	assert.Equal(t, common.Address{}, d.PendingOwner())

	require.NoError(t, host.View(ctx, func(ctx context.Context, tx state.Tx) error {
		p, err := tx.Platform(ctx)
		require.NoError(t, err)
		assert.Equal(t, owner, p.Owner)
		assert.Equal(t, common.Address{}, p.PendingOwner)
		return nil
	}))
}
