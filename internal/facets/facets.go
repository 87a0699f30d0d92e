package facets

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/recurra/internal/catalog"
	"github.com/mbd888/recurra/internal/dispatch"
	"github.com/mbd888/recurra/internal/platform"
	"github.com/mbd888/recurra/internal/relay"
	"github.com/mbd888/recurra/internal/settlement"
	"github.com/mbd888/recurra/internal/subscription"
)

// Facet names. A facet's address is dispatch.FacetAddress(name).
const (
	CutFacet       = "cut"
	LoupeFacet     = "loupe"
	OwnershipFacet = "ownership"
	InitFacet      = "init"
	AdminFacet     = "admin"
	TiersFacet     = "tiers"
	PaymentFacet   = "payment"
	RelayFacet     = "relay"
)

// Deps are the services the facets call into.
type Deps struct {
	Diamond       *dispatch.Diamond
	Platform      *platform.Service
	Catalog       *catalog.Service
	Settlement    *settlement.Service
	Subscriptions *subscription.Service
	Relay         *relay.Service
}

// All builds every facet. The init facet is last.
func All(d Deps) []dispatch.Facet {
	return []dispatch.Facet{
		NewCutFacet(d.Diamond),
		NewLoupeFacet(d.Diamond),
		NewOwnershipFacet(d.Diamond),
		NewAdminFacet(d.Platform, d.Settlement),
		NewTiersFacet(d.Catalog),
		NewPaymentFacet(d.Subscriptions, d.Settlement),
		NewRelayFacet(d.Relay),
		NewInitFacet(d.Platform),
	}
}

// Install deploys every facet, routes all but the init facet, and runs
// init with p as the cut's init call. owner must be the diamond owner.
// A platform restored from storage is already initialized; its routes are
// rebuilt without the init call.
func Install(ctx context.Context, d Deps, owner common.Address, p platform.InitParams) error {
	pl, err := d.Platform.Get(ctx)
	if err != nil {
		return err
	}
	all := All(d)
	d.Diamond.Deploy(all...)

	var cuts []dispatch.FacetCut
	for _, f := range all {
		if f.Name() == InitFacet {
			continue
		}
		cuts = append(cuts, dispatch.FacetCut{FacetAddress: f.Address(), Action: dispatch.Add, Selectors: f.Selectors()})
	}
	if pl.Initialized {
		return d.Diamond.Cut(ctx, owner, cuts, common.Address{}, nil)
	}
	initData, err := Pack("init", p.Treasury, p.Relayer, p.TaxRateBPS, uint64(p.PeriodSeconds))
	if err != nil {
		return err
	}
	return d.Diamond.Cut(ctx, owner, cuts, dispatch.FacetAddress(InitFacet), initData)
}

// Methods is the combined ABI of every facet, for building calldata and
// decoding results.
var Methods = func() abi.ABI {
	combined := abi.ABI{Methods: make(map[string]abi.Method)}
	for _, def := range []string{cutABI, loupeABI, ownershipABI, initABI, adminABI, tiersABI, paymentABI, relayABI} {
		parsed, err := abi.JSON(strings.NewReader(def))
		if err != nil {
			panic(fmt.Sprintf("facets: parse ABI: %v", err))
		}
		for name, m := range parsed.Methods {
			if _, dup := combined.Methods[name]; dup {
				panic("facets: duplicate method " + name)
			}
			combined.Methods[name] = m
		}
	}
	return combined
}()

// Pack encodes a call to method.
func Pack(method string, args ...any) ([]byte, error) {
	return Methods.Pack(method, args...)
}

// Unpack decodes method's return data.
func Unpack(method string, data []byte) ([]any, error) {
	return Methods.Unpack(method, data)
}

// MethodOf returns the method a selector names.
func MethodOf(sel dispatch.Selector) (*abi.Method, error) {
	return Methods.MethodById(sel[:])
}
