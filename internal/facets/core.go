package facets

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/recurra/internal/dispatch"
)

type cutEntry struct {
	FacetAddress      common.Address
	Action            uint8
	FunctionSelectors [][4]byte
}

type loupeEntry struct {
	FacetAddress      common.Address `abi:"facetAddress"`
	FunctionSelectors [][4]byte      `abi:"functionSelectors"`
}

// NewCutFacet exposes diamondCut.
func NewCutFacet(d *dispatch.Diamond) dispatch.Facet {
	return newFacet(CutFacet, cutABI, map[string]handler{
		"diamondCut": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var in struct {
				Cuts []cutEntry     `abi:"cuts"`
				Init common.Address `abi:"init"`
				Data []byte         `abi:"data"`
			}
			if err := decode(&in); err != nil {
				return nil, err
			}
			cuts := make([]dispatch.FacetCut, len(in.Cuts))
			for i, c := range in.Cuts {
				cuts[i] = dispatch.FacetCut{
					FacetAddress: c.FacetAddress,
					Action:       dispatch.Action(c.Action),
					Selectors:    toSelectors(c.FunctionSelectors),
				}
			}
			return nil, d.Cut(ctx, call.Caller, cuts, in.Init, in.Data)
		},
	})
}

// NewLoupeFacet exposes selector-table introspection.
func NewLoupeFacet(d *dispatch.Diamond) dispatch.Facet {
	return newFacet(LoupeFacet, loupeABI, map[string]handler{
		"facets": func(context.Context, *dispatch.Call, func(any) error) ([]any, error) {
			infos := d.Facets()
			out := make([]loupeEntry, len(infos))
			for i, f := range infos {
				out[i] = loupeEntry{FacetAddress: f.Address, FunctionSelectors: fromSelectors(f.Selectors)}
			}
			return []any{out}, nil
		},
		"facetFunctionSelectors": func(_ context.Context, _ *dispatch.Call, decode func(any) error) ([]any, error) {
			var facet common.Address
			if err := decode(&facet); err != nil {
				return nil, err
			}
			return []any{fromSelectors(d.FacetSelectors(facet))}, nil
		},
		"facetAddresses": func(context.Context, *dispatch.Call, func(any) error) ([]any, error) {
			return []any{d.FacetAddresses()}, nil
		},
		"facetAddress": func(_ context.Context, _ *dispatch.Call, decode func(any) error) ([]any, error) {
			var sel [4]byte
			if err := decode(&sel); err != nil {
				return nil, err
			}
			return []any{d.FacetAddress(dispatch.Selector(sel))}, nil
		},
	})
}

// NewOwnershipFacet exposes the two-step platform ownership transfer.
func NewOwnershipFacet(d *dispatch.Diamond) dispatch.Facet {
	return newFacet(OwnershipFacet, ownershipABI, map[string]handler{
		"owner": func(context.Context, *dispatch.Call, func(any) error) ([]any, error) {
			return []any{d.Owner()}, nil
		},
		"pendingOwner": func(context.Context, *dispatch.Call, func(any) error) ([]any, error) {
			return []any{d.PendingOwner()}, nil
		},
		"transferOwnership": func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error) {
			var next common.Address
			if err := decode(&next); err != nil {
				return nil, err
			}
			return nil, d.TransferOwnership(ctx, call.Caller, next)
		},
		"acceptOwnership": func(ctx context.Context, call *dispatch.Call, _ func(any) error) ([]any, error) {
			return nil, d.AcceptOwnership(ctx, call.Caller)
		},
		"cancelOwnershipTransfer": func(ctx context.Context, call *dispatch.Call, _ func(any) error) ([]any, error) {
			return nil, d.CancelOwnershipTransfer(ctx, call.Caller)
		},
	})
}

func toSelectors(in [][4]byte) []dispatch.Selector {
	out := make([]dispatch.Selector, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func fromSelectors(in []dispatch.Selector) [][4]byte {
	out := make([][4]byte, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
