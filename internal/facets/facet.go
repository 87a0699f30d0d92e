// Package facets mounts the billing services on the dispatcher as
// ABI-encoded facets. Each facet owns a set of function selectors; calldata
// is a selector followed by standard ABI-encoded arguments, and results are
// ABI-encoded return values.
package facets

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/recurra/internal/dispatch"
)

var ErrBadArguments = errors.New("facets: cannot decode arguments")

// handler runs one method. decode copies the call's arguments into a struct
// whose fields are tagged with the ABI argument names.
type handler func(ctx context.Context, call *dispatch.Call, decode func(any) error) ([]any, error)

// facet is a dispatch.Facet backed by an ABI definition and one handler per
// method.
type facet struct {
	name     string
	abi      abi.ABI
	handlers map[string]handler
}

func newFacet(name, definition string, handlers map[string]handler) *facet {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("facets: parse %s ABI: %v", name, err))
	}
	for m := range parsed.Methods {
		if _, ok := handlers[m]; !ok {
			panic(fmt.Sprintf("facets: %s has no handler for %s", name, m))
		}
	}
	return &facet{name: name, abi: parsed, handlers: handlers}
}

func (f *facet) Name() string { return f.name }

func (f *facet) Address() common.Address { return dispatch.FacetAddress(f.name) }

func (f *facet) Selectors() []dispatch.Selector {
	out := make([]dispatch.Selector, 0, len(f.abi.Methods))
	for _, m := range f.abi.Methods {
		var s dispatch.Selector
		copy(s[:], m.ID)
		out = append(out, s)
	}
	return out
}

func (f *facet) Invoke(ctx context.Context, call *dispatch.Call) ([]byte, error) {
	m, err := f.abi.MethodById(call.Data[:4])
	if err != nil {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrUnknownSelector, call.Selector())
	}
	values, err := m.Inputs.Unpack(call.Args())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadArguments, m.Name, err)
	}
	decode := func(v any) error {
		if err := m.Inputs.Copy(v, values); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrBadArguments, m.Name, err)
		}
		return nil
	}
	out, err := f.handlers[m.Name](ctx, call, decode)
	if err != nil {
		return nil, err
	}
	return m.Outputs.Pack(out...)
}

var _ dispatch.Facet = (*facet)(nil)
