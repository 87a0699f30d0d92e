package dispatch

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Selector is the first four bytes of the Keccak-256 hash of a canonical
// function signature such as "subscribe(uint256,uint256,address)".
type Selector [4]byte

// SelectorOf computes the selector of signature.
func SelectorOf(signature string) Selector {
	var s Selector
	copy(s[:], crypto.Keccak256([]byte(signature))[:4])
	return s
}

// ParseSelector decodes a 0x-prefixed 4-byte hex selector.
func ParseSelector(h string) (Selector, error) {
	var s Selector
	b, err := hexutil.Decode(h)
	if err != nil {
		return s, err
	}
	if len(b) != 4 {
		return s, ErrMalformedCall
	}
	copy(s[:], b)
	return s, nil
}

func (s Selector) Hex() string { return hexutil.Encode(s[:]) }

func (s Selector) String() string { return s.Hex() }

// MarshalText encodes the selector as 0x-prefixed hex.
func (s Selector) MarshalText() ([]byte, error) { return []byte(s.Hex()), nil }

// UnmarshalText decodes a 0x-prefixed 4-byte hex selector.
func (s *Selector) UnmarshalText(b []byte) error {
	v, err := ParseSelector(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// FacetAddress derives the stable address a named facet is deployed at.
func FacetAddress(name string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte("recurra.facet." + name))[12:])
}

// Call is one inbound call: the caller, attached value, and calldata
// (selector followed by ABI-encoded arguments).
type Call struct {
	Caller common.Address
	Value  *big.Int
	Data   []byte
}

// Selector returns the call's selector. Data must hold at least four bytes.
func (c *Call) Selector() Selector {
	var s Selector
	copy(s[:], c.Data[:4])
	return s
}

// Args returns the ABI-encoded arguments after the selector.
func (c *Call) Args() []byte {
	return c.Data[4:]
}
