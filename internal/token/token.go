// Package token moves fungible-token funds on behalf of the platform.
//
// Users grant the platform an allowance; the platform then pulls a payment
// from the user and fans it out to several receivers in one TransferFrom.
package token

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownToken          = errors.New("token: unknown token")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInvalidAmount         = errors.New("token: invalid amount")
)

// Leg is one receiver's share of a transfer.
type Leg struct {
	To     common.Address
	Amount *big.Int
}

// Token is a fungible token the platform can spend from users.
type Token interface {
	Address() common.Address
	// Allowance is what owner has approved the platform to spend.
	Allowance(ctx context.Context, owner common.Address) (*big.Int, error)
	BalanceOf(ctx context.Context, owner common.Address) (*big.Int, error)
	// TransferFrom pulls the sum of legs from from and pays each leg.
	// Zero-amount legs are skipped.
	TransferFrom(ctx context.Context, from common.Address, legs []Leg) error
}

// Registry resolves token addresses.
type Registry interface {
	Token(addr common.Address) (Token, error)
}

// Total sums the leg amounts.
func Total(legs []Leg) *big.Int {
	sum := new(big.Int)
	for _, l := range legs {
		if l.Amount != nil {
			sum.Add(sum, l.Amount)
		}
	}
	return sum
}
