package token

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// TransferHook observes a completed in-memory transfer. Returning an error
// reverts the transfer.
type TransferHook func(ctx context.Context, token common.Address, from common.Address, legs []Leg) error

// Bank is an in-memory token registry for demo/development mode and tests.
type Bank struct {
	mu     sync.RWMutex
	tokens map[common.Address]*MemoryToken
}

// NewBank creates an empty bank.
func NewBank() *Bank {
	return &Bank{tokens: make(map[common.Address]*MemoryToken)}
}

// Deploy creates a token at addr, or returns the one already there.
func (b *Bank) Deploy(addr common.Address) *MemoryToken {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tokens[addr]; ok {
		return t
	}
	t := &MemoryToken{
		addr:       addr,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[common.Address]*big.Int),
	}
	b.tokens[addr] = t
	return t
}

func (b *Bank) Token(addr common.Address) (Token, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, addr.Hex())
	}
	return t, nil
}

// MemoryToken keeps balances and platform allowances in memory.
type MemoryToken struct {
	addr       common.Address
	mu         sync.Mutex
	balances   map[common.Address]*big.Int
	allowances map[common.Address]*big.Int
	hook       TransferHook
}

func (t *MemoryToken) Address() common.Address { return t.addr }

// Mint credits amount to owner.
func (t *MemoryToken) Mint(owner common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances[owner] = new(big.Int).Add(get(t.balances, owner), amount)
}

// Approve sets owner's allowance to the platform.
func (t *MemoryToken) Approve(owner common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowances[owner] = new(big.Int).Set(amount)
}

// OnTransfer installs a hook run after every successful transfer.
func (t *MemoryToken) OnTransfer(h TransferHook) {
	t.mu.Lock()
	t.hook = h
	t.mu.Unlock()
}

func (t *MemoryToken) Allowance(_ context.Context, owner common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(get(t.allowances, owner)), nil
}

func (t *MemoryToken) BalanceOf(_ context.Context, owner common.Address) (*big.Int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(get(t.balances, owner)), nil
}

func (t *MemoryToken) TransferFrom(ctx context.Context, from common.Address, legs []Leg) error {
	for _, l := range legs {
		if l.Amount != nil && l.Amount.Sign() < 0 {
			return ErrInvalidAmount
		}
	}
	total := Total(legs)

	t.mu.Lock()
	if get(t.allowances, from).Cmp(total) < 0 {
		t.mu.Unlock()
		return ErrInsufficientAllowance
	}
	if get(t.balances, from).Cmp(total) < 0 {
		t.mu.Unlock()
		return ErrInsufficientBalance
	}
	t.apply(from, legs, 1)
	hook := t.hook
	t.mu.Unlock()

	if hook == nil {
		return nil
	}
	if err := hook(ctx, t.addr, from, legs); err != nil {
		t.mu.Lock()
		t.apply(from, legs, -1)
		t.mu.Unlock()
		return err
	}
	return nil
}

// apply moves funds forward (dir=1) or reverses them (dir=-1). Caller holds mu.
func (t *MemoryToken) apply(from common.Address, legs []Leg, dir int64) {
	d := big.NewInt(dir)
	for _, l := range legs {
		if l.Amount == nil || l.Amount.Sign() == 0 {
			continue
		}
		amt := new(big.Int).Mul(l.Amount, d)
		t.allowances[from] = new(big.Int).Sub(get(t.allowances, from), amt)
		t.balances[from] = new(big.Int).Sub(get(t.balances, from), amt)
		t.balances[l.To] = new(big.Int).Add(get(t.balances, l.To), amt)
	}
}

func get(m map[common.Address]*big.Int, k common.Address) *big.Int {
	if v, ok := m[k]; ok {
		return v
	}
	return new(big.Int)
}

var (
	_ Registry = (*Bank)(nil)
	_ Token    = (*MemoryToken)(nil)
)
