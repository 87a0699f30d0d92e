// Package ownership tracks which address owns each tenant. Every tenant has
// one non-fungible ownership token whose id equals the tenant id; holding it
// grants admin rights over that tenant.
package ownership

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrNotMinted     = errors.New("ownership: token not minted")
	ErrAlreadyMinted = errors.New("ownership: token already minted")
	ErrNotTokenOwner = errors.New("ownership: caller does not own token")
	ErrZeroAddress   = errors.New("ownership: zero address")
)

// Registry is the ownership token ledger.
type Registry interface {
	Mint(ctx context.Context, id uint64, to common.Address) error
	Burn(ctx context.Context, id uint64) error
	OwnerOf(ctx context.Context, id uint64) (common.Address, error)
	BalanceOf(ctx context.Context, owner common.Address) (uint64, error)
	TokensOf(ctx context.Context, owner common.Address) ([]uint64, error)
	Transfer(ctx context.Context, from, to common.Address, id uint64) error
}

// Owns reports whether addr holds token id. Unminted tokens are owned by nobody.
func Owns(ctx context.Context, r Registry, id uint64, addr common.Address) (bool, error) {
	owner, err := r.OwnerOf(ctx, id)
	if errors.Is(err, ErrNotMinted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == addr, nil
}

// MemoryRegistry is an in-memory Registry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	owners map[uint64]common.Address
}

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{owners: make(map[uint64]common.Address)}
}

func (m *MemoryRegistry) Mint(_ context.Context, id uint64, to common.Address) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[id]; ok {
		return ErrAlreadyMinted
	}
	m.owners[id] = to
	return nil
}

func (m *MemoryRegistry) Burn(_ context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[id]; !ok {
		return ErrNotMinted
	}
	delete(m.owners, id)
	return nil
}

func (m *MemoryRegistry) OwnerOf(_ context.Context, id uint64) (common.Address, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.owners[id]
	if !ok {
		return common.Address{}, ErrNotMinted
	}
	return owner, nil
}

func (m *MemoryRegistry) BalanceOf(ctx context.Context, owner common.Address) (uint64, error) {
	ids, err := m.TokensOf(ctx, owner)
	return uint64(len(ids)), err
}

func (m *MemoryRegistry) TokensOf(_ context.Context, owner common.Address) ([]uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []uint64
	for id, o := range m.owners {
		if o == owner {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (m *MemoryRegistry) Transfer(_ context.Context, from, to common.Address, id uint64) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[id]
	if !ok {
		return ErrNotMinted
	}
	if owner != from {
		return ErrNotTokenOwner
	}
	m.owners[id] = to
	return nil
}

var _ Registry = (*MemoryRegistry)(nil)
