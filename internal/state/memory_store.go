package state

import (
	"context"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

type subKey struct {
	tenant uint64
	user   common.Address
}

// MemoryStore is an in-memory arena for demo/development mode and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	platform  Platform
	tenants   map[uint64]*Tenant
	tiers     map[uint64][]*Tier
	subs      map[subKey]*Subscription
	referrals map[subKey]*Referral
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:   make(map[uint64]*Tenant),
		tiers:     make(map[uint64][]*Tier),
		subs:      make(map[subKey]*Subscription),
		referrals: make(map[subKey]*Referral),
	}
}

// Atomic buffers writes in an overlay and applies them only when fn succeeds.
func (m *MemoryStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	tx := newMemTx(m)
	if err := fn(tx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	tx.commit()
	return nil
}

func (m *MemoryStore) Read(ctx context.Context, fn func(Tx) error) error {
	return fn(newMemTx(m))
}

func (m *MemoryStore) ListDue(_ context.Context, now int64, after *Due, limit int) ([]Due, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var due []Due
	for k, s := range m.subs {
		if s.TierID == 0 || s.PeriodEnd > now {
			continue
		}
		t, ok := m.tenants[k.tenant]
		if !ok || t.Deleted {
			continue
		}
		tier, err := TierAt(m.tiers[k.tenant], s.TierID)
		if err != nil || tier.Evergreen() {
			continue
		}
		d := Due{TenantID: k.tenant, User: k.user, TierID: s.TierID, PeriodEnd: s.PeriodEnd}
		if after != nil && !after.Less(d) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Less(due[j]) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// memTx reads through an overlay of uncommitted writes to the base store.
type memTx struct {
	base      *MemoryStore
	platform  *Platform
	tenants   map[uint64]*Tenant
	tiers     map[uint64][]*Tier
	subs      map[subKey]*Subscription
	referrals map[subKey]*Referral
}

func newMemTx(base *MemoryStore) *memTx {
	return &memTx{
		base:      base,
		tenants:   make(map[uint64]*Tenant),
		tiers:     make(map[uint64][]*Tier),
		subs:      make(map[subKey]*Subscription),
		referrals: make(map[subKey]*Referral),
	}
}

func (t *memTx) commit() {
	if t.platform != nil {
		t.base.platform = *t.platform
	}
	for id, v := range t.tenants {
		t.base.tenants[id] = v
	}
	for id, v := range t.tiers {
		t.base.tiers[id] = v
	}
	for k, v := range t.subs {
		t.base.subs[k] = v
	}
	for k, v := range t.referrals {
		t.base.referrals[k] = v
	}
}

func (t *memTx) Platform(_ context.Context) (*Platform, error) {
	if t.platform != nil {
		cp := *t.platform
		return &cp, nil
	}
	t.base.mu.RLock()
	defer t.base.mu.RUnlock()
	cp := t.base.platform
	return &cp, nil
}

func (t *memTx) PutPlatform(_ context.Context, p *Platform) error {
	cp := *p
	t.platform = &cp
	return nil
}

func (t *memTx) Tenant(_ context.Context, id uint64) (*Tenant, error) {
	if v, ok := t.tenants[id]; ok {
		return v.clone(), nil
	}
	t.base.mu.RLock()
	defer t.base.mu.RUnlock()
	v, ok := t.base.tenants[id]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return v.clone(), nil
}

func (t *memTx) PutTenant(_ context.Context, v *Tenant) error {
	t.tenants[v.ID] = v.clone()
	return nil
}

func (t *memTx) Tiers(_ context.Context, tenantID uint64) ([]*Tier, error) {
	return cloneTiers(t.currentTiers(tenantID)), nil
}

func (t *memTx) currentTiers(tenantID uint64) []*Tier {
	if v, ok := t.tiers[tenantID]; ok {
		return v
	}
	t.base.mu.RLock()
	defer t.base.mu.RUnlock()
	return t.base.tiers[tenantID]
}

func (t *memTx) PutTier(_ context.Context, v *Tier) error {
	tiers := cloneTiers(t.currentTiers(v.TenantID))
	switch {
	case v.ID >= 1 && v.ID <= uint64(len(tiers)):
		tiers[v.ID-1] = v.clone()
	case v.ID == uint64(len(tiers))+1:
		tiers = append(tiers, v.clone())
	default:
		return ErrWrongSubType
	}
	t.tiers[v.TenantID] = tiers
	return nil
}

func (t *memTx) Subscription(_ context.Context, tenantID uint64, user common.Address) (*Subscription, error) {
	k := subKey{tenantID, user}
	if v, ok := t.subs[k]; ok {
		return v.clone(), nil
	}
	t.base.mu.RLock()
	defer t.base.mu.RUnlock()
	if v, ok := t.base.subs[k]; ok {
		return v.clone(), nil
	}
	return &Subscription{TenantID: tenantID, User: user, Ceiling: new(big.Int)}, nil
}

func (t *memTx) PutSubscription(_ context.Context, v *Subscription) error {
	t.subs[subKey{v.TenantID, v.User}] = v.clone()
	return nil
}

func (t *memTx) Referral(_ context.Context, tenantID uint64, referrer common.Address) (*Referral, error) {
	k := subKey{tenantID, referrer}
	if v, ok := t.referrals[k]; ok {
		cp := *v
		return &cp, nil
	}
	t.base.mu.RLock()
	defer t.base.mu.RUnlock()
	v, ok := t.base.referrals[k]
	if !ok {
		return nil, ErrReferralNotFound
	}
	cp := *v
	return &cp, nil
}

func (t *memTx) PutReferral(_ context.Context, v *Referral) error {
	cp := *v
	t.referrals[subKey{v.TenantID, v.Referrer}] = &cp
	return nil
}

func cloneTiers(in []*Tier) []*Tier {
	out := make([]*Tier, len(in))
	for i, v := range in {
		out[i] = v.clone()
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
