package state

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Tx reads and writes records inside one atomic unit.
// Getters return copies; nothing is visible outside the unit until it commits.
type Tx interface {
	Platform(ctx context.Context) (*Platform, error)
	PutPlatform(ctx context.Context, p *Platform) error

	Tenant(ctx context.Context, id uint64) (*Tenant, error)
	PutTenant(ctx context.Context, t *Tenant) error

	Tiers(ctx context.Context, tenantID uint64) ([]*Tier, error)
	PutTier(ctx context.Context, t *Tier) error

	// Subscription returns a zero record (tier 0) if the user never subscribed.
	Subscription(ctx context.Context, tenantID uint64, user common.Address) (*Subscription, error)
	PutSubscription(ctx context.Context, s *Subscription) error

	Referral(ctx context.Context, tenantID uint64, referrer common.Address) (*Referral, error)
	PutReferral(ctx context.Context, r *Referral) error
}

// Store persists the arena.
type Store interface {
	// Atomic runs fn in a unit that commits only if fn returns nil.
	Atomic(ctx context.Context, fn func(Tx) error) error
	// Read runs fn against committed state.
	Read(ctx context.Context, fn func(Tx) error) error
	// ListDue returns paid subscriptions of live tenants whose period ended at
	// or before now, in Due.Less order, starting strictly after the cursor
	// when one is given.
	ListDue(ctx context.Context, now int64, after *Due, limit int) ([]Due, error)
}
