// Package state holds the shared storage arena every facet reads and writes.
//
// Records are addressed uniformly by tenant id and user address:
//   - Platform: one record of platform-wide settings
//   - Tenant: one record per subscription manager, ids assigned sequentially
//   - Tier: catalog entries local to a tenant, 1-indexed, never removed
//   - Subscription: one record per (tenant, user)
//   - Referral: one record per (tenant, referrer)
package state

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrTenantNotFound   = errors.New("state: tenant not found")
	ErrReferralNotFound = errors.New("state: referral account not found")
	ErrWrongSubType     = errors.New("state: wrong sub type")
	ErrReentrantCall    = errors.New("state: reentrant call")
)

// DefaultPeriod is the billing period used until the platform is initialized.
const DefaultPeriod = 30 * 24 * time.Hour

// MaxBPS is 100% in basis points.
const MaxBPS = 10_000

// Platform holds platform-wide settings.
type Platform struct {
	TaxRateBPS       uint64         `json:"taxRateBps"`
	Treasury         common.Address `json:"treasury"`
	Relayer          common.Address `json:"relayer"`
	SecurityDelegate common.Address `json:"securityDelegate"`
	PeriodSeconds    int64          `json:"periodSeconds"`
	LastTenantID     uint64         `json:"lastTenantId"`
	Initialized      bool           `json:"initialized"`
	// Owner and PendingOwner are zero until the dispatcher first persists them.
	Owner        common.Address `json:"owner"`
	PendingOwner common.Address `json:"pendingOwner"`
}

// Period returns the billing period in seconds, falling back to DefaultPeriod.
func (p *Platform) Period() int64 {
	if p.PeriodSeconds <= 0 {
		return int64(DefaultPeriod / time.Second)
	}
	return p.PeriodSeconds
}

// Tenant is an independent subscription manager.
type Tenant struct {
	ID              uint64         `json:"id"`
	Name            string         `json:"name"`
	Token           common.Address `json:"token"`
	PayoutReceiver  common.Address `json:"payoutReceiver"`
	ReferralRateBPS uint64         `json:"referralRateBps"`
	Deleted         bool           `json:"deleted"`
	CreatedAt       int64          `json:"createdAt"`
}

// Tier is a priced plan in a tenant's catalog.
type Tier struct {
	TenantID uint64   `json:"tenantId"`
	ID       uint64   `json:"id"`
	Price    *big.Int `json:"price"`
	Name     string   `json:"name"`
	Active   bool     `json:"active"`
}

// Evergreen reports whether the tier never lapses.
func (t *Tier) Evergreen() bool {
	return t.Price == nil || t.Price.Sign() == 0
}

// Subscription is a user's standing with one tenant.
type Subscription struct {
	TenantID  uint64         `json:"tenantId"`
	User      common.Address `json:"user"`
	TierID    uint64         `json:"tierId"`
	PeriodEnd int64          `json:"periodEnd"`
	Ceiling   *big.Int       `json:"ceiling"`
	Nonce     uint64         `json:"nonce"`
}

// Referral is a time-bounded right to a referral cut.
type Referral struct {
	TenantID  uint64         `json:"tenantId"`
	Referrer  common.Address `json:"referrer"`
	Expiry    int64          `json:"expiry"`
	TierScope uint64         `json:"tierScope"`
}

// Due identifies a subscription whose period has ended.
type Due struct {
	TenantID  uint64
	User      common.Address
	TierID    uint64
	PeriodEnd int64
}

// Less orders due subscriptions by period end, then tenant, then user.
func (d Due) Less(o Due) bool {
	if d.PeriodEnd != o.PeriodEnd {
		return d.PeriodEnd < o.PeriodEnd
	}
	if d.TenantID != o.TenantID {
		return d.TenantID < o.TenantID
	}
	return d.User.Hex() < o.User.Hex()
}

// TierAt returns the tier with the given 1-indexed id, or ErrWrongSubType.
func TierAt(tiers []*Tier, id uint64) (*Tier, error) {
	if id == 0 || id > uint64(len(tiers)) {
		return nil, ErrWrongSubType
	}
	return tiers[id-1], nil
}

func (t *Tenant) clone() *Tenant {
	cp := *t
	return &cp
}

func (t *Tier) clone() *Tier {
	cp := *t
	cp.Price = cloneInt(t.Price)
	return &cp
}

func (s *Subscription) clone() *Subscription {
	cp := *s
	cp.Ceiling = cloneInt(s.Ceiling)
	return &cp
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
