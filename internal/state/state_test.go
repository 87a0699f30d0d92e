package state

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000B0B")
	token = common.HexToAddress("0x0000000000000000000000000000000000007777")
)

// exerciseStore runs the behaviour every Store implementation must share.
func exerciseStore(t *testing.T, store Store) {
	ctx := context.Background()

	err := store.Atomic(ctx, func(tx Tx) error {
		if err := tx.PutPlatform(ctx, &Platform{TaxRateBPS: 150, Treasury: bob, LastTenantID: 1, Initialized: true, Owner: alice, PendingOwner: bob}); err != nil {
			return err
		}
		if err := tx.PutTenant(ctx, &Tenant{ID: 1, Name: "acme", Token: token, PayoutReceiver: alice, CreatedAt: 100}); err != nil {
			return err
		}
		if err := tx.PutTier(ctx, &Tier{TenantID: 1, ID: 1, Price: big.NewInt(0), Name: "free", Active: true}); err != nil {
			return err
		}
		return tx.PutTier(ctx, &Tier{TenantID: 1, ID: 2, Price: big.NewInt(1000), Name: "pro", Active: true})
	})
	require.NoError(t, err)

	err = store.Read(ctx, func(tx Tx) error {
		p, err := tx.Platform(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(150), p.TaxRateBPS)
		assert.Equal(t, bob, p.Treasury)
		assert.True(t, p.Initialized)
		assert.Equal(t, alice, p.Owner)
		assert.Equal(t, bob, p.PendingOwner)

		tn, err := tx.Tenant(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "acme", tn.Name)
		assert.Equal(t, token, tn.Token)

		_, err = tx.Tenant(ctx, 9)
		assert.ErrorIs(t, err, ErrTenantNotFound)

		tiers, err := tx.Tiers(ctx, 1)
		require.NoError(t, err)
		require.Len(t, tiers, 2)
		assert.Equal(t, int64(1000), tiers[1].Price.Int64())
		assert.True(t, tiers[0].Evergreen())

		sub, err := tx.Subscription(ctx, 1, alice)
		require.NoError(t, err)
		assert.Zero(t, sub.TierID)
		assert.Zero(t, sub.Ceiling.Sign())

		_, err = tx.Referral(ctx, 1, bob)
		assert.ErrorIs(t, err, ErrReferralNotFound)
		return nil
	})
	require.NoError(t, err)

	// Tier ids may only grow by one.
	err = store.Atomic(ctx, func(tx Tx) error {
		return tx.PutTier(ctx, &Tier{TenantID: 1, ID: 5, Price: big.NewInt(1)})
	})
	assert.ErrorIs(t, err, ErrWrongSubType)

	// A failed unit leaves nothing behind.
	boom := errors.New("boom")
	err = store.Atomic(ctx, func(tx Tx) error {
		_ = tx.PutSubscription(ctx, &Subscription{TenantID: 1, User: alice, TierID: 2, PeriodEnd: 50, Ceiling: big.NewInt(1)})
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_ = store.Read(ctx, func(tx Tx) error {
		sub, _ := tx.Subscription(ctx, 1, alice)
		assert.Zero(t, sub.TierID)
		return nil
	})

	err = store.Atomic(ctx, func(tx Tx) error {
		if err := tx.PutSubscription(ctx, &Subscription{TenantID: 1, User: alice, TierID: 2, PeriodEnd: 50, Ceiling: big.NewInt(5000), Nonce: 3}); err != nil {
			return err
		}
		if err := tx.PutSubscription(ctx, &Subscription{TenantID: 1, User: bob, TierID: 1, PeriodEnd: 10}); err != nil {
			return err
		}
		return tx.PutReferral(ctx, &Referral{TenantID: 1, Referrer: bob, Expiry: 500, TierScope: 2})
	})
	require.NoError(t, err)

	_ = store.Read(ctx, func(tx Tx) error {
		sub, err := tx.Subscription(ctx, 1, alice)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), sub.TierID)
		assert.Equal(t, "5000", sub.Ceiling.String())
		assert.Equal(t, uint64(3), sub.Nonce)

		ref, err := tx.Referral(ctx, 1, bob)
		require.NoError(t, err)
		assert.Equal(t, int64(500), ref.Expiry)
		return nil
	})

	// Bob sits on the evergreen tier so only alice is due.
	due, err := store.ListDue(ctx, 60, nil, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, alice, due[0].User)

	due, err = store.ListDue(ctx, 60, &due[0], 10)
	require.NoError(t, err)
	assert.Empty(t, due, "nothing after the last due row")

	due, err = store.ListDue(ctx, 49, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_CopiesOnRead(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Atomic(ctx, func(tx Tx) error {
		return tx.PutSubscription(ctx, &Subscription{TenantID: 1, User: alice, Ceiling: big.NewInt(10)})
	}))

	_ = store.Read(ctx, func(tx Tx) error {
		sub, _ := tx.Subscription(ctx, 1, alice)
		sub.Ceiling.SetInt64(999)
		return nil
	})
	_ = store.Read(ctx, func(tx Tx) error {
		sub, _ := tx.Subscription(ctx, 1, alice)
		assert.Equal(t, int64(10), sub.Ceiling.Int64())
		return nil
	})
}

func TestTierAt(t *testing.T) {
	tiers := []*Tier{{ID: 1}, {ID: 2}}

	got, err := TierAt(tiers, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.ID)

	_, err = TierAt(tiers, 0)
	assert.ErrorIs(t, err, ErrWrongSubType)
	_, err = TierAt(tiers, 3)
	assert.ErrorIs(t, err, ErrWrongSubType)
}

func TestPlatform_Period(t *testing.T) {
	assert.Equal(t, int64(30*24*3600), (&Platform{}).Period())
	assert.Equal(t, int64(60), (&Platform{PeriodSeconds: 60}).Period())
}

func TestHost_PinsTimeAndRunsAfterCommit(t *testing.T) {
	ctx := context.Background()
	clock := NewManualClock(time.Unix(1000, 0))
	h := NewHost(NewMemoryStore(), clock)

	var ran bool
	err := h.Exec(ctx, "k", func(ctx context.Context, tx Tx) error {
		assert.Equal(t, int64(1000), h.Now(ctx))
		clock.Advance(time.Hour)
		assert.Equal(t, int64(1000), h.Now(ctx))
		h.AfterCommit(ctx, func() { ran = true })
		assert.False(t, ran)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int64(4600), h.Now(ctx))
}

func TestHost_RollbackSkipsAfterCommit(t *testing.T) {
	ctx := context.Background()
	h := NewHost(NewMemoryStore(), nil)

	var ran bool
	err := h.Exec(ctx, "", func(ctx context.Context, tx Tx) error {
		h.AfterCommit(ctx, func() { ran = true })
		_ = tx.PutTenant(ctx, &Tenant{ID: 1})
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.False(t, ran)

	err = h.View(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.Tenant(ctx, 1)
		return err
	})
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestHost_OnRollbackRunsInReverseOnFailure(t *testing.T) {
	ctx := context.Background()
	h := NewHost(NewMemoryStore(), nil)

	var order []string
	err := h.Exec(ctx, "", func(ctx context.Context, tx Tx) error {
		h.OnRollback(ctx, func() { order = append(order, "outer") })
		// A nested call that succeeds still unwinds with its parent.
		require.NoError(t, h.Exec(ctx, "", func(ctx context.Context, tx Tx) error {
			h.OnRollback(ctx, func() { order = append(order, "inner") })
			return nil
		}))
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.Equal(t, []string{"inner", "outer"}, order)

	order = nil
	require.NoError(t, h.Exec(ctx, "", func(ctx context.Context, tx Tx) error {
		h.OnRollback(ctx, func() { order = append(order, "x") })
		return nil
	}))
	assert.Empty(t, order, "commit discards rollback hooks")
}

func TestHost_ReentrantCall(t *testing.T) {
	ctx := context.Background()
	h := NewHost(NewMemoryStore(), nil)

	err := h.Exec(ctx, "1:alice", func(ctx context.Context, tx Tx) error {
		// A different key nests fine and shares the transaction.
		if err := h.Exec(ctx, "1:bob", func(ctx context.Context, inner Tx) error {
			return inner.PutTenant(ctx, &Tenant{ID: 7})
		}); err != nil {
			return err
		}
		if _, err := tx.Tenant(ctx, 7); err != nil {
			return err
		}
		return h.Exec(ctx, "1:alice", func(context.Context, Tx) error { return nil })
	})
	assert.ErrorIs(t, err, ErrReentrantCall)
}

func TestHost_ViewSeesInFlightWrites(t *testing.T) {
	ctx := context.Background()
	h := NewHost(NewMemoryStore(), nil)

	err := h.Exec(ctx, "", func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.PutTenant(ctx, &Tenant{ID: 3, Name: "x"}))
		return h.View(ctx, func(ctx context.Context, v Tx) error {
			tn, err := v.Tenant(ctx, 3)
			if err != nil {
				return err
			}
			assert.Equal(t, "x", tn.Name)
			return nil
		})
	})
	require.NoError(t, err)
}
