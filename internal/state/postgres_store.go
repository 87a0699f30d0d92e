package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PostgresStore persists the arena in PostgreSQL. Amounts are NUMERIC(78,0)
// so any uint256 fits; addresses are stored in checksummed hex.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Read(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	return fn(&pgTx{tx: tx, readOnly: true})
}

func (p *PostgresStore) ListDue(ctx context.Context, now int64, after *Due, limit int) ([]Due, error) {
	if limit <= 0 {
		limit = 1000
	}
	args := []any{now, limit}
	cursor := ""
	if after != nil {
		cursor = `AND (s.period_end, s.tenant_id, s.user_address COLLATE "C") > ($3, $4, $5)`
		args = append(args, after.PeriodEnd, int64(after.TenantID), after.User.Hex())
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT s.tenant_id, s.user_address, s.tier_id, s.period_end
		FROM subscriptions s
		JOIN tenants t ON t.id = s.tenant_id
		JOIN tiers r ON r.tenant_id = s.tenant_id AND r.id = s.tier_id
		WHERE s.tier_id > 0 AND s.period_end <= $1
		  AND t.deleted = FALSE AND r.price > 0
		  `+cursor+`
		ORDER BY s.period_end, s.tenant_id, s.user_address COLLATE "C"
		LIMIT $2`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var due []Due
	for rows.Next() {
		var (
			d    Due
			user string
		)
		if err := rows.Scan(&d.TenantID, &user, &d.TierID, &d.PeriodEnd); err != nil {
			return nil, err
		}
		d.User = common.HexToAddress(user)
		due = append(due, d)
	}
	return due, rows.Err()
}

type pgTx struct {
	tx       *sql.Tx
	readOnly bool
}

var errReadOnly = errors.New("state: write in read-only view")

func (t *pgTx) Platform(ctx context.Context) (*Platform, error) {
	p := &Platform{}
	var treasury, relayer, delegate, owner, pending string
	err := t.tx.QueryRowContext(ctx, `
		SELECT tax_rate_bps, treasury, relayer, security_delegate, period_seconds, last_tenant_id, initialized,
			owner, pending_owner
		FROM platform WHERE id = 1`).Scan(&p.TaxRateBPS, &treasury, &relayer, &delegate,
		&p.PeriodSeconds, &p.LastTenantID, &p.Initialized, &owner, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}
	p.Treasury = common.HexToAddress(treasury)
	p.Relayer = common.HexToAddress(relayer)
	p.SecurityDelegate = common.HexToAddress(delegate)
	p.Owner = common.HexToAddress(owner)
	p.PendingOwner = common.HexToAddress(pending)
	return p, nil
}

func (t *pgTx) PutPlatform(ctx context.Context, p *Platform) error {
	if t.readOnly {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO platform (id, tax_rate_bps, treasury, relayer, security_delegate, period_seconds, last_tenant_id, initialized,
			owner, pending_owner)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			tax_rate_bps = EXCLUDED.tax_rate_bps,
			treasury = EXCLUDED.treasury,
			relayer = EXCLUDED.relayer,
			security_delegate = EXCLUDED.security_delegate,
			period_seconds = EXCLUDED.period_seconds,
			last_tenant_id = EXCLUDED.last_tenant_id,
			initialized = EXCLUDED.initialized,
			owner = EXCLUDED.owner,
			pending_owner = EXCLUDED.pending_owner`,
		p.TaxRateBPS, p.Treasury.Hex(), p.Relayer.Hex(), p.SecurityDelegate.Hex(),
		p.PeriodSeconds, p.LastTenantID, p.Initialized, p.Owner.Hex(), p.PendingOwner.Hex())
	return err
}

func (t *pgTx) Tenant(ctx context.Context, id uint64) (*Tenant, error) {
	v := &Tenant{}
	var token, payout string
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, name, token, payout_receiver, referral_rate_bps, deleted, created_at
		FROM tenants WHERE id = $1`, id).Scan(&v.ID, &v.Name, &token, &payout,
		&v.ReferralRateBPS, &v.Deleted, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTenantNotFound
	}
	if err != nil {
		return nil, err
	}
	v.Token = common.HexToAddress(token)
	v.PayoutReceiver = common.HexToAddress(payout)
	return v, nil
}

func (t *pgTx) PutTenant(ctx context.Context, v *Tenant) error {
	if t.readOnly {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tenants (id, name, token, payout_receiver, referral_rate_bps, deleted, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			token = EXCLUDED.token,
			payout_receiver = EXCLUDED.payout_receiver,
			referral_rate_bps = EXCLUDED.referral_rate_bps,
			deleted = EXCLUDED.deleted`,
		v.ID, v.Name, v.Token.Hex(), v.PayoutReceiver.Hex(), v.ReferralRateBPS, v.Deleted, v.CreatedAt)
	return err
}

func (t *pgTx) Tiers(ctx context.Context, tenantID uint64) ([]*Tier, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, price::TEXT, name, active FROM tiers
		WHERE tenant_id = $1 ORDER BY id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tiers []*Tier
	for rows.Next() {
		v := &Tier{TenantID: tenantID}
		var price string
		if err := rows.Scan(&v.ID, &price, &v.Name, &v.Active); err != nil {
			return nil, err
		}
		if v.Price, err = parseAmount(price); err != nil {
			return nil, err
		}
		tiers = append(tiers, v)
	}
	return tiers, rows.Err()
}

func (t *pgTx) PutTier(ctx context.Context, v *Tier) error {
	if t.readOnly {
		return errReadOnly
	}
	var count uint64
	if err := t.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tiers WHERE tenant_id = $1`, v.TenantID).Scan(&count); err != nil {
		return err
	}
	price := cloneInt(v.Price).String()
	switch {
	case v.ID >= 1 && v.ID <= count:
		_, err := t.tx.ExecContext(ctx, `
			UPDATE tiers SET price = $1::NUMERIC, name = $2, active = $3
			WHERE tenant_id = $4 AND id = $5`, price, v.Name, v.Active, v.TenantID, v.ID)
		return err
	case v.ID == count+1:
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO tiers (tenant_id, id, price, name, active)
			VALUES ($1, $2, $3::NUMERIC, $4, $5)`, v.TenantID, v.ID, price, v.Name, v.Active)
		return err
	default:
		return ErrWrongSubType
	}
}

func (t *pgTx) Subscription(ctx context.Context, tenantID uint64, user common.Address) (*Subscription, error) {
	v := &Subscription{TenantID: tenantID, User: user}
	var ceiling string
	err := t.tx.QueryRowContext(ctx, `
		SELECT tier_id, period_end, ceiling::TEXT, nonce FROM subscriptions
		WHERE tenant_id = $1 AND user_address = $2`, tenantID, user.Hex()).Scan(
		&v.TierID, &v.PeriodEnd, &ceiling, &v.Nonce)
	if errors.Is(err, sql.ErrNoRows) {
		v.Ceiling = new(big.Int)
		return v, nil
	}
	if err != nil {
		return nil, err
	}
	if v.Ceiling, err = parseAmount(ceiling); err != nil {
		return nil, err
	}
	return v, nil
}

func (t *pgTx) PutSubscription(ctx context.Context, v *Subscription) error {
	if t.readOnly {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO subscriptions (tenant_id, user_address, tier_id, period_end, ceiling, nonce)
		VALUES ($1, $2, $3, $4, $5::NUMERIC, $6)
		ON CONFLICT (tenant_id, user_address) DO UPDATE SET
			tier_id = EXCLUDED.tier_id,
			period_end = EXCLUDED.period_end,
			ceiling = EXCLUDED.ceiling,
			nonce = EXCLUDED.nonce`,
		v.TenantID, v.User.Hex(), v.TierID, v.PeriodEnd, cloneInt(v.Ceiling).String(), v.Nonce)
	return err
}

func (t *pgTx) Referral(ctx context.Context, tenantID uint64, referrer common.Address) (*Referral, error) {
	v := &Referral{TenantID: tenantID, Referrer: referrer}
	err := t.tx.QueryRowContext(ctx, `
		SELECT expiry, tier_scope FROM referrals
		WHERE tenant_id = $1 AND referrer = $2`, tenantID, referrer.Hex()).Scan(&v.Expiry, &v.TierScope)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrReferralNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (t *pgTx) PutReferral(ctx context.Context, v *Referral) error {
	if t.readOnly {
		return errReadOnly
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO referrals (tenant_id, referrer, expiry, tier_scope)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, referrer) DO UPDATE SET
			expiry = EXCLUDED.expiry,
			tier_scope = EXCLUDED.tier_scope`,
		v.TenantID, v.Referrer.Hex(), v.Expiry, v.TierScope)
	return err
}

func parseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("state: bad amount %q", s)
	}
	return v, nil
}

var _ Store = (*PostgresStore)(nil)
