package ownership

import (
	"context"
	"database/sql"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
)

// PostgresRegistry persists ownership tokens in the tenant_tokens table.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry creates a PostgreSQL-backed registry.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

func (p *PostgresRegistry) Mint(ctx context.Context, id uint64, to common.Address) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO tenant_tokens (token_id, owner) VALUES ($1, $2)`, id, to.Hex())
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrAlreadyMinted
		}
		return err
	}
	return nil
}

func (p *PostgresRegistry) Burn(ctx context.Context, id uint64) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM tenant_tokens WHERE token_id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (p *PostgresRegistry) OwnerOf(ctx context.Context, id uint64) (common.Address, error) {
	var owner string
	err := p.db.QueryRowContext(ctx,
		`SELECT owner FROM tenant_tokens WHERE token_id = $1`, id).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Address{}, ErrNotMinted
	}
	if err != nil {
		return common.Address{}, err
	}
	return common.HexToAddress(owner), nil
}

func (p *PostgresRegistry) BalanceOf(ctx context.Context, owner common.Address) (uint64, error) {
	var n uint64
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tenant_tokens WHERE owner = $1`, owner.Hex()).Scan(&n)
	return n, err
}

func (p *PostgresRegistry) TokensOf(ctx context.Context, owner common.Address) ([]uint64, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT token_id FROM tenant_tokens WHERE owner = $1 ORDER BY token_id`, owner.Hex())
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresRegistry) Transfer(ctx context.Context, from, to common.Address, id uint64) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE tenant_tokens SET owner = $1 WHERE token_id = $2 AND owner = $3`,
		to.Hex(), id, from.Hex())
	if err != nil {
		return err
	}
	if err := expectOne(res); err != nil {
		if _, ownerErr := p.OwnerOf(ctx, id); ownerErr != nil {
			return ownerErr
		}
		return ErrNotTokenOwner
	}
	return nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotMinted
	}
	return nil
}

var _ Registry = (*PostgresRegistry)(nil)
