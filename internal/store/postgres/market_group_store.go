package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// MarketGroupStore implements domain.MarketGroupStore using PostgreSQL.
type MarketGroupStore struct {
	pool *pgxpool.Pool
}

// NewMarketGroupStore creates a new MarketGroupStore backed by the given connection pool.
func NewMarketGroupStore(pool *pgxpool.Pool) *MarketGroupStore {
	return &MarketGroupStore{pool: pool}
}

var _ domain.MarketGroupStore = (*MarketGroupStore)(nil)

// Numeric columns are selected as text so 256-bit values survive the round
// trip without float conversion.
const marketGroupSelectCols = `id, chain_id, address, owner,
	collateral_asset, collateral_decimals, collateral_symbol,
	fee_rate::text, assertion_liveness::text, bond_amount::text,
	bond_currency, optimistic_oracle, uniswap_router, is_public`

func scanMarketGroupRow(row pgx.Row) (domain.MarketGroup, error) {
	var g domain.MarketGroup
	err := row.Scan(
		&g.ID, &g.ChainID, &g.Address, &g.Owner,
		&g.CollateralAsset, &g.CollateralDecimals, &g.CollateralSymbol,
		&g.Params.FeeRate, &g.Params.AssertionLiveness, &g.Params.BondAmount,
		&g.Params.BondCurrency, &g.Params.OptimisticOracle, &g.Params.UniswapRouter,
		&g.IsPublic,
	)
	if err != nil {
		return domain.MarketGroup{}, err
	}
	return g, nil
}

// Upsert inserts the group or replaces all mutable fields of the existing row
// keyed by (chain_id, address). Returns the stored row.
func (s *MarketGroupStore) Upsert(ctx context.Context, g domain.MarketGroup) (domain.MarketGroup, error) {
	const query = `
		INSERT INTO market_groups (
			id, chain_id, address, owner,
			collateral_asset, collateral_decimals, collateral_symbol,
			fee_rate, assertion_liveness, bond_amount,
			bond_currency, optimistic_oracle, uniswap_router, is_public,
			updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8::numeric, $9::numeric, $10::numeric,
			$11, $12, $13, $14,
			NOW()
		)
		ON CONFLICT (chain_id, address) DO UPDATE SET
			owner               = EXCLUDED.owner,
			collateral_asset    = EXCLUDED.collateral_asset,
			collateral_decimals = EXCLUDED.collateral_decimals,
			collateral_symbol   = EXCLUDED.collateral_symbol,
			fee_rate            = EXCLUDED.fee_rate,
			assertion_liveness  = EXCLUDED.assertion_liveness,
			bond_amount         = EXCLUDED.bond_amount,
			bond_currency       = EXCLUDED.bond_currency,
			optimistic_oracle   = EXCLUDED.optimistic_oracle,
			uniswap_router      = EXCLUDED.uniswap_router,
			is_public           = EXCLUDED.is_public,
			updated_at          = NOW()
		RETURNING ` + marketGroupSelectCols

	row := s.pool.QueryRow(ctx, query,
		g.ID, g.ChainID, domain.NormalizeAddress(g.Address), g.Owner,
		g.CollateralAsset, g.CollateralDecimals, g.CollateralSymbol,
		domain.NormalizeAmount(g.Params.FeeRate),
		domain.NormalizeAmount(g.Params.AssertionLiveness),
		domain.NormalizeAmount(g.Params.BondAmount),
		g.Params.BondCurrency, g.Params.OptimisticOracle, g.Params.UniswapRouter,
		g.IsPublic,
	)

	stored, err := scanMarketGroupRow(row)
	if err != nil {
		return domain.MarketGroup{}, fmt.Errorf("postgres: upsert market group %s: %w", g.Address, err)
	}
	return stored, nil
}

// GetByAddress retrieves a market group by its identity key.
func (s *MarketGroupStore) GetByAddress(ctx context.Context, chainID uint64, address string) (domain.MarketGroup, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketGroupSelectCols+` FROM market_groups
		 WHERE chain_id = $1 AND address = $2`,
		chainID, domain.NormalizeAddress(address))

	g, err := scanMarketGroupRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.MarketGroup{}, domain.ErrNotFound
		}
		return domain.MarketGroup{}, fmt.Errorf("postgres: get market group %s: %w", address, err)
	}
	return g, nil
}

// List returns market groups ordered by chain and address.
func (s *MarketGroupStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.MarketGroup, error) {
	query := `SELECT ` + marketGroupSelectCols + ` FROM market_groups ORDER BY chain_id, address`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list market groups: %w", err)
	}
	defer rows.Close()

	var groups []domain.MarketGroup
	for rows.Next() {
		g, err := scanMarketGroupRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market group: %w", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list market groups: %w", err)
	}
	return groups, nil
}
