package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// MarketStore implements domain.MarketStore using PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a new MarketStore backed by the given connection pool.
func NewMarketStore(pool *pgxpool.Pool) *MarketStore {
	return &MarketStore{pool: pool}
}

var _ domain.MarketStore = (*MarketStore)(nil)

const marketSelectCols = `id, market_group_id, market_id,
	start_timestamp, end_timestamp,
	settled, settlement_price_d18::text,
	min_price_d18::text, max_price_d18::text, min_price_tick, max_price_tick,
	pool_address,
	fee_rate::text, assertion_liveness::text, bond_amount::text,
	bond_currency, optimistic_oracle, uniswap_router`

func scanMarketRow(row pgx.Row) (domain.Market, error) {
	var m domain.Market
	err := row.Scan(
		&m.ID, &m.MarketGroupID, &m.MarketID,
		&m.StartTimestamp, &m.EndTimestamp,
		&m.Settled, &m.SettlementPriceD18,
		&m.MinPriceD18, &m.MaxPriceD18, &m.MinPriceTick, &m.MaxPriceTick,
		&m.PoolAddress,
		&m.Params.FeeRate, &m.Params.AssertionLiveness, &m.Params.BondAmount,
		&m.Params.BondCurrency, &m.Params.OptimisticOracle, &m.Params.UniswapRouter,
	)
	if err != nil {
		return domain.Market{}, err
	}
	return m, nil
}

// Upsert inserts the market or replaces all mutable fields of the existing
// row keyed by (market_group_id, market_id). Returns the stored row.
func (s *MarketStore) Upsert(ctx context.Context, m domain.Market) (domain.Market, error) {
	const query = `
		INSERT INTO markets (
			id, market_group_id, market_id,
			start_timestamp, end_timestamp,
			settled, settlement_price_d18,
			min_price_d18, max_price_d18, min_price_tick, max_price_tick,
			pool_address,
			fee_rate, assertion_liveness, bond_amount,
			bond_currency, optimistic_oracle, uniswap_router,
			updated_at
		) VALUES (
			$1, $2, $3,
			$4, $5,
			$6, $7::numeric,
			$8::numeric, $9::numeric, $10, $11,
			$12,
			$13::numeric, $14::numeric, $15::numeric,
			$16, $17, $18,
			NOW()
		)
		ON CONFLICT (market_group_id, market_id) DO UPDATE SET
			start_timestamp      = EXCLUDED.start_timestamp,
			end_timestamp        = EXCLUDED.end_timestamp,
			settled              = EXCLUDED.settled,
			settlement_price_d18 = EXCLUDED.settlement_price_d18,
			min_price_d18        = EXCLUDED.min_price_d18,
			max_price_d18        = EXCLUDED.max_price_d18,
			min_price_tick       = EXCLUDED.min_price_tick,
			max_price_tick       = EXCLUDED.max_price_tick,
			pool_address         = EXCLUDED.pool_address,
			fee_rate             = EXCLUDED.fee_rate,
			assertion_liveness   = EXCLUDED.assertion_liveness,
			bond_amount          = EXCLUDED.bond_amount,
			bond_currency        = EXCLUDED.bond_currency,
			optimistic_oracle    = EXCLUDED.optimistic_oracle,
			uniswap_router       = EXCLUDED.uniswap_router,
			updated_at           = NOW()
		RETURNING ` + marketSelectCols

	row := s.pool.QueryRow(ctx, query,
		m.ID, m.MarketGroupID, m.MarketID,
		m.StartTimestamp, m.EndTimestamp,
		m.Settled, domain.NormalizeAmount(m.SettlementPriceD18),
		domain.NormalizeAmount(m.MinPriceD18), domain.NormalizeAmount(m.MaxPriceD18),
		m.MinPriceTick, m.MaxPriceTick,
		m.PoolAddress,
		domain.NormalizeAmount(m.Params.FeeRate),
		domain.NormalizeAmount(m.Params.AssertionLiveness),
		domain.NormalizeAmount(m.Params.BondAmount),
		m.Params.BondCurrency, m.Params.OptimisticOracle, m.Params.UniswapRouter,
	)

	stored, err := scanMarketRow(row)
	if err != nil {
		return domain.Market{}, fmt.Errorf("postgres: upsert market %d in group %s: %w", m.MarketID, m.MarketGroupID, err)
	}
	return stored, nil
}

// GetByMarketID retrieves a market by its identity key.
func (s *MarketStore) GetByMarketID(ctx context.Context, marketGroupID string, marketID int64) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM markets
		 WHERE market_group_id = $1 AND market_id = $2`,
		marketGroupID, marketID)

	m, err := scanMarketRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: get market %d in group %s: %w", marketID, marketGroupID, err)
	}
	return m, nil
}

// ListByGroup returns all markets under a group ordered by epoch number.
func (s *MarketStore) ListByGroup(ctx context.Context, marketGroupID string) ([]domain.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketSelectCols+` FROM markets
		 WHERE market_group_id = $1
		 ORDER BY market_id`, marketGroupID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets for group %s: %w", marketGroupID, err)
	}
	defer rows.Close()

	var markets []domain.Market
	for rows.Next() {
		m, err := scanMarketRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		markets = append(markets, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets for group %s: %w", marketGroupID, err)
	}
	return markets, nil
}

// FindByGroupAndPosition resolves the market under a group whose positions
// already contain the given on-chain position id. Ordered DESC so the most
// recent epoch wins if a position id somehow appears in more than one.
func (s *MarketStore) FindByGroupAndPosition(ctx context.Context, marketGroupID string, positionID int64) (domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+marketSelectCols+` FROM markets m
		 WHERE m.market_group_id = $1
		   AND EXISTS (
			SELECT 1 FROM positions p
			WHERE p.market_id = m.id AND p.position_id = $2
		   )
		 ORDER BY m.market_id DESC
		 LIMIT 1`,
		marketGroupID, positionID)

	m, err := scanMarketRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("postgres: find market for position %d in group %s: %w", positionID, marketGroupID, err)
	}
	return m, nil
}
