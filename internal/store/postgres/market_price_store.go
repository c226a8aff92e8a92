package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// MarketPriceStore implements domain.MarketPriceStore using PostgreSQL.
type MarketPriceStore struct {
	pool *pgxpool.Pool
}

// NewMarketPriceStore creates a new MarketPriceStore backed by the given connection pool.
func NewMarketPriceStore(pool *pgxpool.Pool) *MarketPriceStore {
	return &MarketPriceStore{pool: pool}
}

var _ domain.MarketPriceStore = (*MarketPriceStore)(nil)

// Insert records one trade execution price.
func (s *MarketPriceStore) Insert(ctx context.Context, mp domain.MarketPrice) error {
	const query = `
		INSERT INTO market_prices (id, event_timestamp, value)
		VALUES ($1, $2, $3::numeric)`

	_, err := s.pool.Exec(ctx, query, mp.ID, mp.Timestamp, domain.NormalizeAmount(mp.Value))
	if err != nil {
		return fmt.Errorf("postgres: insert market price %s: %w", mp.ID, err)
	}
	return nil
}
