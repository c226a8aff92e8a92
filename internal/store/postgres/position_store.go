package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL. Get methods
// eagerly load the position's transactions so callers can run idempotency
// checks without extra round trips.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

var _ domain.PositionStore = (*PositionStore)(nil)

const positionSelectCols = `id, market_id, position_id, owner, is_lp, is_settled,
	base_token::text, quote_token::text,
	borrowed_base_token::text, borrowed_quote_token::text, collateral::text,
	lp_base_token::text, lp_quote_token::text,
	low_price_tick::text, high_price_tick::text,
	last_block_number, last_log_index`

func scanPositionRow(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	err := row.Scan(
		&p.ID, &p.MarketID, &p.PositionID, &p.Owner, &p.IsLP, &p.IsSettled,
		&p.BaseToken, &p.QuoteToken,
		&p.BorrowedBaseToken, &p.BorrowedQuoteToken, &p.Collateral,
		&p.LpBaseToken, &p.LpQuoteToken,
		&p.LowPriceTick, &p.HighPriceTick,
		&p.LastBlockNumber, &p.LastLogIndex,
	)
	if err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

// Upsert inserts the position or replaces all mutable fields of the existing
// row keyed by (market_id, position_id). Transactions are persisted through
// TransactionStore, not here.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, market_id, position_id, owner, is_lp, is_settled,
			base_token, quote_token,
			borrowed_base_token, borrowed_quote_token, collateral,
			lp_base_token, lp_quote_token,
			low_price_tick, high_price_tick,
			last_block_number, last_log_index,
			updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7::numeric, $8::numeric,
			$9::numeric, $10::numeric, $11::numeric,
			$12::numeric, $13::numeric,
			$14::numeric, $15::numeric,
			$16, $17,
			NOW()
		)
		ON CONFLICT (market_id, position_id) DO UPDATE SET
			owner                = EXCLUDED.owner,
			is_lp                = EXCLUDED.is_lp,
			is_settled           = EXCLUDED.is_settled,
			base_token           = EXCLUDED.base_token,
			quote_token          = EXCLUDED.quote_token,
			borrowed_base_token  = EXCLUDED.borrowed_base_token,
			borrowed_quote_token = EXCLUDED.borrowed_quote_token,
			collateral           = EXCLUDED.collateral,
			lp_base_token        = EXCLUDED.lp_base_token,
			lp_quote_token       = EXCLUDED.lp_quote_token,
			low_price_tick       = EXCLUDED.low_price_tick,
			high_price_tick      = EXCLUDED.high_price_tick,
			last_block_number    = EXCLUDED.last_block_number,
			last_log_index       = EXCLUDED.last_log_index,
			updated_at           = NOW()`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.MarketID, p.PositionID, domain.NormalizeAddress(p.Owner), p.IsLP, p.IsSettled,
		domain.NormalizeAmount(p.BaseToken), domain.NormalizeAmount(p.QuoteToken),
		domain.NormalizeAmount(p.BorrowedBaseToken), domain.NormalizeAmount(p.BorrowedQuoteToken),
		domain.NormalizeAmount(p.Collateral),
		domain.NormalizeAmount(p.LpBaseToken), domain.NormalizeAmount(p.LpQuoteToken),
		domain.NormalizeAmount(p.LowPriceTick), domain.NormalizeAmount(p.HighPriceTick),
		p.LastBlockNumber, p.LastLogIndex,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %d in market %s: %w", p.PositionID, p.MarketID, err)
	}
	return nil
}

// GetByMarketAndPositionID retrieves a position by its identity key with
// transactions loaded.
func (s *PositionStore) GetByMarketAndPositionID(ctx context.Context, marketID string, positionID int64) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE market_id = $1 AND position_id = $2`,
		marketID, positionID)

	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %d in market %s: %w", positionID, marketID, err)
	}

	if err := s.loadTransactions(ctx, &p); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

// GetByID retrieves a position by row id with transactions loaded.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	p, err := scanPositionRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}

	if err := s.loadTransactions(ctx, &p); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

// ListByMarket returns positions in a market ordered by position id.
// Transactions are not loaded for list queries.
func (s *PositionStore) ListByMarket(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE market_id = $1
		ORDER BY position_id`
	args := []any{marketID}
	argIdx := 2

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
		return nil, fmt.Errorf("postgres: list positions for market %s: %w", marketID, err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPositionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		positions = append(positions, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list positions for market %s: %w", marketID, err)
	}
	return positions, nil
}

func (s *PositionStore) loadTransactions(ctx context.Context, p *domain.Position) error {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionSelectCols+` FROM transactions t`+transactionJoins+`
		 WHERE t.position_row_id = $1
		 ORDER BY t.block_number, t.event_log_index`, p.ID)
	if err != nil {
		return fmt.Errorf("postgres: load transactions for position %s: %w", p.ID, err)
	}
	defer rows.Close()

	txs, err := scanTransactionRows(rows)
	if err != nil {
		return fmt.Errorf("postgres: scan transactions for position %s: %w", p.ID, err)
	}
	p.Transactions = txs
	return nil
}
