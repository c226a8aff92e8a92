package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// IndexedBlockStore implements domain.IndexedBlockStore using PostgreSQL.
type IndexedBlockStore struct {
	pool *pgxpool.Pool
}

// NewIndexedBlockStore creates a new IndexedBlockStore backed by the given connection pool.
func NewIndexedBlockStore(pool *pgxpool.Pool) *IndexedBlockStore {
	return &IndexedBlockStore{pool: pool}
}

var _ domain.IndexedBlockStore = (*IndexedBlockStore)(nil)

// MarkIndexed records block numbers as reconciled for a (chainID, address)
// resource. Re-marking an already recorded block is a no-op.
func (s *IndexedBlockStore) MarkIndexed(ctx context.Context, chainID uint64, address string, blockNumbers []uint64) error {
	if len(blockNumbers) == 0 {
		return nil
	}

	address = domain.NormalizeAddress(address)

	batch := &pgx.Batch{}
	const query = `
		INSERT INTO indexed_blocks (chain_id, address, block_number)
		VALUES ($1, $2, $3)
		ON CONFLICT (chain_id, address, block_number) DO NOTHING`
	for _, n := range blockNumbers {
		batch.Queue(query, chainID, address, n)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range blockNumbers {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres: mark indexed blocks for %s: %w", address, err)
		}
	}
	return nil
}

// BlockNumbersInRange returns the recorded block numbers within [from, to],
// ascending.
func (s *IndexedBlockStore) BlockNumbersInRange(ctx context.Context, chainID uint64, address string, from, to uint64) ([]uint64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT block_number FROM indexed_blocks
		 WHERE chain_id = $1 AND address = $2 AND block_number BETWEEN $3 AND $4
		 ORDER BY block_number`,
		chainID, domain.NormalizeAddress(address), from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: indexed blocks in range for %s: %w", address, err)
	}
	defer rows.Close()

	var numbers []uint64
	for rows.Next() {
		var n uint64
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("postgres: scan indexed block: %w", err)
		}
		numbers = append(numbers, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: indexed blocks in range for %s: %w", address, err)
	}
	return numbers, nil
}
