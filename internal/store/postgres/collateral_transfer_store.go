package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// CollateralTransferStore implements domain.CollateralTransferStore using PostgreSQL.
type CollateralTransferStore struct {
	pool *pgxpool.Pool
}

// NewCollateralTransferStore creates a new CollateralTransferStore backed by the given connection pool.
func NewCollateralTransferStore(pool *pgxpool.Pool) *CollateralTransferStore {
	return &CollateralTransferStore{pool: pool}
}

var _ domain.CollateralTransferStore = (*CollateralTransferStore)(nil)

const collateralTransferSelectCols = `id, transaction_hash, event_timestamp, owner, collateral::text`

func scanCollateralTransferRow(row pgx.Row) (domain.CollateralTransfer, error) {
	var ct domain.CollateralTransfer
	err := row.Scan(&ct.ID, &ct.TransactionHash, &ct.Timestamp, &ct.Owner, &ct.Collateral)
	if err != nil {
		return domain.CollateralTransfer{}, err
	}
	return ct, nil
}

// GetByTransactionHash retrieves a transfer by its de-duplication key.
func (s *CollateralTransferStore) GetByTransactionHash(ctx context.Context, txHash string) (domain.CollateralTransfer, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+collateralTransferSelectCols+` FROM collateral_transfers
		 WHERE transaction_hash = $1`, txHash)

	ct, err := scanCollateralTransferRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.CollateralTransfer{}, domain.ErrNotFound
		}
		return domain.CollateralTransfer{}, fmt.Errorf("postgres: get collateral transfer %s: %w", txHash, err)
	}
	return ct, nil
}

// Ensure inserts the transfer unless a row already exists for its transaction
// hash, then returns the winning row. Concurrent callers racing on the same
// hash all converge on one row.
func (s *CollateralTransferStore) Ensure(ctx context.Context, ct domain.CollateralTransfer) (domain.CollateralTransfer, error) {
	const insert = `
		INSERT INTO collateral_transfers (id, transaction_hash, event_timestamp, owner, collateral)
		VALUES ($1, $2, $3, $4, $5::numeric)
		ON CONFLICT (transaction_hash) DO NOTHING`

	_, err := s.pool.Exec(ctx, insert,
		ct.ID, ct.TransactionHash, ct.Timestamp,
		domain.NormalizeAddress(ct.Owner), domain.NormalizeAmount(ct.Collateral),
	)
	if err != nil {
		return domain.CollateralTransfer{}, fmt.Errorf("postgres: ensure collateral transfer %s: %w", ct.TransactionHash, err)
	}

	return s.GetByTransactionHash(ctx, ct.TransactionHash)
}
