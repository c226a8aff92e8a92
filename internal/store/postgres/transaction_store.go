package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// TransactionStore implements domain.TransactionStore using PostgreSQL.
type TransactionStore struct {
	pool *pgxpool.Pool
}

// NewTransactionStore creates a new TransactionStore backed by the given connection pool.
func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

var _ domain.TransactionStore = (*TransactionStore)(nil)

// Transactions are always read joined with their optional collateral-transfer
// and market-price links.
const transactionSelectCols = `t.id, t.position_row_id, t.type,
	t.event_tx_hash, t.event_log_index, t.block_number, t.event_timestamp,
	t.base_token::text, t.quote_token::text,
	t.borrowed_base_token::text, t.borrowed_quote_token::text,
	t.collateral::text, t.trade_ratio_d18::text,
	t.lp_base_delta_token::text, t.lp_quote_delta_token::text,
	ct.id, ct.transaction_hash, ct.event_timestamp, ct.owner, ct.collateral::text,
	mp.id, mp.event_timestamp, mp.value::text`

const transactionJoins = `
	LEFT JOIN collateral_transfers ct ON ct.id = t.collateral_transfer_id
	LEFT JOIN market_prices mp ON mp.id = t.market_price_id`

func scanTransactionRow(row pgx.Row) (domain.Transaction, error) {
	var tx domain.Transaction
	var txType string
	var ctID, ctHash, ctOwner, ctCollateral *string
	var ctTimestamp *int64
	var mpID, mpValue *string
	var mpTimestamp *int64

	err := row.Scan(
		&tx.ID, &tx.PositionRowID, &txType,
		&tx.EventTxHash, &tx.EventLogIndex, &tx.BlockNumber, &tx.Timestamp,
		&tx.BaseToken, &tx.QuoteToken,
		&tx.BorrowedBaseToken, &tx.BorrowedQuoteToken,
		&tx.Collateral, &tx.TradeRatioD18,
		&tx.LpBaseDeltaToken, &tx.LpQuoteDeltaToken,
		&ctID, &ctHash, &ctTimestamp, &ctOwner, &ctCollateral,
		&mpID, &mpTimestamp, &mpValue,
	)
	if err != nil {
		return domain.Transaction{}, err
	}
	tx.Type = domain.TransactionType(txType)
	if ctID != nil {
		tx.CollateralTransfer = &domain.CollateralTransfer{
			ID:              *ctID,
			TransactionHash: *ctHash,
			Timestamp:       *ctTimestamp,
			Owner:           *ctOwner,
			Collateral:      *ctCollateral,
		}
	}
	if mpID != nil {
		tx.MarketPrice = &domain.MarketPrice{
			ID:        *mpID,
			Timestamp: *mpTimestamp,
			Value:     *mpValue,
		}
	}
	return tx, nil
}

// Insert records a transaction. Idempotent on the originating event identity:
// inserting a transaction for an already-recorded (event_tx_hash,
// event_log_index) pair is a no-op.
func (s *TransactionStore) Insert(ctx context.Context, tx domain.Transaction) error {
	const query = `
		INSERT INTO transactions (
			id, position_row_id, type,
			event_tx_hash, event_log_index, block_number, event_timestamp,
			base_token, quote_token,
			borrowed_base_token, borrowed_quote_token,
			collateral, trade_ratio_d18,
			lp_base_delta_token, lp_quote_delta_token,
			collateral_transfer_id, market_price_id
		) VALUES (
			$1, $2, $3,
			$4, $5, $6, $7,
			$8::numeric, $9::numeric,
			$10::numeric, $11::numeric,
			$12::numeric, $13::numeric,
			$14::numeric, $15::numeric,
			$16, $17
		)
		ON CONFLICT (event_tx_hash, event_log_index) DO NOTHING`

	var ctID, mpID *string
	if tx.CollateralTransfer != nil {
		ctID = &tx.CollateralTransfer.ID
	}
	if tx.MarketPrice != nil {
		mpID = &tx.MarketPrice.ID
	}

	_, err := s.pool.Exec(ctx, query,
		tx.ID, tx.PositionRowID, string(tx.Type),
		tx.EventTxHash, tx.EventLogIndex, tx.BlockNumber, tx.Timestamp,
		domain.NormalizeAmount(tx.BaseToken), domain.NormalizeAmount(tx.QuoteToken),
		domain.NormalizeAmount(tx.BorrowedBaseToken), domain.NormalizeAmount(tx.BorrowedQuoteToken),
		domain.NormalizeAmount(tx.Collateral), domain.NormalizeAmount(tx.TradeRatioD18),
		domain.NormalizeAmount(tx.LpBaseDeltaToken), domain.NormalizeAmount(tx.LpQuoteDeltaToken),
		ctID, mpID,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert transaction %s: %w", tx.ID, err)
	}
	return nil
}

// ListByPosition returns a position's transactions in event order.
func (s *TransactionStore) ListByPosition(ctx context.Context, positionRowID string, opts domain.ListOpts) ([]domain.Transaction, error) {
	query := `SELECT ` + transactionSelectCols + ` FROM transactions t` + transactionJoins + `
		WHERE t.position_row_id = $1
		ORDER BY t.block_number, t.event_log_index`
	args := []any{positionRowID}
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
		return nil, fmt.Errorf("postgres: list transactions for position %s: %w", positionRowID, err)
	}
	defer rows.Close()

	txs, err := scanTransactionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan transactions for position %s: %w", positionRowID, err)
	}
	return txs, nil
}

func scanTransactionRows(rows pgx.Rows) ([]domain.Transaction, error) {
	var txs []domain.Transaction
	for rows.Next() {
		tx, err := scanTransactionRow(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
