package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination for list queries.
type ListOpts struct {
	Limit  int
	Offset int
}

// MarketGroupStore persists market groups.
type MarketGroupStore interface {
	Upsert(ctx context.Context, group MarketGroup) (MarketGroup, error)
	GetByAddress(ctx context.Context, chainID uint64, address string) (MarketGroup, error)
	List(ctx context.Context, opts ListOpts) ([]MarketGroup, error)
}

// MarketStore persists markets (epochs).
type MarketStore interface {
	Upsert(ctx context.Context, market Market) (Market, error)
	GetByMarketID(ctx context.Context, marketGroupID string, marketID int64) (Market, error)
	ListByGroup(ctx context.Context, marketGroupID string) ([]Market, error)
	// FindByGroupAndPosition resolves the market under the given group whose
	// positions already contain positionID. Returns ErrNotFound when no
	// market under the group has seen the position.
	FindByGroupAndPosition(ctx context.Context, marketGroupID string, positionID int64) (Market, error)
}

// PositionStore persists positions. Get methods eagerly load the position's
// transactions with their collateral-transfer and market-price links.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	GetByMarketAndPositionID(ctx context.Context, marketID string, positionID int64) (Position, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Position, error)
	GetByID(ctx context.Context, id string) (Position, error)
}

// TransactionStore persists transactions. Insert is idempotent on the
// originating event identity (EventTxHash, EventLogIndex).
type TransactionStore interface {
	Insert(ctx context.Context, tx Transaction) error
	ListByPosition(ctx context.Context, positionRowID string, opts ListOpts) ([]Transaction, error)
}

// CollateralTransferStore persists collateral transfers keyed by transaction
// hash.
type CollateralTransferStore interface {
	GetByTransactionHash(ctx context.Context, txHash string) (CollateralTransfer, error)
	// Ensure inserts the transfer unless one already exists for its
	// transaction hash, and returns the winning row either way. Concurrent
	// callers racing on the same hash all receive the same row.
	Ensure(ctx context.Context, ct CollateralTransfer) (CollateralTransfer, error)
}

// MarketPriceStore persists trade execution prices.
type MarketPriceStore interface {
	Insert(ctx context.Context, mp MarketPrice) error
}

// IndexedBlockStore tracks which block numbers have been reconciled for a
// (chainID, address) resource. The gap detector diffs an epoch's block range
// against this set.
type IndexedBlockStore interface {
	MarkIndexed(ctx context.Context, chainID uint64, address string, blockNumbers []uint64) error
	BlockNumbersInRange(ctx context.Context, chainID uint64, address string, from, to uint64) ([]uint64, error)
}

// BlockCache memoizes block-by-number lookups so locator scans against a
// stable chain head do not repeat RPC round trips.
type BlockCache interface {
	GetBlock(ctx context.Context, chainID uint64, number uint64) (Block, error)
	SetBlock(ctx context.Context, chainID uint64, block Block) error
}

// LockManager provides distributed locks keyed by string.
type LockManager interface {
	// Acquire returns an unlock function on success and ErrLockHeld when the
	// lock is already taken.
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// SignalBus provides publish/subscribe messaging between the pipeline and
// outward-facing consumers (websocket hub).
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
