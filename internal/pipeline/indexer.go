// Package pipeline coordinates the indexing workers: the ingest queue, the
// gap backfill scan, and archive replay.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/epochlabs/ledgerd/internal/domain"
	"github.com/epochlabs/ledgerd/internal/reconcile"
)

// Signal bus channels bridged to websocket clients.
const (
	ChannelTransactions = "transactions"
	ChannelMarkets      = "markets"
	ChannelGaps         = "gaps"
)

// lockRetryInterval is how often a blocked indexer re-attempts a held
// per-group lock.
const lockRetryInterval = 250 * time.Millisecond

// Signal is the JSON envelope published on the signal bus after an event is
// applied.
type Signal struct {
	Event       string `json:"event"`
	ChainID     uint64 `json:"chainId"`
	Address     string `json:"address"`
	TxHash      string `json:"txHash"`
	BlockNumber uint64 `json:"blockNumber"`
	PositionID  string `json:"positionId,omitempty"`
}

// Indexer consumes batches of decoded events from the ingest queue and
// drives them through the reconciliation engine. Batches are sorted into
// event order, applied under a per-market-group distributed lock, recorded
// in the indexed-block set, published on the signal bus, and archived.
type Indexer struct {
	engine   *reconcile.Engine
	indexed  domain.IndexedBlockStore
	locks    domain.LockManager
	bus      domain.SignalBus
	archiver domain.EventArchiver
	lockTTL  time.Duration
	logger   *slog.Logger

	queue chan []domain.Event
}

// NewIndexer creates an Indexer. queueSize bounds the number of pending
// batches before Submit blocks.
func NewIndexer(
	engine *reconcile.Engine,
	indexed domain.IndexedBlockStore,
	locks domain.LockManager,
	bus domain.SignalBus,
	archiver domain.EventArchiver,
	lockTTL time.Duration,
	queueSize int,
	logger *slog.Logger,
) *Indexer {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Indexer{
		engine:   engine,
		indexed:  indexed,
		locks:    locks,
		bus:      bus,
		archiver: archiver,
		lockTTL:  lockTTL,
		logger:   logger.With(slog.String("component", "indexer")),
		queue:    make(chan []domain.Event, queueSize),
	}
}

// Submit enqueues one batch of events for indexing. It blocks when the queue
// is full and returns the context error if ctx ends first.
func (ix *Indexer) Submit(ctx context.Context, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	select {
	case ix.queue <- events:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes the ingest queue until ctx is cancelled. A failed batch is
// logged and dropped; resubmitting it later is safe because event
// application is idempotent.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.logger.Info("indexer starting", slog.Int("queue_size", cap(ix.queue)))

	for {
		select {
		case <-ctx.Done():
			ix.logger.Info("indexer stopped")
			return ctx.Err()
		case batch := <-ix.queue:
			if err := ix.ApplyBatch(ctx, batch); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				ix.logger.Error("batch failed",
					slog.Int("events", len(batch)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// ApplyBatch sorts one batch into event order, partitions it by market
// group, and applies each partition under that group's indexing lock.
func (ix *Indexer) ApplyBatch(ctx context.Context, batch []domain.Event) error {
	sort.SliceStable(batch, func(i, j int) bool {
		if batch[i].BlockNumber != batch[j].BlockNumber {
			return batch[i].BlockNumber < batch[j].BlockNumber
		}
		return batch[i].LogIndex < batch[j].LogIndex
	})

	type groupKey struct {
		chainID uint64
		address string
	}
	partitions := make(map[groupKey][]domain.Event)
	var order []groupKey
	for _, evt := range batch {
		key := groupKey{evt.ChainID, domain.NormalizeAddress(evt.MarketGroupAddress)}
		if _, seen := partitions[key]; !seen {
			order = append(order, key)
		}
		partitions[key] = append(partitions[key], evt)
	}

	for _, key := range order {
		if err := ix.applyGroup(ctx, key.chainID, key.address, partitions[key]); err != nil {
			return err
		}
	}

	if ix.archiver == nil {
		return nil
	}
	path, err := ix.archiver.ArchiveEvents(ctx, batch)
	if err != nil {
		// The ledger writes already landed; a missed archive only degrades
		// replay coverage.
		ix.logger.Warn("archive failed", slog.String("error", err.Error()))
		return nil
	}
	if path != "" {
		ix.logger.Info("batch archived", slog.String("path", path), slog.Int("events", len(batch)))
	}
	return nil
}

// applyGroup serializes with other indexers of the same market group, then
// applies the partition's events in order and records their block numbers.
func (ix *Indexer) applyGroup(ctx context.Context, chainID uint64, address string, events []domain.Event) error {
	unlock, err := ix.acquireGroupLock(ctx, chainID, address)
	if err != nil {
		return err
	}
	defer unlock()

	blockSet := make(map[uint64]struct{})
	for _, evt := range events {
		if err := ix.engine.Process(ctx, evt); err != nil {
			return fmt.Errorf("pipeline: apply %s at %d/%d: %w", evt.Name, evt.BlockNumber, evt.LogIndex, err)
		}
		blockSet[evt.BlockNumber] = struct{}{}
		ix.publish(ctx, evt)
	}

	blocks := make([]uint64, 0, len(blockSet))
	for n := range blockSet {
		blocks = append(blocks, n)
	}
	if err := ix.indexed.MarkIndexed(ctx, chainID, address, blocks); err != nil {
		return fmt.Errorf("pipeline: mark indexed %s: %w", address, err)
	}

	ix.logger.Info("events applied",
		slog.Uint64("chain_id", chainID),
		slog.String("address", address),
		slog.Int("events", len(events)),
		slog.Int("blocks", len(blocks)),
	)
	return nil
}

// acquireGroupLock retries a held lock until acquired or ctx ends.
func (ix *Indexer) acquireGroupLock(ctx context.Context, chainID uint64, address string) (func(), error) {
	key := fmt.Sprintf("index:%d:%s", chainID, address)

	ticker := time.NewTicker(lockRetryInterval)
	defer ticker.Stop()

	for {
		unlock, err := ix.locks.Acquire(ctx, key, ix.lockTTL)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("pipeline: lock %s: %w", key, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// publish emits one applied-event signal. Lifecycle events go out on the
// markets channel, position events on the transactions channel. Publish
// failures are logged and ignored; signals are advisory.
func (ix *Indexer) publish(ctx context.Context, evt domain.Event) {
	channel := ChannelTransactions
	switch evt.Name {
	case reconcile.EventMarketCreated, reconcile.EventMarketUpdated,
		reconcile.EventEpochCreated, reconcile.EventEpochSettled,
		reconcile.EventOwnershipTransferred:
		channel = ChannelMarkets
	}

	payload, err := json.Marshal(Signal{
		Event:       evt.Name,
		ChainID:     evt.ChainID,
		Address:     domain.NormalizeAddress(evt.MarketGroupAddress),
		TxHash:      evt.TransactionHash,
		BlockNumber: evt.BlockNumber,
		PositionID:  evt.ArgString("positionId", "tokenId"),
	})
	if err != nil {
		return
	}
	if err := ix.bus.Publish(ctx, channel, payload); err != nil {
		ix.logger.Warn("signal publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
