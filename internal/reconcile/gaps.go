package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/epochlabs/ledgerd/internal/chain"
	"github.com/epochlabs/ledgerd/internal/domain"
)

// GapDetector computes the block-number range of an epoch and diffs it
// against the already-indexed block set to report missing blocks for
// backfill. Errors are reported, not retried; retry policy belongs to the
// caller.
type GapDetector struct {
	groups  domain.MarketGroupStore
	markets domain.MarketStore
	indexed domain.IndexedBlockStore
	locator *chain.Locator
	now     func() time.Time
}

// NewGapDetector creates a GapDetector.
func NewGapDetector(
	groups domain.MarketGroupStore,
	markets domain.MarketStore,
	indexed domain.IndexedBlockStore,
	locator *chain.Locator,
) *GapDetector {
	return &GapDetector{
		groups:  groups,
		markets: markets,
		indexed: indexed,
		locator: locator,
		now:     time.Now,
	}
}

// MissingBlocks returns, in ascending order, every block number within the
// epoch's [startBlock, endBlock] range that has not been indexed for the
// market group's (chainID, address) resource. The range is bounded by the
// epoch's timestamps, clamped to the present.
func (g *GapDetector) MissingBlocks(ctx context.Context, chainID uint64, address string, marketID int64) ([]uint64, error) {
	group, err := g.groups.GetByAddress(ctx, chainID, domain.NormalizeAddress(address))
	if err != nil {
		return nil, fmt.Errorf("gaps: market group %s (chain %d): %w", address, chainID, err)
	}
	market, err := g.markets.GetByMarketID(ctx, group.ID, marketID)
	if err != nil {
		return nil, fmt.Errorf("gaps: market %d in group %s: %w", marketID, group.Address, err)
	}

	endTs := market.EndTimestamp
	if now := g.now().Unix(); endTs == 0 || endTs > now {
		endTs = now
	}
	if market.StartTimestamp > endTs {
		return nil, nil
	}

	startBlock, err := g.locator.BlockAtOrAfter(ctx, uint64(market.StartTimestamp))
	if err != nil {
		return nil, fmt.Errorf("gaps: locate start block: %w", err)
	}
	endBlock, err := g.locator.BlockBeforeOrAt(ctx, uint64(endTs))
	if err != nil {
		return nil, fmt.Errorf("gaps: locate end block: %w", err)
	}
	if endBlock.Number < startBlock.Number {
		return nil, nil
	}

	seen, err := g.indexed.BlockNumbersInRange(ctx, group.ChainID, group.Address, startBlock.Number, endBlock.Number)
	if err != nil {
		return nil, fmt.Errorf("gaps: indexed blocks: %w", err)
	}

	seenSet := make(map[uint64]struct{}, len(seen))
	for _, n := range seen {
		seenSet[n] = struct{}{}
	}

	var missing []uint64
	for n := startBlock.Number; n <= endBlock.Number; n++ {
		if _, ok := seenSet[n]; !ok {
			missing = append(missing, n)
		}
	}
	return missing, nil
}
