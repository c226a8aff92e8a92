package chain

import (
	"context"
	"fmt"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// Locator finds the chain block that most tightly bounds a target Unix
// timestamp, via binary search over block numbers. Each call costs O(log N)
// block fetches against the reader; wrap the reader with NewCachingReader
// when scanning many windows against a stable head.
type Locator struct {
	chain BlockReader
}

// NewLocator creates a Locator over the given reader.
func NewLocator(chain BlockReader) *Locator {
	return &Locator{chain: chain}
}

// BlockAtOrAfter returns the earliest block whose timestamp is >= ts.
// When ts is beyond the chain head, the current head is re-fetched and
// returned; the target is in the future and the head is the tightest
// available bound.
func (l *Locator) BlockAtOrAfter(ctx context.Context, ts uint64) (domain.Block, error) {
	latest, err := l.chain.BlockNumber(ctx)
	if err != nil {
		return domain.Block{}, fmt.Errorf("locator: latest block: %w", err)
	}

	var best *domain.Block
	lo, hi := uint64(0), latest
	for lo <= hi {
		mid := lo + (hi-lo)/2
		b, err := l.chain.BlockByNumber(ctx, mid)
		if err != nil {
			return domain.Block{}, fmt.Errorf("locator: block %d: %w", mid, err)
		}
		if b.Timestamp >= ts {
			best = &b
			if mid == 0 {
				break
			}
			hi = mid - 1
		} else {
			lo = mid + 1
		}
	}

	if best == nil {
		// Every block up to the head precedes ts. Re-fetch the head: the
		// chain may have advanced since the search started.
		head, err := l.chain.BlockNumber(ctx)
		if err != nil {
			return domain.Block{}, fmt.Errorf("locator: refetch latest: %w", err)
		}
		return l.chain.BlockByNumber(ctx, head)
	}
	if best.Timestamp < ts {
		// Boundary candidate fell short; the immediate next block is the
		// tight bound.
		return l.chain.BlockByNumber(ctx, best.Number+1)
	}
	return *best, nil
}

// BlockBeforeOrAt returns the latest block whose timestamp is <= ts. It
// returns domain.ErrNoBlock when even the genesis block is after ts.
func (l *Locator) BlockBeforeOrAt(ctx context.Context, ts uint64) (domain.Block, error) {
	latest, err := l.chain.BlockNumber(ctx)
	if err != nil {
		return domain.Block{}, fmt.Errorf("locator: latest block: %w", err)
	}

	var best *domain.Block
	lo, hi := uint64(0), latest
	for lo <= hi {
		mid := lo + (hi-lo)/2
		b, err := l.chain.BlockByNumber(ctx, mid)
		if err != nil {
			return domain.Block{}, fmt.Errorf("locator: block %d: %w", mid, err)
		}
		if b.Timestamp <= ts {
			best = &b
			lo = mid + 1
		} else {
			if mid == 0 {
				break
			}
			hi = mid - 1
		}
	}

	if best == nil {
		return domain.Block{}, fmt.Errorf("locator: timestamp %d precedes genesis: %w", ts, domain.ErrNoBlock)
	}
	return *best, nil
}
