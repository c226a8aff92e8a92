package chain

import (
	"context"
	"errors"
	"log/slog"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// CachingReader wraps a BlockReader with a domain.BlockCache so repeated
// locator scans reuse block-by-number results instead of repeating RPC
// round trips. Block headers are immutable, so entries never need
// invalidation; the latest block number is deliberately not cached.
type CachingReader struct {
	inner   BlockReader
	cache   domain.BlockCache
	chainID uint64
	logger  *slog.Logger
}

// NewCachingReader creates a CachingReader for the given chain.
func NewCachingReader(inner BlockReader, cache domain.BlockCache, chainID uint64, logger *slog.Logger) *CachingReader {
	return &CachingReader{
		inner:   inner,
		cache:   cache,
		chainID: chainID,
		logger:  logger,
	}
}

// BlockNumber passes through to the inner reader.
func (r *CachingReader) BlockNumber(ctx context.Context) (uint64, error) {
	return r.inner.BlockNumber(ctx)
}

// BlockByNumber serves from the cache when possible and populates it on a
// miss. Cache failures degrade to direct reads.
func (r *CachingReader) BlockByNumber(ctx context.Context, number uint64) (domain.Block, error) {
	b, err := r.cache.GetBlock(ctx, r.chainID, number)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		r.logger.WarnContext(ctx, "chain: block cache read failed",
			slog.Uint64("block", number),
			slog.String("error", err.Error()),
		)
	}

	b, err = r.inner.BlockByNumber(ctx, number)
	if err != nil {
		return domain.Block{}, err
	}

	if cacheErr := r.cache.SetBlock(ctx, r.chainID, b); cacheErr != nil {
		r.logger.WarnContext(ctx, "chain: block cache write failed",
			slog.Uint64("block", number),
			slog.String("error", cacheErr.Error()),
		)
	}
	return b, nil
}

// Compile-time interface check.
var _ BlockReader = (*CachingReader)(nil)
