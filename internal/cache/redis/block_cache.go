package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// Mined blocks never change, but the keyspace is unbounded so entries still
// expire.
const blockTTL = 24 * time.Hour

// BlockCache implements domain.BlockCache using Redis strings with
// JSON-serialized block headers.
//
// Key schema:
//
//	block:{chainID}:{number} - JSON-encoded domain.Block
type BlockCache struct {
	rdb *redis.Client
}

// NewBlockCache creates a BlockCache backed by the given Client.
func NewBlockCache(c *Client) *BlockCache {
	return &BlockCache{rdb: c.Underlying()}
}

func blockKey(chainID, number uint64) string {
	return fmt.Sprintf("block:%d:%d", chainID, number)
}

// GetBlock retrieves a cached block by number. It returns domain.ErrNotFound
// when the block has not been cached.
func (bc *BlockCache) GetBlock(ctx context.Context, chainID uint64, number uint64) (domain.Block, error) {
	data, err := bc.rdb.Get(ctx, blockKey(chainID, number)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Block{}, domain.ErrNotFound
		}
		return domain.Block{}, fmt.Errorf("redis: get block %d/%d: %w", chainID, number, err)
	}

	var block domain.Block
	if err := json.Unmarshal(data, &block); err != nil {
		return domain.Block{}, fmt.Errorf("redis: unmarshal block %d/%d: %w", chainID, number, err)
	}
	return block, nil
}

// SetBlock stores a block in the cache.
func (bc *BlockCache) SetBlock(ctx context.Context, chainID uint64, block domain.Block) error {
	data, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("redis: marshal block %d/%d: %w", chainID, block.Number, err)
	}

	if err := bc.rdb.Set(ctx, blockKey(chainID, block.Number), data, blockTTL).Err(); err != nil {
		return fmt.Errorf("redis: set block %d/%d: %w", chainID, block.Number, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.BlockCache = (*BlockCache)(nil)
