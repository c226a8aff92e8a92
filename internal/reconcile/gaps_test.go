package reconcile

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epochlabs/ledgerd/internal/chain"
	"github.com/epochlabs/ledgerd/internal/domain"
)

// gapChain is a synthetic chain with one block every 10 seconds starting at
// timestamp 1000.
type gapChain struct {
	head uint64
}

func (f *gapChain) BlockNumber(_ context.Context) (uint64, error) {
	return f.head, nil
}

func (f *gapChain) BlockByNumber(_ context.Context, number uint64) (domain.Block, error) {
	return domain.Block{Number: number, Timestamp: 1000 + number*10}, nil
}

type memIndexedStore struct {
	mu      sync.Mutex
	indexed map[string]map[uint64]struct{}
}

func newMemIndexedStore() *memIndexedStore {
	return &memIndexedStore{indexed: make(map[string]map[uint64]struct{})}
}

func (s *memIndexedStore) MarkIndexed(_ context.Context, chainID uint64, address string, blockNumbers []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := groupKey(chainID, address)
	if s.indexed[key] == nil {
		s.indexed[key] = make(map[uint64]struct{})
	}
	for _, n := range blockNumbers {
		s.indexed[key][n] = struct{}{}
	}
	return nil
}

func (s *memIndexedStore) BlockNumbersInRange(_ context.Context, chainID uint64, address string, from, to uint64) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for n := from; n <= to; n++ {
		if _, ok := s.indexed[groupKey(chainID, address)][n]; ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func newGapDetectorFixture(t *testing.T) (*GapDetector, *memIndexedStore) {
	t.Helper()
	ctx := context.Background()

	groups := newMemGroupStore()
	positions := newMemPositionStore()
	markets := newMemMarketStore(positions)
	indexed := newMemIndexedStore()

	_, err := groups.Upsert(ctx, domain.MarketGroup{
		ID:      "group-1",
		ChainID: testChainID,
		Address: testAddress,
	})
	require.NoError(t, err)

	// Epoch timestamps map onto blocks 20 through 80 of the synthetic
	// chain.
	_, err = markets.Upsert(ctx, domain.Market{
		ID:             "market-1",
		MarketGroupID:  "group-1",
		MarketID:       1,
		StartTimestamp: 1200,
		EndTimestamp:   1800,
	})
	require.NoError(t, err)

	locator := chain.NewLocator(&gapChain{head: 100})
	det := NewGapDetector(groups, markets, indexed, locator)
	det.now = func() time.Time { return time.Unix(5000, 0) }
	return det, indexed
}

func TestMissingBlocksComplementsIndexedSet(t *testing.T) {
	det, indexed := newGapDetectorFixture(t)
	ctx := context.Background()

	// Index everything in range except three blocks.
	var have []uint64
	holes := map[uint64]bool{25: true, 50: true, 79: true}
	for n := uint64(20); n <= 80; n++ {
		if !holes[n] {
			have = append(have, n)
		}
	}
	require.NoError(t, indexed.MarkIndexed(ctx, testChainID, testAddress, have))

	missing, err := det.MissingBlocks(ctx, testChainID, testAddress, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{25, 50, 79}, missing)
}

func TestMissingBlocksEmptyWhenFullyIndexed(t *testing.T) {
	det, indexed := newGapDetectorFixture(t)
	ctx := context.Background()

	var have []uint64
	for n := uint64(20); n <= 80; n++ {
		have = append(have, n)
	}
	require.NoError(t, indexed.MarkIndexed(ctx, testChainID, testAddress, have))

	missing, err := det.MissingBlocks(ctx, testChainID, testAddress, 1)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestMissingBlocksWholeRangeWhenNothingIndexed(t *testing.T) {
	det, _ := newGapDetectorFixture(t)

	missing, err := det.MissingBlocks(context.Background(), testChainID, testAddress, 1)
	require.NoError(t, err)
	require.Len(t, missing, 61)
	assert.Equal(t, uint64(20), missing[0])
	assert.Equal(t, uint64(80), missing[60])
}

func TestMissingBlocksUnknownGroup(t *testing.T) {
	det, _ := newGapDetectorFixture(t)

	_, err := det.MissingBlocks(context.Background(), testChainID, "0xunknown", 1)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMissingBlocksOpenEpochClampsToNow(t *testing.T) {
	det, _ := newGapDetectorFixture(t)
	ctx := context.Background()

	// An epoch with no end timestamp runs to the clock; with now at 1500
	// the range ends at block 50.
	det.now = func() time.Time { return time.Unix(1500, 0) }

	groups := det.groups
	markets := det.markets
	group, err := groups.GetByAddress(ctx, testChainID, testAddress)
	require.NoError(t, err)
	_, err = markets.Upsert(ctx, domain.Market{
		ID:             "market-2",
		MarketGroupID:  group.ID,
		MarketID:       2,
		StartTimestamp: 1200,
		EndTimestamp:   0,
	})
	require.NoError(t, err)

	missing, err := det.MissingBlocks(ctx, testChainID, testAddress, 2)
	require.NoError(t, err)
	require.NotEmpty(t, missing)
	assert.Equal(t, uint64(20), missing[0])
	assert.Equal(t, uint64(50), missing[len(missing)-1])
}
