package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// In-memory store fakes. They hold whole structs under the same identity
// keys as the Postgres stores so engine behavior round-trips faithfully.

type memGroupStore struct {
	mu     sync.Mutex
	groups map[string]domain.MarketGroup // key chainID:address
}

func newMemGroupStore() *memGroupStore {
	return &memGroupStore{groups: make(map[string]domain.MarketGroup)}
}

func groupKey(chainID uint64, address string) string {
	return fmt.Sprintf("%d:%s", chainID, domain.NormalizeAddress(address))
}

func (s *memGroupStore) Upsert(_ context.Context, g domain.MarketGroup) (domain.MarketGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[groupKey(g.ChainID, g.Address)] = g
	return g, nil
}

func (s *memGroupStore) GetByAddress(_ context.Context, chainID uint64, address string) (domain.MarketGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupKey(chainID, address)]
	if !ok {
		return domain.MarketGroup{}, domain.ErrNotFound
	}
	return g, nil
}

func (s *memGroupStore) List(_ context.Context, _ domain.ListOpts) ([]domain.MarketGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.MarketGroup, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, g)
	}
	return out, nil
}

type memMarketStore struct {
	mu        sync.Mutex
	markets   map[string]domain.Market // key groupID:marketID
	positions *memPositionStore        // for FindByGroupAndPosition
}

func newMemMarketStore(positions *memPositionStore) *memMarketStore {
	return &memMarketStore{markets: make(map[string]domain.Market), positions: positions}
}

func (s *memMarketStore) Upsert(_ context.Context, m domain.Market) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markets[fmt.Sprintf("%s:%d", m.MarketGroupID, m.MarketID)] = m
	return m, nil
}

func (s *memMarketStore) GetByMarketID(_ context.Context, marketGroupID string, marketID int64) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[fmt.Sprintf("%s:%d", marketGroupID, marketID)]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *memMarketStore) ListByGroup(_ context.Context, marketGroupID string) ([]domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Market
	for _, m := range s.markets {
		if m.MarketGroupID == marketGroupID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memMarketStore) FindByGroupAndPosition(ctx context.Context, marketGroupID string, positionID int64) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.markets {
		if m.MarketGroupID != marketGroupID {
			continue
		}
		if s.positions.has(m.ID, positionID) {
			return m, nil
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

type memPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position // key marketID:positionID
}

func newMemPositionStore() *memPositionStore {
	return &memPositionStore{positions: make(map[string]domain.Position)}
}

func (s *memPositionStore) has(marketID string, positionID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.positions[fmt.Sprintf("%s:%d", marketID, positionID)]
	return ok
}

func (s *memPositionStore) Upsert(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[fmt.Sprintf("%s:%d", p.MarketID, p.PositionID)] = p
	return nil
}

func (s *memPositionStore) GetByMarketAndPositionID(_ context.Context, marketID string, positionID int64) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[fmt.Sprintf("%s:%d", marketID, positionID)]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return p, nil
}

func (s *memPositionStore) ListByMarket(_ context.Context, marketID string, _ domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, p := range s.positions {
		if p.MarketID == marketID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memPositionStore) GetByID(_ context.Context, id string) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.positions {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

type memTransactionStore struct {
	mu  sync.Mutex
	txs []domain.Transaction
}

func (s *memTransactionStore) Insert(_ context.Context, tx domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.txs {
		if existing.EventTxHash == tx.EventTxHash && existing.EventLogIndex == tx.EventLogIndex {
			return nil
		}
	}
	s.txs = append(s.txs, tx)
	return nil
}

func (s *memTransactionStore) ListByPosition(_ context.Context, positionRowID string, _ domain.ListOpts) ([]domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range s.txs {
		if tx.PositionRowID == positionRowID {
			out = append(out, tx)
		}
	}
	return out, nil
}

type memTransferStore struct {
	mu        sync.Mutex
	transfers map[string]domain.CollateralTransfer // key transaction hash
}

func newMemTransferStore() *memTransferStore {
	return &memTransferStore{transfers: make(map[string]domain.CollateralTransfer)}
}

func (s *memTransferStore) GetByTransactionHash(_ context.Context, txHash string) (domain.CollateralTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ct, ok := s.transfers[txHash]
	if !ok {
		return domain.CollateralTransfer{}, domain.ErrNotFound
	}
	return ct, nil
}

func (s *memTransferStore) Ensure(_ context.Context, ct domain.CollateralTransfer) (domain.CollateralTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.transfers[ct.TransactionHash]; ok {
		return existing, nil
	}
	s.transfers[ct.TransactionHash] = ct
	return ct, nil
}

type memPriceStore struct {
	mu     sync.Mutex
	prices []domain.MarketPrice
}

func (s *memPriceStore) Insert(_ context.Context, mp domain.MarketPrice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices = append(s.prices, mp)
	return nil
}

type fakeTxReader struct {
	sender string
	err    error
}

func (f *fakeTxReader) TransactionSender(_ context.Context, _ string) (string, error) {
	return f.sender, f.err
}

// testHarness bundles the engine with its fakes so assertions can reach
// into any store after processing.
type testHarness struct {
	engine    *Engine
	groups    *memGroupStore
	markets   *memMarketStore
	positions *memPositionStore
	txs       *memTransactionStore
	transfers *memTransferStore
	prices    *memPriceStore
	txReader  *fakeTxReader
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	positions := newMemPositionStore()
	h := &testHarness{
		groups:    newMemGroupStore(),
		markets:   newMemMarketStore(positions),
		positions: positions,
		txs:       &memTransactionStore{},
		transfers: newMemTransferStore(),
		prices:    &memPriceStore{},
		txReader:  &fakeTxReader{sender: "0xFEED"},
	}
	h.engine = NewEngine(
		h.groups, h.markets, h.positions, h.txs, h.transfers, h.prices,
		h.txReader, slog.Default(),
	)
	return h
}

const (
	testChainID = uint64(8453)
	testAddress = "0xc0ffee"
)

func (h *testHarness) seedGroup(t *testing.T) domain.MarketGroup {
	t.Helper()
	g, err := h.groups.Upsert(context.Background(), domain.MarketGroup{
		ID:      "group-1",
		ChainID: testChainID,
		Address: testAddress,
	})
	require.NoError(t, err)
	return g
}

func liquidityCreatedEvent() domain.Event {
	return domain.Event{
		Name:               EventLiquidityPositionCreated,
		TransactionHash:    "0xaaa1",
		LogIndex:           0,
		BlockNumber:        100,
		Timestamp:          1700000000,
		ChainID:            testChainID,
		MarketGroupAddress: testAddress,
		Args: map[string]any{
			"positionId":   "5",
			"epochId":      "1",
			"sender":       "0xABC",
			"addedAmount0": "100",
			"addedAmount1": "200",
			"lowerTick":    "-887220",
			"upperTick":    "887220",
		},
	}
}

func TestEngineLiquidityPositionCreated(t *testing.T) {
	h := newTestHarness(t)
	h.seedGroup(t)
	ctx := context.Background()

	require.NoError(t, h.engine.Process(ctx, liquidityCreatedEvent()))

	// The unseen epoch is created lazily.
	market, err := h.markets.GetByMarketID(ctx, "group-1", 1)
	require.NoError(t, err)

	pos, err := h.positions.GetByMarketAndPositionID(ctx, market.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, "0xabc", pos.Owner)
	assert.True(t, pos.IsLP)
	assert.False(t, pos.IsSettled)
	assert.Equal(t, "100", pos.LpBaseToken)
	assert.Equal(t, "200", pos.LpQuoteToken)
	assert.Equal(t, "-887220", pos.LowPriceTick)
	assert.Equal(t, "887220", pos.HighPriceTick)
	assert.Equal(t, uint64(100), pos.LastBlockNumber)

	require.Len(t, h.txs.txs, 1)
	tx := h.txs.txs[0]
	assert.Equal(t, domain.TxTypeAddLiquidity, tx.Type)
	assert.Equal(t, pos.ID, tx.PositionRowID)
	assert.Equal(t, "100", tx.LpBaseDeltaToken)
	assert.Equal(t, "200", tx.LpQuoteDeltaToken)
}

func TestEngineReplayIsIdempotent(t *testing.T) {
	h := newTestHarness(t)
	h.seedGroup(t)
	ctx := context.Background()
	evt := liquidityCreatedEvent()

	require.NoError(t, h.engine.Process(ctx, evt))
	require.NoError(t, h.engine.Process(ctx, evt))

	market, err := h.markets.GetByMarketID(ctx, "group-1", 1)
	require.NoError(t, err)
	pos, err := h.positions.GetByMarketAndPositionID(ctx, market.ID, 5)
	require.NoError(t, err)

	assert.Len(t, h.txs.txs, 1)
	assert.Len(t, pos.Transactions, 1)
}

func TestEngineStaleEventDoesNotRollBackSnapshot(t *testing.T) {
	h := newTestHarness(t)
	h.seedGroup(t)
	ctx := context.Background()

	newer := liquidityCreatedEvent()
	require.NoError(t, h.engine.Process(ctx, newer))

	// An older event for the same position arrives late, with different
	// balances.
	older := liquidityCreatedEvent()
	older.TransactionHash = "0xaaa0"
	older.BlockNumber = 50
	older.Args["addedAmount0"] = "1"
	older.Args["addedAmount1"] = "2"
	require.NoError(t, h.engine.Process(ctx, older))

	market, err := h.markets.GetByMarketID(ctx, "group-1", 1)
	require.NoError(t, err)
	pos, err := h.positions.GetByMarketAndPositionID(ctx, market.ID, 5)
	require.NoError(t, err)

	// Both transactions recorded, but the snapshot stays at the newer
	// event's state.
	assert.Len(t, h.txs.txs, 2)
	assert.Equal(t, "100", pos.LpBaseToken)
	assert.Equal(t, uint64(100), pos.LastBlockNumber)
}

func TestEngineSettlementFlipsFlagOnce(t *testing.T) {
	h := newTestHarness(t)
	h.seedGroup(t)
	ctx := context.Background()

	require.NoError(t, h.engine.Process(ctx, liquidityCreatedEvent()))

	settle := domain.Event{
		Name:               EventPositionSettled,
		TransactionHash:    "0xbbb1",
		LogIndex:           0,
		BlockNumber:        200,
		Timestamp:          1700001000,
		ChainID:            testChainID,
		MarketGroupAddress: testAddress,
		Args: map[string]any{
			"positionId": "5",
			"epochId":    "1",
		},
	}
	require.NoError(t, h.engine.Process(ctx, settle))

	market, err := h.markets.GetByMarketID(ctx, "group-1", 1)
	require.NoError(t, err)
	pos, err := h.positions.GetByMarketAndPositionID(ctx, market.ID, 5)
	require.NoError(t, err)
	assert.True(t, pos.IsSettled)
	// Settlement flips the flag without touching the balance snapshot:
	// the LP balances from the creating event survive.
	assert.Equal(t, "100", pos.LpBaseToken)
	assert.Equal(t, "200", pos.LpQuoteToken)
	assert.Equal(t, "0", pos.BaseToken)
	assert.Equal(t, "0", pos.Collateral)
	assert.Equal(t, uint64(200), pos.LastBlockNumber)

	// A later event never resets the settled flag.
	late := liquidityCreatedEvent()
	late.TransactionHash = "0xccc1"
	late.BlockNumber = 300
	require.NoError(t, h.engine.Process(ctx, late))

	pos, err = h.positions.GetByMarketAndPositionID(ctx, market.ID, 5)
	require.NoError(t, err)
	assert.True(t, pos.IsSettled)
}

func TestEngineCollateralTransferDeduplicates(t *testing.T) {
	h := newTestHarness(t)
	h.seedGroup(t)
	ctx := context.Background()

	first := liquidityCreatedEvent()
	first.Args["deltaCollateral"] = "500"
	require.NoError(t, h.engine.Process(ctx, first))

	// Second event in the same chain transaction, next log index.
	second := liquidityCreatedEvent()
	second.Name = EventLiquidityPositionModified
	second.LogIndex = 1
	second.Args = map[string]any{
		"positionId":       "5",
		"epochId":          "1",
		"sender":           "0xABC",
		"increasedAmount0": "10",
		"increasedAmount1": "20",
		"deltaCollateral":  "500",
	}
	require.NoError(t, h.engine.Process(ctx, second))

	assert.Len(t, h.transfers.transfers, 1)
	require.Len(t, h.txs.txs, 2)
	require.NotNil(t, h.txs.txs[0].CollateralTransfer)
	require.NotNil(t, h.txs.txs[1].CollateralTransfer)
	assert.Equal(t, h.txs.txs[0].CollateralTransfer.ID, h.txs.txs[1].CollateralTransfer.ID)
}

func TestEngineSenderBackfill(t *testing.T) {
	h := newTestHarness(t)
	h.seedGroup(t)
	ctx := context.Background()

	evt := liquidityCreatedEvent()
	delete(evt.Args, "sender")
	evt.Args["deltaCollateral"] = "500"

	require.NoError(t, h.engine.Process(ctx, evt))

	ct, err := h.transfers.GetByTransactionHash(ctx, evt.TransactionHash)
	require.NoError(t, err)
	assert.Equal(t, "0xFEED", ct.Owner)
}

func TestEngineSenderBackfillFallsBackToZeroAddress(t *testing.T) {
	h := newTestHarness(t)
	h.seedGroup(t)
	h.txReader.err = fmt.Errorf("rpc unavailable")
	ctx := context.Background()

	evt := liquidityCreatedEvent()
	delete(evt.Args, "sender")
	evt.Args["deltaCollateral"] = "500"

	require.NoError(t, h.engine.Process(ctx, evt))

	ct, err := h.transfers.GetByTransactionHash(ctx, evt.TransactionHash)
	require.NoError(t, err)
	assert.Equal(t, domain.ZeroAddress, ct.Owner)
}

func TestEngineTradeRecordsMarketPrice(t *testing.T) {
	h := newTestHarness(t)
	h.seedGroup(t)
	ctx := context.Background()

	trade := domain.Event{
		Name:               EventTradePositionCreated,
		TransactionHash:    "0xddd1",
		BlockNumber:        150,
		Timestamp:          1700000500,
		ChainID:            testChainID,
		MarketGroupAddress: testAddress,
		Args: map[string]any{
			"positionId":   "7",
			"epochId":      "1",
			"sender":       "0xABC",
			"initialPrice": "100",
			"finalPrice":   "110",
		},
	}
	require.NoError(t, h.engine.Process(ctx, trade))

	require.Len(t, h.prices.prices, 1)
	assert.Equal(t, "110", h.prices.prices[0].Value)

	require.Len(t, h.txs.txs, 1)
	assert.Equal(t, domain.TxTypeLong, h.txs.txs[0].Type)
	require.NotNil(t, h.txs.txs[0].MarketPrice)
	assert.Equal(t, "110", h.txs.txs[0].MarketPrice.Value)
}

func TestEngineTransferUpdatesOwner(t *testing.T) {
	h := newTestHarness(t)
	h.seedGroup(t)
	ctx := context.Background()

	require.NoError(t, h.engine.Process(ctx, liquidityCreatedEvent()))

	transfer := domain.Event{
		Name:               EventPositionTransfer,
		TransactionHash:    "0xeee1",
		BlockNumber:        160,
		ChainID:            testChainID,
		MarketGroupAddress: testAddress,
		Args: map[string]any{
			"tokenId": "5",
			"epochId": "1",
			"from":    "0xabc",
			"to":      "0xDEF",
		},
	}
	require.NoError(t, h.engine.Process(ctx, transfer))

	market, err := h.markets.GetByMarketID(ctx, "group-1", 1)
	require.NoError(t, err)
	pos, err := h.positions.GetByMarketAndPositionID(ctx, market.ID, 5)
	require.NoError(t, err)
	assert.Equal(t, "0xdef", pos.Owner)
}

func TestEngineTransferForUnseenPositionIsDropped(t *testing.T) {
	h := newTestHarness(t)
	h.seedGroup(t)
	ctx := context.Background()

	transfer := domain.Event{
		Name:               EventPositionTransfer,
		TransactionHash:    "0xeee2",
		ChainID:            testChainID,
		MarketGroupAddress: testAddress,
		Args: map[string]any{
			"tokenId": "99",
			"to":      "0xdef",
		},
	}
	require.NoError(t, h.engine.Process(ctx, transfer))
	assert.Empty(t, h.positions.positions)
}

func TestEngineEpochLifecycle(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	created := domain.Event{
		Name:               EventEpochCreated,
		TransactionHash:    "0xfff1",
		ChainID:            testChainID,
		MarketGroupAddress: testAddress,
		Args: map[string]any{
			"epochId":     "3",
			"startTime":   "1700000000",
			"endTime":     "1700600000",
			"minPriceD18": "1000000000000000000",
			"maxPriceD18": "5000000000000000000",
		},
	}
	require.NoError(t, h.engine.Process(ctx, created))

	// The group is created on the fly for an unseen contract.
	group, err := h.groups.GetByAddress(ctx, testChainID, testAddress)
	require.NoError(t, err)

	market, err := h.markets.GetByMarketID(ctx, group.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), market.StartTimestamp)
	assert.Equal(t, int64(1700600000), market.EndTimestamp)
	assert.False(t, market.Settled)

	settled := domain.Event{
		Name:               EventEpochSettled,
		TransactionHash:    "0xfff2",
		ChainID:            testChainID,
		MarketGroupAddress: testAddress,
		Args: map[string]any{
			"epochId":            "3",
			"settlementPriceD18": "3000000000000000000",
		},
	}
	require.NoError(t, h.engine.Process(ctx, settled))

	market, err = h.markets.GetByMarketID(ctx, group.ID, 3)
	require.NoError(t, err)
	assert.True(t, market.Settled)
	assert.Equal(t, "3000000000000000000", market.SettlementPriceD18)
}

func TestEngineUnknownEventIsSkipped(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	require.NoError(t, h.engine.Process(ctx, domain.Event{Name: "SomethingElse"}))
	assert.Empty(t, h.txs.txs)
}

func TestEngineResolvesMarketByPositionWhenEpochIDAbsent(t *testing.T) {
	h := newTestHarness(t)
	h.seedGroup(t)
	ctx := context.Background()

	require.NoError(t, h.engine.Process(ctx, liquidityCreatedEvent()))

	// The follow-up event omits its epoch id; the market is found by
	// scanning the group for the one already holding position 5.
	modified := domain.Event{
		Name:               EventLiquidityPositionModified,
		TransactionHash:    "0xddd1",
		LogIndex:           0,
		BlockNumber:        150,
		Timestamp:          1700000500,
		ChainID:            testChainID,
		MarketGroupAddress: testAddress,
		Args: map[string]any{
			"positionId":       "5",
			"increasedAmount0": "10",
			"increasedAmount1": "20",
		},
	}
	require.NoError(t, h.engine.Process(ctx, modified))

	market, err := h.markets.GetByMarketID(ctx, "group-1", 1)
	require.NoError(t, err)
	pos, err := h.positions.GetByMarketAndPositionID(ctx, market.ID, 5)
	require.NoError(t, err)
	assert.Len(t, h.txs.txs, 2)
	assert.Equal(t, uint64(150), pos.LastBlockNumber)
}

func TestEngineFailsWhenNoMarketHoldsPosition(t *testing.T) {
	h := newTestHarness(t)
	h.seedGroup(t)
	ctx := context.Background()

	// No market in the group contains position 99 and the event carries no
	// epoch id, so the market cannot be resolved.
	evt := liquidityCreatedEvent()
	evt.Args = map[string]any{
		"positionId":   "99",
		"sender":       "0xABC",
		"addedAmount0": "100",
	}
	err := h.engine.Process(ctx, evt)
	require.ErrorIs(t, err, domain.ErrMarketNotFound)
	assert.Empty(t, h.txs.txs)
}
