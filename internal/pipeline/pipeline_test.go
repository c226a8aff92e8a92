package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/epochlabs/ledgerd/internal/domain"
	"github.com/epochlabs/ledgerd/internal/reconcile"
)

// Shared in-memory fakes for the pipeline tests. The store fakes mirror the
// Postgres identity keys; the lock, bus, and archiver fakes record calls for
// assertions.

type memGroupStore struct {
	mu     sync.Mutex
	groups map[string]domain.MarketGroup
}

func key(chainID uint64, address string) string {
	return fmt.Sprintf("%d:%s", chainID, domain.NormalizeAddress(address))
}

func (s *memGroupStore) Upsert(_ context.Context, g domain.MarketGroup) (domain.MarketGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]domain.MarketGroup)
	}
	s.groups[key(g.ChainID, g.Address)] = g
	return g, nil
}

func (s *memGroupStore) GetByAddress(_ context.Context, chainID uint64, address string) (domain.MarketGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[key(chainID, address)]
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
	mu      sync.Mutex
	markets map[string]domain.Market
}

func (s *memMarketStore) Upsert(_ context.Context, m domain.Market) (domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markets == nil {
		s.markets = make(map[string]domain.Market)
	}
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

func (s *memMarketStore) FindByGroupAndPosition(_ context.Context, _ string, _ int64) (domain.Market, error) {
	return domain.Market{}, domain.ErrNotFound
}

type memPositionStore struct {
	mu        sync.Mutex
	positions map[string]domain.Position
}

func (s *memPositionStore) Upsert(_ context.Context, p domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.positions == nil {
		s.positions = make(map[string]domain.Position)
	}
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

func (s *memPositionStore) ListByMarket(_ context.Context, _ string, _ domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

func (s *memPositionStore) GetByID(_ context.Context, _ string) (domain.Position, error) {
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

func (s *memTransactionStore) ListByPosition(_ context.Context, _ string, _ domain.ListOpts) ([]domain.Transaction, error) {
	return nil, nil
}

func (s *memTransactionStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.txs)
}

type memTransferStore struct{}

func (memTransferStore) GetByTransactionHash(_ context.Context, _ string) (domain.CollateralTransfer, error) {
	return domain.CollateralTransfer{}, domain.ErrNotFound
}

func (memTransferStore) Ensure(_ context.Context, ct domain.CollateralTransfer) (domain.CollateralTransfer, error) {
	return ct, nil
}

type memPriceStore struct{}

func (memPriceStore) Insert(_ context.Context, _ domain.MarketPrice) error { return nil }

type memIndexedStore struct {
	mu     sync.Mutex
	marked map[string][]uint64
}

func (s *memIndexedStore) MarkIndexed(_ context.Context, chainID uint64, address string, blockNumbers []uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marked == nil {
		s.marked = make(map[string][]uint64)
	}
	s.marked[key(chainID, address)] = append(s.marked[key(chainID, address)], blockNumbers...)
	return nil
}

func (s *memIndexedStore) BlockNumbersInRange(_ context.Context, chainID uint64, address string, from, to uint64) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []uint64
	for _, n := range s.marked[key(chainID, address)] {
		if n >= from && n <= to {
			out = append(out, n)
		}
	}
	return out, nil
}

type fakeTxReader struct{}

func (fakeTxReader) TransactionSender(_ context.Context, _ string) (string, error) {
	return domain.ZeroAddress, nil
}

// fakeLocks records acquisitions and can simulate initial contention.
type fakeLocks struct {
	mu       sync.Mutex
	acquired []string
	heldFor  int // first N Acquire calls per key fail with ErrLockHeld
	attempts map[string]int
}

func (l *fakeLocks) Acquire(_ context.Context, lockKey string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.attempts == nil {
		l.attempts = make(map[string]int)
	}
	l.attempts[lockKey]++
	if l.attempts[lockKey] <= l.heldFor {
		return nil, domain.ErrLockHeld
	}
	l.acquired = append(l.acquired, lockKey)
	return func() {}, nil
}

type fakeBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (b *fakeBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.messages == nil {
		b.messages = make(map[string][][]byte)
	}
	b.messages[channel] = append(b.messages[channel], payload)
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *fakeBus) published(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[channel])
}

type fakeArchiver struct {
	mu      sync.Mutex
	batches [][]domain.Event
	stored  map[string][]domain.Event
	err     error
}

func (a *fakeArchiver) ArchiveEvents(_ context.Context, events []domain.Event) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return "", a.err
	}
	a.batches = append(a.batches, events)
	return fmt.Sprintf("events/test/%d.jsonl", len(a.batches)), nil
}

func (a *fakeArchiver) ReadEvents(_ context.Context, path string) ([]domain.Event, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	events, ok := a.stored[path]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return events, nil
}

type fakeBlobReader struct {
	infos []domain.BlobInfo
}

func (r *fakeBlobReader) Get(_ context.Context, _ string) (io.ReadCloser, error) {
	return nil, domain.ErrNotFound
}

func (r *fakeBlobReader) List(_ context.Context, _ string) ([]domain.BlobInfo, error) {
	return r.infos, nil
}

// pipelineFixture bundles an Indexer over fully in-memory dependencies.
type pipelineFixture struct {
	indexer  *Indexer
	groups   *memGroupStore
	markets  *memMarketStore
	txs      *memTransactionStore
	indexed  *memIndexedStore
	locks    *fakeLocks
	bus      *fakeBus
	archiver *fakeArchiver
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	f := &pipelineFixture{
		groups:   &memGroupStore{},
		markets:  &memMarketStore{},
		txs:      &memTransactionStore{},
		indexed:  &memIndexedStore{},
		locks:    &fakeLocks{},
		bus:      &fakeBus{},
		archiver: &fakeArchiver{},
	}

	positions := &memPositionStore{}
	engine := reconcile.NewEngine(
		f.groups, f.markets, positions, f.txs,
		memTransferStore{}, memPriceStore{},
		fakeTxReader{}, slog.Default(),
	)
	f.indexer = NewIndexer(
		engine, f.indexed, f.locks, f.bus, f.archiver,
		time.Second, 8, slog.Default(),
	)
	return f
}

func (f *pipelineFixture) seedGroup(t *testing.T, chainID uint64, address string) {
	t.Helper()
	_, err := f.groups.Upsert(context.Background(), domain.MarketGroup{
		ID:      "group-" + address,
		ChainID: chainID,
		Address: domain.NormalizeAddress(address),
	})
	require.NoError(t, err)
}
