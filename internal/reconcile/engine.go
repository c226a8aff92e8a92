package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/epochlabs/ledgerd/internal/chain"
	"github.com/epochlabs/ledgerd/internal/domain"
)

// Engine reconciles one decoded contract event at a time into the ledger.
// It performs idempotent upserts of positions and their transactions,
// lazily creates collateral transfers and market prices, and maintains
// market/epoch lifecycle fields.
//
// The engine holds no state between calls and may be invoked concurrently
// by parallel indexing workers. The persistent store is the only shared
// mutable resource; see CollateralTransferStore.Ensure for the one
// storage-level conflict-resolution path.
type Engine struct {
	groups       domain.MarketGroupStore
	markets      domain.MarketStore
	positions    domain.PositionStore
	transactions domain.TransactionStore
	transfers    domain.CollateralTransferStore
	prices       domain.MarketPriceStore
	chain        chain.TxReader
	logger       *slog.Logger
}

// NewEngine creates an Engine with all persistence contracts and the chain
// reader used for the collateral-transfer sender fallback.
func NewEngine(
	groups domain.MarketGroupStore,
	markets domain.MarketStore,
	positions domain.PositionStore,
	transactions domain.TransactionStore,
	transfers domain.CollateralTransferStore,
	prices domain.MarketPriceStore,
	txReader chain.TxReader,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		groups:       groups,
		markets:      markets,
		positions:    positions,
		transactions: transactions,
		transfers:    transfers,
		prices:       prices,
		chain:        txReader,
		logger:       logger.With(slog.String("component", "reconcile")),
	}
}

// Process routes one event to the matching handler. Unknown event names are
// skipped. Errors returned here are fatal for the event: the caller decides
// whether to abort the batch or skip-and-log, but must not drop silently.
func (en *Engine) Process(ctx context.Context, evt domain.Event) error {
	switch evt.Name {
	case EventLiquidityPositionCreated, EventLiquidityPositionModified,
		EventLiquidityPositionClosed, EventTradePositionCreated,
		EventTradePositionModified:
		return en.ReconcilePosition(ctx, evt)
	case EventPositionSettled:
		// A settlement both records a SETTLE_POSITION transaction and flips
		// the position's settled flag.
		if err := en.ReconcilePosition(ctx, evt); err != nil {
			return err
		}
		return en.HandlePositionSettled(ctx, evt)
	case EventPositionTransfer:
		return en.HandleTransfer(ctx, evt)
	case EventMarketCreated, EventMarketUpdated:
		return en.HandleMarketGroupUpdated(ctx, evt)
	case EventEpochCreated:
		return en.HandleEpochCreated(ctx, evt)
	case EventEpochSettled:
		return en.HandleEpochSettled(ctx, evt)
	case EventOwnershipTransferred:
		return en.HandleOwnershipTransferred(ctx, evt)
	default:
		en.logger.DebugContext(ctx, "skipping unknown event",
			slog.String("event", evt.Name),
			slog.String("tx_hash", evt.TransactionHash),
		)
		return nil
	}
}

// ReconcilePosition is the main path: idempotent upsert of a Position and
// its owning Transaction from one position event.
func (en *Engine) ReconcilePosition(ctx context.Context, evt domain.Event) error {
	group, err := en.groups.GetByAddress(ctx, evt.ChainID, evt.MarketGroupAddress)
	if err != nil {
		return fmt.Errorf("reconcile: market group %s (chain %d): %w", evt.MarketGroupAddress, evt.ChainID, err)
	}

	// A malformed position id is a non-fatal skip: edge-case event
	// encodings can arrive with junk args, and dropping one of those does
	// not break position continuity the way dropping a resolvable event
	// would.
	positionID, ok := parsePositionID(evt)
	if !ok {
		en.logger.WarnContext(ctx, "skipping event with invalid position id",
			slog.String("event", evt.Name),
			slog.String("position_id", evt.ArgString("positionId", "tokenId")),
			slog.String("tx_hash", evt.TransactionHash),
		)
		return nil
	}

	market, err := en.resolveMarket(ctx, evt, group, positionID)
	if err != nil {
		return err
	}

	pos, created, err := en.loadOrCreatePosition(ctx, market, positionID)
	if err != nil {
		return err
	}

	if pos.HasTransactionFor(evt.TransactionHash, evt.LogIndex) {
		en.logger.DebugContext(ctx, "event already reconciled",
			slog.String("tx_hash", evt.TransactionHash),
			slog.Int("log_index", int(evt.LogIndex)),
		)
		return nil
	}

	tx, err := BuildTransaction(evt, market)
	if err != nil {
		return err
	}
	tx.PositionRowID = pos.ID

	if delta := evt.ArgAmount("deltaCollateral"); !domain.IsZeroAmount(delta) {
		ct, err := en.ensureCollateralTransfer(ctx, evt, delta)
		if err != nil {
			return err
		}
		tx.CollateralTransfer = &ct
	}

	if tx.Type.IsTrade() && evt.ArgString("finalPrice") != "" {
		mp := domain.MarketPrice{
			ID:        uuid.NewString(),
			Timestamp: evt.Timestamp,
			Value:     evt.ArgAmount("finalPrice"),
		}
		if err := en.prices.Insert(ctx, mp); err != nil {
			return fmt.Errorf("reconcile: insert market price: %w", err)
		}
		tx.MarketPrice = &mp
	}

	// Ownership must never be cleared to empty by a partial event.
	if sender := evt.ArgString("sender", "owner"); sender != "" {
		pos.Owner = domain.NormalizeAddress(sender)
	}

	switch tx.Type {
	case domain.TxTypeAddLiquidity:
		pos.IsLP = true
	case domain.TxTypeRemoveLiquidity:
		kind, hasKind := evt.ArgInt64("kind")
		pos.IsLP = !(hasKind && kind == positionKindTrade)
	case domain.TxTypeSettlePosition:
		pos.IsSettled = true
	}

	// Snapshot overwrite is last-writer-wins on the event sequence: an
	// older event replayed after a newer one records its transaction but
	// does not roll the position state back. A settlement records its
	// transaction and flips the flag but leaves the balance snapshot
	// untouched; the settlement event carries no balances to apply.
	if created || pos.SequenceBefore(evt.BlockNumber, evt.LogIndex) {
		if tx.Type != domain.TxTypeSettlePosition {
			applySnapshot(&pos, tx, evt)
		}
		pos.LastBlockNumber = evt.BlockNumber
		pos.LastLogIndex = evt.LogIndex
	} else {
		en.logger.DebugContext(ctx, "stale event, snapshot overwrite skipped",
			slog.Int64("position_id", positionID),
			slog.Uint64("block", evt.BlockNumber),
		)
	}

	pos.Transactions = append(pos.Transactions, tx)

	if err := en.positions.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("reconcile: upsert position %d: %w", positionID, err)
	}
	if err := en.transactions.Insert(ctx, tx); err != nil {
		return fmt.Errorf("reconcile: insert transaction for %s: %w", evt.TransactionHash, err)
	}
	return nil
}

// HandleTransfer updates only a position's owner from an ERC-721-style
// Transfer event. Transfers referencing unseen positions are dropped:
// ownership transfer is expected to arrive after the position-creating
// event, and the backfill path repairs the rare inversion.
func (en *Engine) HandleTransfer(ctx context.Context, evt domain.Event) error {
	group, err := en.groups.GetByAddress(ctx, evt.ChainID, evt.MarketGroupAddress)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			en.logger.DebugContext(ctx, "transfer for unknown market group dropped",
				slog.String("address", evt.MarketGroupAddress))
			return nil
		}
		return fmt.Errorf("reconcile: market group %s: %w", evt.MarketGroupAddress, err)
	}

	positionID, ok := parsePositionID(evt)
	if !ok {
		en.logger.WarnContext(ctx, "transfer with invalid token id dropped",
			slog.String("token_id", evt.ArgString("positionId", "tokenId")))
		return nil
	}

	newOwner := domain.NormalizeAddress(evt.ArgString("to"))
	if newOwner == "" {
		return nil
	}

	pos, found, err := en.findPosition(ctx, evt, group, positionID)
	if err != nil {
		return err
	}
	if !found {
		en.logger.DebugContext(ctx, "transfer for unseen position dropped",
			slog.Int64("position_id", positionID))
		return nil
	}

	pos.Owner = newOwner
	if err := en.positions.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("reconcile: transfer position %d: %w", positionID, err)
	}
	return nil
}

// HandlePositionSettled sets IsSettled on the matching position. The lookup
// is scoped by (market group, positionId); settlements for unseen positions
// are dropped.
func (en *Engine) HandlePositionSettled(ctx context.Context, evt domain.Event) error {
	group, err := en.groups.GetByAddress(ctx, evt.ChainID, evt.MarketGroupAddress)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("reconcile: market group %s: %w", evt.MarketGroupAddress, err)
	}

	positionID, ok := parsePositionID(evt)
	if !ok {
		return nil
	}

	pos, found, err := en.findPosition(ctx, evt, group, positionID)
	if err != nil {
		return err
	}
	if !found {
		en.logger.DebugContext(ctx, "settlement for unseen position dropped",
			slog.Int64("position_id", positionID))
		return nil
	}

	if pos.IsSettled {
		return nil
	}
	pos.IsSettled = true
	if err := en.positions.Upsert(ctx, pos); err != nil {
		return fmt.Errorf("reconcile: settle position %d: %w", positionID, err)
	}
	return nil
}

// resolveMarket finds the market an event belongs to: directly when the
// event carries an epoch id, otherwise by scanning the group's markets for
// one whose positions already contain the event's position id. The scan
// failing is fatal; a position cannot be reconciled without its market.
func (en *Engine) resolveMarket(ctx context.Context, evt domain.Event, group domain.MarketGroup, positionID int64) (domain.Market, error) {
	if epochID, ok := evt.ArgInt64("epochId", "marketId"); ok {
		market, err := en.markets.GetByMarketID(ctx, group.ID, epochID)
		if errors.Is(err, domain.ErrNotFound) {
			// Unseen but explicitly identified epoch: create it lazily so
			// reconciliation can proceed; lifecycle events fill the rest.
			return en.markets.Upsert(ctx, domain.Market{
				ID:                 uuid.NewString(),
				MarketGroupID:      group.ID,
				MarketID:           epochID,
				SettlementPriceD18: "0",
				MinPriceD18:        "0",
				MaxPriceD18:        "0",
				Params:             group.Params,
			})
		}
		if err != nil {
			return domain.Market{}, fmt.Errorf("reconcile: market %d in group %s: %w", epochID, group.Address, err)
		}
		return market, nil
	}

	market, err := en.markets.FindByGroupAndPosition(ctx, group.ID, positionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Market{}, fmt.Errorf("reconcile: market not found for position id %d: %w", positionID, domain.ErrMarketNotFound)
		}
		return domain.Market{}, fmt.Errorf("reconcile: find market for position %d: %w", positionID, err)
	}
	return market, nil
}

// findPosition locates an existing position by (group, positionId) for the
// side handlers, using the event's epoch id when present. The bool result
// is false when either the market or the position is unseen.
func (en *Engine) findPosition(ctx context.Context, evt domain.Event, group domain.MarketGroup, positionID int64) (domain.Position, bool, error) {
	var market domain.Market
	var err error
	if epochID, ok := evt.ArgInt64("epochId", "marketId"); ok {
		market, err = en.markets.GetByMarketID(ctx, group.ID, epochID)
	} else {
		market, err = en.markets.FindByGroupAndPosition(ctx, group.ID, positionID)
	}
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Position{}, false, nil
		}
		return domain.Position{}, false, fmt.Errorf("reconcile: find market for position %d: %w", positionID, err)
	}

	pos, err := en.positions.GetByMarketAndPositionID(ctx, market.ID, positionID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Position{}, false, nil
		}
		return domain.Position{}, false, fmt.Errorf("reconcile: position %d: %w", positionID, err)
	}
	return pos, true, nil
}

func (en *Engine) loadOrCreatePosition(ctx context.Context, market domain.Market, positionID int64) (domain.Position, bool, error) {
	pos, err := en.positions.GetByMarketAndPositionID(ctx, market.ID, positionID)
	if err == nil {
		return pos, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Position{}, false, fmt.Errorf("reconcile: load position %d: %w", positionID, err)
	}

	return domain.Position{
		ID:                 uuid.NewString(),
		MarketID:           market.ID,
		PositionID:         positionID,
		BaseToken:          "0",
		QuoteToken:         "0",
		BorrowedBaseToken:  "0",
		BorrowedQuoteToken: "0",
		Collateral:         "0",
		LpBaseToken:        "0",
		LpQuoteToken:       "0",
		LowPriceTick:       "0",
		HighPriceTick:      "0",
	}, true, nil
}

// ensureCollateralTransfer deduplicates on transaction hash: read first,
// then insert through the store's converge-on-conflict primitive. When the
// event omits its sender, the owner is backfilled from the chain
// transaction; that lookup failing is best-effort and falls back to the
// zero address rather than aborting reconciliation.
func (en *Engine) ensureCollateralTransfer(ctx context.Context, evt domain.Event, delta string) (domain.CollateralTransfer, error) {
	existing, err := en.transfers.GetByTransactionHash(ctx, evt.TransactionHash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.CollateralTransfer{}, fmt.Errorf("reconcile: collateral transfer %s: %w", evt.TransactionHash, err)
	}

	owner := domain.NormalizeAddress(evt.ArgString("sender", "owner"))
	if owner == "" {
		from, senderErr := en.chain.TransactionSender(ctx, evt.TransactionHash)
		if senderErr != nil {
			en.logger.WarnContext(ctx, "sender backfill failed, using zero address",
				slog.String("tx_hash", evt.TransactionHash),
				slog.String("error", senderErr.Error()),
			)
			owner = domain.ZeroAddress
		} else {
			owner = from
		}
	}

	ct := domain.CollateralTransfer{
		ID:              uuid.NewString(),
		TransactionHash: evt.TransactionHash,
		Timestamp:       evt.Timestamp,
		Owner:           owner,
		Collateral:      delta,
	}
	won, err := en.transfers.Ensure(ctx, ct)
	if err != nil {
		return domain.CollateralTransfer{}, fmt.Errorf("reconcile: ensure collateral transfer %s: %w", evt.TransactionHash, err)
	}
	return won, nil
}

// applySnapshot overwrites the position's current balances from the
// transaction snapshot and the event's tick args. Tick fields keep their
// prior value when the event carries neither tick arg.
func applySnapshot(pos *domain.Position, tx domain.Transaction, evt domain.Event) {
	pos.BaseToken = tx.BaseToken
	pos.QuoteToken = tx.QuoteToken
	pos.BorrowedBaseToken = tx.BorrowedBaseToken
	pos.BorrowedQuoteToken = tx.BorrowedQuoteToken
	pos.Collateral = tx.Collateral

	pos.LpBaseToken = evt.ArgAmount("lpBaseToken", "loanAmount0", "addedAmount0")
	pos.LpQuoteToken = evt.ArgAmount("lpQuoteToken", "loanAmount1", "addedAmount1")

	if evt.HasArg("lowerTick", "lowPriceTick") {
		pos.LowPriceTick = evt.ArgAmount("lowerTick", "lowPriceTick")
	}
	if evt.HasArg("upperTick", "highPriceTick") {
		pos.HighPriceTick = evt.ArgAmount("upperTick", "highPriceTick")
	}
}

func parsePositionID(evt domain.Event) (int64, bool) {
	s := evt.ArgString("positionId", "tokenId")
	if s == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
