package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// Market/epoch lifecycle handlers. These maintain the MarketGroup and
// Market rows that the position path reads; none of them touch positions.

// HandleMarketGroupUpdated upserts the market group from a MarketCreated or
// MarketUpdated event. Absent args leave existing values in place.
func (en *Engine) HandleMarketGroupUpdated(ctx context.Context, evt domain.Event) error {
	group, err := en.groups.GetByAddress(ctx, evt.ChainID, evt.MarketGroupAddress)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("reconcile: market group %s: %w", evt.MarketGroupAddress, err)
		}
		group = domain.MarketGroup{
			ID:      uuid.NewString(),
			ChainID: evt.ChainID,
			Address: domain.NormalizeAddress(evt.MarketGroupAddress),
		}
	}

	if owner := evt.ArgString("owner", "initialOwner"); owner != "" {
		group.Owner = domain.NormalizeAddress(owner)
	}
	if asset := evt.ArgString("collateralAsset"); asset != "" {
		group.CollateralAsset = domain.NormalizeAddress(asset)
	}
	if sym := evt.ArgString("collateralSymbol"); sym != "" {
		group.CollateralSymbol = sym
	}
	if dec, ok := evt.ArgInt64("collateralDecimals"); ok {
		group.CollateralDecimals = int(dec)
	}
	if evt.HasArg("isPublic") {
		group.IsPublic, _ = strconv.ParseBool(evt.ArgString("isPublic"))
	}

	if evt.HasArg("feeRate") {
		group.Params.FeeRate = evt.ArgAmount("feeRate")
	}
	if evt.HasArg("assertionLiveness") {
		group.Params.AssertionLiveness = evt.ArgAmount("assertionLiveness")
	}
	if evt.HasArg("bondAmount") {
		group.Params.BondAmount = evt.ArgAmount("bondAmount")
	}
	if bc := evt.ArgString("bondCurrency"); bc != "" {
		group.Params.BondCurrency = domain.NormalizeAddress(bc)
	}
	if oracle := evt.ArgString("optimisticOracle", "optimisticOracleV3"); oracle != "" {
		group.Params.OptimisticOracle = domain.NormalizeAddress(oracle)
	}
	if router := evt.ArgString("uniswapRouter", "swapRouter"); router != "" {
		group.Params.UniswapRouter = domain.NormalizeAddress(router)
	}

	if _, err := en.groups.Upsert(ctx, group); err != nil {
		return fmt.Errorf("reconcile: upsert market group %s: %w", group.Address, err)
	}
	en.logger.InfoContext(ctx, "market group updated",
		slog.String("address", group.Address),
		slog.Uint64("chain_id", group.ChainID),
	)
	return nil
}

// HandleEpochCreated creates (or fills in) a market from an EpochCreated
// event, copying the group's parameters as they stand at creation time.
func (en *Engine) HandleEpochCreated(ctx context.Context, evt domain.Event) error {
	group, err := en.ensureGroup(ctx, evt)
	if err != nil {
		return err
	}

	epochID, ok := evt.ArgInt64("epochId", "marketId")
	if !ok {
		en.logger.WarnContext(ctx, "epoch created event without epoch id dropped",
			slog.String("tx_hash", evt.TransactionHash))
		return nil
	}

	market, err := en.markets.GetByMarketID(ctx, group.ID, epochID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("reconcile: market %d: %w", epochID, err)
		}
		market = domain.Market{
			ID:                 uuid.NewString(),
			MarketGroupID:      group.ID,
			MarketID:           epochID,
			SettlementPriceD18: "0",
		}
	}

	if start, ok := evt.ArgInt64("startTime", "startTimestamp"); ok {
		market.StartTimestamp = start
	}
	if end, ok := evt.ArgInt64("endTime", "endTimestamp"); ok {
		market.EndTimestamp = end
	}
	market.MinPriceD18 = evt.ArgAmount("minPriceD18")
	market.MaxPriceD18 = evt.ArgAmount("maxPriceD18")
	if tick, ok := evt.ArgInt64("baseAssetMinPriceTick", "minPriceTick"); ok {
		market.MinPriceTick = int32(tick)
	}
	if tick, ok := evt.ArgInt64("baseAssetMaxPriceTick", "maxPriceTick"); ok {
		market.MaxPriceTick = int32(tick)
	}
	if pool := evt.ArgString("pool", "uniswapPool"); pool != "" {
		market.PoolAddress = domain.NormalizeAddress(pool)
	}
	market.Params = group.Params

	if _, err := en.markets.Upsert(ctx, market); err != nil {
		return fmt.Errorf("reconcile: upsert market %d: %w", epochID, err)
	}
	en.logger.InfoContext(ctx, "epoch created",
		slog.String("group", group.Address),
		slog.Int64("epoch_id", epochID),
	)
	return nil
}

// HandleEpochSettled marks a market settled and records its settlement
// price.
func (en *Engine) HandleEpochSettled(ctx context.Context, evt domain.Event) error {
	group, err := en.groups.GetByAddress(ctx, evt.ChainID, evt.MarketGroupAddress)
	if err != nil {
		return fmt.Errorf("reconcile: market group %s: %w", evt.MarketGroupAddress, err)
	}

	epochID, ok := evt.ArgInt64("epochId", "marketId")
	if !ok {
		return nil
	}

	market, err := en.markets.GetByMarketID(ctx, group.ID, epochID)
	if err != nil {
		return fmt.Errorf("reconcile: settle market %d: %w", epochID, err)
	}

	market.Settled = true
	market.SettlementPriceD18 = evt.ArgAmount("settlementPriceD18", "settlementPrice")
	if _, err := en.markets.Upsert(ctx, market); err != nil {
		return fmt.Errorf("reconcile: upsert settled market %d: %w", epochID, err)
	}
	en.logger.InfoContext(ctx, "epoch settled",
		slog.String("group", group.Address),
		slog.Int64("epoch_id", epochID),
		slog.String("settlement_price", market.SettlementPriceD18),
	)
	return nil
}

// HandleOwnershipTransferred updates the group owner.
func (en *Engine) HandleOwnershipTransferred(ctx context.Context, evt domain.Event) error {
	newOwner := domain.NormalizeAddress(evt.ArgString("newOwner"))
	if newOwner == "" {
		return nil
	}

	group, err := en.ensureGroup(ctx, evt)
	if err != nil {
		return err
	}
	group.Owner = newOwner
	if _, err := en.groups.Upsert(ctx, group); err != nil {
		return fmt.Errorf("reconcile: transfer ownership of %s: %w", group.Address, err)
	}
	return nil
}

// ensureGroup loads the market group for the event's emitting contract,
// creating a minimal row when the group has not been seen yet.
func (en *Engine) ensureGroup(ctx context.Context, evt domain.Event) (domain.MarketGroup, error) {
	group, err := en.groups.GetByAddress(ctx, evt.ChainID, evt.MarketGroupAddress)
	if err == nil {
		return group, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.MarketGroup{}, fmt.Errorf("reconcile: market group %s: %w", evt.MarketGroupAddress, err)
	}
	return en.groups.Upsert(ctx, domain.MarketGroup{
		ID:      uuid.NewString(),
		ChainID: evt.ChainID,
		Address: domain.NormalizeAddress(evt.MarketGroupAddress),
	})
}
