// Package reconcile contains the event-to-ledger core: the classifier that
// maps raw contract events to transaction types, the reconciliation engine
// that derives normalized domain records from one event at a time, and the
// gap detector that reports unindexed blocks for backfill.
package reconcile

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// Contract event names understood by the engine.
const (
	EventLiquidityPositionCreated  = "LiquidityPositionCreated"
	EventLiquidityPositionModified = "LiquidityPositionModified"
	EventLiquidityPositionClosed   = "LiquidityPositionClosed"
	EventTradePositionCreated      = "TradePositionCreated"
	EventTradePositionModified     = "TradePositionModified"
	EventPositionSettled           = "PositionSettled"
	EventPositionTransfer          = "Transfer"
	EventMarketCreated             = "MarketCreated"
	EventMarketUpdated             = "MarketUpdated"
	EventEpochCreated              = "EpochCreated"
	EventEpochSettled              = "EpochSettled"
	EventOwnershipTransferred      = "OwnershipTransferred"
)

// positionKindTrade is the close-event kind code meaning the liquidity
// position was fully converted into a trader position.
const positionKindTrade = 2

// Classify maps an event to its transaction type.
//
// Trade events are classified by comparing finalPrice to initialPrice:
// final > initial means LONG, otherwise SHORT. This is a directional-price
// heuristic, not a position-sign check; a short executed against a stale
// initialPrice reference can be misclassified. Preserved as documented
// protocol behavior.
func Classify(evt domain.Event) (domain.TransactionType, error) {
	switch evt.Name {
	case EventLiquidityPositionCreated:
		return domain.TxTypeAddLiquidity, nil
	case EventLiquidityPositionClosed:
		return domain.TxTypeRemoveLiquidity, nil
	case EventLiquidityPositionModified:
		if evt.HasArg("decreasedAmount0", "decreasedAmount1") {
			return domain.TxTypeRemoveLiquidity, nil
		}
		return domain.TxTypeAddLiquidity, nil
	case EventTradePositionCreated, EventTradePositionModified:
		final := evt.ArgAmount("finalPrice")
		initial := evt.ArgAmount("initialPrice")
		if domain.CompareAmounts(final, initial) > 0 {
			return domain.TxTypeLong, nil
		}
		return domain.TxTypeShort, nil
	case EventPositionSettled:
		return domain.TxTypeSettlePosition, nil
	default:
		return "", fmt.Errorf("reconcile: %q is not a position event: %w", evt.Name, domain.ErrInvalidEvent)
	}
}

// BuildTransaction constructs the immutable transaction record for one
// position event: the type, the position's token-balance snapshot taken
// from the event args, the trade ratio, and the LP delta fields. Every
// numeric field is normalized to a decimal string, "0" when absent.
func BuildTransaction(evt domain.Event, market domain.Market) (domain.Transaction, error) {
	txType, err := Classify(evt)
	if err != nil {
		return domain.Transaction{}, err
	}

	tx := domain.Transaction{
		ID:            uuid.NewString(),
		Type:          txType,
		EventTxHash:   evt.TransactionHash,
		EventLogIndex: evt.LogIndex,
		BlockNumber:   evt.BlockNumber,
		Timestamp:     evt.Timestamp,

		BaseToken:          evt.ArgAmount("baseToken", "vBaseAmount"),
		QuoteToken:         evt.ArgAmount("quoteToken", "vQuoteAmount"),
		BorrowedBaseToken:  evt.ArgAmount("borrowedBaseToken", "borrowedVBase"),
		BorrowedQuoteToken: evt.ArgAmount("borrowedQuoteToken", "borrowedVQuote"),
		Collateral:         evt.ArgAmount("collateral", "positionCollateralAmount"),

		TradeRatioD18:     "0",
		LpBaseDeltaToken:  "0",
		LpQuoteDeltaToken: "0",
	}

	switch evt.Name {
	case EventLiquidityPositionCreated:
		tx.LpBaseDeltaToken = evt.ArgAmount("addedAmount0")
		tx.LpQuoteDeltaToken = evt.ArgAmount("addedAmount1")
	case EventLiquidityPositionClosed:
		tx.LpBaseDeltaToken = evt.ArgAmount("collectedAmount0")
		tx.LpQuoteDeltaToken = evt.ArgAmount("collectedAmount1")
	case EventLiquidityPositionModified:
		if txType == domain.TxTypeRemoveLiquidity {
			tx.LpBaseDeltaToken = domain.NegateAmount(evt.ArgAmount("decreasedAmount0"))
			tx.LpQuoteDeltaToken = domain.NegateAmount(evt.ArgAmount("decreasedAmount1"))
		} else {
			tx.LpBaseDeltaToken = evt.ArgAmount("increasedAmount0")
			tx.LpQuoteDeltaToken = evt.ArgAmount("increasedAmount1")
		}
	case EventTradePositionCreated, EventTradePositionModified:
		tx.TradeRatioD18 = evt.ArgAmount("finalPrice")
	case EventPositionSettled:
		// The trade ratio of a settlement comes from the market, not from
		// the event args.
		tx.TradeRatioD18 = domain.NormalizeAmount(market.SettlementPriceD18)
	}

	return tx, nil
}
