package reconcile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epochlabs/ledgerd/internal/domain"
)

func TestClassifyLiquidityEvents(t *testing.T) {
	typ, err := Classify(domain.Event{Name: EventLiquidityPositionCreated})
	require.NoError(t, err)
	assert.Equal(t, domain.TxTypeAddLiquidity, typ)

	typ, err = Classify(domain.Event{Name: EventLiquidityPositionClosed})
	require.NoError(t, err)
	assert.Equal(t, domain.TxTypeRemoveLiquidity, typ)
}

func TestClassifyLiquidityModified(t *testing.T) {
	// A decrease arg marks the modification as a removal.
	typ, err := Classify(domain.Event{
		Name: EventLiquidityPositionModified,
		Args: map[string]any{"decreasedAmount0": "100", "decreasedAmount1": "50"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TxTypeRemoveLiquidity, typ)

	typ, err = Classify(domain.Event{
		Name: EventLiquidityPositionModified,
		Args: map[string]any{"increasedAmount0": "100"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TxTypeAddLiquidity, typ)
}

func TestClassifyTradeDirection(t *testing.T) {
	long := domain.Event{
		Name: EventTradePositionCreated,
		Args: map[string]any{"initialPrice": "100", "finalPrice": "110"},
	}
	typ, err := Classify(long)
	require.NoError(t, err)
	assert.Equal(t, domain.TxTypeLong, typ)

	short := domain.Event{
		Name: EventTradePositionModified,
		Args: map[string]any{"initialPrice": "110", "finalPrice": "100"},
	}
	typ, err = Classify(short)
	require.NoError(t, err)
	assert.Equal(t, domain.TxTypeShort, typ)

	// Equal prices fall to SHORT, as do absent prices (both default "0").
	flat := domain.Event{Name: EventTradePositionCreated}
	typ, err = Classify(flat)
	require.NoError(t, err)
	assert.Equal(t, domain.TxTypeShort, typ)
}

func TestClassifySettlementAndUnknown(t *testing.T) {
	typ, err := Classify(domain.Event{Name: EventPositionSettled})
	require.NoError(t, err)
	assert.Equal(t, domain.TxTypeSettlePosition, typ)

	_, err = Classify(domain.Event{Name: "SomethingElse"})
	require.ErrorIs(t, err, domain.ErrInvalidEvent)
}

func TestBuildTransactionDefaults(t *testing.T) {
	evt := domain.Event{
		Name:            EventTradePositionCreated,
		TransactionHash: "0xdead",
		LogIndex:        3,
		BlockNumber:     42,
		Timestamp:       1700000000,
		Args:            map[string]any{"finalPrice": "105", "initialPrice": "100"},
	}

	tx, err := BuildTransaction(evt, domain.Market{})
	require.NoError(t, err)

	assert.Equal(t, domain.TxTypeLong, tx.Type)
	assert.Equal(t, "0xdead", tx.EventTxHash)
	assert.Equal(t, uint32(3), tx.EventLogIndex)
	assert.Equal(t, uint64(42), tx.BlockNumber)

	// Absent numeric args land as "0", never "".
	assert.Equal(t, "0", tx.BaseToken)
	assert.Equal(t, "0", tx.QuoteToken)
	assert.Equal(t, "0", tx.BorrowedBaseToken)
	assert.Equal(t, "0", tx.BorrowedQuoteToken)
	assert.Equal(t, "0", tx.Collateral)
	assert.Equal(t, "0", tx.LpBaseDeltaToken)
	assert.Equal(t, "0", tx.LpQuoteDeltaToken)

	assert.Equal(t, "105", tx.TradeRatioD18)
	assert.NotEmpty(t, tx.ID)
}

func TestBuildTransactionLpDeltas(t *testing.T) {
	created := domain.Event{
		Name: EventLiquidityPositionCreated,
		Args: map[string]any{"addedAmount0": "100", "addedAmount1": "200"},
	}
	tx, err := BuildTransaction(created, domain.Market{})
	require.NoError(t, err)
	assert.Equal(t, "100", tx.LpBaseDeltaToken)
	assert.Equal(t, "200", tx.LpQuoteDeltaToken)

	// Decreases are recorded as negative deltas.
	decreased := domain.Event{
		Name: EventLiquidityPositionModified,
		Args: map[string]any{"decreasedAmount0": "30", "decreasedAmount1": "60"},
	}
	tx, err = BuildTransaction(decreased, domain.Market{})
	require.NoError(t, err)
	assert.Equal(t, domain.TxTypeRemoveLiquidity, tx.Type)
	assert.Equal(t, "-30", tx.LpBaseDeltaToken)
	assert.Equal(t, "-60", tx.LpQuoteDeltaToken)

	closed := domain.Event{
		Name: EventLiquidityPositionClosed,
		Args: map[string]any{"collectedAmount0": "99", "collectedAmount1": "1"},
	}
	tx, err = BuildTransaction(closed, domain.Market{})
	require.NoError(t, err)
	assert.Equal(t, "99", tx.LpBaseDeltaToken)
	assert.Equal(t, "1", tx.LpQuoteDeltaToken)
}

func TestBuildTransactionSettlementRatio(t *testing.T) {
	evt := domain.Event{Name: EventPositionSettled}
	market := domain.Market{SettlementPriceD18: "950000000000000000"}

	tx, err := BuildTransaction(evt, market)
	require.NoError(t, err)
	assert.Equal(t, "950000000000000000", tx.TradeRatioD18)

	// An unsettled market yields "0", not "".
	tx, err = BuildTransaction(evt, domain.Market{})
	require.NoError(t, err)
	assert.Equal(t, "0", tx.TradeRatioD18)
}
