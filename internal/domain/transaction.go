package domain

// TransactionType classifies the effect of one on-chain event on a position.
type TransactionType string

const (
	TxTypeAddLiquidity    TransactionType = "ADD_LIQUIDITY"
	TxTypeRemoveLiquidity TransactionType = "REMOVE_LIQUIDITY"
	TxTypeLong            TransactionType = "LONG"
	TxTypeShort           TransactionType = "SHORT"
	TxTypeSettlePosition  TransactionType = "SETTLE_POSITION"
)

// IsTrade reports whether the type is a directional trade.
func (t TransactionType) IsTrade() bool {
	return t == TxTypeLong || t == TxTypeShort
}

// Transaction is one historical record of a single on-chain event affecting
// a Position. It carries the position's token-balance snapshot at the time
// of the event. Every numeric field is a decimal string defaulting to "0";
// downstream arithmetic assumes non-null numeric strings. A Transaction is
// immutable once created except for the two optional links.
type Transaction struct {
	ID            string          `json:"id"`
	PositionRowID string          `json:"positionRowId"`
	Type          TransactionType `json:"type"`

	// Originating event identity; unique per transaction.
	EventTxHash   string `json:"eventTxHash"`
	EventLogIndex uint32 `json:"eventLogIndex"`
	BlockNumber   uint64 `json:"blockNumber"`
	Timestamp     int64  `json:"timestamp"`

	BaseToken          string `json:"baseToken"`
	QuoteToken         string `json:"quoteToken"`
	BorrowedBaseToken  string `json:"borrowedBaseToken"`
	BorrowedQuoteToken string `json:"borrowedQuoteToken"`
	Collateral         string `json:"collateral"`

	// TradeRatioD18 is the 18-decimal fixed-point execution price.
	TradeRatioD18 string `json:"tradeRatioD18"`

	// LP-only delta fields.
	LpBaseDeltaToken  string `json:"lpBaseDeltaToken"`
	LpQuoteDeltaToken string `json:"lpQuoteDeltaToken"`

	CollateralTransfer *CollateralTransfer `json:"collateralTransfer,omitempty"`
	MarketPrice        *MarketPrice        `json:"marketPrice,omitempty"`
}

// MarketPrice records the execution price of a LONG/SHORT transaction.
type MarketPrice struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
	Value     string `json:"value"`
}
