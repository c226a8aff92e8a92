package domain

// Position is one NFT-like position owned by an address within a Market.
// Identity key: (MarketID, PositionID), exactly one row per key, maintained
// by upsert. Positions are never physically deleted; a closed position keeps
// its row with zeroed balances and IsSettled set.
type Position struct {
	ID         string `json:"id"`
	MarketID   string `json:"marketId"` // Market row id
	PositionID int64  `json:"positionId"`

	Owner     string `json:"owner"` // lower-cased, never cleared to empty
	IsLP      bool   `json:"isLP"`
	IsSettled bool   `json:"isSettled"`

	// Current token balances, decimal strings, never empty (default "0").
	BaseToken          string `json:"baseToken"`
	QuoteToken         string `json:"quoteToken"`
	BorrowedBaseToken  string `json:"borrowedBaseToken"`
	BorrowedQuoteToken string `json:"borrowedQuoteToken"`
	Collateral         string `json:"collateral"`

	// LP-only fields.
	LpBaseToken   string `json:"lpBaseToken"`
	LpQuoteToken  string `json:"lpQuoteToken"`
	LowPriceTick  string `json:"lowPriceTick"`
	HighPriceTick string `json:"highPriceTick"`

	// Last-applied event sequence. Snapshot overwrites from events older
	// than this are skipped so replays cannot roll state backwards.
	LastBlockNumber uint64 `json:"lastBlockNumber"`
	LastLogIndex    uint32 `json:"lastLogIndex"`

	// Transactions are eagerly loaded with the position so the engine can
	// check event identity without a second round trip.
	Transactions []Transaction `json:"transactions,omitempty"`
}

// HasTransactionFor reports whether a transaction originating from the given
// event identity is already recorded on the position. This is the
// idempotency guard against reprocessing the same event.
func (p *Position) HasTransactionFor(txHash string, logIndex uint32) bool {
	for i := range p.Transactions {
		if p.Transactions[i].EventTxHash == txHash && p.Transactions[i].EventLogIndex == logIndex {
			return true
		}
	}
	return false
}

// SequenceBefore reports whether the position's last-applied sequence is
// strictly before (blockNumber, logIndex).
func (p *Position) SequenceBefore(blockNumber uint64, logIndex uint32) bool {
	if p.LastBlockNumber != blockNumber {
		return p.LastBlockNumber < blockNumber
	}
	return p.LastLogIndex < logIndex
}
