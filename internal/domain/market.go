package domain

// Market is one trading epoch within a MarketGroup. Identity key:
// (MarketGroupID, MarketID). Created on an EpochCreated event or lazily from
// a contract read, and mutated on settlement.
type Market struct {
	ID            string `json:"id"`
	MarketGroupID string `json:"marketGroupId"`
	MarketID      int64  `json:"marketId"`

	StartTimestamp int64 `json:"startTimestamp"`
	EndTimestamp   int64 `json:"endTimestamp"`

	Settled            bool   `json:"settled"`
	SettlementPriceD18 string `json:"settlementPriceD18"`

	MinPriceD18  string `json:"minPriceD18"`
	MaxPriceD18  string `json:"maxPriceD18"`
	MinPriceTick int32  `json:"minPriceTick"`
	MaxPriceTick int32  `json:"maxPriceTick"`

	PoolAddress string `json:"poolAddress"`

	// Params is a copy of the group's parameters at epoch creation time.
	Params MarketParams `json:"params"`
}
