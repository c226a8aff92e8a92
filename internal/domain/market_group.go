package domain

import "strings"

// MarketParams holds the protocol parameters of a market group. The values
// are copied onto each Market at epoch creation so settled epochs keep the
// parameters they traded under even if the group is later reconfigured.
type MarketParams struct {
	FeeRate           string `json:"feeRate"`
	AssertionLiveness string `json:"assertionLiveness"`
	BondAmount        string `json:"bondAmount"`
	BondCurrency      string `json:"bondCurrency"`
	OptimisticOracle  string `json:"optimisticOracle"`
	UniswapRouter     string `json:"uniswapRouter"`
}

// MarketGroup is one deployed contract instance hosting trading epochs.
// Identity key: (ChainID, Address). Rows are created or updated from
// contract reads or MarketCreated/MarketUpdated events and never deleted.
type MarketGroup struct {
	ID                 string       `json:"id"`
	ChainID            uint64       `json:"chainId"`
	Address            string       `json:"address"` // always lower-cased
	Owner              string       `json:"owner"`
	CollateralAsset    string       `json:"collateralAsset"`
	CollateralDecimals int          `json:"collateralDecimals"`
	CollateralSymbol   string       `json:"collateralSymbol"`
	Params             MarketParams `json:"params"`
	IsPublic           bool         `json:"isPublic"`
}

// NormalizeAddress lower-cases an on-chain address. Addresses are stored and
// compared in lower case everywhere in the ledger.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
