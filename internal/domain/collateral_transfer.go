package domain

// ZeroAddress is the fallback owner when the sender cannot be resolved from
// either the event args or the chain transaction.
const ZeroAddress = "0x0000000000000000000000000000000000000000"

// CollateralTransfer records the net collateral movement tied to one
// on-chain transaction hash. TransactionHash is globally unique and is the
// de-duplication key. Concurrent attempts to create a transfer for the same
// hash must converge on the same row (CollateralTransferStore.Ensure).
type CollateralTransfer struct {
	ID              string `json:"id"`
	TransactionHash string `json:"transactionHash"`
	Timestamp       int64  `json:"timestamp"`
	Owner           string `json:"owner"`
	// Collateral is a signed-magnitude decimal string using the protocol's
	// sign convention: positive for deposits, negative for withdrawals.
	Collateral string `json:"collateral"`
}
