// Package chain provides the read-only chain client the ledger consumes:
// block lookups for the locator and transaction-sender recovery for the
// collateral-transfer owner fallback.
package chain

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/epochlabs/ledgerd/internal/domain"
)

// BlockReader is the narrow contract the block locator needs.
type BlockReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (domain.Block, error)
}

// TxReader resolves the sender of a chain transaction by hash.
type TxReader interface {
	TransactionSender(ctx context.Context, txHash string) (string, error)
}

// Client is the full read-only chain contract.
type Client interface {
	BlockReader
	TxReader
	ChainID() uint64
}

// EthClient implements Client over a go-ethereum JSON-RPC connection.
type EthClient struct {
	ec      *ethclient.Client
	chainID uint64
}

// Dial connects to the RPC endpoint and verifies that the reported chain id
// matches the configured one.
func Dial(ctx context.Context, rpcURL string, chainID uint64) (*EthClient, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}

	reported, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}
	if reported.Uint64() != chainID {
		ec.Close()
		return nil, fmt.Errorf("chain: endpoint reports chain id %d, configured %d", reported.Uint64(), chainID)
	}

	return &EthClient{ec: ec, chainID: chainID}, nil
}

// ChainID returns the configured chain id.
func (c *EthClient) ChainID() uint64 { return c.chainID }

// BlockNumber returns the latest block number.
func (c *EthClient) BlockNumber(ctx context.Context) (uint64, error) {
	n, err := c.ec.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("chain: block number: %w", err)
	}
	return n, nil
}

// BlockByNumber fetches the header at the given height and returns its
// number and timestamp.
func (c *EthClient) BlockByNumber(ctx context.Context, number uint64) (domain.Block, error) {
	header, err := c.ec.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return domain.Block{}, fmt.Errorf("chain: header %d: %w", number, err)
	}
	return domain.Block{Number: header.Number.Uint64(), Timestamp: header.Time}, nil
}

// TransactionSender recovers the from-address of the transaction with the
// given hash. Used only as a fallback when an event omits its sender arg.
func (c *EthClient) TransactionSender(ctx context.Context, txHash string) (string, error) {
	tx, _, err := c.ec.TransactionByHash(ctx, common.HexToHash(txHash))
	if err != nil {
		return "", fmt.Errorf("chain: transaction %s: %w", txHash, err)
	}

	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(c.chainID))
	from, err := types.Sender(signer, tx)
	if err != nil {
		return "", fmt.Errorf("chain: recover sender of %s: %w", txHash, err)
	}
	return domain.NormalizeAddress(from.Hex()), nil
}

// Close releases the underlying RPC connection.
func (c *EthClient) Close() {
	c.ec.Close()
}

// Compile-time interface check.
var _ Client = (*EthClient)(nil)
