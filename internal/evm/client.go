// Package evm implements the source-chain executor: matching a Fusion
// order's escrow, completing it with a revealed secret, and settling
// the source token into the escrow.
package evm

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Klingon-tech/klingswap/internal/swap"
)

// Backend is the chain surface the executor and the event monitor
// consume. *ethclient.Client implements it; tests substitute fakes.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// Dial connects to an EVM JSON-RPC endpoint and verifies it serves the
// chain the registry entry claims.
func Dial(ctx context.Context, rawURL string, wantChainID uint64) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", swap.ErrTransientRPC, rawURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: chain id of %s: %v", swap.ErrTransientRPC, rawURL, err)
	}
	if chainID.Uint64() != wantChainID {
		client.Close()
		return nil, fmt.Errorf("%w: endpoint %s serves chain %d, expected %d",
			swap.ErrValidation, rawURL, chainID, wantChainID)
	}
	return client, nil
}
