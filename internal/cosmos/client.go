package cosmos

import (
	"context"
	"fmt"
	"strings"

	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	rpcclient "github.com/cometbft/cometbft/rpc/client"
	rpchttp "github.com/cometbft/cometbft/rpc/client/http"
	ctypes "github.com/cometbft/cometbft/rpc/core/types"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingswap/internal/log"
	"github.com/Klingon-tech/klingswap/internal/swap"
)

const rpcTimeoutSeconds = 15

// rpcNode is the CometBFT surface the client consumes. The rpchttp
// client implements it; tests substitute fakes.
type rpcNode interface {
	Status(ctx context.Context) (*ctypes.ResultStatus, error)
	ABCIQueryWithOptions(ctx context.Context, path string, data cmtbytes.HexBytes, opts rpcclient.ABCIQueryOptions) (*ctypes.ResultABCIQuery, error)
	BroadcastTxSync(ctx context.Context, tx cmttypes.Tx) (*ctypes.ResultBroadcastTx, error)
}

// Client answers the account-model chain queries the executor needs:
// height, account state, contract smart queries, gas simulation, and
// transaction broadcast.
type Client struct {
	node   rpcNode
	logger zerolog.Logger
}

// NewClient connects to a CometBFT RPC endpoint.
func NewClient(rpcURL string) (*Client, error) {
	node, err := rpchttp.NewWithTimeout(rpcURL, "/websocket", rpcTimeoutSeconds)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", swap.ErrTransientRPC, rpcURL, err)
	}
	return &Client{node: node, logger: log.WithComponent("cosmos")}, nil
}

// GetBlockHeight returns the node's latest block height.
func (c *Client) GetBlockHeight(ctx context.Context) (int64, error) {
	status, err := c.node.Status(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: status: %v", swap.ErrTransientRPC, err)
	}
	return status.SyncInfo.LatestBlockHeight, nil
}

// Account returns the account number and sequence of a bech32 address.
func (c *Client) Account(ctx context.Context, address string) (accountNumber, sequence uint64, err error) {
	value, err := c.abciQuery(ctx, pathAccount, encodeQueryAccountRequest(address))
	if err != nil {
		return 0, 0, err
	}
	return decodeAccountResponse(value)
}

// Balance returns the bank balance of an address in base units of the
// given denom, as a decimal string.
func (c *Client) Balance(ctx context.Context, address, denom string) (string, error) {
	value, err := c.abciQuery(ctx, pathBalance, encodeQueryBalanceRequest(address, denom))
	if err != nil {
		return "", err
	}
	return decodeBalanceResponse(value)
}

// QueryContractSmart runs a CosmWasm smart query and returns the raw
// JSON the contract answered with.
func (c *Client) QueryContractSmart(ctx context.Context, contract string, query []byte) ([]byte, error) {
	value, err := c.abciQuery(ctx, pathSmartContractState, encodeQuerySmartContractStateRequest(contract, query))
	if err != nil {
		return nil, err
	}
	return decodeSmartStateResponse(value)
}

// Simulate dry-runs an encoded transaction and reports the gas used.
func (c *Client) Simulate(ctx context.Context, txBytes []byte) (uint64, error) {
	value, err := c.abciQuery(ctx, pathSimulate, encodeSimulateRequest(txBytes))
	if err != nil {
		return 0, err
	}
	return decodeSimulateResponse(value)
}

func (c *Client) abciQuery(ctx context.Context, path string, data []byte) ([]byte, error) {
	res, err := c.node.ABCIQueryWithOptions(ctx, path, data, rpcclient.ABCIQueryOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", swap.ErrTransientRPC, path, err)
	}
	if res.Response.Code != 0 {
		return nil, fmt.Errorf("%w: query %s: code %d: %s",
			swap.ErrTransientRPC, path, res.Response.Code, res.Response.Log)
	}
	return res.Response.Value, nil
}

// BroadcastTx submits an encoded transaction. The returned hash is
// computed locally so a duplicate-submission answer still yields the
// transaction's identity.
func (c *Client) BroadcastTx(ctx context.Context, txBytes []byte) (string, error) {
	tx := cmttypes.Tx(txBytes)
	localHash := fmt.Sprintf("%X", tx.Hash())

	res, err := c.node.BroadcastTxSync(ctx, tx)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "tx already exists in cache") {
			c.logger.Debug().Str("txid", localHash).Msg("transaction already in mempool cache")
			return localHash, nil
		}
		return "", fmt.Errorf("%w: broadcast: %v", swap.ErrTransientRPC, err)
	}
	if res.Code != 0 {
		if err := broadcastError(res, localHash); err != nil {
			return "", err
		}
		c.logger.Debug().Str("txid", localHash).Msg("transaction already known")
		return localHash, nil
	}
	return localHash, nil
}

// broadcastError maps a CheckTx rejection onto the shared taxonomy,
// returning nil for duplicate-submission answers.
func broadcastError(res *ctypes.ResultBroadcastTx, txHash string) error {
	logLine := strings.ToLower(res.Log)
	switch {
	case strings.Contains(logLine, "insufficient funds"),
		strings.Contains(logLine, "insufficient fee"):
		return fmt.Errorf("%w: %s", swap.ErrInsufficientFunds, res.Log)
	case strings.Contains(logLine, "account sequence mismatch"),
		strings.Contains(logLine, "mempool is full"):
		return fmt.Errorf("%w: %s", swap.ErrTransientRPC, res.Log)
	case strings.Contains(logLine, "tx already exists"):
		return nil
	default:
		return fmt.Errorf("%w: tx %s: code %d: %s", swap.ErrChainRejection, txHash, res.Code, res.Log)
	}
}
