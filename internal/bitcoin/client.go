// Package bitcoin implements the UTXO destination leg of a swap: an
// Esplora-style chain API client, the resolver's UTXO cache, HTLC
// script construction, and the executor that funds, claims, and refunds
// HTLC outputs.
package bitcoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/klingswap/internal/swap"
)

// DefaultTimeout bounds each chain API request.
const DefaultTimeout = 10 * time.Second

// maxFeeTarget is the largest confirmation target Esplora quotes.
const maxFeeTarget = 1008

// ErrTxNotFound is returned when the chain API has no record of a
// transaction. For a funding transaction that was seen before, this
// signals a reorg.
var ErrTxNotFound = errors.New("transaction not found")

// ChainAPI is the read/broadcast surface of the UTXO chain. *Client
// implements it over Esplora-compatible REST endpoints; tests
// substitute fakes.
type ChainAPI interface {
	GetCurrentBlockHeight(ctx context.Context) (int64, error)
	GetUTXOs(ctx context.Context, address string) ([]UTXO, error)
	GetFeeRate(ctx context.Context, targetBlocks int) (int64, error)
	BroadcastTransaction(ctx context.Context, rawHex string) (string, error)
	GetRawTransaction(ctx context.Context, txid string) (string, error)
	GetConfirmations(ctx context.Context, txid string) (int64, error)
}

// Client talks to an Esplora-compatible HTTP API (blockstream.info,
// mempool.space, or a self-hosted electrs).
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string) *Client {
	return NewClientWithTimeout(baseURL, DefaultTimeout)
}

// NewClientWithTimeout creates a client with a custom HTTP timeout.
func NewClientWithTimeout(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// do runs one request. Network failures, 5xx responses, and rate limits
// map to the transient class so the engine retries them with backoff.
func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s %s: %v", swap.ErrTransientRPC, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: read response: %v", swap.ErrTransientRPC, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return resp.StatusCode, data, fmt.Errorf("%w: %s %s: HTTP %d",
			swap.ErrTransientRPC, method, path, resp.StatusCode)
	}
	return resp.StatusCode, data, nil
}

// GetCurrentBlockHeight returns the chain tip height.
func (c *Client) GetCurrentBlockHeight(ctx context.Context) (int64, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/blocks/tip/height", nil)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("tip height: HTTP %d: %s", status, data)
	}
	height, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse tip height %q: %w", data, err)
	}
	return height, nil
}

// esploraUTXO is one entry of the /address/{addr}/utxo response.
type esploraUTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
	} `json:"status"`
}

// GetUTXOs lists the unspent outputs of an address. Esplora does not
// return the scriptPubKey, so the field is left empty; signers
// reconstruct it from the address.
func (c *Client) GetUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/address/"+address+"/utxo", nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list utxos for %s: HTTP %d: %s", address, status, data)
	}

	var raw []esploraUTXO
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode utxo list: %w", err)
	}

	tip, err := c.GetCurrentBlockHeight(ctx)
	if err != nil {
		return nil, err
	}

	utxos := make([]UTXO, 0, len(raw))
	for _, r := range raw {
		u := UTXO{TxID: r.TxID, Vout: r.Vout, Value: r.Value}
		if r.Status.Confirmed && r.Status.BlockHeight > 0 {
			u.Confirmations = tip - r.Status.BlockHeight + 1
		}
		utxos = append(utxos, u)
	}
	return utxos, nil
}

// GetFeeRate returns the estimated sat/vB to confirm within
// targetBlocks. The API quotes a fixed set of targets, so an exact miss
// walks to the closest slower one.
func (c *Client) GetFeeRate(ctx context.Context, targetBlocks int) (int64, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/fee-estimates", nil)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("fee estimates: HTTP %d: %s", status, data)
	}

	var estimates map[string]float64
	if err := json.Unmarshal(data, &estimates); err != nil {
		return 0, fmt.Errorf("decode fee estimates: %w", err)
	}
	if targetBlocks < 1 {
		targetBlocks = 1
	}
	for t := targetBlocks; t <= maxFeeTarget; t++ {
		if rate, ok := estimates[strconv.Itoa(t)]; ok && rate > 0 {
			sats := int64(math.Ceil(rate))
			if sats < 1 {
				sats = 1
			}
			return sats, nil
		}
	}
	return 0, fmt.Errorf("no fee estimate at or above target %d", targetBlocks)
}

// BroadcastTransaction submits a raw transaction. A rejection because
// the network already knows the transaction maps to ErrAlreadyBroadcast
// so callers can treat it as success.
func (c *Client) BroadcastTransaction(ctx context.Context, rawHex string) (string, error) {
	status, data, err := c.do(ctx, http.MethodPost, "/tx", strings.NewReader(rawHex))
	if err != nil {
		return "", err
	}
	if status == http.StatusOK {
		return strings.TrimSpace(string(data)), nil
	}

	msg := strings.TrimSpace(string(data))
	if alreadyKnown(msg) {
		return "", fmt.Errorf("%w: %s", swap.ErrAlreadyBroadcast, msg)
	}
	return "", fmt.Errorf("%w: HTTP %d: %s", swap.ErrChainRejection, status, msg)
}

// alreadyKnown matches node rejections of a duplicate submission.
func alreadyKnown(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "already in block chain") ||
		strings.Contains(m, "already in the mempool") ||
		strings.Contains(m, "txn-already-known") ||
		strings.Contains(m, "txn-already-in-mempool")
}

// GetRawTransaction fetches the serialized transaction hex.
func (c *Client) GetRawTransaction(ctx context.Context, txid string) (string, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/tx/"+txid+"/hex", nil)
	if err != nil {
		return "", err
	}
	switch status {
	case http.StatusOK:
		return strings.TrimSpace(string(data)), nil
	case http.StatusNotFound:
		return "", fmt.Errorf("%w: %s", ErrTxNotFound, txid)
	default:
		return "", fmt.Errorf("raw tx %s: HTTP %d: %s", txid, status, data)
	}
}

// txStatus is the /tx/{txid}/status response.
type txStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight int64  `json:"block_height"`
	BlockHash   string `json:"block_hash"`
}

// GetConfirmations returns how many blocks deep a transaction is. Zero
// means it sits in the mempool; ErrTxNotFound means the chain has no
// record of it at all.
func (c *Client) GetConfirmations(ctx context.Context, txid string) (int64, error) {
	status, data, err := c.do(ctx, http.MethodGet, "/tx/"+txid+"/status", nil)
	if err != nil {
		return 0, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
	default:
		return 0, fmt.Errorf("tx status %s: HTTP %d: %s", txid, status, data)
	}

	var st txStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return 0, fmt.Errorf("decode tx status: %w", err)
	}
	if !st.Confirmed {
		return 0, nil
	}

	tip, err := c.GetCurrentBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	conf := tip - st.BlockHeight + 1
	if conf < 0 {
		conf = 0
	}
	return conf, nil
}
