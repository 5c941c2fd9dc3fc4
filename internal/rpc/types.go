package rpc

import (
	"encoding/json"
	"math/big"
	"time"

	"github.com/Klingon-tech/klingswap/internal/order"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeConflict       = -32001
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// SubmitOrderParam is used by swap_submitOrder. The order field carries
// the gateway submission payload verbatim.
type SubmitOrderParam struct {
	Order *order.Order `json:"order"`
}

// OrderHashParam is used by endpoints addressing a single order.
type OrderHashParam struct {
	OrderHash string `json:"orderHash"`
}

// ── Result types ────────────────────────────────────────────────────────

// OrderResult is the external rendering of an order context. The secret
// never leaves the node; transaction artifacts do.
type OrderResult struct {
	OrderHash  string          `json:"orderHash"`
	SrcChainID uint64          `json:"srcChainId"`
	DstChainID uint64          `json:"dstChainId"`
	Maker      string          `json:"maker"`
	SrcToken   string          `json:"srcToken,omitempty"`
	DstToken   string          `json:"dstToken,omitempty"`
	SrcAmount  *big.Int        `json:"srcAmount"`
	DstAmount  *big.Int        `json:"dstAmount"`
	Hashlock   string          `json:"hashlock"`
	ExpiryTime int64           `json:"expiryTime"`
	Status     string          `json:"status"`
	UTXO       *BitcoinResult  `json:"utxo,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	DstParams  json.RawMessage `json:"dstExecutionParams,omitempty"`
}

// BitcoinResult is the UTXO-side artifact view.
type BitcoinResult struct {
	HTLCAddress string `json:"htlcAddress,omitempty"`
	FundingTxID string `json:"fundingTxId,omitempty"`
	ClaimTxID   string `json:"claimingTxId,omitempty"`
	RefundTxID  string `json:"refundTxId,omitempty"`
	CLTVHeight  int64  `json:"cltvHeight,omitempty"`
}

// NewOrderResult renders a context for the API.
func NewOrderResult(octx *order.Context) *OrderResult {
	res := &OrderResult{
		OrderHash:  octx.OrderHash.String(),
		SrcChainID: octx.SrcChainID,
		DstChainID: octx.DstChainID,
		Maker:      octx.Maker,
		SrcToken:   octx.SrcToken,
		DstToken:   octx.DstToken,
		SrcAmount:  octx.SrcAmount,
		DstAmount:  octx.DstAmount,
		Hashlock:   octx.Hashlock.String(),
		ExpiryTime: octx.ExpiryTime,
		Status:     string(octx.Status),
		Error:      octx.Error,
		CreatedAt:  octx.CreatedAt,
		UpdatedAt:  octx.UpdatedAt,
		DstParams:  octx.DstParams,
	}
	if octx.UTXO != nil {
		res.UTXO = &BitcoinResult{
			HTLCAddress: octx.UTXO.HTLCAddress,
			FundingTxID: octx.UTXO.FundingTxID,
			ClaimTxID:   octx.UTXO.ClaimTxID,
			RefundTxID:  octx.UTXO.RefundTxID,
			CLTVHeight:  octx.UTXO.CLTVHeight,
		}
	}
	return res
}

// SubmitOrderResult is returned by swap_submitOrder.
type SubmitOrderResult struct {
	OrderHash string `json:"orderHash"`
	Status    string `json:"status"`
}

// CancelOrderResult is returned by swap_cancelOrder.
type CancelOrderResult struct {
	OrderHash string `json:"orderHash"`
	Cancelled bool   `json:"cancelled"`
}

// ListResult is returned by the order listing endpoints.
type ListResult struct {
	Orders []*OrderResult `json:"orders"`
	Count  int            `json:"count"`
}

// ChainInfo describes one configured chain for swap_getInfo.
type ChainInfo struct {
	ChainID uint64 `json:"chainId"`
	Kind    string `json:"kind"`
	Address string `json:"address,omitempty"`
}

// ChainBalance is one chain's funding balance for swap_getBalances.
// Balance is a decimal string in the chain's base unit.
type ChainBalance struct {
	ChainID uint64 `json:"chainId"`
	Kind    string `json:"kind"`
	Address string `json:"address"`
	Balance string `json:"balance"`
	Unit    string `json:"unit"`
	Error   string `json:"error,omitempty"`
}

// BalancesResult is returned by swap_getBalances.
type BalancesResult struct {
	Balances []ChainBalance `json:"balances"`
}

// InfoResult is returned by swap_getInfo.
type InfoResult struct {
	Version      string      `json:"version"`
	SourceChain  ChainInfo   `json:"sourceChain"`
	Destinations []ChainInfo `json:"destinations"`
	ActiveOrders int         `json:"activeOrders"`
	TotalOrders  int         `json:"totalOrders"`
	Watching     int         `json:"watching"`
}
