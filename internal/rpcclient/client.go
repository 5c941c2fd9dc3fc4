// Package rpcclient provides a JSON-RPC 2.0 client for klingswap nodes.
package rpcclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Klingon-tech/klingswap/internal/order"
	"github.com/Klingon-tech/klingswap/internal/rpc"
)

// Client is a JSON-RPC 2.0 HTTP client.
type Client struct {
	endpoint string
	http     *http.Client
}

// New creates a new RPC client targeting the given endpoint URL.
func New(endpoint string) *Client {
	return NewWithTimeout(endpoint, 10*time.Second)
}

// NewWithTimeout creates a new RPC client with a custom HTTP timeout.
func NewWithTimeout(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		endpoint: endpoint,
		http: &http.Client{
			Timeout: timeout,
		},
	}
}

// request is a JSON-RPC 2.0 request.
type request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      int         `json:"id"`
}

// response is a JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      int             `json:"id"`
}

// rpcError is a JSON-RPC 2.0 error.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCError is returned when the server responds with an error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Call invokes a JSON-RPC method and unmarshals the result into the provided pointer.
// If result is nil, the response result is discarded.
func (c *Client) Call(method string, params, result interface{}) error {
	req := request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      1,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	resp, err := c.http.Post(c.endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var rpcResp response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if rpcResp.Error != nil {
		return &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}

	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}

	return nil
}

// SubmitOrder submits a new order for execution.
func (c *Client) SubmitOrder(o *order.Order) (*rpc.SubmitOrderResult, error) {
	var result rpc.SubmitOrderResult
	if err := c.Call("swap_submitOrder", rpc.SubmitOrderParam{Order: o}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetOrder fetches the current context of one order.
func (c *Client) GetOrder(orderHash string) (*rpc.OrderResult, error) {
	var result rpc.OrderResult
	if err := c.Call("swap_getOrder", rpc.OrderHashParam{OrderHash: orderHash}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelOrder withdraws a pending order.
func (c *Client) CancelOrder(orderHash string) (*rpc.CancelOrderResult, error) {
	var result rpc.CancelOrderResult
	if err := c.Call("swap_cancelOrder", rpc.OrderHashParam{OrderHash: orderHash}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListPending lists orders awaiting their first execution step.
func (c *Client) ListPending() (*rpc.ListResult, error) {
	var result rpc.ListResult
	if err := c.Call("swap_listPending", struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListActive lists every non-terminal order.
func (c *Client) ListActive() (*rpc.ListResult, error) {
	var result rpc.ListResult
	if err := c.Call("swap_listActive", struct{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetBalances reports the resolver's funding balance on each chain.
func (c *Client) GetBalances() (*rpc.BalancesResult, error) {
	var result rpc.BalancesResult
	if err := c.Call("swap_getBalances", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetInfo reports the node's configured chains and order counts.
func (c *Client) GetInfo() (*rpc.InfoResult, error) {
	var result rpc.InfoResult
	if err := c.Call("swap_getInfo", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
