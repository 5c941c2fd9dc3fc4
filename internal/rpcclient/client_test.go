package rpcclient

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	klog "github.com/Klingon-tech/klingswap/internal/log"
	"github.com/Klingon-tech/klingswap/internal/order"
	"github.com/Klingon-tech/klingswap/internal/rpc"
	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/types"
)

// memSwapper is a minimal in-memory engine stand-in behind the server.
type memSwapper struct {
	mu     sync.Mutex
	orders map[types.Hash]*order.Context
}

func (s *memSwapper) SubmitOrder(_ context.Context, o *order.Order) (*order.Context, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	octx := order.NewContext(o)
	s.orders[o.OrderHash] = octx
	return octx, nil
}

func (s *memSwapper) Status(hash types.Hash) (*order.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	octx, ok := s.orders[hash]
	if !ok {
		return nil, fmt.Errorf("%s: %w", hash.Short(), order.ErrNotFound)
	}
	return octx, nil
}

func (s *memSwapper) Cancel(hash types.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	octx, ok := s.orders[hash]
	if !ok {
		return fmt.Errorf("%s: %w", hash.Short(), order.ErrNotFound)
	}
	octx.Status = order.StatusFailed
	return nil
}

func (s *memSwapper) Pending() []*order.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*order.Context
	for _, c := range s.orders {
		if c.Status == order.StatusPending {
			out = append(out, c)
		}
	}
	return out
}

func (s *memSwapper) Active() []*order.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*order.Context
	for _, c := range s.orders {
		if !c.Terminal() {
			out = append(out, c)
		}
	}
	return out
}

func setupTestEnv(t *testing.T) *Client {
	t.Helper()
	klog.Init("error", false, "")

	swapper := &memSwapper{orders: make(map[types.Hash]*order.Context)}
	info := func() rpc.InfoResult {
		return rpc.InfoResult{
			Version:     "test",
			SourceChain: rpc.ChainInfo{ChainID: 11155111, Kind: "evm"},
		}
	}

	srv := rpc.New("127.0.0.1:0", swapper, info)
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return New("http://" + srv.Addr() + "/")
}

func testOrder(seed byte) *order.Order {
	var hash types.Hash
	hash[0] = seed
	var secret types.Secret
	secret[0] = seed
	return &order.Order{
		OrderHash:  hash,
		SrcChainID: 11155111,
		DstChainID: 9000,
		Maker:      "0x1111111111111111111111111111111111111111",
		SrcAmount:  big.NewInt(1000),
		DstAmount:  big.NewInt(900),
		Hashlock:   swap.HashSecret(secret),
		ExpiryTime: time.Now().Add(time.Hour).Unix(),
	}
}

func TestClient_SubmitAndGetOrder(t *testing.T) {
	client := setupTestEnv(t)
	o := testOrder(0x01)

	res, err := client.SubmitOrder(o)
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if res.OrderHash != o.OrderHash.String() {
		t.Errorf("orderHash = %q, want %q", res.OrderHash, o.OrderHash)
	}
	if res.Status != "pending" {
		t.Errorf("status = %q, want pending", res.Status)
	}

	got, err := client.GetOrder(o.OrderHash.String())
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Maker != o.Maker || got.DstChainID != o.DstChainID {
		t.Errorf("unexpected order %+v", got)
	}
}

func TestClient_CancelOrder(t *testing.T) {
	client := setupTestEnv(t)
	o := testOrder(0x02)
	if _, err := client.SubmitOrder(o); err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}

	res, err := client.CancelOrder(o.OrderHash.String())
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if !res.Cancelled {
		t.Error("cancelled = false, want true")
	}
}

func TestClient_ListPending(t *testing.T) {
	client := setupTestEnv(t)
	for seed := byte(0x10); seed < 0x12; seed++ {
		if _, err := client.SubmitOrder(testOrder(seed)); err != nil {
			t.Fatalf("SubmitOrder: %v", err)
		}
	}

	res, err := client.ListPending()
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if res.Count != 2 {
		t.Errorf("count = %d, want 2", res.Count)
	}
}

func TestClient_GetInfo(t *testing.T) {
	client := setupTestEnv(t)

	res, err := client.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if res.SourceChain.ChainID != 11155111 {
		t.Errorf("source chain = %d, want 11155111", res.SourceChain.ChainID)
	}
}

func TestClient_GetOrder_NotFound(t *testing.T) {
	client := setupTestEnv(t)

	fakeHash := hex.EncodeToString(make([]byte, 32))
	_, err := client.GetOrder(fakeHash)
	if err == nil {
		t.Fatal("expected error for unknown order")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("expected RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != -32000 {
		t.Errorf("error code = %d, want -32000", rpcErr.Code)
	}
}

func TestClient_Call_InvalidEndpoint(t *testing.T) {
	client := New("http://127.0.0.1:1/") // port 1 refuses connections

	var result rpc.InfoResult
	if err := client.Call("swap_getInfo", nil, &result); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestClient_Call_MethodNotFound(t *testing.T) {
	client := setupTestEnv(t)

	err := client.Call("nonexistent_method", nil, nil)
	if err == nil {
		t.Fatal("expected error for unknown method")
	}
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("expected RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != -32601 {
		t.Errorf("error code = %d, want -32601", rpcErr.Code)
	}
}

func TestClient_GetBalances(t *testing.T) {
	klog.Init("error", false, "")
	swapper := &memSwapper{orders: make(map[types.Hash]*order.Context)}
	srv := rpc.New("127.0.0.1:0", swapper, nil)
	srv.SetBalancesFunc(func(ctx context.Context) []rpc.ChainBalance {
		return []rpc.ChainBalance{
			{ChainID: 1003, Kind: "utxo", Address: "bc1q...", Balance: "250000", Unit: "sat"},
		}
	})
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	client := New("http://" + srv.Addr() + "/")

	result, err := client.GetBalances()
	if err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	if len(result.Balances) != 1 {
		t.Fatalf("balances = %d, want 1", len(result.Balances))
	}
	if result.Balances[0].Balance != "250000" || result.Balances[0].Unit != "sat" {
		t.Errorf("entry = %+v", result.Balances[0])
	}
}
