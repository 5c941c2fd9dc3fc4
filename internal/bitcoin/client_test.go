package bitcoin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingswap/internal/swap"
)

// fakeEsplora serves the subset of the Esplora REST API the client
// touches. Zero-value fields mean "not configured for this test".
type fakeEsplora struct {
	tip             int64
	utxoJSON        string
	feeJSON         string
	rawTx           map[string]string
	statusJSON      map[string]string
	broadcastStatus int
	broadcastBody   string
	lastBroadcast   string
}

func (f *fakeEsplora) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/blocks/tip/height":
			fmt.Fprintf(w, "%d", f.tip)
		case strings.HasPrefix(r.URL.Path, "/address/") && strings.HasSuffix(r.URL.Path, "/utxo"):
			io.WriteString(w, f.utxoJSON)
		case r.URL.Path == "/fee-estimates":
			io.WriteString(w, f.feeJSON)
		case r.URL.Path == "/tx" && r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			f.lastBroadcast = string(body)
			if f.broadcastStatus != 0 {
				w.WriteHeader(f.broadcastStatus)
			}
			io.WriteString(w, f.broadcastBody)
		case strings.HasSuffix(r.URL.Path, "/hex"):
			txid := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/tx/"), "/hex")
			raw, ok := f.rawTx[txid]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				io.WriteString(w, "Transaction not found")
				return
			}
			io.WriteString(w, raw)
		case strings.HasSuffix(r.URL.Path, "/status"):
			txid := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/tx/"), "/status")
			st, ok := f.statusJSON[txid]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				io.WriteString(w, "Transaction not found")
				return
			}
			io.WriteString(w, st)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newTestClient(t *testing.T, f *fakeEsplora) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	return NewClient(srv.URL)
}

func TestClient_GetCurrentBlockHeight(t *testing.T) {
	c := newTestClient(t, &fakeEsplora{tip: 812345})
	height, err := c.GetCurrentBlockHeight(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentBlockHeight: %v", err)
	}
	if height != 812345 {
		t.Errorf("height = %d, want 812345", height)
	}
}

func TestClient_TrimsTrailingSlash(t *testing.T) {
	f := &fakeEsplora{tip: 100}
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL + "/")
	if _, err := c.GetCurrentBlockHeight(context.Background()); err != nil {
		t.Fatalf("trailing slash broke the base url: %v", err)
	}
}

func TestClient_GetUTXOs(t *testing.T) {
	c := newTestClient(t, &fakeEsplora{
		tip: 800010,
		utxoJSON: `[
			{"txid":"aa","vout":1,"value":50000,"status":{"confirmed":true,"block_height":800001}},
			{"txid":"bb","vout":0,"value":30000,"status":{"confirmed":false}}
		]`,
	})

	utxos, err := c.GetUTXOs(context.Background(), "2N6example")
	if err != nil {
		t.Fatalf("GetUTXOs: %v", err)
	}
	if len(utxos) != 2 {
		t.Fatalf("got %d utxos, want 2", len(utxos))
	}
	if utxos[0].TxID != "aa" || utxos[0].Vout != 1 || utxos[0].Value != 50000 {
		t.Errorf("utxo[0] = %+v", utxos[0])
	}
	if utxos[0].Confirmations != 10 {
		t.Errorf("confirmations = %d, want 10", utxos[0].Confirmations)
	}
	if utxos[1].Confirmations != 0 {
		t.Errorf("mempool utxo confirmations = %d, want 0", utxos[1].Confirmations)
	}
}

func TestClient_GetFeeRate(t *testing.T) {
	c := newTestClient(t, &fakeEsplora{
		feeJSON: `{"1": 30.1, "3": 12.2, "6": 5.0, "144": 0.8}`,
	})

	tests := []struct {
		target  int
		want    int64
		wantErr bool
	}{
		{1, 31, false},
		{3, 13, false},
		{4, 5, false},  // walks to the next quoted target
		{7, 1, false},  // 0.8 sat/vB rounds up to the floor of 1
		{0, 31, false}, // clamps to 1
		{145, 0, true}, // nothing quoted at or above
	}
	for _, tt := range tests {
		rate, err := c.GetFeeRate(context.Background(), tt.target)
		if tt.wantErr {
			if err == nil {
				t.Errorf("target %d: expected error, got rate %d", tt.target, rate)
			}
			continue
		}
		if err != nil {
			t.Errorf("target %d: %v", tt.target, err)
			continue
		}
		if rate != tt.want {
			t.Errorf("target %d: rate = %d, want %d", tt.target, rate, tt.want)
		}
	}
}

func TestClient_BroadcastTransaction(t *testing.T) {
	f := &fakeEsplora{broadcastBody: "deadbeef00"}
	c := newTestClient(t, f)

	txid, err := c.BroadcastTransaction(context.Background(), "0100abcd")
	if err != nil {
		t.Fatalf("BroadcastTransaction: %v", err)
	}
	if txid != "deadbeef00" {
		t.Errorf("txid = %q, want deadbeef00", txid)
	}
	if f.lastBroadcast != "0100abcd" {
		t.Errorf("server received %q, want the raw hex", f.lastBroadcast)
	}
}

func TestClient_BroadcastTransaction_AlreadyKnown(t *testing.T) {
	c := newTestClient(t, &fakeEsplora{
		broadcastStatus: http.StatusBadRequest,
		broadcastBody:   `sendrawtransaction RPC error: {"code":-27,"message":"Transaction already in block chain"}`,
	})
	_, err := c.BroadcastTransaction(context.Background(), "0100abcd")
	if !errors.Is(err, swap.ErrAlreadyBroadcast) {
		t.Errorf("expected ErrAlreadyBroadcast, got: %v", err)
	}

	c = newTestClient(t, &fakeEsplora{
		broadcastStatus: http.StatusBadRequest,
		broadcastBody:   "txn-already-in-mempool",
	})
	_, err = c.BroadcastTransaction(context.Background(), "0100abcd")
	if !errors.Is(err, swap.ErrAlreadyBroadcast) {
		t.Errorf("expected ErrAlreadyBroadcast for mempool duplicate, got: %v", err)
	}
}

func TestClient_BroadcastTransaction_Rejected(t *testing.T) {
	c := newTestClient(t, &fakeEsplora{
		broadcastStatus: http.StatusBadRequest,
		broadcastBody:   "min relay fee not met",
	})
	_, err := c.BroadcastTransaction(context.Background(), "0100abcd")
	if !errors.Is(err, swap.ErrChainRejection) {
		t.Errorf("expected ErrChainRejection, got: %v", err)
	}
	if errors.Is(err, swap.ErrTransientRPC) {
		t.Error("a policy rejection must not look transient")
	}
}

func TestClient_BroadcastTransaction_ServerError(t *testing.T) {
	for _, status := range []int{http.StatusInternalServerError, http.StatusTooManyRequests} {
		c := newTestClient(t, &fakeEsplora{broadcastStatus: status})
		_, err := c.BroadcastTransaction(context.Background(), "0100abcd")
		if !errors.Is(err, swap.ErrTransientRPC) {
			t.Errorf("HTTP %d: expected ErrTransientRPC, got: %v", status, err)
		}
	}
}

func TestClient_GetRawTransaction(t *testing.T) {
	c := newTestClient(t, &fakeEsplora{
		rawTx: map[string]string{"aa": "0100beef"},
	})

	raw, err := c.GetRawTransaction(context.Background(), "aa")
	if err != nil {
		t.Fatalf("GetRawTransaction: %v", err)
	}
	if raw != "0100beef" {
		t.Errorf("raw = %q, want 0100beef", raw)
	}

	_, err = c.GetRawTransaction(context.Background(), "missing")
	if !errors.Is(err, ErrTxNotFound) {
		t.Errorf("expected ErrTxNotFound, got: %v", err)
	}
}

func TestClient_GetConfirmations(t *testing.T) {
	c := newTestClient(t, &fakeEsplora{
		tip: 800010,
		statusJSON: map[string]string{
			"confirmed": `{"confirmed":true,"block_height":800001,"block_hash":"00aa"}`,
			"mempool":   `{"confirmed":false}`,
		},
	})

	conf, err := c.GetConfirmations(context.Background(), "confirmed")
	if err != nil {
		t.Fatalf("GetConfirmations: %v", err)
	}
	if conf != 10 {
		t.Errorf("confirmations = %d, want 10", conf)
	}

	conf, err = c.GetConfirmations(context.Background(), "mempool")
	if err != nil {
		t.Fatalf("GetConfirmations mempool: %v", err)
	}
	if conf != 0 {
		t.Errorf("mempool confirmations = %d, want 0", conf)
	}

	_, err = c.GetConfirmations(context.Background(), "gone")
	if !errors.Is(err, ErrTxNotFound) {
		t.Errorf("expected ErrTxNotFound for a dropped tx, got: %v", err)
	}
}

func TestClient_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer((&fakeEsplora{}).handler())
	c := NewClient(srv.URL)
	srv.Close()

	_, err := c.GetCurrentBlockHeight(context.Background())
	if !errors.Is(err, swap.ErrTransientRPC) {
		t.Errorf("expected ErrTransientRPC for a connection failure, got: %v", err)
	}
}
