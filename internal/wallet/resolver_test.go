package wallet

import (
	"bytes"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
)

func newTestResolver(t *testing.T, testnet bool) *Resolver {
	t.Helper()
	r, err := NewResolver(testSeed(t), testnet)
	if err != nil {
		t.Fatalf("NewResolver() error: %v", err)
	}
	return r
}

func TestNewResolver(t *testing.T) {
	r := newTestResolver(t, false)

	btcPub := r.BitcoinPubKey()
	cosmosPub := r.CosmosPubKey()
	if len(btcPub) != 33 || len(cosmosPub) != 33 {
		t.Fatalf("pubkey lengths = %d, %d, want 33", len(btcPub), len(cosmosPub))
	}
	if bytes.Equal(btcPub, cosmosPub) {
		t.Error("bitcoin and cosmos keys should differ (different coin types)")
	}

	evmPriv, err := r.EVMPrivKey()
	if err != nil {
		t.Fatalf("EVMPrivKey() error: %v", err)
	}
	if evmPriv.D.Sign() == 0 {
		t.Error("EVM private key is zero")
	}
}

func TestNewResolver_InvalidSeed(t *testing.T) {
	if _, err := NewResolver([]byte("short"), false); err == nil {
		t.Error("NewResolver() with short seed should fail")
	}
}

func TestNewResolver_Deterministic(t *testing.T) {
	r1 := newTestResolver(t, false)
	r2 := newTestResolver(t, false)

	if !bytes.Equal(r1.BitcoinPubKey(), r2.BitcoinPubKey()) {
		t.Error("same seed should derive same bitcoin key")
	}

	a1, err := r1.EVMAddress()
	if err != nil {
		t.Fatalf("EVMAddress() error: %v", err)
	}
	a2, err := r2.EVMAddress()
	if err != nil {
		t.Fatalf("EVMAddress() error: %v", err)
	}
	if a1 != a2 {
		t.Errorf("same seed derived different EVM addresses: %s vs %s", a1, a2)
	}
}

func TestNewResolver_TestnetChangesOnlyBitcoin(t *testing.T) {
	mainnet := newTestResolver(t, false)
	testnet := newTestResolver(t, true)

	if bytes.Equal(mainnet.BitcoinPubKey(), testnet.BitcoinPubKey()) {
		t.Error("testnet flag should switch the bitcoin coin type")
	}
	if !bytes.Equal(mainnet.CosmosPubKey(), testnet.CosmosPubKey()) {
		t.Error("testnet flag should not affect the cosmos key")
	}

	ma, _ := mainnet.EVMAddress()
	ta, _ := testnet.EVMAddress()
	if ma != ta {
		t.Error("testnet flag should not affect the EVM key")
	}
}

func TestResolver_BitcoinPrivKeyMatchesPubKey(t *testing.T) {
	r := newTestResolver(t, false)

	priv := r.BitcoinPrivKey()
	if priv == nil {
		t.Fatal("BitcoinPrivKey() returned nil")
	}
	if !bytes.Equal(priv.PubKey().SerializeCompressed(), r.BitcoinPubKey()) {
		t.Error("BitcoinPrivKey public key does not match BitcoinPubKey")
	}
}

func TestResolver_BitcoinAddress(t *testing.T) {
	r := newTestResolver(t, false)

	mainAddr, err := r.BitcoinAddress(&chaincfg.MainNetParams)
	if err != nil {
		t.Fatalf("BitcoinAddress(mainnet) error: %v", err)
	}
	if !strings.HasPrefix(mainAddr.EncodeAddress(), "bc1") {
		t.Errorf("mainnet address = %s, want bc1 prefix", mainAddr.EncodeAddress())
	}

	testAddr, err := r.BitcoinAddress(&chaincfg.TestNet3Params)
	if err != nil {
		t.Fatalf("BitcoinAddress(testnet) error: %v", err)
	}
	if !strings.HasPrefix(testAddr.EncodeAddress(), "tb1") {
		t.Errorf("testnet address = %s, want tb1 prefix", testAddr.EncodeAddress())
	}
}

func TestResolver_EVMAddress(t *testing.T) {
	r := newTestResolver(t, false)

	addr, err := r.EVMAddress()
	if err != nil {
		t.Fatalf("EVMAddress() error: %v", err)
	}
	var zero [20]byte
	if bytes.Equal(addr.Bytes(), zero[:]) {
		t.Error("EVM address is zero")
	}
}

func TestResolver_CosmosAddress(t *testing.T) {
	r := newTestResolver(t, false)

	addr, err := r.CosmosAddress("cosmos")
	if err != nil {
		t.Fatalf("CosmosAddress() error: %v", err)
	}
	if !strings.HasPrefix(addr, "cosmos1") {
		t.Errorf("address = %s, want cosmos1 prefix", addr)
	}

	other, err := r.CosmosAddress("osmo")
	if err != nil {
		t.Fatalf("CosmosAddress(osmo) error: %v", err)
	}
	if !strings.HasPrefix(other, "osmo1") {
		t.Errorf("address = %s, want osmo1 prefix", other)
	}

	if _, err := r.CosmosAddress(""); err == nil {
		t.Error("CosmosAddress with empty prefix should fail")
	}
}
