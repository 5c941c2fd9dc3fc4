// derive_key.go prints the resolver's per-chain addresses for a mnemonic file.
// Usage: go run scripts/derive_key.go [--testnet] <mnemonicfile>
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Klingon-tech/klingswap/internal/wallet"
)

func main() {
	args := os.Args[1:]
	testnet := false
	if len(args) > 0 && args[0] == "--testnet" {
		testnet = true
		args = args[1:]
	}
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: derive_key [--testnet] <mnemonicfile>")
		os.Exit(1)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	mnemonic := strings.TrimSpace(string(data))
	if !wallet.ValidateMnemonic(mnemonic) {
		fmt.Fprintln(os.Stderr, "invalid mnemonic")
		os.Exit(1)
	}
	seed, err := wallet.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	r, err := wallet.NewResolver(seed, testnet)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	for i := range seed {
		seed[i] = 0
	}

	evmAddr, err := r.EVMAddress()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	params := &chaincfg.MainNetParams
	if testnet {
		params = &chaincfg.TestNet3Params
	}
	btcAddr, err := r.BitcoinAddress(params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	cosmosAddr, err := r.CosmosAddress("cosmos")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("evm=%s\n", evmAddr.Hex())
	fmt.Printf("bitcoin=%s\n", btcAddr.String())
	fmt.Printf("cosmos=%s\n", cosmosAddr)
}
