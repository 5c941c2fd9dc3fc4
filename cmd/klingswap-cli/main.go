// klingswap-cli is a command-line client for interacting with a klingswapd node.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/Klingon-tech/klingswap/config"
	"github.com/Klingon-tech/klingswap/internal/node"
	"github.com/Klingon-tech/klingswap/internal/order"
	"github.com/Klingon-tech/klingswap/internal/rpc"
	"github.com/Klingon-tech/klingswap/internal/rpcclient"
	"github.com/Klingon-tech/klingswap/internal/wallet"

	"github.com/btcsuite/btcd/chaincfg"
)

// keystoreDir returns the keystore path matching klingswapd's layout:
// <datadir>/<network>/keystore
func keystoreDir(dataDir, network string) string {
	return filepath.Join(dataDir, network, "keystore")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// Parse global flags that appear before the subcommand.
	rpcURL := ""
	dataDir := config.DefaultDataDir()
	network := "mainnet"

	// Scan for --rpc, --datadir, and --network before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--datadir" && len(args) > 1:
			dataDir = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--datadir="):
			dataDir = args[0][len("--datadir="):]
			args = args[1:]
		case args[0] == "--network" && len(args) > 1:
			network = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--network="):
			network = args[0][len("--network="):]
			args = args[1:]
		case args[0] == "--testnet":
			network = "testnet"
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if rpcURL == "" {
		if network == "testnet" {
			rpcURL = "http://127.0.0.1:8745"
		} else {
			rpcURL = "http://127.0.0.1:8645"
		}
	}

	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	ksDir := keystoreDir(dataDir, network)
	client := rpcclient.New(rpcURL)
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "status":
		cmdStatus(client)
	case "order":
		cmdOrder(client, cmdArgs)
	case "pending":
		cmdPending(client)
	case "active":
		cmdActive(client)
	case "submit":
		cmdSubmit(client, cmdArgs)
	case "cancel":
		cmdCancel(client, cmdArgs)
	case "wallet":
		cmdWallet(client, cmdArgs, ksDir, network)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: klingswap-cli [global flags] <command> [flags]

Global flags:
  --rpc <url>         RPC endpoint (default: http://127.0.0.1:8645)
  --datadir <path>    Data directory (default: ~/.klingswap)
  --network <net>     mainnet (default) or testnet
  --testnet           Shorthand for --network testnet

Commands:
  status                          Show resolver status and configured chains
  order <hash>                    Show one order's execution state
  pending                         List orders awaiting their first step
  active                          List every in-flight order
  submit --file <order.json>      Submit an order for execution
  cancel <hash>                   Withdraw a pending order

  wallet create                   Create the resolver wallet
  wallet import --mnemonic "..."  Restore the resolver wallet from mnemonic
  wallet address                  Show the resolver's per-chain addresses
  wallet balance                  Show per-chain funding balances (via the daemon)
`)
}

// ── status ──────────────────────────────────────────────────────────────

func cmdStatus(client *rpcclient.Client) {
	info, err := client.GetInfo()
	if err != nil {
		fatal("swap_getInfo: %v", err)
	}

	fmt.Printf("Version:  %s\n", info.Version)
	fmt.Printf("Source:   %s\n", formatChain(info.SourceChain))
	for i, dst := range info.Destinations {
		label := "Dest:"
		if i > 0 {
			label = ""
		}
		fmt.Printf("%-9s %s\n", label, formatChain(dst))
	}
	fmt.Printf("Orders:   %d active / %d total\n", info.ActiveOrders, info.TotalOrders)
	fmt.Printf("Watching: %d\n", info.Watching)
}

func formatChain(c rpc.ChainInfo) string {
	s := fmt.Sprintf("chain %d (%s)", c.ChainID, c.Kind)
	if c.Address != "" {
		s += " " + c.Address
	}
	return s
}

// ── order inspection ────────────────────────────────────────────────────

func cmdOrder(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingswap-cli order <hash>")
	}

	res, err := client.GetOrder(args[0])
	if err != nil {
		fatal("swap_getOrder: %v", err)
	}
	printOrder(res)
}

func cmdPending(client *rpcclient.Client) {
	res, err := client.ListPending()
	if err != nil {
		fatal("swap_listPending: %v", err)
	}
	printList(res)
}

func cmdActive(client *rpcclient.Client) {
	res, err := client.ListActive()
	if err != nil {
		fatal("swap_listActive: %v", err)
	}
	printList(res)
}

func printList(res *rpc.ListResult) {
	if res.Count == 0 {
		fmt.Println("No orders.")
		return
	}
	for _, o := range res.Orders {
		fmt.Printf("%s  %d -> %d  %s  %s\n",
			o.OrderHash, o.SrcChainID, o.DstChainID, o.SrcAmount, o.Status)
	}
	fmt.Printf("Total: %d\n", res.Count)
}

func printOrder(o *rpc.OrderResult) {
	fmt.Printf("Order:    %s\n", o.OrderHash)
	fmt.Printf("Route:    chain %d -> chain %d\n", o.SrcChainID, o.DstChainID)
	fmt.Printf("Maker:    %s\n", o.Maker)
	if o.SrcToken != "" {
		fmt.Printf("SrcToken: %s\n", o.SrcToken)
	}
	if o.DstToken != "" {
		fmt.Printf("DstToken: %s\n", o.DstToken)
	}
	fmt.Printf("Amounts:  %s -> %s\n", o.SrcAmount, o.DstAmount)
	fmt.Printf("Hashlock: %s\n", o.Hashlock)
	fmt.Printf("Expiry:   %s\n", time.Unix(o.ExpiryTime, 0).UTC().Format(time.RFC3339))
	fmt.Printf("Status:   %s\n", o.Status)
	if o.UTXO != nil {
		fmt.Printf("HTLC:     %s\n", o.UTXO.HTLCAddress)
		if o.UTXO.FundingTxID != "" {
			fmt.Printf("Funding:  %s\n", o.UTXO.FundingTxID)
		}
		if o.UTXO.ClaimTxID != "" {
			fmt.Printf("Claim:    %s\n", o.UTXO.ClaimTxID)
		}
		if o.UTXO.RefundTxID != "" {
			fmt.Printf("Refund:   %s\n", o.UTXO.RefundTxID)
		}
		if o.UTXO.CLTVHeight != 0 {
			fmt.Printf("CLTV:     %d\n", o.UTXO.CLTVHeight)
		}
	}
	if o.Error != "" {
		fmt.Printf("Error:    %s\n", o.Error)
	}
	fmt.Printf("Created:  %s\n", o.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Printf("Updated:  %s\n", o.UpdatedAt.UTC().Format(time.RFC3339))
}

// ── submit / cancel ─────────────────────────────────────────────────────

func cmdSubmit(client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	file := fs.String("file", "", "Path to a JSON order file")
	fs.Parse(args)

	path := *file
	if path == "" && fs.NArg() > 0 {
		path = fs.Arg(0)
	}
	if path == "" {
		fatal("Usage: klingswap-cli submit --file <order.json>")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		fatal("read order file: %v", err)
	}

	var o order.Order
	if err := json.Unmarshal(data, &o); err != nil {
		fatal("parse order file: %v", err)
	}
	if err := o.Validate(); err != nil {
		fatal("invalid order: %v", err)
	}

	result, err := client.SubmitOrder(&o)
	if err != nil {
		fatal("swap_submitOrder: %v", err)
	}

	fmt.Printf("Order submitted: %s\n", result.OrderHash)
	fmt.Printf("Status: %s\n", result.Status)
}

func cmdCancel(client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: klingswap-cli cancel <hash>")
	}

	result, err := client.CancelOrder(args[0])
	if err != nil {
		fatal("swap_cancelOrder: %v", err)
	}

	if result.Cancelled {
		fmt.Printf("Order cancelled: %s\n", result.OrderHash)
	} else {
		fmt.Printf("Order not cancelled: %s\n", result.OrderHash)
	}
}

// ── wallet ──────────────────────────────────────────────────────────────

func cmdWallet(client *rpcclient.Client, args []string, ksDir, network string) {
	if len(args) < 1 {
		fatal("Usage: klingswap-cli wallet <create|import|address|balance> [flags]")
	}

	switch args[0] {
	case "create":
		cmdWalletCreate(ksDir, network)
	case "import":
		cmdWalletImport(args[1:], ksDir, network)
	case "address":
		cmdWalletAddress(args[1:], ksDir, network)
	case "balance":
		cmdWalletBalance(client)
	default:
		fatal("Unknown wallet command: %s\nUsage: klingswap-cli wallet <create|import|address|balance> [flags]", args[0])
	}
}

func cmdWalletBalance(client *rpcclient.Client) {
	result, err := client.GetBalances()
	if err != nil {
		fatal("swap_getBalances: %v", err)
	}
	if len(result.Balances) == 0 {
		fmt.Println("No chains configured.")
		return
	}
	for _, b := range result.Balances {
		if b.Error != "" {
			fmt.Printf("chain %d (%s)  %s  unavailable: %s\n", b.ChainID, b.Kind, b.Address, b.Error)
			continue
		}
		fmt.Printf("chain %d (%s)  %s  %s %s\n", b.ChainID, b.Kind, b.Address, b.Balance, b.Unit)
	}
}

func cmdWalletCreate(ksDir, network string) {
	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("create keystore: %v", err)
	}
	if ks.Exists(node.WalletName) {
		fatal("wallet %q already exists in %s", node.WalletName, ksDir)
	}

	mnemonic, err := wallet.GenerateMnemonic()
	if err != nil {
		fatal("generate mnemonic: %v", err)
	}

	fmt.Println("Mnemonic (write this down!):")
	fmt.Printf("  %s\n\n", mnemonic)

	password := promptNewPassword()

	seed, err := wallet.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		fatal("derive seed: %v", err)
	}

	if err := ks.Create(node.WalletName, seed, password, wallet.DefaultParams()); err != nil {
		fatal("create wallet: %v", err)
	}

	resolver, err := wallet.NewResolver(seed, network == "testnet")
	if err != nil {
		fatal("derive keys: %v", err)
	}
	for i := range seed {
		seed[i] = 0
	}

	fmt.Printf("\nWallet created: %s\n", node.WalletName)
	printAddresses(resolver, network, "cosmos")
}

func cmdWalletImport(args []string, ksDir, network string) {
	fs := flag.NewFlagSet("wallet import", flag.ExitOnError)
	mnemonic := fs.String("mnemonic", "", "BIP-39 mnemonic (24 words)")
	fs.Parse(args)

	if *mnemonic == "" {
		fatal("Usage: klingswap-cli wallet import --mnemonic \"word1 word2 ...\"")
	}
	if !wallet.ValidateMnemonic(*mnemonic) {
		fatal("invalid mnemonic")
	}

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("create keystore: %v", err)
	}
	if ks.Exists(node.WalletName) {
		fatal("wallet %q already exists in %s", node.WalletName, ksDir)
	}

	password := promptNewPassword()

	seed, err := wallet.SeedFromMnemonic(*mnemonic, "")
	if err != nil {
		fatal("derive seed: %v", err)
	}

	if err := ks.Create(node.WalletName, seed, password, wallet.DefaultParams()); err != nil {
		fatal("create wallet: %v", err)
	}

	resolver, err := wallet.NewResolver(seed, network == "testnet")
	if err != nil {
		fatal("derive keys: %v", err)
	}
	for i := range seed {
		seed[i] = 0
	}

	fmt.Printf("Wallet imported: %s\n", node.WalletName)
	printAddresses(resolver, network, "cosmos")
}

func cmdWalletAddress(args []string, ksDir, network string) {
	fs := flag.NewFlagSet("wallet address", flag.ExitOnError)
	prefix := fs.String("prefix", "cosmos", "Bech32 prefix for the Cosmos address")
	fs.Parse(args)

	ks, err := wallet.NewKeystore(ksDir)
	if err != nil {
		fatal("open keystore: %v", err)
	}
	if !ks.Exists(node.WalletName) {
		fatal("wallet %q not found in %s: run `klingswap-cli wallet create` first", node.WalletName, ksDir)
	}

	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}

	seed, err := ks.Load(node.WalletName, password)
	if err != nil {
		fatal("unlock wallet: %v", err)
	}

	resolver, err := wallet.NewResolver(seed, network == "testnet")
	if err != nil {
		fatal("derive keys: %v", err)
	}
	for i := range seed {
		seed[i] = 0
	}

	printAddresses(resolver, network, *prefix)
}

func printAddresses(r *wallet.Resolver, network, cosmosPrefix string) {
	evmAddr, err := r.EVMAddress()
	if err != nil {
		fatal("derive evm address: %v", err)
	}
	fmt.Printf("EVM:     %s\n", evmAddr.Hex())

	params := &chaincfg.MainNetParams
	if network == "testnet" {
		params = &chaincfg.TestNet3Params
	}
	btcAddr, err := r.BitcoinAddress(params)
	if err != nil {
		fatal("derive bitcoin address: %v", err)
	}
	fmt.Printf("Bitcoin: %s\n", btcAddr.String())

	cosmosAddr, err := r.CosmosAddress(cosmosPrefix)
	if err != nil {
		fatal("derive cosmos address: %v", err)
	}
	fmt.Printf("Cosmos:  %s\n", cosmosAddr)
}

// promptNewPassword asks for a password twice and insists they match.
func promptNewPassword() []byte {
	password, err := readPassword("Enter password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		fatal("read password: %v", err)
	}
	if string(password) != string(confirm) {
		fatal("passwords do not match")
	}
	return password
}

// ── Password helper ─────────────────────────────────────────────────────

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr) // newline after hidden input
	if err != nil {
		return nil, err
	}
	return password, nil
}

// ── Error helper ────────────────────────────────────────────────────────

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
