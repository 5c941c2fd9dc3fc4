// Package config handles resolver configuration.
//
// Configuration comes from three layers, lowest precedence first:
// built-in defaults, the klingswap.conf file, and command-line flags.
// A separate chains.yaml registry describes the account-model
// destination networks and is loaded independently.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// Config holds resolver runtime configuration.
type Config struct {
	// Core
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// RPC server
	RPC RPCConfig

	// Wallet / key material
	Wallet WalletConfig

	// Source chain (EVM)
	EVM EVMConfig

	// UTXO destination chain
	Bitcoin BitcoinConfig

	// Account-model destination chains
	Cosmos CosmosConfig

	// Execution engine
	Execution ExecutionConfig

	// Source-chain event monitor
	Monitor MonitorConfig

	// Refund sweeper
	Refund RefundConfig

	// Order store
	Store StoreConfig

	// Logging
	Log LogConfig
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// WalletConfig holds key-material settings. The resolver derives all
// chain keys from one mnemonic kept in the encrypted keystore.
type WalletConfig struct {
	// PasswordFile unlocks the keystore non-interactively. When empty
	// the KLINGSWAP_WALLET_PASSWORD environment variable is consulted.
	PasswordFile string `conf:"wallet.passwordFile"`
}

// EVMConfig holds source-chain settings.
type EVMConfig struct {
	ChainID         uint64 `conf:"evm.chainId"`
	RPCURL          string `conf:"evm.rpcUrl"`
	FactoryAddress  string `conf:"evm.factoryAddress"`
	RegistryAddress string `conf:"evm.registryAddress"`
	// GasLimit is the submission ceiling used when estimation fails.
	GasLimit uint64 `conf:"evm.gasLimit"`
}

// BitcoinConfig holds UTXO destination settings.
type BitcoinConfig struct {
	// Network selects address encodings: mainnet, testnet, or regtest.
	Network string `conf:"bitcoin.network"`
	// ChainID is the numeric id orders route by; zero disables the
	// UTXO destination entirely.
	ChainID uint64 `conf:"bitcoin.chainId"`
	// APIURL is the Esplora-compatible HTTP endpoint.
	APIURL string `conf:"bitcoin.apiUrl"`
	// FeeRate is the fallback sat/vB used when the API has no estimate.
	FeeRate int64 `conf:"bitcoin.feeRate"`
	// HTLCTimelock is the relative CLTV delta, in blocks, for new HTLCs.
	HTLCTimelock int64 `conf:"bitcoin.htlcTimelock"`
	// TimelockFloor rejects orders whose timelock is too short to
	// refund safely.
	TimelockFloor    int64 `conf:"bitcoin.timelockFloor"`
	MinConfirmations int64 `conf:"bitcoin.minConfirmations"`
	DustThreshold    int64 `conf:"bitcoin.dustThreshold"`
}

// CosmosConfig holds account-model destination settings. The per-chain
// details live in the chains.yaml registry.
type CosmosConfig struct {
	ChainsFile string `conf:"cosmos.chainsFile"`
	// AllowNativeFallback permits non-atomic bank transfers on chains
	// without a swap contract. Off by default; see LoadChains.
	AllowNativeFallback bool `conf:"cosmos.allowNativeFallback"`
}

// ExecutionConfig holds engine retry and timeout policy.
type ExecutionConfig struct {
	RetryAttempts int `conf:"execution.retryAttempts"`
	// RetryDelaySeconds is the base backoff between attempts.
	RetryDelaySeconds int `conf:"execution.retryDelay"`
	// TimeoutSeconds bounds a single execution step.
	TimeoutSeconds int `conf:"execution.timeoutSeconds"`
}

// MonitorConfig holds source-chain scan settings.
type MonitorConfig struct {
	PollIntervalSeconds int    `conf:"monitor.pollInterval"`
	ConfirmationDepth   uint64 `conf:"monitor.confirmationDepth"`
	ReorgDepth          uint64 `conf:"monitor.reorgDepth"`
	// StartBlock is where the first scan begins when no cursor is
	// stored yet. Set it to the factory deployment height.
	StartBlock uint64 `conf:"monitor.startBlock"`
}

// RefundConfig holds refund sweeper settings.
type RefundConfig struct {
	CheckIntervalSeconds int `conf:"refund.checkInterval"`
}

// StoreConfig holds order store settings.
type StoreConfig struct {
	FlushIntervalSeconds int `conf:"store.flushInterval"`
	// RetentionDays prunes terminal orders older than this; zero keeps
	// everything.
	RetentionDays int `conf:"store.retentionDays"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.klingswap
//	macOS:   ~/Library/Application Support/Klingswap
//	Windows: %APPDATA%\Klingswap
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".klingswap"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Klingswap")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Klingswap")
		}
		return filepath.Join(home, "AppData", "Roaming", "Klingswap")
	default:
		return filepath.Join(home, ".klingswap")
	}
}

// NetworkDataDir returns the network-specific data directory.
func (c *Config) NetworkDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// OrdersDir returns the order store directory.
func (c *Config) OrdersDir() string {
	return filepath.Join(c.NetworkDataDir(), "orders")
}

// StateDir returns the node database directory (UTXO cache mirror,
// monitor cursor, seen index).
func (c *Config) StateDir() string {
	return filepath.Join(c.NetworkDataDir(), "state")
}

// KeystoreDir returns the keystore directory.
func (c *Config) KeystoreDir() string {
	return filepath.Join(c.NetworkDataDir(), "keystore")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "klingswap.conf")
}

// ChainsFile resolves the chain registry path. Relative paths are
// taken against the data directory.
func (c *Config) ChainsFile() string {
	path := c.Cosmos.ChainsFile
	if path == "" {
		path = "chains.yaml"
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}
