package config

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// LoadFile loads resolver configuration from a .conf file.
// Format: key = value (one per line, # for comments)
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse key = value
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// RPC
	case "rpc.enabled", "rpc":
		cfg.RPC.Enabled = parseBool(value)
	case "rpc.addr":
		cfg.RPC.Addr = value
	case "rpc.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.RPC.Port = port
	case "rpc.listen":
		// host:port in one key
		host, portStr, err := net.SplitHostPort(value)
		if err != nil {
			return fmt.Errorf("expected host:port: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return err
		}
		cfg.RPC.Addr = host
		cfg.RPC.Port = port
	case "rpc.allowed":
		cfg.RPC.AllowedIPs = parseStringList(value)
	case "rpc.cors":
		cfg.RPC.CORSOrigins = parseStringList(value)

	// Wallet
	case "wallet.passwordFile":
		cfg.Wallet.PasswordFile = value

	// EVM source chain
	case "evm.chainId":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.EVM.ChainID = n
	case "evm.rpcUrl":
		cfg.EVM.RPCURL = value
	case "evm.factoryAddress":
		cfg.EVM.FactoryAddress = value
	case "evm.registryAddress":
		cfg.EVM.RegistryAddress = value
	case "evm.gasLimit":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.EVM.GasLimit = n

	// UTXO destination
	case "bitcoin.network":
		cfg.Bitcoin.Network = value
	case "bitcoin.chainId":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Bitcoin.ChainID = n
	case "bitcoin.apiUrl":
		cfg.Bitcoin.APIURL = value
	case "bitcoin.feeRate":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Bitcoin.FeeRate = n
	case "bitcoin.htlcTimelock":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Bitcoin.HTLCTimelock = n
	case "bitcoin.timelockFloor":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Bitcoin.TimelockFloor = n
	case "bitcoin.minConfirmations":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Bitcoin.MinConfirmations = n
	case "bitcoin.dustThreshold":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Bitcoin.DustThreshold = n

	// Account-model destinations
	case "cosmos.chainsFile":
		cfg.Cosmos.ChainsFile = value
	case "cosmos.allowNativeFallback":
		cfg.Cosmos.AllowNativeFallback = parseBool(value)

	// Execution engine
	case "execution.retryAttempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Execution.RetryAttempts = n
	case "execution.retryDelay":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Execution.RetryDelaySeconds = n
	case "execution.timeoutSeconds":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Execution.TimeoutSeconds = n

	// Monitor
	case "monitor.pollInterval":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Monitor.PollIntervalSeconds = n
	case "monitor.confirmationDepth":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Monitor.ConfirmationDepth = n
	case "monitor.reorgDepth":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Monitor.ReorgDepth = n
	case "monitor.startBlock":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		cfg.Monitor.StartBlock = n

	// Refund sweeper
	case "refund.checkInterval":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Refund.CheckIntervalSeconds = n

	// Order store
	case "store.flushInterval":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Store.FlushIntervalSeconds = n
	case "store.retentionDays":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Store.RetentionDays = n

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// parseStringList parses a comma-separated list.
func parseStringList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// WriteDefaultConfig writes a default resolver configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	d := Default(network)
	content := `# Klingswap Resolver Configuration
#
# The resolver fills cross-chain swap orders: it matches escrows on the
# EVM source chain and places hash-locked funds on the destination
# chain. Account-model destination networks are listed separately in
# chains.yaml.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingswap)
# datadir = ~/.klingswap

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = ` + strconv.Itoa(d.RPC.Port) + `
rpc.allowed = 127.0.0.1
# CORS allowed origins ("*" for all)
# rpc.cors = http://localhost:3000

# ============================================================================
# Wallet
# ============================================================================

# File holding the keystore password, for unattended start. When unset
# the KLINGSWAP_WALLET_PASSWORD environment variable is used instead.
# wallet.passwordFile = ~/.klingswap/wallet.pass

# ============================================================================
# EVM Source Chain
# ============================================================================

evm.chainId = ` + strconv.FormatUint(d.EVM.ChainID, 10) + `
# evm.rpcUrl = https://rpc.example.com
# evm.factoryAddress = 0x...
# evm.registryAddress = 0x...
evm.gasLimit = ` + strconv.FormatUint(d.EVM.GasLimit, 10) + `

# ============================================================================
# Bitcoin Destination
# ============================================================================

bitcoin.network = ` + d.Bitcoin.Network + `
bitcoin.chainId = ` + strconv.FormatUint(d.Bitcoin.ChainID, 10) + `
bitcoin.apiUrl = ` + d.Bitcoin.APIURL + `
# Fallback fee rate in sat/vB when the API has no estimate
bitcoin.feeRate = ` + strconv.FormatInt(d.Bitcoin.FeeRate, 10) + `
# HTLC timelock in blocks
bitcoin.htlcTimelock = ` + strconv.FormatInt(d.Bitcoin.HTLCTimelock, 10) + `
bitcoin.timelockFloor = ` + strconv.FormatInt(d.Bitcoin.TimelockFloor, 10) + `
bitcoin.minConfirmations = ` + strconv.FormatInt(d.Bitcoin.MinConfirmations, 10) + `
bitcoin.dustThreshold = ` + strconv.FormatInt(d.Bitcoin.DustThreshold, 10) + `

# ============================================================================
# Cosmos Destinations
# ============================================================================

# Chain registry, relative paths resolve against the data directory
cosmos.chainsFile = chains.yaml
# Permit non-atomic bank transfers on chains without a swap contract
cosmos.allowNativeFallback = false

# ============================================================================
# Execution
# ============================================================================

execution.retryAttempts = ` + strconv.Itoa(d.Execution.RetryAttempts) + `
# Base backoff between attempts, in seconds
execution.retryDelay = ` + strconv.Itoa(d.Execution.RetryDelaySeconds) + `
execution.timeoutSeconds = ` + strconv.Itoa(d.Execution.TimeoutSeconds) + `

# ============================================================================
# Source-Chain Monitor
# ============================================================================

# Poll interval in seconds
monitor.pollInterval = ` + strconv.Itoa(d.Monitor.PollIntervalSeconds) + `
# Blocks below the tip a log must be before delivery
monitor.confirmationDepth = ` + strconv.FormatUint(d.Monitor.ConfirmationDepth, 10) + `
# Blocks re-scanned each pass to absorb reorgs
monitor.reorgDepth = ` + strconv.FormatUint(d.Monitor.ReorgDepth, 10) + `
# First scan height when no cursor exists (factory deployment height)
# monitor.startBlock = 0

# ============================================================================
# Refunds
# ============================================================================

# Expiry sweep interval in seconds
refund.checkInterval = ` + strconv.Itoa(d.Refund.CheckIntervalSeconds) + `

# ============================================================================
# Order Store
# ============================================================================

# Background flush interval in seconds
store.flushInterval = ` + strconv.Itoa(d.Store.FlushIntervalSeconds) + `
# Days terminal orders are kept before pruning (0 = keep forever)
store.retentionDays = ` + strconv.Itoa(d.Store.RetentionDays) + `

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}
