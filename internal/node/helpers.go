package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Klingon-tech/klingswap/config"
	"github.com/Klingon-tech/klingswap/internal/cosmos"
	"github.com/Klingon-tech/klingswap/internal/wallet"
)

// passwordEnvVar unlocks the keystore when no password file is
// configured.
const passwordEnvVar = "KLINGSWAP_WALLET_PASSWORD"

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// walletPassword reads the keystore password from the configured file
// or, failing that, from the environment.
func walletPassword(cfg *config.Config) ([]byte, error) {
	if cfg.Wallet.PasswordFile != "" {
		path := expandHome(cfg.Wallet.PasswordFile)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read password file %s: %w", path, err)
		}
		pw := strings.TrimRight(string(data), "\r\n")
		if pw == "" {
			return nil, fmt.Errorf("password file %s is empty", path)
		}
		return []byte(pw), nil
	}
	if pw := os.Getenv(passwordEnvVar); pw != "" {
		return []byte(pw), nil
	}
	return nil, fmt.Errorf("no wallet password: set wallet.passwordFile or %s", passwordEnvVar)
}

// openWallet unlocks the resolver seed and derives the per-chain keys.
func openWallet(cfg *config.Config) (*wallet.Resolver, error) {
	ks, err := wallet.NewKeystore(cfg.KeystoreDir())
	if err != nil {
		return nil, fmt.Errorf("open keystore: %w", err)
	}
	if !ks.Exists(WalletName) {
		return nil, fmt.Errorf("wallet %q not found in %s: run `klingswap-cli wallet create` first",
			WalletName, cfg.KeystoreDir())
	}

	password, err := walletPassword(cfg)
	if err != nil {
		return nil, err
	}
	seed, err := ks.Load(WalletName, password)
	if err != nil {
		return nil, fmt.Errorf("unlock wallet: %w", err)
	}
	defer func() {
		for i := range seed {
			seed[i] = 0
		}
	}()

	return wallet.NewResolver(seed, cfg.Network == config.Testnet)
}

// chainParams maps a bitcoin.network value to its address encoding.
func chainParams(network string) (*chaincfg.Params, error) {
	switch network {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet":
		return &chaincfg.TestNet3Params, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown bitcoin network %q", network)
	}
}

// toCosmosChain converts a registry entry into the executor's chain
// config. The native-transfer fallback needs both the node-level
// switch and an entry without a contract.
func toCosmosChain(entry config.ChainEntry, allowNativeFallback bool) cosmos.ChainConfig {
	return cosmos.ChainConfig{
		ChainID:             entry.ChainID,
		Name:                entry.Name,
		Prefix:              entry.Prefix,
		Denom:               entry.Denom,
		GasPrice:            entry.GasPrice,
		ContractAddress:     entry.ContractAddress,
		ResolverFee:         entry.ResolverFee,
		SafetyDepositBps:    entry.SafetyDepositBps,
		AllowNativeFallback: allowNativeFallback && entry.ContractAddress == "",
	}
}
