package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ChainEntry is one account-model destination network in the
// chains.yaml registry.
type ChainEntry struct {
	// ChainID is the numeric id orders route by.
	ChainID uint64 `yaml:"chainId"`
	// Name is the network's chain-id string, e.g. "neutron-1".
	Name string `yaml:"name"`
	// RPCURL is the CometBFT RPC endpoint.
	RPCURL string `yaml:"rpcUrl"`
	// Prefix is the bech32 account prefix.
	Prefix string `yaml:"prefix"`
	// Denom is the native fee and lock denomination.
	Denom string `yaml:"denom"`
	// GasPrice is the decimal fee price in Denom per gas unit.
	GasPrice string `yaml:"gasPrice"`
	// ContractAddress is the swap contract; empty means the chain has
	// no contract support.
	ContractAddress string `yaml:"contractAddress"`
	// ResolverFee is the flat fee, in base units, added to the lock.
	ResolverFee int64 `yaml:"resolverFee"`
	// SafetyDepositBps is the collateral rate applied to the amount.
	SafetyDepositBps int64 `yaml:"safetyDepositBps"`
	// TimeoutSeconds is the contract lock lifetime.
	TimeoutSeconds int64 `yaml:"timeoutSeconds"`
	// ExpiryMarginSeconds is how much earlier than the lock an order
	// must expire.
	ExpiryMarginSeconds int64 `yaml:"expiryMarginSeconds"`
	// GasCeiling is the gas limit used when simulation fails.
	GasCeiling uint64 `yaml:"gasCeiling"`
}

type chainRegistry struct {
	Chains []ChainEntry `yaml:"chains"`
}

// LoadChains reads the chain registry. A missing file yields an empty
// registry, so a resolver serving only the UTXO destination needs no
// chains.yaml at all.
func LoadChains(path string) ([]ChainEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var reg chainRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	seen := make(map[uint64]struct{}, len(reg.Chains))
	for i, c := range reg.Chains {
		if c.ChainID == 0 {
			return nil, fmt.Errorf("%s: chains[%d]: chainId must be set", path, i)
		}
		if _, ok := seen[c.ChainID]; ok {
			return nil, fmt.Errorf("%s: duplicate chainId %d", path, c.ChainID)
		}
		seen[c.ChainID] = struct{}{}
		if c.Name == "" {
			return nil, fmt.Errorf("%s: chains[%d]: name must be set", path, i)
		}
		if c.RPCURL == "" {
			return nil, fmt.Errorf("%s: chains[%d] (%s): rpcUrl must be set", path, i, c.Name)
		}
		if c.Prefix == "" || c.Denom == "" {
			return nil, fmt.Errorf("%s: chains[%d] (%s): prefix and denom must be set", path, i, c.Name)
		}
	}
	return reg.Chains, nil
}

// WriteDefaultChains writes a commented example registry.
func WriteDefaultChains(path string) error {
	content := `# Klingswap destination chain registry.
#
# Each entry is one account-model network the resolver can place
# hash-locked funds on. Orders route by chainId.

chains: []

# Example:
#
# chains:
#   - chainId: 9000
#     name: neutron-1
#     rpcUrl: https://rpc.neutron.example.com:26657
#     prefix: neutron
#     denom: untrn
#     gasPrice: "0.025"
#     contractAddress: neutron1...
#     resolverFee: 1000
#     safetyDepositBps: 50
#     timeoutSeconds: 3600
`
	return os.WriteFile(path, []byte(content), 0644)
}
