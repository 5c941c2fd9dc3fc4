package config

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Validate checks runtime resolver config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}

	if cfg.EVM.ChainID == 0 {
		return fmt.Errorf("evm.chainId must be set")
	}
	if cfg.EVM.FactoryAddress != "" && !common.IsHexAddress(cfg.EVM.FactoryAddress) {
		return fmt.Errorf("evm.factoryAddress %q is not a hex address", cfg.EVM.FactoryAddress)
	}
	if cfg.EVM.RegistryAddress != "" && !common.IsHexAddress(cfg.EVM.RegistryAddress) {
		return fmt.Errorf("evm.registryAddress %q is not a hex address", cfg.EVM.RegistryAddress)
	}

	switch cfg.Bitcoin.Network {
	case "mainnet", "testnet", "regtest":
	default:
		return fmt.Errorf("bitcoin.network must be mainnet, testnet, or regtest")
	}
	if cfg.Bitcoin.ChainID != 0 {
		if cfg.Bitcoin.ChainID == cfg.EVM.ChainID {
			return fmt.Errorf("bitcoin.chainId collides with evm.chainId")
		}
		if cfg.Bitcoin.FeeRate <= 0 {
			return fmt.Errorf("bitcoin.feeRate must be positive")
		}
		if cfg.Bitcoin.HTLCTimelock <= 0 {
			return fmt.Errorf("bitcoin.htlcTimelock must be positive")
		}
		if cfg.Bitcoin.TimelockFloor < 0 {
			return fmt.Errorf("bitcoin.timelockFloor must not be negative")
		}
		if cfg.Bitcoin.HTLCTimelock < cfg.Bitcoin.TimelockFloor {
			return fmt.Errorf("bitcoin.htlcTimelock is below bitcoin.timelockFloor")
		}
		if cfg.Bitcoin.MinConfirmations <= 0 {
			return fmt.Errorf("bitcoin.minConfirmations must be positive")
		}
		if cfg.Bitcoin.DustThreshold <= 0 {
			return fmt.Errorf("bitcoin.dustThreshold must be positive")
		}
	}

	if cfg.Execution.RetryAttempts < 1 {
		return fmt.Errorf("execution.retryAttempts must be at least 1")
	}
	if cfg.Execution.RetryDelaySeconds < 0 {
		return fmt.Errorf("execution.retryDelay must not be negative")
	}
	if cfg.Execution.TimeoutSeconds <= 0 {
		return fmt.Errorf("execution.timeoutSeconds must be positive")
	}

	if cfg.Monitor.PollIntervalSeconds <= 0 {
		return fmt.Errorf("monitor.pollInterval must be positive")
	}
	if cfg.Monitor.ReorgDepth == 0 {
		return fmt.Errorf("monitor.reorgDepth must be positive")
	}

	if cfg.Refund.CheckIntervalSeconds <= 0 {
		return fmt.Errorf("refund.checkInterval must be positive")
	}
	if cfg.Store.FlushIntervalSeconds <= 0 {
		return fmt.Errorf("store.flushInterval must be positive")
	}
	if cfg.Store.RetentionDays < 0 {
		return fmt.Errorf("store.retentionDays must not be negative")
	}

	return nil
}
