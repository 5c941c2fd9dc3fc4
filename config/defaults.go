package config

// Chain ids the UTXO destination routes by. Bitcoin has no native
// chain id, so the registry assigns ids outside the EVM range.
const (
	BitcoinMainnetChainID = 100000000
	BitcoinTestnetChainID = 100000001
)

// DefaultMainnet returns the default resolver configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       8645,
			AllowedIPs: []string{"127.0.0.1"},
		},
		EVM: EVMConfig{
			ChainID:  1,
			GasLimit: 500_000,
		},
		Bitcoin: BitcoinConfig{
			Network:          "mainnet",
			ChainID:          BitcoinMainnetChainID,
			APIURL:           "https://blockstream.info/api",
			FeeRate:          10,
			HTLCTimelock:     144,
			TimelockFloor:    36,
			MinConfirmations: 2,
			DustThreshold:    546,
		},
		Cosmos: CosmosConfig{
			ChainsFile: "chains.yaml",
		},
		Execution: ExecutionConfig{
			RetryAttempts:     3,
			RetryDelaySeconds: 5,
			TimeoutSeconds:    60,
		},
		Monitor: MonitorConfig{
			PollIntervalSeconds: 15,
			ConfirmationDepth:   2,
			ReorgDepth:          12,
		},
		Refund: RefundConfig{
			CheckIntervalSeconds: 60,
		},
		Store: StoreConfig{
			FlushIntervalSeconds: 10,
			RetentionDays:        30,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default resolver configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.RPC.Port = 8745
	cfg.EVM.ChainID = 11155111
	cfg.Bitcoin.Network = "testnet"
	cfg.Bitcoin.ChainID = BitcoinTestnetChainID
	cfg.Bitcoin.APIURL = "https://blockstream.info/testnet/api"
	cfg.Bitcoin.FeeRate = 2
	return cfg
}

// Default returns the default resolver configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}
