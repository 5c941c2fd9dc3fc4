package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	main := Default(Mainnet)
	if main.Network != Mainnet {
		t.Errorf("network = %q, want mainnet", main.Network)
	}
	if main.EVM.ChainID != 1 {
		t.Errorf("evm chain id = %d, want 1", main.EVM.ChainID)
	}
	if err := Validate(main); err != nil {
		t.Errorf("mainnet defaults invalid: %v", err)
	}

	test := Default(Testnet)
	if test.EVM.ChainID != 11155111 {
		t.Errorf("testnet evm chain id = %d, want 11155111", test.EVM.ChainID)
	}
	if test.RPC.Port == main.RPC.Port {
		t.Error("testnet should use a distinct rpc port")
	}
	if test.Bitcoin.Network != "testnet" {
		t.Errorf("bitcoin network = %q, want testnet", test.Bitcoin.Network)
	}
	if err := Validate(test); err != nil {
		t.Errorf("testnet defaults invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "klingswap.conf")
	content := `# comment
network = testnet

rpc.port = 9000
evm.rpcUrl = "https://rpc.example.com"
log.level = 'debug'
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if values["network"] != "testnet" {
		t.Errorf("network = %q", values["network"])
	}
	if values["evm.rpcUrl"] != "https://rpc.example.com" {
		t.Errorf("quotes not stripped: %q", values["evm.rpcUrl"])
	}
	if values["log.level"] != "debug" {
		t.Errorf("single quotes not stripped: %q", values["log.level"])
	}
}

func TestLoadFileMissing(t *testing.T) {
	values, err := LoadFile(filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("expected empty map, got %v", values)
	}
}

func TestLoadFileBadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.conf")
	if err := os.WriteFile(path, []byte("no equals sign\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for malformed line")
	}
}

func TestApplyFileConfig(t *testing.T) {
	cfg := Default(Testnet)
	values := map[string]string{
		"rpc.listen":                 "0.0.0.0:9999",
		"rpc.allowed":                "127.0.0.1, 10.0.0.0/8",
		"evm.factoryAddress":         "0x1111111111111111111111111111111111111111",
		"bitcoin.feeRate":            "7",
		"execution.retryAttempts":    "5",
		"execution.retryDelay":       "2",
		"monitor.confirmationDepth":  "6",
		"store.retentionDays":        "90",
		"cosmos.allowNativeFallback": "yes",
		"unknown.key":                "ignored",
	}
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}

	if cfg.RPC.Addr != "0.0.0.0" || cfg.RPC.Port != 9999 {
		t.Errorf("rpc.listen applied as %s:%d", cfg.RPC.Addr, cfg.RPC.Port)
	}
	if len(cfg.RPC.AllowedIPs) != 2 || cfg.RPC.AllowedIPs[1] != "10.0.0.0/8" {
		t.Errorf("allowed ips = %v", cfg.RPC.AllowedIPs)
	}
	if cfg.Bitcoin.FeeRate != 7 {
		t.Errorf("fee rate = %d", cfg.Bitcoin.FeeRate)
	}
	if cfg.Execution.RetryAttempts != 5 || cfg.Execution.RetryDelaySeconds != 2 {
		t.Errorf("execution = %+v", cfg.Execution)
	}
	if cfg.Monitor.ConfirmationDepth != 6 {
		t.Errorf("confirmation depth = %d", cfg.Monitor.ConfirmationDepth)
	}
	if cfg.Store.RetentionDays != 90 {
		t.Errorf("retention = %d", cfg.Store.RetentionDays)
	}
	if !cfg.Cosmos.AllowNativeFallback {
		t.Error("allowNativeFallback not applied")
	}
}

func TestApplyFileConfigRejectsBadInt(t *testing.T) {
	cfg := Default(Testnet)
	err := ApplyFileConfig(cfg, map[string]string{"rpc.port": "not-a-number"})
	if err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad network", func(c *Config) { c.Network = "devnet" }},
		{"rpc port out of range", func(c *Config) { c.RPC.Port = 70000 }},
		{"zero evm chain id", func(c *Config) { c.EVM.ChainID = 0 }},
		{"bad factory address", func(c *Config) { c.EVM.FactoryAddress = "nothex" }},
		{"bad bitcoin network", func(c *Config) { c.Bitcoin.Network = "simnet" }},
		{"chain id collision", func(c *Config) { c.Bitcoin.ChainID = c.EVM.ChainID }},
		{"timelock below floor", func(c *Config) { c.Bitcoin.HTLCTimelock = 10; c.Bitcoin.TimelockFloor = 36 }},
		{"zero retry attempts", func(c *Config) { c.Execution.RetryAttempts = 0 }},
		{"zero poll interval", func(c *Config) { c.Monitor.PollIntervalSeconds = 0 }},
		{"zero reorg depth", func(c *Config) { c.Monitor.ReorgDepth = 0 }},
		{"zero flush interval", func(c *Config) { c.Store.FlushIntervalSeconds = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(Testnet)
			tt.mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestWriteDefaultConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "klingswap.conf")
	if err := WriteDefaultConfig(path, Testnet); err != nil {
		t.Fatalf("WriteDefaultConfig: %v", err)
	}

	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := Default(Testnet)
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Errorf("generated config invalid: %v", err)
	}
	if cfg.Network != Testnet {
		t.Errorf("network = %q", cfg.Network)
	}
}

func TestEnsureDataDirs(t *testing.T) {
	cfg := Default(Testnet)
	cfg.DataDir = t.TempDir()

	if err := EnsureDataDirs(cfg); err != nil {
		t.Fatalf("EnsureDataDirs: %v", err)
	}
	for _, dir := range []string{cfg.OrdersDir(), cfg.StateDir(), cfg.KeystoreDir(), cfg.LogsDir()} {
		if _, err := os.Stat(dir); err != nil {
			t.Errorf("directory %s not created: %v", dir, err)
		}
	}
	if _, err := os.Stat(cfg.ConfigFile()); err != nil {
		t.Errorf("config file not created: %v", err)
	}
	if _, err := os.Stat(cfg.ChainsFile()); err != nil {
		t.Errorf("chain registry not created: %v", err)
	}

	// Second run must not clobber the existing config.
	if err := os.WriteFile(cfg.ConfigFile(), []byte("network = testnet\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := EnsureDataDirs(cfg); err != nil {
		t.Fatalf("EnsureDataDirs rerun: %v", err)
	}
	data, err := os.ReadFile(cfg.ConfigFile())
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "network = testnet\n" {
		t.Error("existing config file was overwritten")
	}
}

func TestLoadChains(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	content := `chains:
  - chainId: 9000
    name: neutron-1
    rpcUrl: https://rpc.example.com:26657
    prefix: neutron
    denom: untrn
    gasPrice: "0.025"
    contractAddress: neutron1abc
    resolverFee: 1000
    safetyDepositBps: 50
  - chainId: 9001
    name: osmosis-1
    rpcUrl: https://osmo.example.com:26657
    prefix: osmo
    denom: uosmo
    gasPrice: "0.0025"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	chains, err := LoadChains(path)
	if err != nil {
		t.Fatalf("LoadChains: %v", err)
	}
	if len(chains) != 2 {
		t.Fatalf("got %d chains, want 2", len(chains))
	}
	if chains[0].ChainID != 9000 || chains[0].ContractAddress != "neutron1abc" {
		t.Errorf("first chain = %+v", chains[0])
	}
	if chains[1].ContractAddress != "" {
		t.Errorf("second chain should have no contract, got %q", chains[1].ContractAddress)
	}
}

func TestLoadChainsMissingFile(t *testing.T) {
	chains, err := LoadChains(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing registry should not error: %v", err)
	}
	if chains != nil {
		t.Errorf("expected nil, got %v", chains)
	}
}

func TestLoadChainsRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"duplicate id", `chains:
  - {chainId: 9000, name: a, rpcUrl: u, prefix: p, denom: d}
  - {chainId: 9000, name: b, rpcUrl: u, prefix: p, denom: d}
`},
		{"zero id", `chains:
  - {chainId: 0, name: a, rpcUrl: u, prefix: p, denom: d}
`},
		{"missing rpc", `chains:
  - {chainId: 9000, name: a, prefix: p, denom: d}
`},
		{"bad yaml", "chains: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "chains.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadChains(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestWriteDefaultChainsLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := WriteDefaultChains(path); err != nil {
		t.Fatalf("WriteDefaultChains: %v", err)
	}
	chains, err := LoadChains(path)
	if err != nil {
		t.Fatalf("LoadChains: %v", err)
	}
	if len(chains) != 0 {
		t.Errorf("default registry should be empty, got %v", chains)
	}
}
