// Package node assembles a complete resolver process: keys, stores,
// chain executors, the event monitor, the execution engine, and the
// RPC server, wired from one Config.
package node

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingswap/config"
	"github.com/Klingon-tech/klingswap/internal/bitcoin"
	"github.com/Klingon-tech/klingswap/internal/cosmos"
	"github.com/Klingon-tech/klingswap/internal/engine"
	"github.com/Klingon-tech/klingswap/internal/evm"
	klog "github.com/Klingon-tech/klingswap/internal/log"
	"github.com/Klingon-tech/klingswap/internal/monitor"
	"github.com/Klingon-tech/klingswap/internal/order"
	"github.com/Klingon-tech/klingswap/internal/refund"
	"github.com/Klingon-tech/klingswap/internal/rpc"
	"github.com/Klingon-tech/klingswap/internal/storage"
	"github.com/Klingon-tech/klingswap/internal/wallet"
)

// Version is reported by swap_getInfo and --version.
const Version = "0.1.0"

// WalletName is the keystore entry holding the resolver seed.
const WalletName = "resolver"

// Node is a fully-initialized resolver.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Storage
	db    storage.DB
	store *order.Store

	// Keys
	resolver *wallet.Resolver

	// Chains
	evmExec *evm.Executor
	btcMgr  *bitcoin.Manager

	// Core
	engine  *engine.Engine
	mon     *monitor.Monitor
	refunds *refund.Manager

	// RPC
	rpcServer *rpc.Server

	// Static chain inventory for swap_getInfo, plus one balance
	// lookup per chain for swap_getBalances.
	source       rpc.ChainInfo
	destinations []rpc.ChainInfo
	balanceFns   []func(ctx context.Context) rpc.ChainBalance

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a resolver node. It performs all setup
// steps (logger, keystore, storage, executors, monitor, engine, RPC)
// but does NOT start background goroutines. Call Start() for that.
func New(cfg *config.Config) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = logsDir + "/klingswap.log"
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	logger.Info().
		Str("network", string(cfg.Network)).
		Uint64("source_chain", cfg.EVM.ChainID).
		Msg("Starting Klingswap Resolver")

	// ── 2. Unlock the resolver wallet ───────────────────────────────
	resolver, err := openWallet(cfg)
	if err != nil {
		return nil, err
	}

	// ── 3. Open storage ─────────────────────────────────────────────
	db, err := storage.NewBadger(cfg.StateDir())
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", cfg.StateDir(), err)
	}
	logger.Info().Str("path", cfg.StateDir()).Msg("Database opened")

	store, err := order.NewStore(cfg.OrdersDir(),
		time.Duration(cfg.Store.FlushIntervalSeconds)*time.Second,
		time.Duration(cfg.Store.RetentionDays)*24*time.Hour)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open order store at %s: %w", cfg.OrdersDir(), err)
	}
	logger.Info().Int("orders", store.Count()).Msg("Order store loaded")

	n := &Node{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		store:    store,
		resolver: resolver,
	}
	fail := func(err error) (*Node, error) {
		store.Close()
		db.Close()
		return nil, err
	}

	// ── 4. Source chain executor ────────────────────────────────────
	if cfg.EVM.RPCURL == "" {
		return fail(fmt.Errorf("evm.rpcUrl is not configured"))
	}
	dialCtx, dialCancel := context.WithTimeout(context.Background(), 15*time.Second)
	evmClient, err := evm.Dial(dialCtx, cfg.EVM.RPCURL, cfg.EVM.ChainID)
	dialCancel()
	if err != nil {
		return fail(fmt.Errorf("connect source chain: %w", err))
	}
	evmKey, err := resolver.EVMPrivKey()
	if err != nil {
		return fail(fmt.Errorf("derive source chain key: %w", err))
	}
	evmExec, err := evm.NewExecutor(evmClient, evmKey, evm.Config{
		ChainID:    cfg.EVM.ChainID,
		Factory:    common.HexToAddress(cfg.EVM.FactoryAddress),
		Registry:   common.HexToAddress(cfg.EVM.RegistryAddress),
		GasCeiling: cfg.EVM.GasLimit,
	})
	if err != nil {
		return fail(fmt.Errorf("create source executor: %w", err))
	}
	n.evmExec = evmExec
	n.source = rpc.ChainInfo{
		ChainID: cfg.EVM.ChainID,
		Kind:    "evm",
		Address: evmExec.Address().Hex(),
	}
	n.balanceFns = append(n.balanceFns, func(ctx context.Context) rpc.ChainBalance {
		bal := rpc.ChainBalance{
			ChainID: cfg.EVM.ChainID,
			Kind:    "evm",
			Address: evmExec.Address().Hex(),
			Unit:    "wei",
		}
		amount, err := evmClient.BalanceAt(ctx, evmExec.Address(), nil)
		if err != nil {
			bal.Error = err.Error()
			return bal
		}
		bal.Balance = amount.String()
		return bal
	})
	logger.Info().
		Uint64("chain", cfg.EVM.ChainID).
		Str("address", evmExec.Address().Hex()).
		Msg("Source chain connected")

	// ── 5. Destination executors ────────────────────────────────────
	refunds := refund.NewManager(store)
	var destinations []engine.Destination

	if cfg.Bitcoin.ChainID != 0 {
		btcDest, mgr, err := n.setupBitcoin()
		if err != nil {
			return fail(err)
		}
		n.btcMgr = mgr
		destinations = append(destinations, btcDest)
		refunds.Register(cfg.Bitcoin.ChainID, btcDest)
	} else {
		logger.Warn().Msg("UTXO destination disabled (bitcoin.chainId = 0)")
	}

	cosmosDests, err := n.setupCosmos()
	if err != nil {
		return fail(err)
	}
	destinations = append(destinations, cosmosDests...)

	if len(destinations) == 0 {
		return fail(fmt.Errorf("no destination chains configured"))
	}
	n.refunds = refunds

	// ── 6. Source-chain monitor ─────────────────────────────────────
	// The engine is not built yet, so the sink resolves it through the
	// node at delivery time.
	sink := func(ctx context.Context, ev monitor.Event) error {
		return n.engine.OnSecretRevealed(ctx, ev)
	}
	mon, err := monitor.NewMonitor(evmClient, storage.NewPrefixDB(db, []byte("mon/")), sink, monitor.Config{
		ChainID:           cfg.EVM.ChainID,
		Factory:           common.HexToAddress(cfg.EVM.FactoryAddress),
		StartBlock:        cfg.Monitor.StartBlock,
		PollInterval:      time.Duration(cfg.Monitor.PollIntervalSeconds) * time.Second,
		ConfirmationDepth: cfg.Monitor.ConfirmationDepth,
		ReorgDepth:        cfg.Monitor.ReorgDepth,
	})
	if err != nil {
		return fail(fmt.Errorf("create monitor: %w", err))
	}
	n.mon = mon

	// ── 7. Execution engine ─────────────────────────────────────────
	engineCfg := engine.Config{
		RetryAttempts: cfg.Execution.RetryAttempts,
		RetryDelay:    time.Duration(cfg.Execution.RetryDelaySeconds) * time.Second,
		StepTimeout:   time.Duration(cfg.Execution.TimeoutSeconds) * time.Second,
		TickInterval:  time.Duration(cfg.Refund.CheckIntervalSeconds) * time.Second,
	}
	if cfg.Bitcoin.ChainID != 0 {
		// An order cannot outlive its HTLC refund window, so the
		// minimum accepted expiry lead follows the CLTV delta.
		engineCfg.MinExpiryLead = time.Duration(cfg.Bitcoin.TimelockFloor) * 10 * time.Minute
	}
	eng, err := engine.New(store, evmExec, destinations, mon, refunds, engineCfg)
	if err != nil {
		return fail(fmt.Errorf("create engine: %w", err))
	}
	n.engine = eng

	// ── 8. RPC server ───────────────────────────────────────────────
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		rpcServer := rpc.New(rpcAddr, eng, n.info, cfg.RPC)
		rpcServer.SetBalancesFunc(n.chainBalances)
		if err := rpcServer.Start(); err != nil {
			return fail(fmt.Errorf("start RPC at %s: %w", rpcAddr, err))
		}
		n.rpcServer = rpcServer
		logger.Info().Str("addr", rpcServer.Addr()).Msg("RPC server started")
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

// setupBitcoin wires the Esplora client, the UTXO cache, and the HTLC
// executor for the UTXO destination.
func (n *Node) setupBitcoin() (*engine.BitcoinDestination, *bitcoin.Manager, error) {
	cfg := n.cfg.Bitcoin
	if cfg.APIURL == "" {
		return nil, nil, fmt.Errorf("bitcoin.apiUrl is not configured")
	}
	params, err := chainParams(cfg.Network)
	if err != nil {
		return nil, nil, err
	}

	key := n.resolver.BitcoinPrivKey()
	addr, err := n.resolver.BitcoinAddress(params)
	if err != nil {
		return nil, nil, fmt.Errorf("derive funding address: %w", err)
	}

	client := bitcoin.NewClient(cfg.APIURL)
	mgr, err := bitcoin.NewManager(client, storage.NewPrefixDB(n.db, []byte("btc/")), bitcoin.ManagerConfig{
		Address:          addr.EncodeAddress(),
		MinConfirmations: cfg.MinConfirmations,
		FallbackFeeRate:  cfg.FeeRate,
		DustThreshold:    cfg.DustThreshold,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create utxo manager: %w", err)
	}

	exec, err := bitcoin.NewExecutor(client, mgr, key, bitcoin.ExecutorConfig{
		Net:              params,
		DustThreshold:    cfg.DustThreshold,
		TimelockFloor:    cfg.TimelockFloor,
		DefaultTimelock:  cfg.HTLCTimelock,
		MinConfirmations: cfg.MinConfirmations,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create utxo executor: %w", err)
	}

	dest, err := engine.NewBitcoinDestination(exec, n.store, cfg.ChainID)
	if err != nil {
		return nil, nil, err
	}

	n.destinations = append(n.destinations, rpc.ChainInfo{
		ChainID: cfg.ChainID,
		Kind:    "utxo",
		Address: exec.Address(),
	})
	n.balanceFns = append(n.balanceFns, func(ctx context.Context) rpc.ChainBalance {
		bal := rpc.ChainBalance{
			ChainID: cfg.ChainID,
			Kind:    "utxo",
			Address: exec.Address(),
			Unit:    "sat",
		}
		if err := mgr.Refresh(ctx); err != nil {
			bal.Error = err.Error()
		}
		bal.Balance = strconv.FormatInt(mgr.Balance(), 10)
		return bal
	})
	n.logger.Info().
		Uint64("chain", cfg.ChainID).
		Str("network", cfg.Network).
		Str("address", exec.Address()).
		Msg("UTXO destination ready")

	return dest, mgr, nil
}

// setupCosmos builds one destination executor per registry entry.
func (n *Node) setupCosmos() ([]engine.Destination, error) {
	entries, err := config.LoadChains(n.cfg.ChainsFile())
	if err != nil {
		return nil, fmt.Errorf("load chain registry: %w", err)
	}

	key := n.resolver.CosmosPrivKey()
	var dests []engine.Destination
	for _, entry := range entries {
		client, err := cosmos.NewClient(entry.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", entry.Name, err)
		}
		exec, err := cosmos.NewExecutor(client, key, cosmos.ExecutorConfig{
			Chain:               toCosmosChain(entry, n.cfg.Cosmos.AllowNativeFallback),
			TimeoutSeconds:      entry.TimeoutSeconds,
			ExpiryMarginSeconds: entry.ExpiryMarginSeconds,
			GasCeiling:          entry.GasCeiling,
		})
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", entry.Name, err)
		}
		dest, err := engine.NewCosmosDestination(exec)
		if err != nil {
			return nil, fmt.Errorf("chain %s: %w", entry.Name, err)
		}
		dests = append(dests, dest)

		n.destinations = append(n.destinations, rpc.ChainInfo{
			ChainID: entry.ChainID,
			Kind:    "cosmos",
			Address: exec.Address(),
		})
		addr := exec.Address()
		n.balanceFns = append(n.balanceFns, func(ctx context.Context) rpc.ChainBalance {
			bal := rpc.ChainBalance{
				ChainID: entry.ChainID,
				Kind:    "cosmos",
				Address: addr,
				Unit:    entry.Denom,
			}
			amount, err := client.Balance(ctx, addr, entry.Denom)
			if err != nil {
				bal.Error = err.Error()
				return bal
			}
			bal.Balance = amount
			return bal
		})
		n.logger.Info().
			Uint64("chain", entry.ChainID).
			Str("name", entry.Name).
			Str("address", exec.Address()).
			Msg("Destination chain ready")
	}
	return dests, nil
}

// Start launches background goroutines: the monitor poll loop, the
// engine workers, and the initial UTXO cache refresh.
func (n *Node) Start() error {
	if n.btcMgr != nil {
		refreshCtx, cancel := context.WithTimeout(n.ctx, 30*time.Second)
		if err := n.btcMgr.Refresh(refreshCtx); err != nil {
			n.logger.Warn().Err(err).Msg("Initial UTXO refresh failed; will retry on demand")
		}
		cancel()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.mon.Run(n.ctx)
	}()

	n.engine.Start()

	n.logger.Info().
		Int("orders", n.store.Count()).
		Int("destinations", len(n.destinations)).
		Msg("Resolver started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order: stop accepting RPC
// work, drain the engine, stop the monitor, then close storage.
func (n *Node) Stop() {
	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	n.engine.Stop()
	n.cancel()
	n.wg.Wait()

	if err := n.store.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("Order store close failed")
	}
	if err := n.db.Close(); err != nil {
		n.logger.Warn().Err(err).Msg("Database close failed")
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Engine exposes the execution engine, mainly for tests and embedders.
func (n *Node) Engine() *engine.Engine {
	return n.engine
}

// chainBalances answers swap_getBalances; lookup failures are carried
// per entry so one unreachable chain does not hide the others.
func (n *Node) chainBalances(ctx context.Context) []rpc.ChainBalance {
	balances := make([]rpc.ChainBalance, 0, len(n.balanceFns))
	for _, fn := range n.balanceFns {
		balances = append(balances, fn(ctx))
	}
	return balances
}

// info builds the swap_getInfo result.
func (n *Node) info() rpc.InfoResult {
	return rpc.InfoResult{
		Version:      Version,
		SourceChain:  n.source,
		Destinations: n.destinations,
		TotalOrders:  n.store.Count(),
		Watching:     n.mon.Watching(),
	}
}
