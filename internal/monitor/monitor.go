// Package monitor tails source chains for secret reveals on watched
// orders and feeds them to the engine. It reads chain state only; it
// never broadcasts transactions and never mutates order contexts.
package monitor

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingswap/internal/evm"
	"github.com/Klingon-tech/klingswap/internal/log"
	"github.com/Klingon-tech/klingswap/internal/storage"
	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/crypto"
	"github.com/Klingon-tech/klingswap/pkg/types"
)

// Poller defaults.
const (
	DefaultPollInterval      = 5 * time.Second
	DefaultConfirmationDepth = 2
	DefaultReorgDepth        = 12
)

// Chain is the slice of the EVM backend the monitor needs. evm.Backend
// satisfies it.
type Chain interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// Event is one secret reveal observed at confirmation depth on a source
// chain. TxHash and LogIndex identify the emitting log.
type Event struct {
	ChainID   uint64
	OrderHash types.Hash
	Secret    types.Secret
	TxHash    string
	LogIndex  uint
	Block     uint64
}

// Sink receives events in block order. A nil return acknowledges the
// event; on error the monitor keeps its cursor and redelivers the
// remainder of the batch on the next poll.
type Sink func(ctx context.Context, ev Event) error

// Config configures one chain poller.
type Config struct {
	// ChainID is the EVM chain this monitor tails.
	ChainID uint64
	// Factory is the contract whose reveal logs are scanned.
	Factory common.Address
	// StartBlock is where the first scan begins when no cursor is
	// stored. Set it to the factory deployment height.
	StartBlock uint64
	// PollInterval is the time between scans.
	PollInterval time.Duration
	// ConfirmationDepth is how far below the tip a log must sit before
	// it is delivered.
	ConfirmationDepth uint64
	// ReorgDepth is how far below the cursor every scan re-reads.
	ReorgDepth uint64
}

// Monitor polls a single source chain for reveal logs. The scan window
// overlaps the previous one by ReorgDepth blocks and stops
// ConfirmationDepth short of the tip, so a log is delivered once it is
// buried and redelivery after a shallow reorg is caught by the seen
// index instead of reaching the sink twice. The cursor moves only after
// every event in the window has been acknowledged.
type Monitor struct {
	client Chain
	db     storage.DB
	sink   Sink
	cfg    Config
	logger zerolog.Logger

	mu    sync.Mutex
	watch map[types.Hash]struct{}
}

// seenRecord is the stored value of the dedup index, keyed by a digest
// of (orderHash, txHash, logIndex). Block places the entry inside or
// outside later scan windows.
type seenRecord struct {
	OrderHash types.Hash `json:"orderHash"`
	TxHash    string     `json:"txHash"`
	LogIndex  uint       `json:"logIndex"`
	Block     uint64     `json:"block"`
}

// NewMonitor creates a poller for one chain. Zero config values select
// the defaults.
func NewMonitor(client Chain, db storage.DB, sink Sink, cfg Config) (*Monitor, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: monitor requires a chain client", swap.ErrValidation)
	}
	if db == nil {
		return nil, fmt.Errorf("%w: monitor requires a database", swap.ErrValidation)
	}
	if sink == nil {
		return nil, fmt.Errorf("%w: monitor requires a sink", swap.ErrValidation)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: monitor chain id required", swap.ErrValidation)
	}
	if cfg.Factory == (common.Address{}) {
		return nil, fmt.Errorf("%w: monitor factory address required", swap.ErrValidation)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ConfirmationDepth == 0 {
		cfg.ConfirmationDepth = DefaultConfirmationDepth
	}
	if cfg.ReorgDepth == 0 {
		cfg.ReorgDepth = DefaultReorgDepth
	}

	return &Monitor{
		client: client,
		db:     db,
		sink:   sink,
		cfg:    cfg,
		watch:  make(map[types.Hash]struct{}),
		logger: log.WithComponent("monitor").With().Uint64("chain", cfg.ChainID).Logger(),
	}, nil
}

// WatchOrder adds an order to the watch set. Reveals for unwatched
// orders are skipped, so an order must be watched before its secret can
// appear on chain.
func (m *Monitor) WatchOrder(orderHash types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watch[orderHash]; ok {
		return
	}
	m.watch[orderHash] = struct{}{}
	m.logger.Debug().Stringer("order", orderHash).Msg("watching order")
}

// UnwatchOrder removes an order from the watch set.
func (m *Monitor) UnwatchOrder(orderHash types.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.watch[orderHash]; !ok {
		return
	}
	delete(m.watch, orderHash)
	m.logger.Debug().Stringer("order", orderHash).Msg("order unwatched")
}

// Watching reports the size of the watch set.
func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watch)
}

func (m *Monitor) watched(orderHash types.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watch[orderHash]
	return ok
}

// Run polls until ctx is cancelled. Poll failures are logged and the
// scan repeats on the next tick; the cursor guarantees nothing is
// skipped across failures.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	m.logger.Info().
		Dur("interval", m.cfg.PollInterval).
		Uint64("confirmationDepth", m.cfg.ConfirmationDepth).
		Uint64("reorgDepth", m.cfg.ReorgDepth).
		Msg("event monitor started")

	for {
		if err := m.poll(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn().Err(err).Msg("poll failed")
		}
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("event monitor stopped")
			return
		case <-ticker.C:
		}
	}
}

// poll runs one scan: fetch reveal logs over the window, deliver the
// unseen ones for watched orders, then advance the cursor. A vanished
// previously-delivered log rewinds the cursor below its block instead.
func (m *Monitor) poll(ctx context.Context) error {
	tip, err := m.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("%w: block number: %v", swap.ErrTransientRPC, err)
	}
	if tip < m.cfg.ConfirmationDepth {
		return nil
	}
	high := tip - m.cfg.ConfirmationDepth

	cursor, haveCursor, err := m.loadCursor()
	if err != nil {
		return err
	}
	low := m.cfg.StartBlock
	if haveCursor && cursor > m.cfg.ReorgDepth && cursor-m.cfg.ReorgDepth > low {
		low = cursor - m.cfg.ReorgDepth
	}
	if high < low {
		return nil
	}

	logs, err := m.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(low),
		ToBlock:   new(big.Int).SetUint64(high),
		Addresses: []common.Address{m.cfg.Factory},
		Topics:    [][]common.Hash{{evm.SecretRevealedTopic}},
	})
	if err != nil {
		return fmt.Errorf("%w: filter logs [%d, %d]: %v", swap.ErrTransientRPC, low, high, err)
	}

	if err := m.deliver(ctx, logs); err != nil {
		return err
	}

	present := make(map[string]struct{}, len(logs))
	for _, lg := range logs {
		present[string(m.seenKey(lg))] = struct{}{}
	}
	rewindTo, err := m.reconcileSeen(present, low, high)
	if err != nil {
		return err
	}

	next := high
	if rewindTo > 0 && rewindTo-1 < next {
		next = rewindTo - 1
	}
	if err := m.saveCursor(next); err != nil {
		return err
	}
	if !haveCursor || next != cursor {
		m.logger.Debug().Uint64("from", low).Uint64("to", high).
			Uint64("cursor", next).Int("logs", len(logs)).
			Msg("scan window processed")
	}
	return nil
}

// deliver hands each unseen watched reveal to the sink, recording it as
// seen only once the sink accepts it. A sink failure stops the batch so
// the cursor stays put and the remainder is retried next poll.
func (m *Monitor) deliver(ctx context.Context, logs []gethtypes.Log) error {
	for _, lg := range logs {
		orderHash, secret, err := evm.UnpackSecretRevealed(lg)
		if err != nil {
			m.logger.Warn().Err(err).Str("tx", lg.TxHash.Hex()).
				Msg("skipping undecodable reveal log")
			continue
		}
		if !m.watched(orderHash) {
			continue
		}
		key := m.seenKey(lg)
		seen, err := m.db.Has(key)
		if err != nil {
			return fmt.Errorf("seen index: %w", err)
		}
		if seen {
			continue
		}

		ev := Event{
			ChainID:   m.cfg.ChainID,
			OrderHash: orderHash,
			Secret:    secret,
			TxHash:    lg.TxHash.Hex(),
			LogIndex:  lg.Index,
			Block:     lg.BlockNumber,
		}
		if err := m.sink(ctx, ev); err != nil {
			return fmt.Errorf("deliver reveal for %s: %w", orderHash.Short(), err)
		}
		rec, err := json.Marshal(seenRecord{
			OrderHash: orderHash,
			TxHash:    ev.TxHash,
			LogIndex:  lg.Index,
			Block:     lg.BlockNumber,
		})
		if err != nil {
			return fmt.Errorf("encode seen record: %w", err)
		}
		if err := m.db.Put(key, rec); err != nil {
			return fmt.Errorf("seen index: %w", err)
		}
		m.logger.Info().Stringer("order", orderHash).
			Uint64("block", lg.BlockNumber).Str("tx", ev.TxHash).
			Msg("secret reveal delivered")
	}
	return nil
}

// reconcileSeen sweeps the dedup index against the logs just fetched.
// An entry inside the window that no longer matches a canonical log was
// reorged away: it is dropped and the cursor rewinds below its block so
// the replacement history is rescanned. Entries the window can no
// longer reach are pruned; a reorg deeper than that re-delivers, which
// downstream handling of duplicate reveals absorbs.
func (m *Monitor) reconcileSeen(present map[string]struct{}, low, high uint64) (rewindTo uint64, err error) {
	prefix := m.seenPrefix()
	var pruneBelow uint64
	if keep := 2 * m.cfg.ReorgDepth; low > keep {
		pruneBelow = low - keep
	}

	var stale [][]byte
	iterErr := m.db.ForEach(prefix, func(key, value []byte) error {
		var rec seenRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			m.logger.Warn().Str("key", string(key)).Err(err).
				Msg("dropping undecodable seen entry")
			stale = append(stale, append([]byte(nil), key...))
			return nil
		}
		if rec.Block < pruneBelow {
			stale = append(stale, append([]byte(nil), key...))
			return nil
		}
		if rec.Block < low || rec.Block > high {
			return nil
		}
		if _, ok := present[string(key)]; ok {
			return nil
		}
		m.logger.Warn().Stringer("order", rec.OrderHash).
			Str("tx", rec.TxHash).Uint64("block", rec.Block).
			Msg("delivered reveal no longer canonical, rewinding")
		stale = append(stale, append([]byte(nil), key...))
		if rewindTo == 0 || rec.Block < rewindTo {
			rewindTo = rec.Block
		}
		return nil
	})
	if iterErr != nil {
		return 0, fmt.Errorf("seen index: %w", iterErr)
	}
	for _, key := range stale {
		if err := m.db.Delete(key); err != nil {
			return 0, fmt.Errorf("seen index: %w", err)
		}
	}
	return rewindTo, nil
}

func (m *Monitor) cursorKey() []byte {
	return []byte("cursor/" + strconv.FormatUint(m.cfg.ChainID, 10))
}

func (m *Monitor) seenPrefix() []byte {
	return []byte("seen/" + strconv.FormatUint(m.cfg.ChainID, 10) + "/")
}

// seenKey derives the dedup key for a log from (orderHash, txHash,
// logIndex). The orderHash sits in Topics[1] for every factory reveal.
func (m *Monitor) seenKey(lg gethtypes.Log) []byte {
	var order common.Hash
	if len(lg.Topics) == 2 {
		order = lg.Topics[1]
	}
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(lg.Index))
	sum := crypto.HashConcat(order[:], lg.TxHash[:], idx[:])
	return append(m.seenPrefix(), []byte(sum.String())...)
}

func (m *Monitor) loadCursor() (uint64, bool, error) {
	raw, err := m.db.Get(m.cursorKey())
	if err == storage.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load cursor: %w", err)
	}
	if len(raw) != 8 {
		m.logger.Warn().Int("len", len(raw)).Msg("discarding malformed cursor")
		return 0, false, nil
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

func (m *Monitor) saveCursor(block uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], block)
	if err := m.db.Put(m.cursorKey(), buf[:]); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}
