package bitcoin

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingswap/internal/log"
	"github.com/Klingon-tech/klingswap/internal/storage"
	"github.com/Klingon-tech/klingswap/internal/swap"
)

// Manager defaults.
const (
	DefaultFeeTTL           = time.Minute
	DefaultFallbackFeeRate  = 10 // sat/vB
	DefaultFeeTargetBlocks  = 3
	DefaultMinConfirmations = 1

	// maxSelectAttempts bounds the fee-aware selection loop. The fee
	// grows with the input count, so selection re-runs until the inputs
	// cover the fee they cost.
	maxSelectAttempts = 4
)

// ManagerConfig configures the UTXO cache.
type ManagerConfig struct {
	// Address is the resolver funding address whose outputs are tracked.
	Address string
	// MinConfirmations gates which outputs are spendable.
	MinConfirmations int64
	// FeeTTL bounds how long a fetched fee rate is reused.
	FeeTTL time.Duration
	// FallbackFeeRate is used when the chain API has no estimate yet.
	FallbackFeeRate int64
	// FeeTargetBlocks is the confirmation target for fee estimates.
	FeeTargetBlocks int
	// DustThreshold is the smallest change output worth creating.
	DustThreshold int64
}

// Manager owns the resolver's UTXO cache: discovery, fee estimates, and
// the reservation protocol around funding transactions. Selected
// outputs are optimistically marked spent before broadcast; Release
// puts them back after a failed broadcast, Commit drops them after a
// successful one. The cache is mirrored to the database so a restart
// does not re-select coins held by an in-flight transaction.
type Manager struct {
	mu     sync.Mutex
	api    ChainAPI
	db     storage.DB
	cfg    ManagerConfig
	logger zerolog.Logger

	utxos map[string]*UTXO // keyed by outpoint

	feeRate    int64
	feeFetched time.Time
}

// NewManager creates the manager and restores the mirrored cache.
func NewManager(api ChainAPI, db storage.DB, cfg ManagerConfig) (*Manager, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("utxo manager: address required")
	}
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = DefaultMinConfirmations
	}
	if cfg.FeeTTL <= 0 {
		cfg.FeeTTL = DefaultFeeTTL
	}
	if cfg.FallbackFeeRate <= 0 {
		cfg.FallbackFeeRate = DefaultFallbackFeeRate
	}
	if cfg.FeeTargetBlocks <= 0 {
		cfg.FeeTargetBlocks = DefaultFeeTargetBlocks
	}
	if cfg.DustThreshold <= 0 {
		cfg.DustThreshold = DefaultDustThreshold
	}

	m := &Manager{
		api:    api,
		db:     db,
		cfg:    cfg,
		utxos:  make(map[string]*UTXO),
		logger: log.WithComponent("bitcoin"),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	return m.db.ForEach(nil, func(key, value []byte) error {
		var u UTXO
		if err := json.Unmarshal(value, &u); err != nil {
			m.logger.Warn().Str("key", string(key)).Err(err).
				Msg("dropping undecodable utxo cache entry")
			return nil
		}
		m.utxos[u.Outpoint()] = &u
		return nil
	})
}

// Refresh reconciles the cache with the chain. Spent reservations
// survive a refresh even while the chain still lists the output, so an
// in-flight funding transaction cannot be double-spent.
func (m *Manager) Refresh(ctx context.Context) error {
	fresh, err := m.api.GetUTXOs(ctx, m.cfg.Address)
	if err != nil {
		return fmt.Errorf("refresh utxos: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(fresh))
	for i := range fresh {
		u := fresh[i]
		op := u.Outpoint()
		seen[op] = true
		if prev, ok := m.utxos[op]; ok && prev.Spent {
			u.Spent = true
		}
		m.utxos[op] = &u
		if err := m.persist(&u); err != nil {
			return err
		}
	}

	// Outputs the chain no longer lists were spent and confirmed.
	for op := range m.utxos {
		if !seen[op] {
			delete(m.utxos, op)
			if err := m.db.Delete([]byte(op)); err != nil {
				return fmt.Errorf("drop utxo cache entry: %w", err)
			}
		}
	}

	m.logger.Debug().Int("utxos", len(m.utxos)).Msg("utxo cache refreshed")
	return nil
}

func (m *Manager) persist(u *UTXO) error {
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode utxo: %w", err)
	}
	if err := m.db.Put([]byte(u.Outpoint()), data); err != nil {
		return fmt.Errorf("mirror utxo: %w", err)
	}
	return nil
}

// FeeRate returns the cached sat/vB estimate, fetching a new one when
// the cached value is older than FeeTTL. Fetch failures fall back to
// the last known rate, then to the configured floor.
func (m *Manager) FeeRate(ctx context.Context) int64 {
	m.mu.Lock()
	rate, age := m.feeRate, time.Since(m.feeFetched)
	m.mu.Unlock()
	if rate > 0 && age < m.cfg.FeeTTL {
		return rate
	}

	fetched, err := m.api.GetFeeRate(ctx, m.cfg.FeeTargetBlocks)
	if err != nil || fetched <= 0 {
		if rate > 0 {
			m.logger.Warn().Err(err).Int64("cached", rate).
				Msg("fee estimate failed, reusing cached rate")
			return rate
		}
		m.logger.Warn().Err(err).Int64("fallback", m.cfg.FallbackFeeRate).
			Msg("fee estimate failed, using fallback rate")
		return m.cfg.FallbackFeeRate
	}

	m.mu.Lock()
	m.feeRate, m.feeFetched = fetched, time.Now()
	m.mu.Unlock()
	return fetched
}

// FundingSelection is a reserved set of inputs able to fund one HTLC
// output of Amount satoshis.
type FundingSelection struct {
	Inputs []UTXO
	Amount int64
	Fee    int64
	Change int64 // 0 when below the dust threshold (absorbed into Fee)
}

// AcquireFunding reserves inputs covering amount plus the fee of a
// funding transaction at feeRate. The fee depends on the input count,
// so selection iterates until the inputs cover the fee they cost. Dust
// change is absorbed into the fee rather than creating an unspendable
// output.
func (m *Manager) AcquireFunding(ctx context.Context, amount, feeRate int64) (*FundingSelection, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", swap.ErrValidation)
	}
	if feeRate <= 0 {
		feeRate = m.cfg.FallbackFeeRate
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := m.spendableLocked()

	target := amount + fundingVsize(1, true)*feeRate
	for attempt := 0; attempt < maxSelectAttempts; attempt++ {
		sel, err := SelectCoins(candidates, target)
		if err != nil {
			return nil, err
		}

		fee := fundingVsize(len(sel.Inputs), true) * feeRate
		need := amount + fee
		if sel.Total < need {
			target = need
			continue
		}

		change := sel.Total - need
		if change < m.cfg.DustThreshold {
			fee += change
			change = 0
		}

		for i := range sel.Inputs {
			op := sel.Inputs[i].Outpoint()
			m.utxos[op].Spent = true
			if err := m.persist(m.utxos[op]); err != nil {
				return nil, err
			}
		}
		m.logger.Debug().
			Int("inputs", len(sel.Inputs)).
			Int64("amount", amount).
			Int64("fee", fee).
			Int64("change", change).
			Msg("utxos reserved")
		return &FundingSelection{Inputs: sel.Inputs, Amount: amount, Fee: fee, Change: change}, nil
	}
	return nil, fmt.Errorf("%w: selection did not converge", swap.ErrInsufficientFunds)
}

// spendableLocked returns confirmed, unreserved outputs. Callers hold mu.
func (m *Manager) spendableLocked() []UTXO {
	out := make([]UTXO, 0, len(m.utxos))
	for _, u := range m.utxos {
		if u.Spent || u.Confirmations < m.cfg.MinConfirmations {
			continue
		}
		out = append(out, *u)
	}
	return out
}

// Release clears the reservation after a failed broadcast.
func (m *Manager) Release(sel *FundingSelection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range sel.Inputs {
		op := sel.Inputs[i].Outpoint()
		u, ok := m.utxos[op]
		if !ok {
			continue
		}
		u.Spent = false
		if err := m.persist(u); err != nil {
			m.logger.Error().Err(err).Str("outpoint", op).
				Msg("failed to mirror released utxo")
		}
	}
	m.logger.Debug().Int("inputs", len(sel.Inputs)).Msg("utxo reservation released")
}

// Commit removes reserved outputs after a successful broadcast.
func (m *Manager) Commit(sel *FundingSelection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range sel.Inputs {
		op := sel.Inputs[i].Outpoint()
		delete(m.utxos, op)
		if err := m.db.Delete([]byte(op)); err != nil {
			m.logger.Error().Err(err).Str("outpoint", op).
				Msg("failed to drop committed utxo")
		}
	}
}

// Balance returns the spendable satoshis in the cache.
func (m *Manager) Balance() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, u := range m.spendableLocked() {
		total += u.Value
	}
	return total
}
