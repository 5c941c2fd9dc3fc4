// Package refund sweeps expired orders onto the refund path: the order
// is marked expired and, on chains where the resolver holds the lock,
// a refund transaction is built and broadcast once the timelock
// matures.
package refund

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingswap/internal/log"
	"github.com/Klingon-tech/klingswap/internal/order"
	"github.com/Klingon-tech/klingswap/internal/swap"
)

// Refunder sweeps a funded lock back to the resolver after its
// timelock. Implementations return NotYetRefundable while the chain
// tip is below the lock's maturity height.
type Refunder interface {
	Refund(ctx context.Context, octx *order.Context) (string, error)
}

// Manager routes expired orders onto the refund path. Chains without a
// registered refunder release their locks on-chain after the contract
// timeout, so for those the manager only records the expiry.
type Manager struct {
	store     *order.Store
	refunders map[uint64]Refunder
	logger    zerolog.Logger
}

// NewManager creates a refund manager over the order store.
func NewManager(store *order.Store) *Manager {
	return &Manager{
		store:     store,
		refunders: make(map[uint64]Refunder),
		logger:    log.WithComponent("refund"),
	}
}

// Register installs the refunder for a destination chain.
func (m *Manager) Register(chainID uint64, r Refunder) {
	m.refunders[chainID] = r
}

// Expire moves an order onto the refund path: the status becomes
// expired and, when the destination chain needs one, a refund
// transaction is attempted. NotYetRefundable is returned while the
// timelock has not matured; the caller retries on a later tick.
func (m *Manager) Expire(ctx context.Context, octx *order.Context) error {
	switch octx.Status {
	case order.StatusPending, order.StatusHTLCCreated,
		order.StatusHTLCFunded, order.StatusSecretRevealed:
		if err := m.store.UpdateStatus(octx.OrderHash, order.StatusExpired); err != nil {
			return err
		}
		octx = octx.Clone()
		octx.Status = order.StatusExpired
		m.logger.Warn().
			Str("order", octx.OrderHash.Short()).
			Int64("expiry", octx.ExpiryTime).
			Msg("order expired without a secret reveal")
	case order.StatusExpired:
	default:
		return fmt.Errorf("order %s: no refund path from %s: %w",
			octx.OrderHash.Short(), octx.Status, swap.ErrStateConflict)
	}
	return m.Process(ctx, octx)
}

// Process attempts the refund transaction for an already-expired
// order. A chain with no refunder has nothing to sweep; a recorded
// refund txid means the work is done.
func (m *Manager) Process(ctx context.Context, octx *order.Context) error {
	if octx.Status != order.StatusExpired {
		return fmt.Errorf("order %s is %s, not expired: %w",
			octx.OrderHash.Short(), octx.Status, swap.ErrStateConflict)
	}
	r, ok := m.refunders[octx.DstChainID]
	if !ok {
		return nil
	}
	if octx.UTXO == nil || octx.UTXO.FundingTxID == "" {
		// Nothing was funded, so there is nothing to sweep.
		return nil
	}
	if octx.UTXO.RefundTxID != "" {
		return nil
	}

	txid, err := r.Refund(ctx, octx)
	if err != nil {
		if errors.Is(err, swap.ErrNotYetRefundable) {
			m.logger.Debug().
				Str("order", octx.OrderHash.Short()).
				Msg("timelock not yet mature, retrying later")
		}
		return err
	}
	m.logger.Info().
		Str("order", octx.OrderHash.Short()).
		Str("tx", txid).
		Msg("refund broadcast")
	return nil
}
