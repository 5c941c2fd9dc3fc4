package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingswap/internal/bitcoin"
	"github.com/Klingon-tech/klingswap/internal/cosmos"
	"github.com/Klingon-tech/klingswap/internal/order"
	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/types"
)

// BitcoinDestination adapts the UTXO executor to the engine's
// destination surface and the refund manager's refunder surface. It
// carries the store so the executor can record HTLC artifacts as they
// are created.
type BitcoinDestination struct {
	exec    *bitcoin.Executor
	store   *order.Store
	chainID uint64
}

// NewBitcoinDestination wraps exec for destination chain chainID.
func NewBitcoinDestination(exec *bitcoin.Executor, store *order.Store, chainID uint64) (*BitcoinDestination, error) {
	if exec == nil || store == nil {
		return nil, fmt.Errorf("bitcoin destination: executor and store required")
	}
	if chainID == 0 {
		return nil, fmt.Errorf("%w: bitcoin chain id required", swap.ErrValidation)
	}
	return &BitcoinDestination{exec: exec, store: store, chainID: chainID}, nil
}

func (d *BitcoinDestination) ChainID() uint64 { return d.chainID }

func (d *BitcoinDestination) Fund(ctx context.Context, octx *order.Context) (string, error) {
	return d.exec.CreateAndFund(ctx, octx, d.store)
}

// FundingConfirmed compares the funding depth to the executor's
// confirmation floor. A funding transaction the chain no longer knows
// is unrecorded so the next Fund rediscovers or rebuilds it, then
// reported as ErrFundingDropped.
func (d *BitcoinDestination) FundingConfirmed(ctx context.Context, octx *order.Context) (bool, error) {
	if octx.UTXO == nil || octx.UTXO.FundingTxID == "" {
		return false, ErrFundingDropped
	}
	confs, err := d.exec.FundingConfirmations(ctx, octx)
	if err != nil {
		if errors.Is(err, bitcoin.ErrTxNotFound) {
			if uerr := d.store.UpdateBitcoinInfo(octx.OrderHash, func(info *order.BitcoinInfo) {
				info.FundingTxID = ""
			}); uerr != nil {
				return false, uerr
			}
			return false, ErrFundingDropped
		}
		return false, err
	}
	return confs >= d.exec.MinConfirmations(), nil
}

func (d *BitcoinDestination) Claim(ctx context.Context, octx *order.Context, secret types.Secret) (string, error) {
	return d.exec.Claim(ctx, octx, secret, d.store)
}

// Refund spends the HTLC back to the resolver once the CLTV height is
// reached. Satisfies the refund manager's refunder surface.
func (d *BitcoinDestination) Refund(ctx context.Context, octx *order.Context) (string, error) {
	return d.exec.Refund(ctx, octx, d.store)
}

// CosmosDestination adapts an account-model executor. Locks are placed
// and claimed by contract execution; commitment is final, so confirmed
// means the lock exists.
type CosmosDestination struct {
	exec *cosmos.Executor
}

// NewCosmosDestination wraps exec.
func NewCosmosDestination(exec *cosmos.Executor) (*CosmosDestination, error) {
	if exec == nil {
		return nil, fmt.Errorf("cosmos destination: executor required")
	}
	return &CosmosDestination{exec: exec}, nil
}

func (d *CosmosDestination) ChainID() uint64 { return d.exec.ChainID() }

func (d *CosmosDestination) Fund(ctx context.Context, octx *order.Context) (string, error) {
	return d.exec.ExecuteFusionOrder(ctx, octx)
}

func (d *CosmosDestination) FundingConfirmed(ctx context.Context, octx *order.Context) (bool, error) {
	placed, err := d.exec.HasLock(ctx, octx.OrderHash)
	if err != nil {
		return false, err
	}
	if !placed {
		return false, ErrFundingDropped
	}
	return true, nil
}

func (d *CosmosDestination) Claim(ctx context.Context, octx *order.Context, secret types.Secret) (string, error) {
	return d.exec.ClaimFusionOrder(ctx, octx, secret)
}
