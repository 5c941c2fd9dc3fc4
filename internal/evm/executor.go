package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingswap/internal/log"
	"github.com/Klingon-tech/klingswap/internal/order"
	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/types"
)

// Defaults applied by NewExecutor when the config leaves them zero.
const (
	DefaultGasCeiling     = 500_000
	DefaultReceiptTimeout = 2 * time.Minute
	DefaultPollInterval   = 3 * time.Second
)

// Estimated gas gets a 20% buffer so a state change between estimation
// and inclusion does not starve the call.
const (
	gasBufferNum = 120
	gasBufferDen = 100
)

// Config carries the source-chain contract addresses and submission
// limits for an Executor.
type Config struct {
	// ChainID is the EVM chain the executor signs for.
	ChainID uint64
	// Factory is the Fusion factory contract.
	Factory common.Address
	// Registry is the resolver registry quoting safety deposits.
	Registry common.Address
	// GasCeiling is the gas limit used when estimation fails.
	GasCeiling uint64
	// MaxGasPrice caps the suggested gas price, in wei. Zero or nil
	// means no cap.
	MaxGasPrice *big.Int
	// ReceiptTimeout bounds how long a submission waits to be mined.
	ReceiptTimeout time.Duration
	// PollInterval is the receipt polling period.
	PollInterval time.Duration
}

// Executor performs the resolver's source-chain duties: matching an
// order's escrow, completing it with the revealed secret, and settling
// the source token into the escrow.
//
// None of the operations keep local progress records. Whether an order
// is matched is read back from the factory, and settlement checks the
// escrow's token balance, so a crashed and replayed step converges on
// the chain state instead of double-spending.
type Executor struct {
	client  Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	signer  gethtypes.Signer
	chainID *big.Int
	cfg     Config

	// nonceMu serializes submissions from the resolver address so two
	// concurrent orders never race for the same nonce.
	nonceMu   sync.Mutex
	nonce     uint64
	nonceSeen bool

	logger zerolog.Logger
}

// NewExecutor builds a source-chain executor signing with key.
func NewExecutor(client Backend, key *ecdsa.PrivateKey, cfg Config) (*Executor, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil backend", swap.ErrValidation)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: nil signing key", swap.ErrValidation)
	}
	if cfg.ChainID == 0 {
		return nil, fmt.Errorf("%w: chain id is zero", swap.ErrValidation)
	}
	if cfg.Factory == (common.Address{}) {
		return nil, fmt.Errorf("%w: factory address is zero", swap.ErrValidation)
	}
	if cfg.Registry == (common.Address{}) {
		return nil, fmt.Errorf("%w: registry address is zero", swap.ErrValidation)
	}
	if cfg.GasCeiling == 0 {
		cfg.GasCeiling = DefaultGasCeiling
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	chainID := new(big.Int).SetUint64(cfg.ChainID)
	return &Executor{
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		signer:  gethtypes.LatestSignerForChainID(chainID),
		chainID: chainID,
		cfg:     cfg,
		logger:  log.WithComponent("evm"),
	}, nil
}

// Address returns the resolver's source-chain account.
func (e *Executor) Address() common.Address {
	return e.from
}

// ChainID returns the chain this executor signs for.
func (e *Executor) ChainID() uint64 {
	return e.cfg.ChainID
}

// Balance returns the resolver account's native balance in wei.
func (e *Executor) Balance(ctx context.Context) (*big.Int, error) {
	bal, err := e.client.BalanceAt(ctx, e.from, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: balance of %s: %v", swap.ErrTransientRPC, e.from, err)
	}
	return bal, nil
}

// SourceEscrow returns the escrow the factory holds for an order, or
// the zero address when the order is unmatched.
func (e *Executor) SourceEscrow(ctx context.Context, orderHash types.Hash) (common.Address, error) {
	out, err := e.call(ctx, e.cfg.Factory, factoryABI, "sourceEscrows", [32]byte(orderHash))
	if err != nil {
		return common.Address{}, err
	}
	escrow, ok := out.(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("%w: sourceEscrows returned no address", swap.ErrChainRejection)
	}
	return escrow, nil
}

// MinSafetyDeposit quotes, in wei, the deposit the registry demands for
// matching an order of the given destination chain and source amount.
func (e *Executor) MinSafetyDeposit(ctx context.Context, dstChainID uint64, srcAmount *big.Int) (*big.Int, error) {
	out, err := e.call(ctx, e.cfg.Registry, registryABI, "calculateMinSafetyDeposit",
		new(big.Int).SetUint64(dstChainID), srcAmount)
	if err != nil {
		return nil, err
	}
	deposit, ok := out.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: calculateMinSafetyDeposit returned no amount", swap.ErrChainRejection)
	}
	return deposit, nil
}

// MatchOrder locks the resolver into an order by calling the factory
// with the registry's safety deposit attached. When the factory already
// holds an escrow for the order the call is skipped and an empty tx
// hash is returned, which makes a replay after a crash harmless.
func (e *Executor) MatchOrder(ctx context.Context, octx *order.Context) (string, error) {
	escrow, err := e.SourceEscrow(ctx, octx.OrderHash)
	if err != nil {
		return "", err
	}
	if escrow != (common.Address{}) {
		e.logger.Debug().
			Str("order", octx.OrderHash.String()).
			Str("escrow", escrow.Hex()).
			Msg("order already matched, skipping")
		return "", nil
	}

	deposit, err := e.MinSafetyDeposit(ctx, octx.DstChainID, octx.SrcAmount)
	if err != nil {
		return "", err
	}
	data, err := factoryABI.Pack("matchFusionOrder", [32]byte(octx.OrderHash))
	if err != nil {
		return "", fmt.Errorf("%w: pack matchFusionOrder: %v", swap.ErrValidation, err)
	}

	txHash, err := e.submit(ctx, e.cfg.Factory, deposit, data)
	if err != nil {
		return "", err
	}
	e.logger.Info().
		Str("order", octx.OrderHash.String()).
		Str("tx", txHash).
		Str("safetyDeposit", deposit.String()).
		Msg("source order matched")
	return txHash, nil
}

// CompleteOrder submits the revealed secret to the factory, releasing
// the source escrow to the resolver. The factory treats a second
// completion of the same order as a no-op, so the call is safe to
// replay.
func (e *Executor) CompleteOrder(ctx context.Context, octx *order.Context, secret types.Secret) (string, error) {
	if !swap.VerifyPreimage(secret, octx.Hashlock) {
		return "", fmt.Errorf("%w: secret does not open the hashlock", swap.ErrValidation)
	}
	data, err := factoryABI.Pack("completeFusionOrder", [32]byte(octx.OrderHash), [32]byte(secret))
	if err != nil {
		return "", fmt.Errorf("%w: pack completeFusionOrder: %v", swap.ErrValidation, err)
	}

	txHash, err := e.submit(ctx, e.cfg.Factory, nil, data)
	if err != nil {
		return "", err
	}
	e.logger.Info().
		Str("order", octx.OrderHash.String()).
		Str("tx", txHash).
		Msg("source order completed with revealed secret")
	return txHash, nil
}

// Settle transfers the order's source-token amount into its escrow.
// When the escrow balance already covers the amount the transfer is
// skipped, so a replayed settlement never pays twice.
func (e *Executor) Settle(ctx context.Context, octx *order.Context) (string, error) {
	escrow, err := e.SourceEscrow(ctx, octx.OrderHash)
	if err != nil {
		return "", err
	}
	if escrow == (common.Address{}) {
		return "", fmt.Errorf("%w: order %s has no source escrow", swap.ErrStateConflict, octx.OrderHash)
	}
	if !common.IsHexAddress(octx.SrcToken) {
		return "", fmt.Errorf("%w: srcToken %q is not an address", swap.ErrValidation, octx.SrcToken)
	}
	token := common.HexToAddress(octx.SrcToken)

	held, err := e.tokenBalance(ctx, token, escrow)
	if err != nil {
		return "", err
	}
	if held.Cmp(octx.SrcAmount) >= 0 {
		e.logger.Debug().
			Str("order", octx.OrderHash.String()).
			Str("escrow", escrow.Hex()).
			Str("held", held.String()).
			Msg("escrow already funded, skipping settlement")
		return "", nil
	}

	data, err := erc20ABI.Pack("transfer", escrow, octx.SrcAmount)
	if err != nil {
		return "", fmt.Errorf("%w: pack transfer: %v", swap.ErrValidation, err)
	}
	txHash, err := e.submit(ctx, token, nil, data)
	if err != nil {
		return "", err
	}
	e.logger.Info().
		Str("order", octx.OrderHash.String()).
		Str("tx", txHash).
		Str("escrow", escrow.Hex()).
		Str("amount", octx.SrcAmount.String()).
		Msg("source token settled into escrow")
	return txHash, nil
}

func (e *Executor) tokenBalance(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	out, err := e.call(ctx, token, erc20ABI, "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	bal, ok := out.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: balanceOf returned no amount", swap.ErrChainRejection)
	}
	return bal, nil
}

// call performs a read against a contract and returns the single
// decoded output value.
func (e *Executor) call(ctx context.Context, to common.Address, contract abi.ABI, method string, args ...interface{}) (interface{}, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: pack %s: %v", swap.ErrValidation, method, err)
	}
	out, err := e.client.CallContract(ctx, ethereum.CallMsg{From: e.from, To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", swap.ErrTransientRPC, method, err)
	}
	vals, err := contract.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %v", swap.ErrChainRejection, method, err)
	}
	if len(vals) != 1 {
		return nil, fmt.Errorf("%w: %s returned %d values", swap.ErrChainRejection, method, len(vals))
	}
	return vals[0], nil
}

// submit signs, sends and waits out one transaction. The tx hash is
// returned only after a successful receipt; a reverted execution maps
// to the chain-rejection class.
func (e *Executor) submit(ctx context.Context, to common.Address, value *big.Int, data []byte) (string, error) {
	if value == nil {
		value = new(big.Int)
	}
	signed, err := e.signAndSend(ctx, to, value, data)
	if err != nil {
		return "", err
	}
	receipt, err := e.waitMined(ctx, signed.Hash())
	if err != nil {
		return "", err
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return "", fmt.Errorf("%w: transaction %s reverted in block %d",
			swap.ErrChainRejection, signed.Hash(), receipt.BlockNumber)
	}
	return signed.Hash().Hex(), nil
}

func (e *Executor) signAndSend(ctx context.Context, to common.Address, value *big.Int, data []byte) (*gethtypes.Transaction, error) {
	gasPrice, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas price: %v", swap.ErrTransientRPC, err)
	}
	if e.cfg.MaxGasPrice != nil && e.cfg.MaxGasPrice.Sign() > 0 && gasPrice.Cmp(e.cfg.MaxGasPrice) > 0 {
		e.logger.Warn().
			Str("suggested", gasPrice.String()).
			Str("cap", e.cfg.MaxGasPrice.String()).
			Msg("suggested gas price above cap, clamping")
		gasPrice = new(big.Int).Set(e.cfg.MaxGasPrice)
	}

	gas, err := e.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  e.from,
		To:    &to,
		Value: value,
		Data:  data,
	})
	if err != nil {
		e.logger.Warn().Err(err).Uint64("ceiling", e.cfg.GasCeiling).
			Msg("gas estimation failed, using ceiling")
		gas = e.cfg.GasCeiling
	} else {
		gas = gas * gasBufferNum / gasBufferDen
	}

	e.nonceMu.Lock()
	defer e.nonceMu.Unlock()

	if !e.nonceSeen {
		n, err := e.client.PendingNonceAt(ctx, e.from)
		if err != nil {
			return nil, fmt.Errorf("%w: pending nonce: %v", swap.ErrTransientRPC, err)
		}
		e.nonce = n
		e.nonceSeen = true
	}

	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    e.nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, e.signer, e.key)
	if err != nil {
		return nil, fmt.Errorf("%w: sign transaction: %v", swap.ErrValidation, err)
	}
	if err := e.client.SendTransaction(ctx, signed); err != nil {
		if mapped := e.sendError(err, signed); mapped != nil {
			return nil, mapped
		}
		// The node holds this exact transaction already; its nonce is
		// spent, so the submission counts as sent.
		e.logger.Debug().Str("tx", signed.Hash().Hex()).Msg("transaction already known to the node")
	}
	e.nonce++
	return signed, nil
}

// sendError maps a node's submission error onto the shared taxonomy,
// returning nil for the duplicate-submission answers. Nonce
// disagreements drop the cached nonce so the next submission refetches
// it from the node.
func (e *Executor) sendError(err error, tx *gethtypes.Transaction) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already known"),
		strings.Contains(msg, "known transaction"):
		return nil
	case strings.Contains(msg, "nonce too low"),
		strings.Contains(msg, "nonce too high"),
		strings.Contains(msg, "replacement transaction underpriced"):
		e.nonceSeen = false
		return fmt.Errorf("%w: nonce conflict for %s: %v", swap.ErrTransientRPC, tx.Hash(), err)
	case strings.Contains(msg, "insufficient funds"):
		return fmt.Errorf("%w: %v", swap.ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted"),
		strings.Contains(msg, "invalid opcode"):
		return fmt.Errorf("%w: %v", swap.ErrChainRejection, err)
	default:
		return fmt.Errorf("%w: send transaction %s: %v", swap.ErrTransientRPC, tx.Hash(), err)
	}
}

// waitMined polls for the receipt until the executor's timeout.
func (e *Executor) waitMined(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := e.client.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			e.logger.Debug().Err(err).Str("tx", txHash.Hex()).Msg("receipt poll failed")
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no receipt for %s: %v", swap.ErrTransientRPC, txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Confirmations returns how many blocks deep a transaction is, zero
// when it is still pending.
func (e *Executor) Confirmations(ctx context.Context, txHash common.Hash) (uint64, error) {
	receipt, err := e.client.TransactionReceipt(ctx, txHash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: receipt for %s: %v", swap.ErrTransientRPC, txHash, err)
	}
	tip, err := e.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %v", swap.ErrTransientRPC, err)
	}
	mined := receipt.BlockNumber.Uint64()
	if tip < mined {
		return 0, nil
	}
	return tip - mined + 1, nil
}
