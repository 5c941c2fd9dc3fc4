package bitcoin

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingswap/internal/log"
	"github.com/Klingon-tech/klingswap/internal/order"
	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/types"
)

// DefaultTimelockFloor is the minimum relative timelock in blocks the
// executor accepts, roughly 24 hours.
const DefaultTimelockFloor = 144

// blockIntervalSeconds approximates the chain's block time when
// relating expiry timestamps to CLTV heights.
const blockIntervalSeconds = 600

// broadcastAttempts bounds the inline retry on transient broadcast
// failures. Past it, the engine's backoff takes over.
const broadcastAttempts = 2

// ErrNoFunding is returned by FindFunding when the HTLC address carries
// no output of the expected amount.
var ErrNoFunding = errors.New("no funding output found")

// Params is the UTXO leg of an order's destination execution
// parameters.
type Params struct {
	// RecipientPubKey is the 33-byte compressed key allowed to claim
	// the output with the secret.
	RecipientPubKey types.HexBytes `json:"recipientPubKey"`
	// TimelockBlocks is the relative CLTV offset from the tip at
	// funding time. Zero selects the executor's configured default.
	TimelockBlocks int64 `json:"relativeTimelockBlocks"`
	// FeeRate optionally overrides the manager's estimate, in sat/vB.
	FeeRate int64 `json:"targetFeeRate,omitempty"`
}

// ParseParams decodes and validates the opaque parameter blob carried
// by an order.
func ParseParams(raw json.RawMessage) (*Params, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing utxo execution parameters", swap.ErrValidation)
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: decode utxo execution parameters: %v", swap.ErrValidation, err)
	}
	if len(p.RecipientPubKey) != compressedPubKeyLen {
		return nil, fmt.Errorf("%w: recipient pubkey must be %d bytes, got %d",
			swap.ErrValidation, compressedPubKeyLen, len(p.RecipientPubKey))
	}
	if p.TimelockBlocks < 0 {
		return nil, fmt.Errorf("%w: negative relative timelock", swap.ErrValidation)
	}
	if p.FeeRate < 0 {
		return nil, fmt.Errorf("%w: negative fee rate", swap.ErrValidation)
	}
	return &p, nil
}

// Recorder persists executor progress into the order store. *order.Store
// satisfies it.
type Recorder interface {
	UpdateBitcoinInfo(hash types.Hash, mutate func(*order.BitcoinInfo)) error
}

// ExecutorConfig sets HTLC construction policy.
type ExecutorConfig struct {
	// Net selects address encodings.
	Net *chaincfg.Params
	// DustThreshold is the smallest output worth creating.
	DustThreshold int64
	// TimelockFloor rejects orders whose relative timelock is too short
	// to refund safely.
	TimelockFloor int64
	// DefaultTimelock is the relative CLTV delta applied when order
	// parameters omit one.
	DefaultTimelock int64
	// MinConfirmations declares funding final.
	MinConfirmations int64
}

// Executor funds, claims, and refunds HTLC outputs on the UTXO chain.
type Executor struct {
	api ChainAPI
	mgr *Manager
	key *btcec.PrivateKey
	cfg ExecutorConfig

	pubKey       []byte
	changeAddr   btcutil.Address
	changeScript []byte

	logger zerolog.Logger
}

// NewExecutor wires the executor to a chain API, the UTXO cache, and
// the resolver's signing key.
func NewExecutor(api ChainAPI, mgr *Manager, key *btcec.PrivateKey, cfg ExecutorConfig) (*Executor, error) {
	if cfg.Net == nil {
		return nil, fmt.Errorf("executor: network params required")
	}
	if cfg.DustThreshold <= 0 {
		cfg.DustThreshold = DefaultDustThreshold
	}
	if cfg.TimelockFloor <= 0 {
		cfg.TimelockFloor = DefaultTimelockFloor
	}
	if cfg.DefaultTimelock <= 0 {
		cfg.DefaultTimelock = cfg.TimelockFloor
	}
	if cfg.MinConfirmations <= 0 {
		cfg.MinConfirmations = DefaultMinConfirmations
	}

	pub := key.PubKey().SerializeCompressed()
	changeAddr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), cfg.Net)
	if err != nil {
		return nil, fmt.Errorf("derive change address: %w", err)
	}
	changeScript, err := txscript.PayToAddrScript(changeAddr)
	if err != nil {
		return nil, fmt.Errorf("build change script: %w", err)
	}

	return &Executor{
		api:          api,
		mgr:          mgr,
		key:          key,
		cfg:          cfg,
		pubKey:       pub,
		changeAddr:   changeAddr,
		changeScript: changeScript,
		logger:       log.WithComponent("bitcoin"),
	}, nil
}

// Address returns the resolver's funding and change address.
func (e *Executor) Address() string {
	return e.changeAddr.EncodeAddress()
}

// MinConfirmations returns the depth at which funding counts as final.
func (e *Executor) MinConfirmations() int64 {
	return e.cfg.MinConfirmations
}

// CreateAndFund builds the HTLC for an order and broadcasts the funding
// transaction. It is idempotent under re-execution: a funding output
// already on chain, recorded or discovered by address scan, is adopted
// instead of paying twice.
func (e *Executor) CreateAndFund(ctx context.Context, octx *order.Context, rec Recorder) (string, error) {
	p, err := ParseParams(octx.DstParams)
	if err != nil {
		return "", err
	}
	if p.TimelockBlocks == 0 {
		p.TimelockBlocks = e.cfg.DefaultTimelock
	}
	if p.TimelockBlocks < e.cfg.TimelockFloor {
		return "", fmt.Errorf("%w: relative timelock %d below floor %d",
			swap.ErrValidation, p.TimelockBlocks, e.cfg.TimelockFloor)
	}
	if !octx.DstAmount.IsInt64() || octx.DstAmount.Int64() <= 0 {
		return "", fmt.Errorf("%w: destination amount %s outside satoshi range",
			swap.ErrValidation, octx.DstAmount)
	}
	amount := octx.DstAmount.Int64()

	if octx.UTXO != nil && octx.UTXO.FundingTxID != "" {
		return octx.UTXO.FundingTxID, nil
	}

	var (
		redeemScript []byte
		cltvHeight   int64
		htlcAddr     btcutil.Address
	)
	if octx.UTXO != nil && len(octx.UTXO.HTLCScript) > 0 {
		// Recorded HTLC parameters are immutable once persisted: a
		// replay must scan the address a previous run may already have
		// funded, not derive a new one from the moved tip.
		redeemScript = octx.UTXO.HTLCScript
		cltvHeight = octx.UTXO.CLTVHeight
		htlcAddr, err = HTLCAddress(redeemScript, e.cfg.Net)
		if err != nil {
			return "", fmt.Errorf("%w: %v", swap.ErrValidation, err)
		}
	} else {
		tip, err := e.api.GetCurrentBlockHeight(ctx)
		if err != nil {
			return "", err
		}
		cltvHeight = tip + p.TimelockBlocks

		// The order must expire while the refund path is still locked,
		// with at least one block interval of margin.
		latestSafeExpiry := time.Now().Unix() + (p.TimelockBlocks-1)*blockIntervalSeconds
		if octx.ExpiryTime >= latestSafeExpiry {
			return "", fmt.Errorf("%w: expiry %d too close to timelock maturity",
				swap.ErrValidation, octx.ExpiryTime)
		}

		redeemScript, err = HTLCScript(octx.Hashlock, p.RecipientPubKey, e.pubKey, cltvHeight)
		if err != nil {
			return "", fmt.Errorf("%w: %v", swap.ErrValidation, err)
		}
		htlcAddr, err = HTLCAddress(redeemScript, e.cfg.Net)
		if err != nil {
			return "", fmt.Errorf("%w: %v", swap.ErrValidation, err)
		}

		// The address and script become durable before any coins move,
		// so a crash after broadcast can recover the funding by address
		// scan.
		if err := rec.UpdateBitcoinInfo(octx.OrderHash, func(info *order.BitcoinInfo) {
			info.HTLCAddress = htlcAddr.EncodeAddress()
			info.HTLCScript = redeemScript
			info.CLTVHeight = cltvHeight
			info.FundingAmount = amount
		}); err != nil {
			return "", err
		}
	}

	// A previous run may have broadcast before recording the txid.
	txid, _, err := e.FindFunding(ctx, htlcAddr.EncodeAddress(), amount)
	if err == nil {
		e.logger.Info().
			Str("order", octx.OrderHash.String()).
			Str("tx", txid).
			Msg("adopting funding transaction found on chain")
		if err := rec.UpdateBitcoinInfo(octx.OrderHash, func(info *order.BitcoinInfo) {
			info.FundingTxID = txid
		}); err != nil {
			return "", err
		}
		return txid, nil
	}
	if !errors.Is(err, ErrNoFunding) {
		return "", err
	}

	if err := e.mgr.Refresh(ctx); err != nil {
		return "", err
	}
	feeRate := p.FeeRate
	if feeRate <= 0 {
		feeRate = e.mgr.FeeRate(ctx)
	}
	sel, err := e.mgr.AcquireFunding(ctx, amount, feeRate)
	if err != nil {
		return "", err
	}

	tx, err := e.buildFundingTx(sel, htlcAddr)
	if err != nil {
		e.mgr.Release(sel)
		return "", err
	}

	txid, err = e.broadcast(ctx, tx)
	if err != nil {
		e.mgr.Release(sel)
		return "", err
	}
	e.mgr.Commit(sel)

	if err := rec.UpdateBitcoinInfo(octx.OrderHash, func(info *order.BitcoinInfo) {
		info.FundingTxID = txid
	}); err != nil {
		return "", err
	}
	e.logger.Info().
		Str("order", octx.OrderHash.String()).
		Str("htlcAddress", htlcAddr.EncodeAddress()).
		Str("tx", txid).
		Int64("amount", amount).
		Int64("fee", sel.Fee).
		Int64("cltvHeight", cltvHeight).
		Msg("htlc funding broadcast")
	return txid, nil
}

// buildFundingTx assembles and signs the funding transaction: the
// reserved inputs, the HTLC output, and change when above dust.
func (e *Executor) buildFundingTx(sel *FundingSelection, htlcAddr btcutil.Address) (*wire.MsgTx, error) {
	htlcScript, err := txscript.PayToAddrScript(htlcAddr)
	if err != nil {
		return nil, fmt.Errorf("build htlc output script: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i := range sel.Inputs {
		hash, err := chainhash.NewHashFromStr(sel.Inputs[i].TxID)
		if err != nil {
			return nil, fmt.Errorf("parse input txid: %w", err)
		}
		outpoint := wire.OutPoint{Hash: *hash, Index: sel.Inputs[i].Vout}
		tx.AddTxIn(wire.NewTxIn(&outpoint, nil, nil))
		fetcher.AddPrevOut(outpoint, &wire.TxOut{
			Value:    sel.Inputs[i].Value,
			PkScript: e.changeScript,
		})
	}
	tx.AddTxOut(wire.NewTxOut(sel.Amount, htlcScript))
	if sel.Change > 0 {
		tx.AddTxOut(wire.NewTxOut(sel.Change, e.changeScript))
	}

	// Every input is the resolver's own P2WPKH output; BIP-143 signing
	// shares one sighash midstate across inputs.
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i := range sel.Inputs {
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, sel.Inputs[i].Value,
			e.changeScript, txscript.SigHashAll, e.key, true)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}
	return tx, nil
}

// Claim spends the HTLC output through the secret branch, paying the
// resolver's change address. The signing key must match the recipient
// key the HTLC was built with.
func (e *Executor) Claim(ctx context.Context, octx *order.Context, secret types.Secret, rec Recorder) (string, error) {
	if octx.UTXO == nil || octx.UTXO.FundingTxID == "" || len(octx.UTXO.HTLCScript) == 0 {
		return "", fmt.Errorf("%w: order has no funded htlc", swap.ErrStateConflict)
	}
	if octx.UTXO.ClaimTxID != "" {
		return octx.UTXO.ClaimTxID, nil
	}
	if !swap.VerifyPreimage(secret, octx.Hashlock) {
		return "", fmt.Errorf("%w: secret does not open hashlock", swap.ErrValidation)
	}

	outpoint, value, err := e.htlcOutpoint(ctx, octx)
	if err != nil {
		return "", err
	}

	redeem := []byte(octx.UTXO.HTLCScript)
	fee := spendVsize(len(redeem), true) * e.feeRateFor(ctx, octx)
	payout := value - fee
	if payout < e.cfg.DustThreshold {
		return "", fmt.Errorf("%w: htlc value %d cannot cover spend fee %d",
			swap.ErrInsufficientFunds, value, fee)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
	tx.AddTxOut(wire.NewTxOut(payout, e.changeScript))

	sig, err := txscript.RawTxInSignature(tx, 0, redeem, txscript.SigHashAll, e.key)
	if err != nil {
		return "", fmt.Errorf("sign claim: %w", err)
	}
	scriptSig, err := claimScriptSig(sig, secret.Bytes(), redeem)
	if err != nil {
		return "", fmt.Errorf("build claim script: %w", err)
	}
	tx.TxIn[0].SignatureScript = scriptSig

	txid, err := e.broadcast(ctx, tx)
	if err != nil {
		return "", err
	}
	if err := rec.UpdateBitcoinInfo(octx.OrderHash, func(info *order.BitcoinInfo) {
		info.ClaimTxID = txid
	}); err != nil {
		return "", err
	}
	e.logger.Info().
		Str("order", octx.OrderHash.String()).
		Str("tx", txid).
		Int64("payout", payout).
		Msg("htlc claim broadcast")
	return txid, nil
}

// Refund sweeps an expired HTLC back to the resolver through the
// timeout branch. Before the CLTV height it returns NotYetRefundable so
// the caller retries on a later tick.
func (e *Executor) Refund(ctx context.Context, octx *order.Context, rec Recorder) (string, error) {
	if octx.UTXO == nil || octx.UTXO.FundingTxID == "" || len(octx.UTXO.HTLCScript) == 0 {
		return "", fmt.Errorf("%w: order has no funded htlc", swap.ErrStateConflict)
	}
	if octx.UTXO.RefundTxID != "" {
		return octx.UTXO.RefundTxID, nil
	}

	tip, err := e.api.GetCurrentBlockHeight(ctx)
	if err != nil {
		return "", err
	}
	if tip < octx.UTXO.CLTVHeight {
		return "", fmt.Errorf("%w: tip %d below cltv height %d",
			swap.ErrNotYetRefundable, tip, octx.UTXO.CLTVHeight)
	}

	outpoint, value, err := e.htlcOutpoint(ctx, octx)
	if err != nil {
		return "", err
	}

	redeem := []byte(octx.UTXO.HTLCScript)
	fee := spendVsize(len(redeem), false) * e.feeRateFor(ctx, octx)
	payout := value - fee
	if payout < e.cfg.DustThreshold {
		return "", fmt.Errorf("%w: htlc value %d cannot cover spend fee %d",
			swap.ErrInsufficientFunds, value, fee)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	txIn := wire.NewTxIn(outpoint, nil, nil)
	// CHECKLOCKTIMEVERIFY requires an enforced nLockTime, which a final
	// sequence would disable.
	txIn.Sequence = wire.MaxTxInSequenceNum - 1
	tx.AddTxIn(txIn)
	tx.AddTxOut(wire.NewTxOut(payout, e.changeScript))
	tx.LockTime = uint32(octx.UTXO.CLTVHeight)

	sig, err := txscript.RawTxInSignature(tx, 0, redeem, txscript.SigHashAll, e.key)
	if err != nil {
		return "", fmt.Errorf("sign refund: %w", err)
	}
	scriptSig, err := refundScriptSig(sig, redeem)
	if err != nil {
		return "", fmt.Errorf("build refund script: %w", err)
	}
	tx.TxIn[0].SignatureScript = scriptSig

	txid, err := e.broadcast(ctx, tx)
	if err != nil {
		return "", err
	}
	if err := rec.UpdateBitcoinInfo(octx.OrderHash, func(info *order.BitcoinInfo) {
		info.RefundTxID = txid
	}); err != nil {
		return "", err
	}
	e.logger.Info().
		Str("order", octx.OrderHash.String()).
		Str("tx", txid).
		Int64("payout", payout).
		Int64("cltvHeight", octx.UTXO.CLTVHeight).
		Msg("htlc refund broadcast")
	return txid, nil
}

// FindFunding scans the HTLC address for an output of the expected
// amount. Crash recovery uses it to locate a funding transaction whose
// txid was never recorded.
func (e *Executor) FindFunding(ctx context.Context, htlcAddress string, amount int64) (string, uint32, error) {
	utxos, err := e.api.GetUTXOs(ctx, htlcAddress)
	if err != nil {
		return "", 0, err
	}
	for _, u := range utxos {
		if u.Value == amount {
			return u.TxID, u.Vout, nil
		}
	}
	return "", 0, fmt.Errorf("%w: address %s amount %d", ErrNoFunding, htlcAddress, amount)
}

// FundingConfirmations reports how deep the funding transaction is.
// ErrTxNotFound for a transaction that was seen before means a reorg
// dropped it.
func (e *Executor) FundingConfirmations(ctx context.Context, octx *order.Context) (int64, error) {
	if octx.UTXO == nil || octx.UTXO.FundingTxID == "" {
		return 0, fmt.Errorf("%w: order has no funding transaction", swap.ErrStateConflict)
	}
	return e.api.GetConfirmations(ctx, octx.UTXO.FundingTxID)
}

// htlcOutpoint locates the HTLC output inside the funding transaction.
func (e *Executor) htlcOutpoint(ctx context.Context, octx *order.Context) (*wire.OutPoint, int64, error) {
	rawHex, err := e.api.GetRawTransaction(ctx, octx.UTXO.FundingTxID)
	if err != nil {
		return nil, 0, err
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, 0, fmt.Errorf("decode funding tx: %w", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, 0, fmt.Errorf("parse funding tx: %w", err)
	}

	htlcAddr, err := btcutil.DecodeAddress(octx.UTXO.HTLCAddress, e.cfg.Net)
	if err != nil {
		return nil, 0, fmt.Errorf("decode htlc address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(htlcAddr)
	if err != nil {
		return nil, 0, fmt.Errorf("build htlc output script: %w", err)
	}

	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			hash := tx.TxHash()
			return wire.NewOutPoint(&hash, uint32(i)), out.Value, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: funding tx %s pays no htlc output",
		ErrNoFunding, octx.UTXO.FundingTxID)
}

// feeRateFor prefers the per-order rate from the execution parameters
// and falls back to the manager's estimate.
func (e *Executor) feeRateFor(ctx context.Context, octx *order.Context) int64 {
	if p, err := ParseParams(octx.DstParams); err == nil && p.FeeRate > 0 {
		return p.FeeRate
	}
	return e.mgr.FeeRate(ctx)
}

// broadcast serializes and submits a transaction. A duplicate-submission
// response counts as success with the locally computed txid; transient
// failures get one short inline retry.
func (e *Executor) broadcast(ctx context.Context, tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("serialize transaction: %w", err)
	}
	rawHex := hex.EncodeToString(buf.Bytes())
	txid := tx.TxHash().String()

	var lastErr error
	for attempt := 0; attempt < broadcastAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Second):
			}
		}
		got, err := e.api.BroadcastTransaction(ctx, rawHex)
		switch {
		case err == nil:
			if got != "" {
				return got, nil
			}
			return txid, nil
		case errors.Is(err, swap.ErrAlreadyBroadcast):
			e.logger.Debug().Str("tx", txid).Msg("transaction already known to the network")
			return txid, nil
		case errors.Is(err, swap.ErrTransientRPC):
			lastErr = err
		default:
			return "", err
		}
	}
	return "", lastErr
}
