package cosmos

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingswap/internal/log"
	"github.com/Klingon-tech/klingswap/internal/order"
	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/types"
)

// Defaults applied by NewExecutor when the config leaves them zero.
const (
	DefaultGasCeiling          = 1_000_000
	DefaultTimeoutSeconds      = 3600
	DefaultExpiryMarginSeconds = 300
)

// Simulated gas gets a 40% margin; CosmWasm execution cost moves with
// contract state between simulation and inclusion.
const (
	gasAdjustmentNum = 7
	gasAdjustmentDen = 5
)

const bpsDenominator = 10_000

// Params is the account-model leg of an order's destination execution
// parameters.
type Params struct {
	// Recipient is the maker's bech32 address on the destination chain.
	Recipient string `json:"recipient"`
	// TimeoutSeconds optionally overrides the configured contract
	// timeout.
	TimeoutSeconds int64 `json:"timeoutSeconds,omitempty"`
}

// ParseParams decodes and validates the dstExecutionParams blob for a
// chain with the given bech32 prefix.
func ParseParams(prefix string, raw json.RawMessage) (*Params, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: missing account execution parameters", swap.ErrValidation)
	}
	var p Params
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: decode account execution parameters: %v", swap.ErrValidation, err)
	}
	if p.Recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", swap.ErrValidation)
	}
	if err := ValidateAddress(prefix, p.Recipient); err != nil {
		return nil, err
	}
	if p.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: negative timeout", swap.ErrValidation)
	}
	return &p, nil
}

// ChainConfig is one account-model destination network from the chain
// registry.
type ChainConfig struct {
	// ChainID is the numeric id orders route by.
	ChainID uint64
	// Name is the network's chain-id string, e.g. "neutron-1".
	Name string
	// Prefix is the bech32 account prefix.
	Prefix string
	// Denom is the native fee and lock denomination.
	Denom string
	// GasPrice is the decimal fee price in Denom per gas unit.
	GasPrice string
	// ContractAddress is the swap contract; empty means the chain has
	// no contract support.
	ContractAddress string
	// ResolverFee is the flat fee, in base units, added to the lock.
	ResolverFee int64
	// SafetyDepositBps is the collateral rate applied to the amount.
	SafetyDepositBps int64
	// AllowNativeFallback opts the chain into non-atomic transfers
	// when ContractAddress is empty.
	AllowNativeFallback bool
}

func (c ChainConfig) validate() error {
	if c.ChainID == 0 {
		return fmt.Errorf("%w: chain id is zero", swap.ErrValidation)
	}
	if c.Name == "" {
		return fmt.Errorf("%w: chain name is empty", swap.ErrValidation)
	}
	if c.Prefix == "" {
		return fmt.Errorf("%w: bech32 prefix is empty", swap.ErrValidation)
	}
	if c.Denom == "" {
		return fmt.Errorf("%w: denom is empty", swap.ErrValidation)
	}
	if price, ok := new(big.Rat).SetString(c.GasPrice); !ok || price.Sign() <= 0 {
		return fmt.Errorf("%w: gas price %q is not a positive decimal", swap.ErrValidation, c.GasPrice)
	}
	if c.ContractAddress != "" {
		if err := ValidateAddress(c.Prefix, c.ContractAddress); err != nil {
			return err
		}
	}
	if c.ResolverFee < 0 {
		return fmt.Errorf("%w: negative resolver fee", swap.ErrValidation)
	}
	if c.SafetyDepositBps < 0 || c.SafetyDepositBps > bpsDenominator {
		return fmt.Errorf("%w: safety deposit %d bps out of range", swap.ErrValidation, c.SafetyDepositBps)
	}
	return nil
}

// ChainClient is the chain surface the executor needs. *Client
// implements it.
type ChainClient interface {
	Account(ctx context.Context, address string) (accountNumber, sequence uint64, err error)
	QueryContractSmart(ctx context.Context, contract string, query []byte) ([]byte, error)
	Simulate(ctx context.Context, txBytes []byte) (uint64, error)
	BroadcastTx(ctx context.Context, txBytes []byte) (string, error)
}

// ExecutorConfig carries the chain registry entry and submission
// limits for an Executor.
type ExecutorConfig struct {
	Chain ChainConfig
	// TimeoutSeconds is the contract lock lifetime passed into
	// execute_fusion_order.
	TimeoutSeconds int64
	// ExpiryMarginSeconds is how much earlier than the contract lock
	// the order must expire. It absorbs block-time drift between the
	// resolver clock and the chain.
	ExpiryMarginSeconds int64
	// GasCeiling is the gas limit used when simulation fails.
	GasCeiling uint64
}

// Executor places and claims destination locks through the chain's
// CosmWasm swap contract.
//
// The executor keeps no local progress records. Whether a lock exists
// or was claimed is read back from the contract, so a replayed step
// converges on chain state. The native-transfer fallback is the one
// exception: it has no on-chain record keyed by order, which is why it
// stays disabled unless the chain explicitly opts in.
type Executor struct {
	client  ChainClient
	priv    *secp256k1.PrivateKey
	pubKey  []byte
	address string
	cfg     ExecutorConfig

	// mu serializes account reads and broadcasts so two concurrent
	// orders never sign with the same sequence.
	mu sync.Mutex

	logger zerolog.Logger
}

// NewExecutor builds a destination executor signing with key.
func NewExecutor(client ChainClient, key *secp256k1.PrivateKey, cfg ExecutorConfig) (*Executor, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil chain client", swap.ErrValidation)
	}
	if key == nil {
		return nil, fmt.Errorf("%w: nil signing key", swap.ErrValidation)
	}
	if err := cfg.Chain.validate(); err != nil {
		return nil, err
	}
	if cfg.GasCeiling == 0 {
		cfg.GasCeiling = DefaultGasCeiling
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if cfg.ExpiryMarginSeconds <= 0 {
		cfg.ExpiryMarginSeconds = DefaultExpiryMarginSeconds
	}
	pubKey := key.PubKey().SerializeCompressed()
	address, err := AddressFromPubKey(cfg.Chain.Prefix, pubKey)
	if err != nil {
		return nil, err
	}
	return &Executor{
		client:  client,
		priv:    key,
		pubKey:  pubKey,
		address: address,
		cfg:     cfg,
		logger:  log.WithComponent("cosmos"),
	}, nil
}

// Address returns the resolver's bech32 account address.
func (e *Executor) Address() string {
	return e.address
}

// ChainID returns the numeric chain id this executor serves.
func (e *Executor) ChainID() uint64 {
	return e.cfg.Chain.ChainID
}

// Contract messages and queries exchanged with the swap contract.
type executeFusionOrderMsg struct {
	OrderHash      string `json:"order_hash"`
	Hashlock       string `json:"hashlock"`
	Maker          string `json:"maker"`
	Amount         string `json:"amount"`
	ResolverFee    string `json:"resolver_fee"`
	SourceChainID  uint64 `json:"source_chain_id"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
}

type claimFusionOrderMsg struct {
	OrderHash string `json:"order_hash"`
	Preimage  string `json:"preimage"`
}

type fusionOrderQuery struct {
	OrderHash string `json:"order_hash"`
}

type fusionOrderState struct {
	Exists  bool `json:"exists"`
	Claimed bool `json:"claimed"`
}

// ExecuteFusionOrder places the destination lock: a contract execution
// carrying the order terms with the locked funds attached. When the
// contract already holds a lock for the order the call is skipped and
// an empty tx hash is returned, so a replay after a crash is harmless.
func (e *Executor) ExecuteFusionOrder(ctx context.Context, octx *order.Context) (string, error) {
	params, err := ParseParams(e.cfg.Chain.Prefix, octx.DstParams)
	if err != nil {
		return "", err
	}
	if octx.DstAmount == nil || octx.DstAmount.Sign() <= 0 {
		return "", fmt.Errorf("%w: destination amount must be positive", swap.ErrValidation)
	}
	timeout := e.cfg.TimeoutSeconds
	if params.TimeoutSeconds > 0 {
		timeout = params.TimeoutSeconds
	}
	// The order must expire before the contract lock does, with the
	// configured margin to spare, otherwise the lock could be refunded
	// while the order is still claimable.
	latestSafeExpiry := time.Now().Unix() + timeout - e.cfg.ExpiryMarginSeconds
	if octx.ExpiryTime > latestSafeExpiry {
		return "", fmt.Errorf("%w: order expiry %d outlives the destination lock (latest safe %d)",
			swap.ErrValidation, octx.ExpiryTime, latestSafeExpiry)
	}

	if e.cfg.Chain.ContractAddress == "" {
		return e.nativeFallback(ctx, octx, params)
	}

	state, err := e.queryOrder(ctx, octx.OrderHash)
	if err != nil {
		return "", err
	}
	if state.Exists {
		e.logger.Debug().
			Str("order", octx.OrderHash.String()).
			Msg("destination lock already placed, skipping")
		return "", nil
	}

	msg := executeFusionOrderMsg{
		OrderHash:      hex.EncodeToString(octx.OrderHash.Bytes()),
		Hashlock:       hex.EncodeToString(octx.Hashlock.Bytes()),
		Maker:          params.Recipient,
		Amount:         octx.DstAmount.String(),
		ResolverFee:    strconv.FormatInt(e.cfg.Chain.ResolverFee, 10),
		SourceChainID:  octx.SrcChainID,
		TimeoutSeconds: timeout,
	}
	raw, err := json.Marshal(map[string]executeFusionOrderMsg{"execute_fusion_order": msg})
	if err != nil {
		return "", fmt.Errorf("%w: encode execute message: %v", swap.ErrValidation, err)
	}

	total := e.lockFunds(octx.DstAmount)
	exec := encodeMsgExecuteContract(e.address, e.cfg.Chain.ContractAddress, raw,
		[]coin{{Denom: e.cfg.Chain.Denom, Amount: total.String()}})

	txHash, err := e.submit(ctx, anyMsg{typeURL: typeURLMsgExecuteContract, value: exec})
	if err != nil {
		return "", err
	}
	e.logger.Info().
		Str("order", octx.OrderHash.String()).
		Str("txid", txHash).
		Str("funds", total.String()).
		Str("denom", e.cfg.Chain.Denom).
		Int64("timeoutSeconds", timeout).
		Msg("destination lock broadcast")
	return txHash, nil
}

// ClaimFusionOrder reveals the preimage to the contract, releasing the
// lock to the maker. Already-claimed locks are skipped.
func (e *Executor) ClaimFusionOrder(ctx context.Context, octx *order.Context, secret types.Secret) (string, error) {
	if e.cfg.Chain.ContractAddress == "" {
		e.logger.Debug().
			Str("order", octx.OrderHash.String()).
			Msg("native transfer pays the recipient directly, nothing to claim")
		return "", nil
	}
	if !swap.VerifyPreimage(secret, octx.Hashlock) {
		return "", fmt.Errorf("%w: secret does not open hashlock", swap.ErrValidation)
	}

	state, err := e.queryOrder(ctx, octx.OrderHash)
	if err != nil {
		return "", err
	}
	if !state.Exists {
		return "", fmt.Errorf("%w: no destination lock for order %s", swap.ErrStateConflict, octx.OrderHash)
	}
	if state.Claimed {
		e.logger.Debug().
			Str("order", octx.OrderHash.String()).
			Msg("destination lock already claimed, skipping")
		return "", nil
	}

	msg := claimFusionOrderMsg{
		OrderHash: hex.EncodeToString(octx.OrderHash.Bytes()),
		Preimage:  hex.EncodeToString(secret.Bytes()),
	}
	raw, err := json.Marshal(map[string]claimFusionOrderMsg{"claim_fusion_order": msg})
	if err != nil {
		return "", fmt.Errorf("%w: encode claim message: %v", swap.ErrValidation, err)
	}
	exec := encodeMsgExecuteContract(e.address, e.cfg.Chain.ContractAddress, raw, nil)

	txHash, err := e.submit(ctx, anyMsg{typeURL: typeURLMsgExecuteContract, value: exec})
	if err != nil {
		return "", err
	}
	e.logger.Info().
		Str("order", octx.OrderHash.String()).
		Str("txid", txHash).
		Msg("destination claim broadcast")
	return txHash, nil
}

// SendTokens performs a plain native transfer from the resolver
// account.
func (e *Executor) SendTokens(ctx context.Context, to string, amount *big.Int) (string, error) {
	if err := ValidateAddress(e.cfg.Chain.Prefix, to); err != nil {
		return "", err
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("%w: transfer amount must be positive", swap.ErrValidation)
	}
	msg := encodeMsgSend(e.address, to, []coin{{Denom: e.cfg.Chain.Denom, Amount: amount.String()}})
	return e.submit(ctx, anyMsg{typeURL: typeURLMsgSend, value: msg})
}

// nativeFallback pays the recipient directly on chains without
// contract support. There is no lock and no on-chain record keyed by
// order, so the transfer is not replay-safe; the per-chain opt-in
// acknowledges that.
func (e *Executor) nativeFallback(ctx context.Context, octx *order.Context, params *Params) (string, error) {
	if !e.cfg.Chain.AllowNativeFallback {
		return "", fmt.Errorf("%w: chain %d has no contract support and native fallback is disabled",
			swap.ErrValidation, e.cfg.Chain.ChainID)
	}
	e.logger.Warn().
		Str("order", octx.OrderHash.String()).
		Str("recipient", params.Recipient).
		Msg("no contract support, sending non-atomic native transfer")
	txHash, err := e.SendTokens(ctx, params.Recipient, octx.DstAmount)
	if err != nil {
		return "", err
	}
	e.logger.Info().
		Str("order", octx.OrderHash.String()).
		Str("txid", txHash).
		Msg("native transfer broadcast")
	return txHash, nil
}

// lockFunds is the attached amount: lock + flat resolver fee + the
// collateral rate applied to the lock.
func (e *Executor) lockFunds(amount *big.Int) *big.Int {
	total := new(big.Int).Set(amount)
	total.Add(total, big.NewInt(e.cfg.Chain.ResolverFee))
	deposit := new(big.Int).Mul(amount, big.NewInt(e.cfg.Chain.SafetyDepositBps))
	deposit.Div(deposit, big.NewInt(bpsDenominator))
	return total.Add(total, deposit)
}

// HasLock reports whether the contract holds a destination lock for the
// order. Blocks are final on commit, so an existing lock needs no
// further confirmation depth. Chains settling by native transfer have
// no lock to query and report true.
func (e *Executor) HasLock(ctx context.Context, orderHash types.Hash) (bool, error) {
	if e.cfg.Chain.ContractAddress == "" {
		return true, nil
	}
	state, err := e.queryOrder(ctx, orderHash)
	if err != nil {
		return false, err
	}
	return state.Exists, nil
}

func (e *Executor) queryOrder(ctx context.Context, orderHash types.Hash) (fusionOrderState, error) {
	query, err := json.Marshal(map[string]fusionOrderQuery{
		"fusion_order": {OrderHash: hex.EncodeToString(orderHash.Bytes())},
	})
	if err != nil {
		return fusionOrderState{}, fmt.Errorf("%w: encode order query: %v", swap.ErrValidation, err)
	}
	data, err := e.client.QueryContractSmart(ctx, e.cfg.Chain.ContractAddress, query)
	if err != nil {
		return fusionOrderState{}, err
	}
	var state fusionOrderState
	if err := json.Unmarshal(data, &state); err != nil {
		return fusionOrderState{}, fmt.Errorf("%w: contract answered %q: %v", swap.ErrChainRejection, data, err)
	}
	return state, nil
}

// submit signs and broadcasts one message. The account sequence is
// read fresh under the signer lock; two locks are never signed with
// the same sequence, and an external bump surfaces as a transient
// mismatch the engine retries.
func (e *Executor) submit(ctx context.Context, msg anyMsg) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	accountNumber, sequence, err := e.client.Account(ctx, e.address)
	if err != nil {
		return "", err
	}
	body := encodeTxBody([]anyMsg{msg}, "")

	simAuth := encodeAuthInfo(encodeSignerInfo(e.pubKey, sequence), encodeFee(nil, 0))
	gasLimit, err := e.client.Simulate(ctx, encodeTxRaw(body, simAuth, nil))
	if err != nil {
		e.logger.Warn().Err(err).Uint64("ceiling", e.cfg.GasCeiling).
			Msg("simulation failed, using gas ceiling")
		gasLimit = e.cfg.GasCeiling
	} else {
		gasLimit = gasLimit * gasAdjustmentNum / gasAdjustmentDen
	}

	feeCoin := coin{Denom: e.cfg.Chain.Denom, Amount: e.feeForGas(gasLimit).String()}
	authInfo := encodeAuthInfo(encodeSignerInfo(e.pubKey, sequence), encodeFee([]coin{feeCoin}, gasLimit))

	signDoc := encodeSignDoc(body, authInfo, e.cfg.Chain.Name, accountNumber)
	digest := sha256.Sum256(signDoc)
	compact := ecdsa.SignCompact(e.priv, digest[:], true)
	signature := compact[1:]

	return e.client.BroadcastTx(ctx, encodeTxRaw(body, authInfo, signature))
}

// feeForGas is ceil(gas * gasPrice) in the chain denom.
func (e *Executor) feeForGas(gas uint64) *big.Int {
	price, _ := new(big.Rat).SetString(e.cfg.Chain.GasPrice)
	total := new(big.Rat).Mul(price, new(big.Rat).SetInt(new(big.Int).SetUint64(gas)))
	quo, rem := new(big.Int).QuoRem(total.Num(), total.Denom(), new(big.Int))
	if rem.Sign() != 0 {
		quo.Add(quo, big.NewInt(1))
	}
	return quo
}
