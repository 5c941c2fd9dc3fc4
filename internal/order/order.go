// Package order defines the per-swap order context, its status machine,
// and the durable store the engine recovers from after a restart.
package order

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/types"
)

// Status is the lifecycle state of an order.
type Status string

// Order lifecycle states.
const (
	StatusPending        Status = "pending"
	StatusHTLCCreated    Status = "htlc_created"
	StatusHTLCFunded     Status = "htlc_funded"
	StatusSecretRevealed Status = "secret_revealed"
	StatusClaimed        Status = "claimed"
	StatusExpired        Status = "expired"
	StatusFailed         Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusHTLCCreated, StatusHTLCFunded,
		StatusSecretRevealed, StatusClaimed, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// transitions lists the allowed next states per status.
// htlc_funded may fall back to htlc_created when a reorg drops the
// funding transaction and the executor has to fund again. Every
// non-terminal state may expire once its deadline passes.
var transitions = map[Status][]Status{
	StatusPending:        {StatusHTLCCreated, StatusExpired, StatusFailed},
	StatusHTLCCreated:    {StatusHTLCFunded, StatusExpired, StatusFailed},
	StatusHTLCFunded:     {StatusSecretRevealed, StatusExpired, StatusHTLCCreated},
	StatusSecretRevealed: {StatusClaimed, StatusExpired},
	StatusClaimed:        nil,
	StatusExpired:        nil,
	StatusFailed:         nil,
}

// CanTransition reports whether from may advance to to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is the submission payload handed over by the gateway.
type Order struct {
	OrderHash  types.Hash      `json:"orderHash"`
	SrcChainID uint64          `json:"srcChainId"`
	DstChainID uint64          `json:"dstChainId"`
	Maker      string          `json:"maker"`
	SrcToken   string          `json:"srcToken"`
	DstToken   string          `json:"dstToken"`
	SrcAmount  *big.Int        `json:"srcAmount"`
	DstAmount  *big.Int        `json:"dstAmount"`
	Hashlock   types.Hash      `json:"hashlock"`
	ExpiryTime int64           `json:"expiryTime"`
	DstParams  json.RawMessage `json:"dstExecutionParams,omitempty"`
}

// Validate checks the shape of a submitted order. Chain allow-lists and
// expiry lead time depend on configuration and are checked by the engine.
func (o *Order) Validate() error {
	if o.OrderHash.IsZero() {
		return fmt.Errorf("%w: orderHash is zero", swap.ErrValidation)
	}
	if o.SrcChainID == 0 || o.DstChainID == 0 {
		return fmt.Errorf("%w: chain id is zero", swap.ErrValidation)
	}
	if o.SrcChainID == o.DstChainID {
		return fmt.Errorf("%w: source and destination chain are the same", swap.ErrValidation)
	}
	if o.Maker == "" {
		return fmt.Errorf("%w: maker is empty", swap.ErrValidation)
	}
	if o.SrcAmount == nil || o.SrcAmount.Sign() <= 0 {
		return fmt.Errorf("%w: srcAmount must be positive", swap.ErrValidation)
	}
	if o.DstAmount == nil || o.DstAmount.Sign() <= 0 {
		return fmt.Errorf("%w: dstAmount must be positive", swap.ErrValidation)
	}
	if o.Hashlock.IsZero() {
		return fmt.Errorf("%w: hashlock is zero", swap.ErrValidation)
	}
	if o.ExpiryTime <= 0 {
		return fmt.Errorf("%w: expiryTime is not set", swap.ErrValidation)
	}
	return nil
}

// BitcoinInfo records the UTXO-side artifacts of an order.
type BitcoinInfo struct {
	HTLCAddress   string         `json:"htlcAddress,omitempty"`
	HTLCScript    types.HexBytes `json:"htlcScript,omitempty"`
	FundingTxID   string         `json:"fundingTxId,omitempty"`
	FundingAmount int64          `json:"fundingAmount,omitempty"`
	ClaimTxID     string         `json:"claimingTxId,omitempty"`
	RefundTxID    string         `json:"refundTxId,omitempty"`
	CLTVHeight    int64          `json:"cltvHeight,omitempty"`
}

// Context is the aggregate tracked for every order. The engine owns it;
// executors receive copies and report changes back through the store.
type Context struct {
	OrderHash  types.Hash      `json:"orderHash"`
	SrcChainID uint64          `json:"chainId"`
	DstChainID uint64          `json:"dstChainId"`
	Maker      string          `json:"maker"`
	SrcToken   string          `json:"srcToken"`
	DstToken   string          `json:"dstToken"`
	SrcAmount  *big.Int        `json:"srcAmount"`
	DstAmount  *big.Int        `json:"dstAmount"`
	DstParams  json.RawMessage `json:"dstExecutionParams,omitempty"`
	Hashlock   types.Hash      `json:"hashlock"`
	Secret     types.Secret    `json:"secret"`
	ExpiryTime int64           `json:"expiryTime"`
	Status     Status          `json:"status"`
	UTXO       *BitcoinInfo    `json:"utxo,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// NewContext builds a pending context from a validated order.
func NewContext(o *Order) *Context {
	now := time.Now().UTC()
	c := &Context{
		OrderHash:  o.OrderHash,
		SrcChainID: o.SrcChainID,
		DstChainID: o.DstChainID,
		Maker:      o.Maker,
		SrcToken:   o.SrcToken,
		DstToken:   o.DstToken,
		Hashlock:   o.Hashlock,
		ExpiryTime: o.ExpiryTime,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if o.SrcAmount != nil {
		c.SrcAmount = new(big.Int).Set(o.SrcAmount)
	}
	if o.DstAmount != nil {
		c.DstAmount = new(big.Int).Set(o.DstAmount)
	}
	if len(o.DstParams) > 0 {
		c.DstParams = append(json.RawMessage(nil), o.DstParams...)
	}
	return c
}

// Terminal reports whether the context may never be mutated again.
// Expired orders on a UTXO destination stay live until the refund
// transaction is broadcast; everything else expired is settled on-chain
// without our involvement.
func (c *Context) Terminal() bool {
	switch c.Status {
	case StatusClaimed, StatusFailed:
		return true
	case StatusExpired:
		if c.UTXO != nil && c.UTXO.RefundTxID == "" {
			return false
		}
		return true
	default:
		return false
	}
}

// Expired reports whether the order's deadline has passed.
func (c *Context) Expired(now time.Time) bool {
	return now.Unix() >= c.ExpiryTime
}

// CanTransition reports whether the context may advance to next.
func (c *Context) CanTransition(next Status) bool {
	return CanTransition(c.Status, next)
}

// Clone returns a deep copy of the context.
func (c *Context) Clone() *Context {
	cp := *c
	if c.SrcAmount != nil {
		cp.SrcAmount = new(big.Int).Set(c.SrcAmount)
	}
	if c.DstAmount != nil {
		cp.DstAmount = new(big.Int).Set(c.DstAmount)
	}
	if c.DstParams != nil {
		cp.DstParams = append(json.RawMessage(nil), c.DstParams...)
	}
	if c.UTXO != nil {
		u := *c.UTXO
		if c.UTXO.HTLCScript != nil {
			u.HTLCScript = append(types.HexBytes(nil), c.UTXO.HTLCScript...)
		}
		cp.UTXO = &u
	}
	return &cp
}
