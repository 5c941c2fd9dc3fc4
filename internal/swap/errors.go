// Package swap holds the contract shared by the engine and the chain
// executors: the error taxonomy and the preimage hash.
package swap

import "errors"

// Sentinel errors returned by executors. The engine classifies these to
// decide between retrying, failing the order, and postponing.
var (
	// ErrValidation marks a malformed order, unknown chain, or bad
	// parameter encoding. The order context is never created.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientFunds means the resolver cannot fund the destination
	// lock. Not retried automatically.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrTransientRPC covers timeouts, 5xx responses, and mempool
	// congestion. Retried with backoff.
	ErrTransientRPC = errors.New("transient rpc failure")

	// ErrChainRejection means a node accepted the transaction but the
	// chain reverted it.
	ErrChainRejection = errors.New("transaction rejected on-chain")

	// ErrStateConflict marks an attempt to act on a terminal order.
	ErrStateConflict = errors.New("order in conflicting state")

	// ErrAlreadyBroadcast is the duplicate-submission signal from a node.
	// Treated as success; the tx id is retained.
	ErrAlreadyBroadcast = errors.New("transaction already broadcast")

	// ErrNotYetRefundable means the chain tip has not reached the CLTV
	// height. The refund is retried on a later tick.
	ErrNotYetRefundable = errors.New("timelock not yet mature")

	// ErrMonitorLag means a secret was observed well past expiryTime.
	// The claim proceeds only if the pre-expiry on-chain action is still
	// valid; otherwise the refund path is chosen.
	ErrMonitorLag = errors.New("secret observed after expiry")
)

// Class buckets an error for the engine's failure handling.
type Class int

const (
	// ClassUnknown is any error outside the taxonomy. Treated as
	// non-retryable.
	ClassUnknown Class = iota
	ClassValidation
	ClassInsufficientFunds
	ClassTransient
	ClassChainRejection
	ClassStateConflict
	ClassAlreadyBroadcast
	ClassNotYetRefundable
	ClassMonitorLag
)

// String returns the class name for logging.
func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassInsufficientFunds:
		return "insufficient_funds"
	case ClassTransient:
		return "transient"
	case ClassChainRejection:
		return "chain_rejection"
	case ClassStateConflict:
		return "state_conflict"
	case ClassAlreadyBroadcast:
		return "already_broadcast"
	case ClassNotYetRefundable:
		return "not_yet_refundable"
	case ClassMonitorLag:
		return "monitor_lag"
	default:
		return "unknown"
	}
}

// Classify maps an error to its taxonomy class via errors.Is, so wrapped
// sentinels classify the same as bare ones.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, ErrValidation):
		return ClassValidation
	case errors.Is(err, ErrInsufficientFunds):
		return ClassInsufficientFunds
	case errors.Is(err, ErrTransientRPC):
		return ClassTransient
	case errors.Is(err, ErrChainRejection):
		return ClassChainRejection
	case errors.Is(err, ErrStateConflict):
		return ClassStateConflict
	case errors.Is(err, ErrAlreadyBroadcast):
		return ClassAlreadyBroadcast
	case errors.Is(err, ErrNotYetRefundable):
		return ClassNotYetRefundable
	case errors.Is(err, ErrMonitorLag):
		return ClassMonitorLag
	default:
		return ClassUnknown
	}
}

// Retryable reports whether the engine should retry the failed step
// with backoff instead of failing the order.
func Retryable(err error) bool {
	return Classify(err) == ClassTransient
}
