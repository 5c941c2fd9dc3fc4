package bitcoin

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/klingswap/pkg/types"
)

// DefaultDustThreshold is the smallest output value worth creating, in
// satoshis. Change below it is absorbed into the fee.
const DefaultDustThreshold = 546

// maxSigLen is the worst-case DER signature length including the
// sighash byte, used for fee estimation before signing.
const maxSigLen = 73

// compressedPubKeyLen is the only public key encoding the scripts accept.
const compressedPubKeyLen = 33

// HTLCScript builds the redeem script locking a destination payment:
//
//	OP_IF
//	    OP_HASH256 <hashlock> OP_EQUALVERIFY
//	    <recipientPubKey> OP_CHECKSIG
//	OP_ELSE
//	    <cltvHeight> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <resolverPubKey> OP_CHECKSIG
//	OP_ENDIF
//
// Possible input scripts:
//
//	claim:  <sig> <secret> OP_TRUE <redeemScript>
//	refund: <sig> OP_FALSE <redeemScript>   (after cltvHeight)
//
// The hash opcode is OP_HASH256, so the preimage commitment is double
// SHA-256 and agrees with swap.HashSecret on every other chain.
func HTLCScript(hashlock types.Hash, recipientPubKey, resolverPubKey []byte, cltvHeight int64) ([]byte, error) {
	if len(recipientPubKey) != compressedPubKeyLen || len(resolverPubKey) != compressedPubKeyLen {
		return nil, fmt.Errorf("pubkeys must be %d-byte compressed", compressedPubKeyLen)
	}
	if cltvHeight <= 0 || cltvHeight >= txscript.LockTimeThreshold {
		return nil, fmt.Errorf("cltv height %d outside block-height range", cltvHeight)
	}

	builder := txscript.NewScriptBuilder()

	// Claim branch: the recipient proves knowledge of the secret.
	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_HASH256)
	builder.AddData(hashlock[:])
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(recipientPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	// Refund branch: after the timelock the resolver sweeps the output
	// back.
	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(cltvHeight)
	builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(resolverPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// HTLCAddress derives the P2SH address paying to the redeem script.
func HTLCAddress(redeemScript []byte, params *chaincfg.Params) (*btcutil.AddressScriptHash, error) {
	addr, err := btcutil.NewAddressScriptHash(redeemScript, params)
	if err != nil {
		return nil, fmt.Errorf("derive htlc address: %w", err)
	}
	return addr, nil
}

// claimScriptSig assembles the input script for the claim branch. Push
// order matters: the signature sits at the stack bottom for
// OP_CHECKSIG, the secret above it for OP_HASH256, and OP_TRUE on top
// to select the branch.
func claimScriptSig(sig, secret, redeemScript []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(sig).
		AddData(secret).
		AddOp(txscript.OP_TRUE).
		AddData(redeemScript).
		Script()
}

// refundScriptSig assembles the input script for the timeout branch.
func refundScriptSig(sig, redeemScript []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddData(sig).
		AddOp(txscript.OP_FALSE).
		AddData(redeemScript).
		Script()
}

// Transaction weight constants for fee estimation (BIP-141). The
// resolver funds from its own P2WPKH outputs and pays change back to
// P2WPKH.
const (
	txOverheadWeight   = 42  // version, marker, flag, io counts, locktime
	p2wpkhInputWeight  = 272 // outpoint, empty scriptSig, sequence, witness
	p2wpkhOutputWeight = 124
	p2shOutputWeight   = 128

	// p2wpkhOutputSize is the serialized size of a P2WPKH txout.
	p2wpkhOutputSize = 31
)

// fundingVsize estimates the virtual size of a funding transaction with
// the given number of P2WPKH inputs, one P2SH output, and optionally a
// change output.
func fundingVsize(numInputs int, withChange bool) int64 {
	weight := txOverheadWeight + numInputs*p2wpkhInputWeight + p2shOutputWeight
	if withChange {
		weight += p2wpkhOutputWeight
	}
	// ceil(weight / 4)
	return int64((weight + 3) / 4)
}

// spendVsize estimates the size of a claim or refund transaction: one
// legacy P2SH input, one P2WPKH output. Legacy inputs carry no witness,
// so virtual size equals raw size.
func spendVsize(redeemScriptLen int, claim bool) int64 {
	scriptSig := 1 + maxSigLen + // signature push
		1 + // branch selector
		pushOverhead(redeemScriptLen) + redeemScriptLen
	if claim {
		scriptSig += 1 + types.SecretSize // secret push
	}
	// version, input count, outpoint, scriptSig, sequence, output
	// count, txout, locktime
	size := 4 + 1 + 36 + varIntLen(scriptSig) + scriptSig + 4 + 1 + p2wpkhOutputSize + 4
	return int64(size)
}

// pushOverhead returns the opcode bytes needed to push n data bytes.
func pushOverhead(n int) int {
	switch {
	case n < txscript.OP_PUSHDATA1:
		return 1
	case n <= 0xff:
		return 2
	default:
		return 3
	}
}

func varIntLen(n int) int {
	if n < 0xfd {
		return 1
	}
	return 3
}
