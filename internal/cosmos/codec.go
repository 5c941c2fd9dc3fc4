// Package cosmos implements the account-model destination executor:
// placing the hashlock lock through a CosmWasm contract, claiming it
// with the revealed preimage, and the opt-in native transfer fallback.
//
// Transactions are encoded with a minimal protobuf writer covering the
// handful of messages the resolver signs. The wire layout follows the
// cosmos.tx.v1beta1 / cosmwasm.wasm.v1 definitions; SIGN_MODE_DIRECT
// over a sha256 of the SignDoc.
package cosmos

import (
	"encoding/binary"
	"fmt"

	"github.com/Klingon-tech/klingswap/internal/swap"
)

// Protobuf type URLs of the messages this package writes and reads.
const (
	typeURLMsgExecuteContract = "/cosmwasm.wasm.v1.MsgExecuteContract"
	typeURLMsgSend            = "/cosmos.bank.v1beta1.MsgSend"
	typeURLPubKeySecp256k1    = "/cosmos.crypto.secp256k1.PubKey"
	typeURLBaseAccount        = "/cosmos.auth.v1beta1.BaseAccount"
)

// ABCI query paths used by the client.
const (
	pathSmartContractState = "/cosmwasm.wasm.v1.Query/SmartContractState"
	pathAccount            = "/cosmos.auth.v1beta1.Query/Account"
	pathBalance            = "/cosmos.bank.v1beta1.Query/Balance"
	pathSimulate           = "/cosmos.tx.v1beta1.Service/Simulate"
)

const (
	wireVarint = 0
	wireBytes  = 2

	signModeDirect = 1
)

// appendTag writes a field key: field number shifted over the wire type.
func appendTag(b []byte, field, wire int) []byte {
	return binary.AppendUvarint(b, uint64(field)<<3|uint64(wire))
}

// appendVarint writes a varint field, omitting the proto3 zero default.
func appendVarint(b []byte, field int, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = appendTag(b, field, wireVarint)
	return binary.AppendUvarint(b, v)
}

// appendBytes writes a length-delimited field, omitting empty values.
func appendBytes(b []byte, field int, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = appendTag(b, field, wireBytes)
	b = binary.AppendUvarint(b, uint64(len(v)))
	return append(b, v...)
}

// appendBytesAlways writes a length-delimited field even when empty.
// Needed for the simulation signature slot, which must be present.
func appendBytesAlways(b []byte, field int, v []byte) []byte {
	b = appendTag(b, field, wireBytes)
	b = binary.AppendUvarint(b, uint64(len(v)))
	return append(b, v...)
}

func appendString(b []byte, field int, s string) []byte {
	return appendBytes(b, field, []byte(s))
}

// coin is a cosmos.base.v1beta1.Coin: denom and a decimal amount string.
type coin struct {
	Denom  string
	Amount string
}

func encodeCoin(c coin) []byte {
	var b []byte
	b = appendString(b, 1, c.Denom)
	b = appendString(b, 2, c.Amount)
	return b
}

func encodeAny(typeURL string, value []byte) []byte {
	var b []byte
	b = appendString(b, 1, typeURL)
	b = appendBytes(b, 2, value)
	return b
}

// encodeMsgExecuteContract encodes cosmwasm.wasm.v1.MsgExecuteContract.
// Field 4 is reserved in the upstream definition; funds live in field 5.
func encodeMsgExecuteContract(sender, contract string, msg []byte, funds []coin) []byte {
	var b []byte
	b = appendString(b, 1, sender)
	b = appendString(b, 2, contract)
	b = appendBytes(b, 3, msg)
	for _, c := range funds {
		b = appendBytes(b, 5, encodeCoin(c))
	}
	return b
}

// encodeMsgSend encodes cosmos.bank.v1beta1.MsgSend.
func encodeMsgSend(from, to string, amount []coin) []byte {
	var b []byte
	b = appendString(b, 1, from)
	b = appendString(b, 2, to)
	for _, c := range amount {
		b = appendBytes(b, 3, encodeCoin(c))
	}
	return b
}

// anyMsg is a transaction message before Any packing.
type anyMsg struct {
	typeURL string
	value   []byte
}

// encodeTxBody wraps already-encoded messages into a TxBody.
func encodeTxBody(msgs []anyMsg, memo string) []byte {
	var b []byte
	for _, m := range msgs {
		b = appendBytes(b, 1, encodeAny(m.typeURL, m.value))
	}
	b = appendString(b, 2, memo)
	return b
}

func encodePubKey(compressed []byte) []byte {
	return appendBytes(nil, 1, compressed)
}

// encodeSignerInfo encodes an AuthInfo SignerInfo with single
// SIGN_MODE_DIRECT mode info.
func encodeSignerInfo(compressedPubKey []byte, sequence uint64) []byte {
	single := appendVarint(nil, 1, signModeDirect)
	modeInfo := appendBytes(nil, 1, single)

	var b []byte
	b = appendBytes(b, 1, encodeAny(typeURLPubKeySecp256k1, encodePubKey(compressedPubKey)))
	b = appendBytes(b, 2, modeInfo)
	b = appendVarint(b, 3, sequence)
	return b
}

func encodeFee(amount []coin, gasLimit uint64) []byte {
	var b []byte
	for _, c := range amount {
		b = appendBytes(b, 1, encodeCoin(c))
	}
	b = appendVarint(b, 2, gasLimit)
	return b
}

func encodeAuthInfo(signerInfo, fee []byte) []byte {
	var b []byte
	b = appendBytes(b, 1, signerInfo)
	b = appendBytes(b, 2, fee)
	return b
}

// encodeSignDoc builds the SIGN_MODE_DIRECT signing payload.
func encodeSignDoc(bodyBytes, authInfoBytes []byte, chainID string, accountNumber uint64) []byte {
	var b []byte
	b = appendBytes(b, 1, bodyBytes)
	b = appendBytes(b, 2, authInfoBytes)
	b = appendString(b, 3, chainID)
	b = appendVarint(b, 4, accountNumber)
	return b
}

// encodeTxRaw assembles the broadcastable transaction. The signature
// slot is always written so a simulation tx with an empty signature
// still carries the signer shape.
func encodeTxRaw(bodyBytes, authInfoBytes, signature []byte) []byte {
	var b []byte
	b = appendBytes(b, 1, bodyBytes)
	b = appendBytes(b, 2, authInfoBytes)
	b = appendBytesAlways(b, 3, signature)
	return b
}

func encodeQuerySmartContractStateRequest(contract string, query []byte) []byte {
	var b []byte
	b = appendString(b, 1, contract)
	b = appendBytes(b, 2, query)
	return b
}

func encodeQueryAccountRequest(address string) []byte {
	return appendString(nil, 1, address)
}

func encodeQueryBalanceRequest(address, denom string) []byte {
	var b []byte
	b = appendString(b, 1, address)
	b = appendString(b, 2, denom)
	return b
}

// encodeSimulateRequest encodes cosmos.tx.v1beta1.SimulateRequest.
// Field 1 (the embedded Tx) is deprecated upstream; tx_bytes is field 2.
func encodeSimulateRequest(txBytes []byte) []byte {
	return appendBytes(nil, 2, txBytes)
}

// protoScan walks the top-level fields of a message, invoking fn per
// field with either the varint value or the chunk bytes set.
func protoScan(b []byte, fn func(field, wire int, varint uint64, chunk []byte) error) error {
	for len(b) > 0 {
		key, n := binary.Uvarint(b)
		if n <= 0 {
			return fmt.Errorf("%w: truncated protobuf key", swap.ErrChainRejection)
		}
		b = b[n:]
		field := int(key >> 3)
		wire := int(key & 0x7)
		switch wire {
		case wireVarint:
			v, n := binary.Uvarint(b)
			if n <= 0 {
				return fmt.Errorf("%w: truncated varint in field %d", swap.ErrChainRejection, field)
			}
			b = b[n:]
			if err := fn(field, wire, v, nil); err != nil {
				return err
			}
		case wireBytes:
			l, n := binary.Uvarint(b)
			if n <= 0 || uint64(len(b)-n) < l {
				return fmt.Errorf("%w: truncated bytes in field %d", swap.ErrChainRejection, field)
			}
			chunk := b[n : n+int(l)]
			b = b[n+int(l):]
			if err := fn(field, wire, 0, chunk); err != nil {
				return err
			}
		case 1: // 64-bit
			if len(b) < 8 {
				return fmt.Errorf("%w: truncated fixed64 in field %d", swap.ErrChainRejection, field)
			}
			b = b[8:]
		case 5: // 32-bit
			if len(b) < 4 {
				return fmt.Errorf("%w: truncated fixed32 in field %d", swap.ErrChainRejection, field)
			}
			b = b[4:]
		default:
			return fmt.Errorf("%w: unsupported wire type %d in field %d", swap.ErrChainRejection, wire, field)
		}
	}
	return nil
}

// decodeSmartStateResponse extracts the raw contract answer from a
// QuerySmartContractStateResponse.
func decodeSmartStateResponse(b []byte) ([]byte, error) {
	var data []byte
	err := protoScan(b, func(field, wire int, _ uint64, chunk []byte) error {
		if field == 1 && wire == wireBytes {
			data = chunk
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// decodeBalanceResponse pulls the Coin amount out of a
// QueryBalanceResponse. A missing balance field means zero.
func decodeBalanceResponse(b []byte) (string, error) {
	var coin []byte
	err := protoScan(b, func(field, wire int, _ uint64, chunk []byte) error {
		if field == 1 && wire == wireBytes {
			coin = chunk
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if coin == nil {
		return "0", nil
	}
	amount := "0"
	err = protoScan(coin, func(field, wire int, _ uint64, chunk []byte) error {
		if field == 2 && wire == wireBytes {
			amount = string(chunk)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return amount, nil
}

// decodeAccountResponse pulls account number and sequence out of a
// QueryAccountResponse. The account arrives as an Any; chains that wrap
// BaseAccount in a chain-specific account type embed it as field 1, so
// the decoder unwraps one level when the direct parse finds nothing.
func decodeAccountResponse(b []byte) (accountNumber, sequence uint64, err error) {
	var anyValue []byte
	err = protoScan(b, func(field, wire int, _ uint64, chunk []byte) error {
		if field == 1 && wire == wireBytes {
			anyValue = chunk
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	if anyValue == nil {
		return 0, 0, fmt.Errorf("%w: account response carries no account", swap.ErrChainRejection)
	}

	var value []byte
	err = protoScan(anyValue, func(field, wire int, _ uint64, chunk []byte) error {
		if field == 2 && wire == wireBytes {
			value = chunk
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	num, seq, found, err := baseAccountFields(value)
	if err != nil {
		return 0, 0, err
	}
	if !found {
		// Wrapped account type: BaseAccount sits in field 1.
		var inner []byte
		err = protoScan(value, func(field, wire int, _ uint64, chunk []byte) error {
			if field == 1 && wire == wireBytes {
				inner = chunk
			}
			return nil
		})
		if err != nil {
			return 0, 0, err
		}
		num, seq, found, err = baseAccountFields(inner)
		if err != nil {
			return 0, 0, err
		}
	}
	if !found {
		return 0, 0, fmt.Errorf("%w: unrecognized account encoding", swap.ErrChainRejection)
	}
	return num, seq, nil
}

// baseAccountFields reads account_number (3) and sequence (4) from a
// BaseAccount. found reports whether the message looked like one: a
// fresh account has both at zero, so presence of the bech32 address in
// field 1 counts as well.
func baseAccountFields(b []byte) (num, seq uint64, found bool, err error) {
	if len(b) == 0 {
		return 0, 0, false, nil
	}
	err = protoScan(b, func(field, wire int, v uint64, chunk []byte) error {
		switch {
		case field == 1 && wire == wireBytes && looksBech32(chunk):
			found = true
		case field == 3 && wire == wireVarint:
			num = v
			found = true
		case field == 4 && wire == wireVarint:
			seq = v
			found = true
		}
		return nil
	})
	if err != nil {
		return 0, 0, false, err
	}
	return num, seq, found, nil
}

// looksBech32 is a cheap shape test: ASCII with a separator, no spaces.
func looksBech32(b []byte) bool {
	if len(b) < 8 {
		return false
	}
	sep := false
	for _, c := range b {
		if c < 33 || c > 126 {
			return false
		}
		if c == '1' {
			sep = true
		}
	}
	return sep
}

// decodeSimulateResponse returns gas_used from a SimulateResponse
// (gas_info field 1, gas_used field 2 inside it).
func decodeSimulateResponse(b []byte) (uint64, error) {
	var gasInfo []byte
	err := protoScan(b, func(field, wire int, _ uint64, chunk []byte) error {
		if field == 1 && wire == wireBytes {
			gasInfo = chunk
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if gasInfo == nil {
		return 0, fmt.Errorf("%w: simulation returned no gas info", swap.ErrChainRejection)
	}
	var gasUsed uint64
	err = protoScan(gasInfo, func(field, wire int, v uint64, _ []byte) error {
		if field == 2 && wire == wireVarint {
			gasUsed = v
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if gasUsed == 0 {
		return 0, fmt.Errorf("%w: simulation reported zero gas", swap.ErrChainRejection)
	}
	return gasUsed, nil
}
