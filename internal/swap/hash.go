package swap

import (
	"crypto/sha256"

	"github.com/Klingon-tech/klingswap/pkg/types"
)

// HashSecret computes the hashlock image of a preimage: double SHA-256.
// This is the OP_HASH256 opcode on UTXO chains, and the same function is
// applied on every chain so a cross-chain pair can never disagree on the
// hash of a secret.
func HashSecret(secret types.Secret) types.Hash {
	first := sha256.Sum256(secret[:])
	return sha256.Sum256(first[:])
}

// VerifyPreimage reports whether secret opens hashlock.
func VerifyPreimage(secret types.Secret, hashlock types.Hash) bool {
	return HashSecret(secret) == hashlock
}
