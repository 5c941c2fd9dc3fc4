// Package crypto provides content-hashing primitives for the resolver's
// internal bookkeeping (file checksums, index keys). Chain-facing hashing
// lives with each chain executor.
package crypto

import (
	"github.com/Klingon-tech/klingswap/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashConcat hashes the concatenation of the given byte slices.
// Used for deriving fixed-size index keys from composite identifiers.
func HashConcat(parts ...[]byte) types.Hash {
	h := blake3.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}
