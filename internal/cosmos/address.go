package cosmos

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"golang.org/x/crypto/ripemd160"

	"github.com/Klingon-tech/klingswap/internal/swap"
)

// AddressFromPubKey derives the bech32 account address of a compressed
// secp256k1 public key: prefix over RIPEMD160(SHA256(pubkey)).
func AddressFromPubKey(prefix string, compressed []byte) (string, error) {
	if len(compressed) != 33 {
		return "", fmt.Errorf("%w: public key must be 33 bytes, got %d", swap.ErrValidation, len(compressed))
	}
	sha := sha256.Sum256(compressed)
	ripe := ripemd160.New()
	ripe.Write(sha[:])
	payload := ripe.Sum(nil)

	grouped, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("%w: regroup address payload: %v", swap.ErrValidation, err)
	}
	addr, err := bech32.Encode(prefix, grouped)
	if err != nil {
		return "", fmt.Errorf("%w: encode address: %v", swap.ErrValidation, err)
	}
	return addr, nil
}

// ValidateAddress checks that addr is well-formed bech32 and carries
// the expected prefix.
func ValidateAddress(prefix, addr string) error {
	hrp, _, err := bech32.DecodeNoLimit(addr)
	if err != nil {
		return fmt.Errorf("%w: address %q: %v", swap.ErrValidation, addr, err)
	}
	if hrp != prefix {
		return fmt.Errorf("%w: address %q has prefix %q, chain expects %q", swap.ErrValidation, addr, hrp, prefix)
	}
	return nil
}
