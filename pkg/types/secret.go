package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// SecretSize is the length of an HTLC preimage in bytes.
const SecretSize = 32

// Secret is a 32-byte HTLC preimage. It is kept distinct from Hash so that
// function signatures distinguish commitments from the values that open them.
type Secret [SecretSize]byte

// IsZero returns true if the secret is all zeros.
func (s Secret) IsZero() bool {
	return s == Secret{}
}

// String returns the hex-encoded secret.
func (s Secret) String() string {
	return hex.EncodeToString(s[:])
}

// Bytes returns a copy of the secret as a byte slice.
func (s Secret) Bytes() []byte {
	b := make([]byte, SecretSize)
	copy(b, s[:])
	return b
}

// MarshalJSON encodes the secret as a hex string.
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON decodes a hex string into a secret.
func (s *Secret) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "" {
		*s = Secret{}
		return nil
	}
	decoded, err := hex.DecodeString(trim0x(str))
	if err != nil {
		return fmt.Errorf("invalid secret hex: %w", err)
	}
	if len(decoded) != SecretSize {
		return fmt.Errorf("secret must be %d bytes, got %d", SecretSize, len(decoded))
	}
	copy(s[:], decoded)
	return nil
}

// HexToSecret converts a hex string (with or without 0x prefix) to a Secret.
func HexToSecret(str string) (Secret, error) {
	b, err := hex.DecodeString(trim0x(str))
	if err != nil {
		return Secret{}, fmt.Errorf("invalid hex: %w", err)
	}
	if len(b) != SecretSize {
		return Secret{}, fmt.Errorf("secret must be %d bytes, got %d", SecretSize, len(b))
	}
	var s Secret
	copy(s[:], b)
	return s, nil
}
