package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HexBytes is a byte slice that marshals as a hex string in JSON.
// Scripts and raw transactions use it because hex is the convention
// on every chain API this module talks to.
type HexBytes []byte

// String returns the hex encoding of the bytes.
func (b HexBytes) String() string {
	return hex.EncodeToString(b)
}

// MarshalJSON encodes the bytes as a hex string.
func (b HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(b))
}

// UnmarshalJSON decodes a hex string (with or without 0x prefix).
func (b *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*b = nil
		return nil
	}
	decoded, err := hex.DecodeString(trim0x(s))
	if err != nil {
		return fmt.Errorf("invalid hex bytes: %w", err)
	}
	*b = decoded
	return nil
}
