package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// StableJSON serializes a value deterministically: map keys sorted,
// compact separators. encoding/json already sorts map keys, so round-
// tripping structured data through map[string]any yields stable bytes.
func StableJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}

// HashJSON returns the hex SHA-256 over the stable JSON encoding of v.
func HashJSON(v any) (string, error) {
	raw, err := StableJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// HashBytes returns the hex SHA-256 of raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
