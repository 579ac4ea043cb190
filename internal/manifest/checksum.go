package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Checksum returns a hex sha256 over the canonical form of raw JSON.
// Whitespace and key-order changes do not affect the result. If raw is
// not valid JSON, the raw bytes are hashed as-is.
func Checksum(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	b := canonicalize(raw)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// ChecksumJSON marshals v and checksums the result.
func ChecksumJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return Checksum(b), nil
}

// canonicalize round-trips JSON through any so that maps marshal with
// sorted keys. Invalid JSON falls back to the raw bytes.
func canonicalize(raw []byte) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}
