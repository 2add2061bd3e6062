package toolpipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint renders a canonical cache key for (toolName, input): a
// round-trip through encoding/json normalizes numeric types and sorts
// object keys (Go's json.Marshal always emits map keys in sorted order),
// then the result is hashed so arbitrarily large inputs yield a fixed-size
// key.
func Fingerprint(toolName string, input any) (string, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return "", fmt.Errorf("toolpipeline: marshal input for fingerprint: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return "", fmt.Errorf("toolpipeline: normalize input for fingerprint: %w", err)
	}
	canonical, err := json.Marshal(normalized)
	if err != nil {
		return "", fmt.Errorf("toolpipeline: canonicalize input for fingerprint: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return toolName + ":" + hex.EncodeToString(sum[:]), nil
}
