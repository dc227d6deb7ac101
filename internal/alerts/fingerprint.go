package alerts

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint identifies a condition: events with equal type, category,
// source and source id describe the same condition and fold into one alert.
// Fields are trimmed and lower-cased so producers do not split a condition
// by casing.
func Fingerprint(typ, category, source, sourceID string) string {
	parts := []string{typ, category, source, sourceID}
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.TrimSpace(p))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
