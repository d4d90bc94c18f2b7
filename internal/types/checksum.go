package types

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// Checksum returns the 16-lowercase-hex-char prefix of SHA-256 over a
// canonical JSON serialization of v (sorted map keys), per the GLOSSARY.
func Checksum(v any) string {
	raw, _ := json.Marshal(v)
	var decoded any
	_ = json.Unmarshal(raw, &decoded)
	canon := canonicalize(decoded)
	data, _ := json.Marshal(canon)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// ChecksumBytes checksums a raw byte payload directly (used for opaque cache
// values where canonical-JSON re-serialization isn't meaningful).
func ChecksumBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

// canonicalize walks a decoded JSON-like value (maps/slices/scalars) and
// returns an equivalent value with map keys emitted in sorted order via
// ordered key/value pairs, so two semantically-equal maps always marshal
// identically regardless of original iteration order.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, [2]any{k, canonicalize(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return t
	}
}
