// Package signing computes request signatures and composes delivery URLs.
// Everything here is pure.
package signing

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
)

// Sign returns the lower-case hex SHA-1 of the canonical parameter string
// followed by secret. Blank string values and nil values are dropped; lists
// are kept even when empty and joined with ",".
func Sign(params map[string]any, secret string) string {
	h := sha1.Sum([]byte(Canonical(params) + secret))
	return hex.EncodeToString(h[:])
}

// Canonical is the "k1=v1&k2=v2" string that Sign hashes.
func Canonical(params map[string]any) string {
	keys := make([]string, 0, len(params))
	values := make(map[string]string, len(params))
	for k, v := range params {
		s, ok := paramValue(v)
		if !ok {
			continue
		}
		keys = append(keys, k)
		values[k] = s
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(values[k])
	}
	return b.String()
}

func paramValue(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		if strings.TrimSpace(t) == "" {
			return "", false
		}
		return t, true
	case []string:
		return strings.Join(t, ","), true
	case []any:
		parts := make([]string, len(t))
		for i, e := range t {
			parts[i] = fmt.Sprint(e)
		}
		return strings.Join(parts, ","), true
	default:
		s := fmt.Sprint(t)
		if strings.TrimSpace(s) == "" {
			return "", false
		}
		return s, true
	}
}
