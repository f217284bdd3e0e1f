// Package signature derives stable identities for logical screenshots.
package signature

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Compute derives the signature for a submission. The configured key list —
// not map iteration order — determines which properties participate and in
// what order, so the result is stable across runs and machines.
func Compute(name string, properties map[string]interface{}, keys []string) string {
	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, name)
	for _, k := range keys {
		v, ok := properties[k]
		if !ok {
			parts = append(parts, "")
			continue
		}
		parts = append(parts, Canonical(v))
	}
	return strings.Join(parts, "|")
}

// Canonical stringifies a property value deterministically: booleans as
// true/false, numbers in shortest round-trip form, no locale.
func Canonical(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		// Uncommon property types fall back to JSON encoding, which is
		// deterministic for scalars and sorts object keys.
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Key converts a signature into its file-name-safe form: path separators
// and parent references are replaced so the key can never traverse.
func Key(sig string) string {
	r := strings.NewReplacer("..", "-", "/", "-", "\\", "-")
	return r.Replace(sig)
}
