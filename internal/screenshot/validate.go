// Package screenshot validates and normalizes screenshot submissions.
package screenshot

import (
	"math"
	"path/filepath"
	"regexp"
	"strings"

	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
)

const maxNameLength = 255

var propertyKeyRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_-]{0,63}$`)

// ValidateName applies the strict validator used for direct submissions:
// anything with a path separator, a parent reference, an absolute path, or
// an over-long name is rejected. Names with a leading dot are prefixed with
// "file_" so they cannot vanish as dotfiles; all other accepted names are
// returned byte-identical.
func ValidateName(name string) (string, error) {
	if name == "" {
		return "", vzerrors.NewValidationError("name", "must not be empty")
	}
	if len(name) > maxNameLength {
		return "", vzerrors.NewValidationError("name", "must be at most 255 characters")
	}
	if strings.ContainsAny(name, `/\`) {
		return "", vzerrors.NewValidationError("name", "must not contain path separators")
	}
	if strings.Contains(name, "..") {
		return "", vzerrors.NewValidationError("name", "must not contain parent references")
	}
	if filepath.IsAbs(name) {
		return "", vzerrors.NewValidationError("name", "must not be an absolute path")
	}
	if strings.HasPrefix(name, ".") {
		name = "file_" + name
	}
	return name, nil
}

var unsafeNameRe = regexp.MustCompile(`[/\\:*?"<>|]`)

// SanitizeName is the lenient path for names derived from external inputs
// such as sitemaps and story indexes: unsafe characters are replaced with
// underscores, parent references collapsed, leading dots prefixed, and the
// result truncated to the name limit.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "..", "_")
	name = unsafeNameRe.ReplaceAllString(name, "_")
	if strings.HasPrefix(name, ".") {
		name = "file_" + name
	}
	if name == "" {
		name = "file_unnamed"
	}
	if len(name) > maxNameLength {
		name = name[:maxNameLength]
	}
	return name
}

var htmlUnsafeRe = regexp.MustCompile(`[<>&"']`)

// ValidateProperties checks the property map against the documented schema
// and returns a normalized copy. String values are trimmed of HTML-unsafe
// characters; viewport dimensions are floored and clamped.
func ValidateProperties(props map[string]interface{}) (map[string]interface{}, error) {
	if props == nil {
		return map[string]interface{}{}, nil
	}

	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		if !propertyKeyRe.MatchString(k) {
			return nil, vzerrors.NewValidationError("properties", "invalid property key: "+k)
		}

		switch t := v.(type) {
		case string:
			if len(t) > 255 {
				return nil, vzerrors.NewValidationError("properties", "value for "+k+" exceeds 255 characters")
			}
			out[k] = htmlUnsafeRe.ReplaceAllString(t, "")
		case float64:
			if math.IsNaN(t) || math.IsInf(t, 0) {
				return nil, vzerrors.NewValidationError("properties", "value for "+k+" must be finite")
			}
			out[k] = normalizeDimension(k, t)
		case int:
			out[k] = normalizeDimension(k, float64(t))
		case bool, nil:
			out[k] = v
		default:
			return nil, vzerrors.NewValidationError("properties", "unsupported value type for "+k)
		}
	}
	return out, nil
}

// normalizeDimension floors viewport dimensions and clamps them to the
// documented range; other numbers pass through.
func normalizeDimension(key string, v float64) interface{} {
	switch key {
	case "viewportWidth", "viewportHeight", "viewport_width", "viewport_height":
		n := int(math.Floor(v))
		if n < 1 {
			n = 1
		}
		if n > 10000 {
			n = 10000
		}
		return n
	}
	return v
}
