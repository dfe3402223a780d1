package configutil

import (
	"sort"
	"strings"

	"github.com/harunnryd/speechchat/pkg/errorsx"
)

// Schema lists the keys a provider settings map may carry.
type Schema struct {
	// Path is the config location of the map, e.g. "vendors.stt.settings".
	Path         string
	Required     []string
	Optional     []string
	AllowUnknown bool
}

func (s Schema) key(name string) string {
	if s.Path == "" {
		return name
	}
	return s.Path + "." + name
}

// SettingsError names the offending keys of one settings map by full path.
type SettingsError struct {
	Path    string
	Missing []string
	Unknown []string
}

func (e *SettingsError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown "+strings.Join(e.Unknown, ", "))
	}
	msg := strings.Join(parts, "; ")
	if e.Path != "" {
		msg = e.Path + ": " + msg
	}
	return msg
}

// ValidateSettings checks input against schema. Keys match regardless of case,
// underscores or hyphens, so "sampleRate" satisfies "sample_rate". A blank
// string or empty list counts as missing. Failures are *SettingsError tagged
// with errorsx.ReasonConfigInvalid.
func ValidateSettings(input map[string]any, schema Schema) error {
	required := make(map[string]string, len(schema.Required))
	allowed := make(map[string]struct{}, len(schema.Required)+len(schema.Optional))
	for _, k := range schema.Required {
		required[normalizeKey(k)] = k
		allowed[normalizeKey(k)] = struct{}{}
	}
	for _, k := range schema.Optional {
		allowed[normalizeKey(k)] = struct{}{}
	}

	serr := &SettingsError{Path: schema.Path}
	seen := make(map[string]bool, len(input))
	for k, v := range input {
		nk := normalizeKey(k)
		seen[nk] = true
		if _, ok := allowed[nk]; !ok && !schema.AllowUnknown {
			serr.Unknown = append(serr.Unknown, schema.key(k))
		}
		if name, ok := required[nk]; ok && isEmptyValue(v) {
			serr.Missing = append(serr.Missing, schema.key(name))
		}
	}
	for nk, name := range required {
		if !seen[nk] {
			serr.Missing = append(serr.Missing, schema.key(name))
		}
	}

	if len(serr.Missing) == 0 && len(serr.Unknown) == 0 {
		return nil
	}
	sort.Strings(serr.Missing)
	sort.Strings(serr.Unknown)
	return errorsx.Wrap(serr, errorsx.ReasonConfigInvalid)
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []any:
		return len(val) == 0
	case []string:
		return len(val) == 0
	default:
		return false
	}
}
