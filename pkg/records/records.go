// Package records provides a schema-less view over provider JSON payloads.
// Accessors return ok-flags instead of panicking so callers stay total over
// arbitrary input.
package records

import (
	"strconv"
	"strings"
)

// Record is an arbitrary JSON object as decoded by encoding/json.
type Record map[string]any

// IsRecord reports whether v is a JSON object.
func IsRecord(v any) (Record, bool) {
	switch cast := v.(type) {
	case Record:
		return cast, true
	case map[string]any:
		return Record(cast), true
	}
	return nil, false
}

// GetNested walks the given key path and returns the value at the end of it.
func (r Record) GetNested(path ...string) (any, bool) {
	var current any = r
	for _, key := range path {
		obj, ok := IsRecord(current)
		if !ok {
			return nil, false
		}
		current, ok = obj[key]
		if !ok {
			return nil, false
		}
	}
	if current == nil {
		return nil, false
	}
	return current, true
}

// AsString coerces strings and finite numbers to a trimmed non-empty string.
func AsString(v any) (string, bool) {
	switch cast := v.(type) {
	case string:
		trimmed := strings.TrimSpace(cast)
		if trimmed == "" {
			return "", false
		}
		return trimmed, true
	case float64:
		return formatNumber(cast), true
	case int:
		return strconv.Itoa(cast), true
	case int64:
		return strconv.FormatInt(cast, 10), true
	}
	return "", false
}

// AsNumber coerces numbers and numeric strings to float64.
func AsNumber(v any) (float64, bool) {
	switch cast := v.(type) {
	case float64:
		return cast, true
	case int:
		return float64(cast), true
	case int64:
		return float64(cast), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(cast), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

// AsBool returns v only when it is a JSON boolean.
func AsBool(v any) (bool, bool) {
	cast, ok := v.(bool)
	return cast, ok
}

func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
