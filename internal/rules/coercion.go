// internal/rules/coercion.go
package rules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

/*
 * Value coercion for templates and operators.
 *
 * Two modes, kept separate on purpose:
 *   - Strict numeric (gt/gte/lt/lte/length_gte): numbers and numeric
 *     strings become float64; booleans and anything else are rejected.
 *   - Typed equality (equals/not_equals/contains): numbers of any Go width
 *     compare by value, nothing is stringified implicitly.
 *
 * Template output is coerced once at the end of substitution: a result that
 * is entirely numeric-shaped becomes int64 or float64, "true"/"false" in any
 * case becomes bool, everything else stays a string.
 */

var numericShape = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// CoerceScalar converts a fully substituted template string to its natural
// scalar type.
func CoerceScalar(s string) any {
	if numericShape.MatchString(s) {
		if !strings.Contains(s, ".") {
			// base 10 explicitly: cast would read a leading zero as octal
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return n
			}
		}
		if f, err := cast.ToFloat64E(s); err == nil {
			return f
		}
		return s
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}

// isNumber reports whether v is a Go numeric type (bool excluded).
func isNumber(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return true
	}
	return false
}

// numberValue converts a Go numeric value to float64.
func numberValue(v any) (float64, bool) {
	if !isNumber(v) {
		return 0, false
	}
	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, false
	}
	return f, true
}

// toNumeric is the strict numeric coercion used by ordering operators.
// Numeric strings are accepted after trimming; booleans are rejected.
func toNumeric(v any) (float64, bool) {
	switch t := v.(type) {
	case nil, bool:
		return 0, false
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return 0, false
		}
		f, err := cast.ToFloat64E(s)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return numberValue(v)
}

// Stringify renders v the way templates substitute it. Nil becomes the empty
// string; maps and lists render as JSON.
func Stringify(v any) string {
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
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(b)
	}
	if s, err := cast.ToStringE(v); err == nil {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// truthy interprets an operand as a boolean: bools as-is, "true"/"false"
// strings parsed, numbers non-zero, other values by non-emptiness.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		if b, err := cast.ToBoolE(strings.ToLower(strings.TrimSpace(t))); err == nil {
			return b
		}
		return t != ""
	}
	if f, ok := numberValue(v); ok {
		return f != 0
	}
	return !isEmpty(v)
}

// isEmpty reports nil, the empty string and empty lists or maps.
func isEmpty(v any) bool {
	switch t := normalize(v).(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
