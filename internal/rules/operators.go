// internal/rules/operators.go
package rules

import (
	"reflect"
	"regexp"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

/*
 * Operator comparison logic.
 *
 * Operators (case-sensitive):
 *   - exists:                   presence; with a value, presence == truthy(value)
 *   - equals/not_equals:        typed equality with numeric tolerance
 *   - contains/not_contains:    list membership, else substring of the
 *                               stringified actual (maps as JSON)
 *   - gt/gte/lt/lte:            strict numeric, non-numeric operands are false
 *   - length_gte:               len of list, map or string
 *   - regex/not_regex:          pattern against the stringified actual value
 *   - all_<op>/any_<op>:        broadcast over a list (non-lists are wrapped)
 *
 * Unknown operators compare false and are logged at warn level on every
 * occurrence. Compare never panics.
 *
 * Regex patterns are compiled once and cached process-wide; an invalid
 * pattern makes both regex and not_regex false.
 */

// Operator names.
const (
	OpExists      = "exists"
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpGt          = "gt"
	OpGte         = "gte"
	OpLt          = "lt"
	OpLte         = "lte"
	OpLengthGte   = "length_gte"
	OpRegex       = "regex"
	OpNotRegex    = "not_regex"

	prefixAll = "all_"
	prefixAny = "any_"
)

// KnownOperator reports whether op (including broadcast prefixes) is in the
// operator table.
func KnownOperator(op string) bool {
	for {
		switch {
		case strings.HasPrefix(op, prefixAll):
			op = op[len(prefixAll):]
		case strings.HasPrefix(op, prefixAny):
			op = op[len(prefixAny):]
		default:
			switch op {
			case OpExists, OpEquals, OpNotEquals, OpContains, OpNotContains,
				OpGt, OpGte, OpLt, OpLte, OpLengthGte, OpRegex, OpNotRegex:
				return true
			}
			return false
		}
	}
}

// Compare applies op to actual and expected. hasExpected distinguishes an
// omitted value from an explicit null, which only matters for exists.
func Compare(op string, actual, expected any, hasExpected bool) bool {
	switch {
	case strings.HasPrefix(op, prefixAll):
		inner := op[len(prefixAll):]
		for _, elem := range asList(actual) {
			if !Compare(inner, elem, expected, hasExpected) {
				return false
			}
		}
		return true
	case strings.HasPrefix(op, prefixAny):
		inner := op[len(prefixAny):]
		for _, elem := range asList(actual) {
			if Compare(inner, elem, expected, hasExpected) {
				return true
			}
		}
		return false
	}

	switch op {
	case OpExists:
		if !hasExpected {
			return !isEmpty(actual)
		}
		return (actual != nil) == truthy(expected)
	case OpEquals:
		return valuesEqual(actual, expected)
	case OpNotEquals:
		return !valuesEqual(actual, expected)
	case OpContains:
		return containsValue(actual, expected)
	case OpNotContains:
		return !containsValue(actual, expected)
	case OpGt:
		return compareNumeric(actual, expected, func(a, b float64) bool { return a > b })
	case OpGte:
		return compareNumeric(actual, expected, func(a, b float64) bool { return a >= b })
	case OpLt:
		return compareNumeric(actual, expected, func(a, b float64) bool { return a < b })
	case OpLte:
		return compareNumeric(actual, expected, func(a, b float64) bool { return a <= b })
	case OpLengthGte:
		return compareLength(actual, expected)
	case OpRegex:
		re, ok := compilePattern(expected)
		return ok && re.MatchString(Stringify(actual))
	case OpNotRegex:
		re, ok := compilePattern(expected)
		return ok && !re.MatchString(Stringify(actual))
	default:
		logger.WithFields(log.Fields{"operator": op}).Warn("unknown operator, condition evaluates to false")
		return false
	}
}

// valuesEqual is typed equality: numbers compare by value across Go widths,
// lists and maps compare element-wise, nothing is stringified.
func valuesEqual(a, b any) bool {
	if na, ok := numberValue(a); ok {
		nb, ok := numberValue(b)
		return ok && na == nb
	}
	if isNumber(b) {
		return false
	}

	a, b = normalize(a), normalize(b)
	switch ta := a.(type) {
	case nil:
		return b == nil
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !valuesEqual(ta[i], tb[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, va := range ta {
			vb, found := tb[k]
			if !found || !valuesEqual(va, vb) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

// containsValue checks list membership, or else a substring of the
// stringified actual value. Maps are stringified as JSON, so both keys and
// values match. A nil actual contains nothing.
func containsValue(actual, expected any) bool {
	switch t := normalize(actual).(type) {
	case nil:
		return false
	case []any:
		for _, elem := range t {
			if valuesEqual(elem, expected) {
				return true
			}
		}
		return false
	case string:
		return strings.Contains(t, Stringify(expected))
	}
	return strings.Contains(Stringify(actual), Stringify(expected))
}

func compareNumeric(actual, expected any, cmp func(a, b float64) bool) bool {
	a, ok := toNumeric(actual)
	if !ok {
		return false
	}
	b, ok := toNumeric(expected)
	if !ok {
		return false
	}
	return cmp(a, b)
}

func compareLength(actual, expected any) bool {
	want, ok := toNumeric(expected)
	if !ok {
		return false
	}
	var n int
	switch t := normalize(actual).(type) {
	case []any:
		n = len(t)
	case map[string]any:
		n = len(t)
	case string:
		n = len(t)
	default:
		return false
	}
	return float64(n) >= want
}

var patternCache sync.Map // string -> *regexp.Regexp, or nil for invalid patterns

func compilePattern(expected any) (*regexp.Regexp, bool) {
	pattern, ok := expected.(string)
	if !ok {
		return nil, false
	}
	if cached, found := patternCache.Load(pattern); found {
		re, _ := cached.(*regexp.Regexp)
		return re, re != nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		logger.WithFields(log.Fields{"pattern": pattern}).WithError(err).Warn("invalid regex")
		patternCache.Store(pattern, (*regexp.Regexp)(nil))
		return nil, false
	}
	patternCache.Store(pattern, re)
	return re, true
}
