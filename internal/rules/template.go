// internal/rules/template.go
package rules

import (
	"strconv"
	"strings"

	"github.com/solatis/scankeeper/internal/types"
)

/*
 * Template resolution.
 *
 * Substitutes {{ expr }} tokens (non-greedy, several per string) with values
 * looked up in a context map. Unresolvable expressions substitute the empty
 * string; resolution never fails.
 *
 * Expression forms:
 *   - path:                 PathExpr against the context
 *   - exists(path):         "true" when the path resolves to a non-empty value
 *   - base[key_expr].rest:  dynamic key, e.g. user_details[u.UserName].User
 *
 * Dynamic keys: key_expr is resolved first (full template when it contains
 * "{{", literal when quoted, index when an integer, otherwise a path against
 * the context). The resolved key is used verbatim, dots included, to index
 * the value at base; rest is then extracted from the indexed value. Keys may
 * nest up to types.MaxTemplateDepth levels.
 */

// Resolve substitutes every token in text and coerces the result with
// CoerceScalar. Non-strings and strings without "{{" are returned unchanged.
func Resolve(text any, ctx map[string]any) any {
	s, ok := text.(string)
	if !ok || !strings.Contains(s, "{{") {
		return text
	}
	return CoerceScalar(substitute(s, ctx, 0))
}

// ResolveValue is Resolve, except that a string consisting of exactly one
// token keeps the looked-up value's Go type, so lists and maps survive.
// String values are still coerced; nil becomes "".
func ResolveValue(text any, ctx map[string]any) any {
	s, ok := text.(string)
	if !ok || !strings.Contains(s, "{{") {
		return text
	}
	if expr, single := singleToken(s); single {
		v := evalExpr(expr, ctx, 0)
		switch t := v.(type) {
		case nil:
			return ""
		case string:
			return CoerceScalar(t)
		default:
			return t
		}
	}
	return CoerceScalar(substitute(s, ctx, 0))
}

// ResolveParams resolves every value of params, descending into nested maps
// and lists. The input map is not modified.
func ResolveParams(params map[string]any, ctx map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = resolveNested(v, ctx)
	}
	return out
}

func resolveNested(v any, ctx map[string]any) any {
	switch t := v.(type) {
	case string:
		return ResolveValue(t, ctx)
	case map[string]any:
		return ResolveParams(t, ctx)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = resolveNested(t[i], ctx)
		}
		return out
	}
	return v
}

// Lookup evaluates a bare expression (no braces required) against ctx,
// accepting the dynamic-key and exists() forms. Surrounding "{{ }}" is
// stripped when present.
func Lookup(ctx map[string]any, expr string) any {
	expr = strings.TrimSpace(expr)
	if inner, single := singleToken(expr); single {
		expr = inner
	}
	return evalExpr(expr, ctx, 0)
}

// tokenSpan locates one {{ ... }} token: s[start:end] is the whole token and
// expr its trimmed body.
type tokenSpan struct {
	start, end int
	expr       string
}

// scanTokens finds tokens left to right. Each token ends at the first "}}"
// that balances its "{{", so dynamic keys may embed tokens of their own.
// An unterminated "{{" is left as literal text.
func scanTokens(s string) []tokenSpan {
	var spans []tokenSpan
	i := 0
	for {
		rel := strings.Index(s[i:], "{{")
		if rel < 0 {
			return spans
		}
		start := i + rel
		level := 0
		j := start
		closed := false
		for j+1 < len(s) {
			if s[j] == '{' && s[j+1] == '{' {
				level++
				j += 2
				continue
			}
			if s[j] == '}' && s[j+1] == '}' {
				level--
				j += 2
				if level == 0 {
					closed = true
					break
				}
				continue
			}
			j++
		}
		if !closed {
			return spans
		}
		spans = append(spans, tokenSpan{start: start, end: j, expr: strings.TrimSpace(s[start+2 : j-2])})
		i = j
	}
}

// singleToken reports whether s (trimmed) is exactly one token.
func singleToken(s string) (string, bool) {
	s = strings.TrimSpace(s)
	spans := scanTokens(s)
	if len(spans) != 1 || spans[0].start != 0 || spans[0].end != len(s) {
		return "", false
	}
	return spans[0].expr, true
}

func substitute(s string, ctx map[string]any, depth int) string {
	spans := scanTokens(s)
	if len(spans) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, sp := range spans {
		b.WriteString(s[last:sp.start])
		b.WriteString(Stringify(evalExpr(sp.expr, ctx, depth)))
		last = sp.end
	}
	b.WriteString(s[last:])
	return b.String()
}

// evalExpr evaluates one token body.
func evalExpr(expr string, ctx map[string]any, depth int) any {
	if depth > types.MaxTemplateDepth {
		return nil
	}
	expr = strings.TrimSpace(expr)
	if inner, ok := existsArg(expr); ok {
		if isEmpty(evalExpr(inner, ctx, depth+1)) {
			return "false"
		}
		return "true"
	}
	return lookupIn(ctx, expr, ctx, depth)
}

func existsArg(expr string) (string, bool) {
	if !strings.HasPrefix(expr, "exists(") || !strings.HasSuffix(expr, ")") {
		return "", false
	}
	return strings.TrimSpace(expr[len("exists(") : len(expr)-1]), true
}

// lookupIn extracts expr from root. Dynamic key expressions inside expr are
// resolved against ctx.
func lookupIn(root any, expr string, ctx map[string]any, depth int) any {
	open, end := findDynamicKey(expr)
	if open < 0 {
		return Extract(root, expr)
	}

	base := strings.TrimSuffix(expr[:open], ".")
	keyExpr := strings.TrimSpace(expr[open+1 : end])
	rest := strings.TrimPrefix(expr[end+1:], ".")

	key, ok := resolveKey(keyExpr, ctx, depth)
	if !ok {
		return nil
	}

	container := normalize(Extract(root, base))
	var v any
	switch c := container.(type) {
	case map[string]any:
		v = c[key]
	case []any:
		idx, isIndex := parseIndex(key)
		if !isIndex || idx >= len(c) {
			return nil
		}
		v = c[idx]
	default:
		return nil
	}

	if rest == "" {
		return v
	}
	return lookupIn(v, rest, ctx, depth+1)
}

// findDynamicKey locates the first bracket pair with a non-empty body,
// skipping the "[]" broadcast marker. Brackets may nest.
func findDynamicKey(expr string) (int, int) {
	for i := 0; i < len(expr); i++ {
		if expr[i] != '[' {
			continue
		}
		if i+1 < len(expr) && expr[i+1] == ']' {
			i++
			continue
		}
		level := 0
		for j := i; j < len(expr); j++ {
			switch expr[j] {
			case '[':
				level++
			case ']':
				level--
				if level == 0 {
					return i, j
				}
			}
		}
		return -1, -1
	}
	return -1, -1
}

// resolveKey turns a dynamic key expression into a literal map key.
func resolveKey(keyExpr string, ctx map[string]any, depth int) (string, bool) {
	if keyExpr == "" {
		return "", false
	}
	if strings.Contains(keyExpr, "{{") {
		key := substitute(keyExpr, ctx, depth+1)
		return key, key != ""
	}
	if n := len(keyExpr); n >= 2 {
		if (keyExpr[0] == '\'' && keyExpr[n-1] == '\'') || (keyExpr[0] == '"' && keyExpr[n-1] == '"') {
			return keyExpr[1 : n-1], true
		}
	}
	if _, err := strconv.Atoi(keyExpr); err == nil {
		return keyExpr, true
	}
	v := evalExpr(keyExpr, ctx, depth+1)
	if v == nil {
		return "", false
	}
	key := Stringify(v)
	return key, key != ""
}
