// internal/rules/fieldpath.go
package rules

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/solatis/scankeeper/internal/types"
)

/*
 * Path expression evaluation over decoded API responses.
 *
 * Resolves dotted paths through nested maps and lists. Extraction never
 * fails: anything unresolvable yields nil so a missing field reads as "does
 * not exist" to the Condition Evaluator.
 *
 * Segment forms:
 *   - name:   map lookup
 *   - 3:      positional index when the current node is a list
 *   - name[]: map lookup, value treated as a list, rest broadcast over it
 *   - __self__ (whole path): the root, with Iterable values materialised
 *
 * Broadcast: whenever traversal lands on a list and the next segment is not
 * an index, the remaining path is applied to every element. Nil results are
 * dropped and list results are flattened one level, so "a.b" over
 * {"a": [{"b": [1]}, {"b": [2]}]} yields [1, 2].
 *
 * Depth: paths longer than types.MaxPathDepth resolve to nil.
 */

// Iterable is implemented by paginator or iterator stand-ins returned by an
// ActionInvoker. Extraction materialises it into a list.
type Iterable interface {
	Collect() []any
}

// Extract evaluates path against root. An empty path returns root.
func Extract(root any, path string) any {
	path = strings.TrimSpace(path)
	if path == "" {
		return root
	}
	if path == types.SelfPath {
		return normalize(root)
	}

	segs := strings.Split(path, ".")
	if len(segs) > types.MaxPathDepth {
		return nil
	}
	return extract(root, segs)
}

// extract walks segs from node. Lists trigger broadcast unless the segment
// is a positional index.
func extract(node any, segs []string) any {
	if len(segs) == 0 {
		return node
	}
	node = normalize(node)
	seg := segs[0]

	if list, ok := node.([]any); ok {
		if idx, isIndex := parseIndex(seg); isIndex {
			if idx >= len(list) {
				return nil
			}
			return extract(list[idx], segs[1:])
		}
		return broadcast(list, segs)
	}

	m, ok := node.(map[string]any)
	if !ok {
		return nil
	}

	if key, isList := strings.CutSuffix(seg, "[]"); isList {
		v, found := m[key]
		if !found || v == nil {
			return nil
		}
		v = normalize(v)
		list, isSlice := v.([]any)
		if !isSlice {
			list = []any{v}
		}
		return broadcast(list, segs[1:])
	}

	v, found := m[seg]
	if !found {
		return nil
	}
	return extract(v, segs[1:])
}

// broadcast applies segs to every element of list and flattens one level.
func broadcast(list []any, segs []string) any {
	if len(segs) == 0 {
		return list
	}
	out := make([]any, 0, len(list))
	for _, elem := range list {
		v := extract(elem, segs)
		if v == nil {
			continue
		}
		if sub, ok := v.([]any); ok {
			out = append(out, sub...)
			continue
		}
		out = append(out, v)
	}
	return out
}

// parseIndex reports whether seg is a non-negative integer.
func parseIndex(seg string) (int, bool) {
	if seg == "" || seg[0] == '-' || seg[0] == '+' {
		return 0, false
	}
	n, err := strconv.Atoi(seg)
	if err != nil {
		return 0, false
	}
	return n, true
}

// normalize converts the container shapes invokers commonly return into
// []any and map[string]any. Scalars and unknown types pass through.
func normalize(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any, []any:
		return t
	case []map[string]any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case Iterable:
		return normalize(t.Collect())
	case string, []byte, bool, int, int64, float64:
		return t
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = rv.Index(i).Interface()
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return v
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out
	}
	return v
}

// asList wraps a non-list value (nil included) so broadcast operators can
// iterate it.
func asList(v any) []any {
	v = normalize(v)
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}
