// internal/rules/evaluate.go
package rules

import (
	log "github.com/sirupsen/logrus"

	"github.com/solatis/scankeeper/internal/logging"
	"github.com/solatis/scankeeper/internal/types"
)

/*
 * Condition tree evaluation.
 *
 * Evaluates a compiled ConditionNode against a context map:
 *   - All: AND of children, left to right, vacuously true when empty
 *   - Any: OR of children, left to right, false when empty
 *   - Leaf: actual = Lookup(ctx, var); a string value is template-resolved
 *     against the same context; result = Compare(op, actual, value)
 *
 * Every child is evaluated even after the outcome is known so evidence is
 * complete and evaluation order is identical across runs.
 */

var logger *log.Entry = logging.For("rules")

// Evaluate returns the boolean outcome of node against ctx. A nil node is
// true.
func Evaluate(node types.ConditionNode, ctx map[string]any) bool {
	return evaluate(node, ctx, nil)
}

// EvaluateWithEvidence evaluates node and records each leaf's actual value
// into evidence, keyed by the leaf's var expression.
func EvaluateWithEvidence(node types.ConditionNode, ctx map[string]any, evidence map[string]any) bool {
	return evaluate(node, ctx, evidence)
}

func evaluate(node types.ConditionNode, ctx map[string]any, evidence map[string]any) bool {
	switch n := node.(type) {
	case nil:
		return true
	case types.All:
		result := true
		for _, child := range n.Nodes {
			if !evaluate(child, ctx, evidence) {
				result = false
			}
		}
		return result
	case *types.All:
		return evaluate(*n, ctx, evidence)
	case types.Any:
		result := false
		for _, child := range n.Nodes {
			if evaluate(child, ctx, evidence) {
				result = true
			}
		}
		return result
	case *types.Any:
		return evaluate(*n, ctx, evidence)
	case types.Leaf:
		return evaluateLeaf(n, ctx, evidence)
	case *types.Leaf:
		return evaluateLeaf(*n, ctx, evidence)
	default:
		logger.Warnf("unsupported condition node %T", node)
		return false
	}
}

func evaluateLeaf(leaf types.Leaf, ctx map[string]any, evidence map[string]any) bool {
	actual := Lookup(ctx, leaf.Var)
	expected := leaf.Value
	if s, ok := expected.(string); ok {
		expected = ResolveValue(s, ctx)
	}
	if evidence != nil {
		evidence[leaf.Var] = actual
	}
	return Compare(leaf.Op, actual, expected, leaf.HasValue)
}
