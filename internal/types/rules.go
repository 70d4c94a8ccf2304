// internal/types/rules.go
package types

/*
 * Domain types for rule execution.
 *
 * Provides RuleSet, DiscoveryDef, Call, FieldSpec, EmitSpec, CheckDef and the
 * ConditionNode sum type used by internal/rules for compilation and
 * evaluation and by internal/engine for execution. These types are
 * wire-format agnostic: YAML and structpb documents are decoded into them by
 * rules.Compile.
 *
 * Key types:
 *   - RuleSet: one service's discovery steps and checks
 *   - DiscoveryDef: calls plus emit spec, optionally chained via for_each
 *   - Call: one opaque action with templated params and an error policy
 *   - CheckDef: condition tree evaluated per discovered resource
 *   - ConditionNode: Leaf | All | Any, resolved once at compile time
 */

// On-error policies for discovery calls.
const (
	OnErrorContinue = "continue"
	OnErrorRaise    = "raise"
)

// Check logic values.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// RuleSet is a compiled rule document for one cloud service.
// Immutable once compiled; the engine only reads it.
type RuleSet struct {
	Service   string
	Discovery []DiscoveryDef
	Checks    []CheckDef
}

// DiscoveryIndex returns the position of id in the discovery list, or -1.
func (rs *RuleSet) DiscoveryIndex(id string) int {
	for i := range rs.Discovery {
		if rs.Discovery[i].ID == id {
			return i
		}
	}
	return -1
}

// DiscoveryDef enumerates resources through one or more calls.
type DiscoveryDef struct {
	ID      string
	Calls   []Call
	ForEach string    // discovery_id this step iterates; "" for independent steps
	As      string    // optional alias for the parent item besides "item"
	Emit    *EmitSpec // nil emits nothing
}

// Call invokes one external action.
type Call struct {
	Action       string
	Params       map[string]any // values may be template strings
	SaveAs       string         // template; "name[key]" stores into a nested map
	Fields       []FieldSpec
	OnError      string // OnErrorContinue (default) or OnErrorRaise
	ErrorsAsFail []string
	ErrorsAsPass []string
	ErrorsAsSkip []string
}

// FieldSpec is a projection (discovery) or a condition (check) on a call response.
type FieldSpec struct {
	Name        string
	Path        string
	Operator    string
	Expected    any
	HasExpected bool
	Map         map[string]any // raw value (stringified) -> mapped value
}

// EmitSpec turns call responses into Items.
// ItemsFor != "" selects the list shape; otherwise one Item is emitted per
// context (per parent item for dependent discoveries).
type EmitSpec struct {
	ItemsFor string
	As       string
	Item     map[string]any // field -> template
}

// CheckDef evaluates conditions against every resource of a discovery.
type CheckDef struct {
	RuleID        string
	Title         string
	Severity      string
	ForEach       string
	Calls         []Call
	Conditions    ConditionNode // nil when the check relies on call fields only
	Logic         string        // LogicAnd (default) or LogicOr
	MultiStep     bool
	Params        map[string]any
	PassWhenEmpty bool
	ResourceID    string // optional template naming the resource identity
}

// ConditionNode is a compiled condition tree: Leaf, All or Any.
type ConditionNode interface {
	conditionNode()
}

// Leaf compares the value at Var against Value using Op.
type Leaf struct {
	Var      string
	Op       string
	Value    any
	HasValue bool
}

// All is true when every child is true (vacuously true when empty).
type All struct {
	Nodes []ConditionNode
}

// Any is true when at least one child is true (false when empty).
type Any struct {
	Nodes []ConditionNode
}

func (Leaf) conditionNode() {}
func (All) conditionNode()  {}
func (Any) conditionNode()  {}
