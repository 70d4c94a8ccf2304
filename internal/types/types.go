// Package types provides domain models shared across scankeeper components.
//
// Zero-dependency design: rules.go, results.go and errors.go use only the
// standard library so the engine, the rule compiler and the result store can
// share them without import cycles. ID utilities in ids.go import uuid but are
// isolated from the rest of the package.
//
// Separation from wire formats: RuleSets arrive as YAML documents or as
// structpb messages over gRPC. Both are decoded into these hand-written types
// by internal/rules before anything is executed.
package types

// ScanID represents a UUIDv7 scan identifier.
// String alias enables type safety while maintaining JSON string serialization.
type ScanID string

// Item is one normalized resource record produced by a discovery.
// Alias (not a defined type) so path extraction treats it as a plain map.
type Item = map[string]any

// DiscoveryResult maps a discovery_id to the ordered Items it emitted.
// Append-only during a run; discarded once the RuleSet's checks finish.
type DiscoveryResult map[string][]Item

// Items returns the Items emitted under id, or nil when id is unknown.
func (d DiscoveryResult) Items(id string) []Item {
	if d == nil {
		return nil
	}
	return d[id]
}

// Limits enforced by the engine to keep a single scan bounded.
const (
	// MaxPathDepth bounds path expression traversal.
	// Deeper paths resolve to nil rather than recursing further.
	MaxPathDepth = 32

	// MaxTemplateDepth bounds recursive key resolution in dynamic-key templates
	// such as users[{{ item.name }}].
	MaxTemplateDepth = 8

	// DefaultWorkers is the default Concurrency Pool width.
	DefaultWorkers = 16

	// DefaultMaxAttempts is the default retry budget for a single call.
	DefaultMaxAttempts = 5
)

// Special variable and sentinel names understood by the engine.
const (
	// SelfPath returns the extraction root unchanged.
	SelfPath = "__self__"

	// ItemVar is the loop variable bound to the current resource.
	ItemVar = "item"

	// ParamsVar holds a check's params inside the evaluation context.
	ParamsVar = "params"

	// ResponseVar holds the most recent call response inside a check context.
	ResponseVar = "response"
)
