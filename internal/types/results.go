package types

// Verdict is the outcome of one (check, resource) evaluation.
type Verdict string

const (
	VerdictPass    Verdict = "PASS"
	VerdictFail    Verdict = "FAIL"
	VerdictError   Verdict = "ERROR"
	VerdictSkipped Verdict = "SKIPPED"
)

// CheckResult is one verdict for one (check, resource) pair.
// Immutable once produced by the Check Runner.
type CheckResult struct {
	RuleID     string         `json:"rule_id"`
	Service    string         `json:"service"`
	Title      string         `json:"title,omitempty"`
	Severity   string         `json:"severity,omitempty"`
	ResourceID string         `json:"resource"`
	Resource   Item           `json:"resource_fields,omitempty"`
	Result     Verdict        `json:"result"`
	Evidence   map[string]any `json:"evidence,omitempty"`
	Error      string         `json:"error,omitempty"`
}
