package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for scankeeper operations.
var (
	// ErrEmptyRuleSet indicates a document declares neither discovery nor checks.
	ErrEmptyRuleSet = errors.New("rule set declares no discovery and no checks")

	// ErrMissingService indicates a RuleSet without a service name.
	ErrMissingService = errors.New("rule set is missing 'service'")

	// ErrDuplicateDiscovery indicates two discovery steps share a discovery_id.
	ErrDuplicateDiscovery = errors.New("duplicate discovery_id")

	// ErrDuplicateRule indicates two checks share a rule_id.
	ErrDuplicateRule = errors.New("duplicate rule_id")

	// ErrMissingAction indicates a call without an action name.
	ErrMissingAction = errors.New("call is missing 'action'")

	// ErrInvalidLogic indicates a check logic other than AND/OR.
	ErrInvalidLogic = errors.New("logic must be AND or OR")

	// ErrInvalidCondition indicates a condition node that is neither a leaf nor all/any.
	ErrInvalidCondition = errors.New("invalid condition node")

	// ErrMissingID indicates a discovery without discovery_id or a check without rule_id.
	ErrMissingID = errors.New("missing identifier")

	// ErrEmptyDocument indicates a rule file that holds no YAML documents.
	ErrEmptyDocument = errors.New("no rule set documents found")

	// ErrUnknownAction indicates an invoker has no binding for an action.
	ErrUnknownAction = errors.New("unknown action")

	// ErrNoFixture indicates a fixture invoker has no recorded response for a call.
	ErrNoFixture = errors.New("no recorded response")

	// ErrScanNotFound indicates a scan ID with no stored results.
	ErrScanNotFound = errors.New("scan not found")
)

// CallError is the normalized failure of one external action invocation.
// Code is the machine-readable error code used by error policies; Message is
// matched by substring when no code matches.
type CallError struct {
	Action    string
	Code      string
	Message   string
	Retryable bool
	Attempts  int
	Err       error
}

func (e *CallError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s: %s", e.Action, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Action, e.Message)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// DiscoveryUnavailableError marks a RuleSet whose discovery pass was aborted by
// a call declared with on_error: raise.
type DiscoveryUnavailableError struct {
	Service     string
	DiscoveryID string
	Err         error
}

func (e *DiscoveryUnavailableError) Error() string {
	return fmt.Sprintf("discovery unavailable for %s (discovery %s): %v", e.Service, e.DiscoveryID, e.Err)
}

func (e *DiscoveryUnavailableError) Unwrap() error {
	return e.Err
}
