package engine

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"

	"github.com/solatis/scankeeper/internal/rules"
	"github.com/solatis/scankeeper/internal/types"
)

/*
 * Check Runner.
 *
 * For each check, in declaration order: resolve the resource list
 * (DiscoveryResult[for_each], or a single nil resource for account-level
 * checks), evaluate every resource as one task in the shared Pool, wait for
 * all of them, then emit the results in resource order.
 *
 * Per resource:
 *   1. context = {item: resource, params: check.params}
 *   2. each call: resolve params, execute; on success store the response
 *      under "response" (and save_as) and AND its field conditions; on
 *      failure apply errors_as_pass/fail/skip, code first then message
 *      substring; an unmatched failure counts as false and is recorded
 *   3. combine call outcomes with OR when logic is OR and multi_step is
 *      set, AND otherwise; when every call succeeded, AND in the
 *      check-level condition tree. A failed call leaves no response to
 *      test, so its policy outcome stands alone
 *   4. PASS when true; ERROR when false with an unmatched call failure;
 *      FAIL otherwise
 *
 * A panic inside a task becomes an ERROR result for that resource.
 */

// NoApplicableResources is the evidence reason on synthetic pass_when_empty results.
const NoApplicableResources = "no applicable resources"

// resourceIDKeys are tried in order when a check has no resource_id template.
var resourceIDKeys = []string{"resource_id", "id", "arn", "name"}

// CheckRunner evaluates a RuleSet's checks against discovered resources.
type CheckRunner struct {
	exec *Executor
	pool *Pool
	log  *log.Entry
}

// NewCheckRunner creates a runner that executes calls through exec and
// schedules resource tasks on pool.
func NewCheckRunner(exec *Executor, pool *Pool, entry *log.Entry) *CheckRunner {
	if entry == nil {
		entry = logger
	}
	return &CheckRunner{exec: exec, pool: pool, log: entry}
}

// Run evaluates every check of rs and passes each result to emit. emit is
// called from the calling goroutine only.
func (r *CheckRunner) Run(ctx context.Context, rs *types.RuleSet, discovered types.DiscoveryResult, emit func(types.CheckResult)) {
	for i := range rs.Checks {
		check := &rs.Checks[i]
		entry := r.log.WithFields(log.Fields{"rule_id": check.RuleID})

		resources := r.resources(check, discovered)
		if len(resources) == 0 {
			if check.PassWhenEmpty {
				emit(types.CheckResult{
					RuleID:   check.RuleID,
					Service:  rs.Service,
					Title:    check.Title,
					Severity: check.Severity,
					Result:   types.VerdictPass,
					Evidence: map[string]any{"reason": NoApplicableResources},
				})
			}
			entry.Debug("no resources for check")
			continue
		}

		results := make([]types.CheckResult, len(resources))
		r.pool.Run(len(resources), func(j int) {
			results[j] = r.evaluateSafe(ctx, rs.Service, check, resources[j])
		})

		for _, res := range results {
			emit(res)
		}
		entry.WithFields(log.Fields{"resources": len(resources)}).Debug("check complete")
	}
}

func (r *CheckRunner) resources(check *types.CheckDef, discovered types.DiscoveryResult) []types.Item {
	if check.ForEach == "" {
		return []types.Item{nil}
	}
	return discovered.Items(check.ForEach)
}

// evaluateSafe runs evaluate and converts a panic into an ERROR result.
func (r *CheckRunner) evaluateSafe(ctx context.Context, service string, check *types.CheckDef, resource types.Item) (res types.CheckResult) {
	var catcher panics.Catcher
	catcher.Try(func() {
		res = r.evaluate(ctx, service, check, resource)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		r.log.WithFields(log.Fields{"rule_id": check.RuleID}).Errorf("check panicked: %v", recovered.Value)
		res = r.baseResult(service, check, resource, nil)
		res.Result = types.VerdictError
		res.Error = fmt.Sprintf("panic: %v", recovered.Value)
	}
	return res
}

func (r *CheckRunner) evaluate(ctx context.Context, service string, check *types.CheckDef, resource types.Item) types.CheckResult {
	params := check.Params
	if params == nil {
		params = map[string]any{}
	}
	evalCtx := map[string]any{types.ItemVar: resourceValue(resource), types.ParamsVar: params}
	res := r.baseResult(service, check, resource, evalCtx)
	evidence := map[string]any{}

	outcomes := make([]bool, 0, len(check.Calls))
	var unmatched []string
	callFailed := false

	for i := range check.Calls {
		call := &check.Calls[i]
		out := r.exec.Execute(ctx, call.Action, rules.ResolveParams(call.Params, evalCtx))

		if !out.OK() {
			callFailed = true
			switch matchPolicy(call, out.Err) {
			case policyPass:
				outcomes = append(outcomes, true)
			case policyFail:
				outcomes = append(outcomes, false)
			case policySkip:
				res.Result = types.VerdictSkipped
				res.Error = out.Err.Error()
				res.Evidence = evidence
				return res
			default:
				outcomes = append(outcomes, false)
				unmatched = append(unmatched, out.Err.Error())
			}
			evidence[call.Action+".error"] = out.Err.Error()
			continue
		}

		evalCtx[types.ResponseVar] = out.Response
		if call.SaveAs != "" {
			storeSaved(evalCtx, rules.Stringify(rules.Resolve(call.SaveAs, evalCtx)), out.Response)
		}
		outcomes = append(outcomes, evaluateFields(call, out.Response, evalCtx, evidence))
	}

	passed := combine(outcomes, check.Logic == types.LogicOr && check.MultiStep)
	if check.Conditions != nil && !callFailed {
		if !rules.EvaluateWithEvidence(check.Conditions, evalCtx, evidence) {
			passed = false
		}
	}

	res.Evidence = evidence
	switch {
	case passed:
		res.Result = types.VerdictPass
	case len(unmatched) > 0:
		res.Result = types.VerdictError
		res.Error = strings.Join(unmatched, "; ")
	default:
		res.Result = types.VerdictFail
	}
	return res
}

// evaluateFields ANDs a call's field conditions against its response. Every
// field is evaluated so evidence is complete.
func evaluateFields(call *types.Call, response any, evalCtx, evidence map[string]any) bool {
	ok := true
	for _, f := range call.Fields {
		actual := rules.Extract(response, f.Path)
		expected := f.Expected
		if s, isString := expected.(string); isString {
			expected = rules.ResolveValue(s, evalCtx)
		}
		op := f.Operator
		if op == "" {
			op = rules.OpExists
		}
		evidence[call.Action+"."+f.Path] = actual
		if !rules.Compare(op, actual, expected, f.HasExpected) {
			ok = false
		}
	}
	return ok
}

// combine folds call outcomes; no calls is vacuously true.
func combine(outcomes []bool, anyOf bool) bool {
	if len(outcomes) == 0 {
		return true
	}
	if anyOf {
		for _, o := range outcomes {
			if o {
				return true
			}
		}
		return false
	}
	for _, o := range outcomes {
		if !o {
			return false
		}
	}
	return true
}

type policy int

const (
	policyNone policy = iota
	policyPass
	policyFail
	policySkip
)

// matchPolicy maps a call error to an error policy: exact code match across
// pass, fail, skip first, then message substring in the same order.
func matchPolicy(call *types.Call, err *types.CallError) policy {
	lists := []struct {
		patterns []string
		p        policy
	}{
		{call.ErrorsAsPass, policyPass},
		{call.ErrorsAsFail, policyFail},
		{call.ErrorsAsSkip, policySkip},
	}
	if err.Code != "" {
		for _, l := range lists {
			for _, pat := range l.patterns {
				if pat == err.Code {
					return l.p
				}
			}
		}
	}
	msg := err.Message
	for _, l := range lists {
		for _, pat := range l.patterns {
			if pat != "" && strings.Contains(msg, pat) {
				return l.p
			}
		}
	}
	return policyNone
}

// baseResult fills the identifying fields of a result.
func (r *CheckRunner) baseResult(service string, check *types.CheckDef, resource types.Item, evalCtx map[string]any) types.CheckResult {
	return types.CheckResult{
		RuleID:     check.RuleID,
		Service:    service,
		Title:      check.Title,
		Severity:   check.Severity,
		ResourceID: resourceID(check, resource, evalCtx),
		Resource:   resource,
	}
}

func resourceID(check *types.CheckDef, resource types.Item, evalCtx map[string]any) string {
	if check.ResourceID != "" && evalCtx != nil {
		if id := rules.Stringify(rules.Resolve(check.ResourceID, evalCtx)); id != "" {
			return id
		}
	}
	for _, key := range resourceIDKeys {
		if v, ok := resource[key]; ok && v != nil {
			if id := rules.Stringify(v); id != "" {
				return id
			}
		}
	}
	return ""
}

// resourceValue keeps account-level checks' item nil rather than a typed nil map.
func resourceValue(resource types.Item) any {
	if resource == nil {
		return nil
	}
	return resource
}
