// internal/rules/compile.go
package rules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
	"go.uber.org/multierr"

	"github.com/solatis/scankeeper/internal/types"
)

/*
 * RuleSet compilation and validation.
 *
 * Compiles a generic document (decoded YAML or a structpb.Struct) into a
 * types.RuleSet. Condition maps are resolved into the Leaf/All/Any sum type
 * here, once, so evaluation never re-inspects map keys.
 *
 * Compilation workflow:
 *   1. Normalise map keys to strings (YAML may produce map[any]any)
 *   2. Decode into raw document structs via mapstructure
 *   3. Validate and convert each discovery and check, collecting every
 *      problem with multierr rather than stopping at the first
 *
 * Errors (wrapping sentinels from internal/types): missing service, empty
 * document, missing or duplicate ids, calls without action, logic other
 * than AND/OR, malformed condition nodes.
 *
 * Warnings (logged, never errors): unknown document keys, for_each naming a
 * discovery that is absent or declared later, unknown operators, on_error
 * values other than continue/raise (treated as raise).
 */

type rawRuleSet struct {
	Service   string         `mapstructure:"service"`
	Discovery []rawDiscovery `mapstructure:"discovery"`
	Checks    []rawCheck     `mapstructure:"checks"`
}

type rawDiscovery struct {
	DiscoveryID string    `mapstructure:"discovery_id"`
	Calls       []rawCall `mapstructure:"calls"`
	ForEach     string    `mapstructure:"for_each"`
	As          string    `mapstructure:"as"`
	Emit        *rawEmit  `mapstructure:"emit"`
}

type rawCall struct {
	Action       string           `mapstructure:"action"`
	Params       map[string]any   `mapstructure:"params"`
	SaveAs       string           `mapstructure:"save_as"`
	Fields       []map[string]any `mapstructure:"fields"`
	OnError      string           `mapstructure:"on_error"`
	ErrorsAsFail []string         `mapstructure:"errors_as_fail"`
	ErrorsAsPass []string         `mapstructure:"errors_as_pass"`
	ErrorsAsSkip []string         `mapstructure:"errors_as_skip"`
}

type rawEmit struct {
	ItemsFor string         `mapstructure:"items_for"`
	As       string         `mapstructure:"as"`
	Item     map[string]any `mapstructure:"item"`
}

type rawCheck struct {
	RuleID        string         `mapstructure:"rule_id"`
	Title         string         `mapstructure:"title"`
	Severity      string         `mapstructure:"severity"`
	ForEach       string         `mapstructure:"for_each"`
	Calls         []rawCall      `mapstructure:"calls"`
	Conditions    any            `mapstructure:"conditions"`
	Logic         string         `mapstructure:"logic"`
	MultiStep     bool           `mapstructure:"multi_step"`
	Params        map[string]any `mapstructure:"params"`
	Param         string         `mapstructure:"param"`
	PassWhenEmpty bool           `mapstructure:"pass_when_empty"`
	ResourceID    string         `mapstructure:"resource_id"`
}

// Compile validates doc and converts it to a RuleSet. All validation errors
// are returned together.
func Compile(doc map[string]any) (*types.RuleSet, error) {
	normalized, _ := stringKeys(doc).(map[string]any)

	var raw rawRuleSet
	var md mapstructure.Metadata
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &raw,
		Metadata:         &md,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(normalized); err != nil {
		return nil, fmt.Errorf("decode rule set: %w", err)
	}

	rs := &types.RuleSet{Service: strings.TrimSpace(raw.Service)}
	entry := logger.WithFields(log.Fields{"service": rs.Service})
	if len(md.Unused) > 0 {
		entry.WithFields(log.Fields{"keys": md.Unused}).Warn("ignoring unknown rule set keys")
	}

	var errs error
	if rs.Service == "" {
		errs = multierr.Append(errs, types.ErrMissingService)
	}
	if len(raw.Discovery) == 0 && len(raw.Checks) == 0 {
		errs = multierr.Append(errs, types.ErrEmptyRuleSet)
	}

	seen := make(map[string]bool, len(raw.Discovery))
	for i, rd := range raw.Discovery {
		def, err := compileDiscovery(rd, seen, entry)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("discovery[%d] %q: %w", i, rd.DiscoveryID, err))
			continue
		}
		seen[def.ID] = true
		rs.Discovery = append(rs.Discovery, def)
	}

	ruleIDs := make(map[string]bool, len(raw.Checks))
	for i, rc := range raw.Checks {
		check, err := compileCheck(rc, entry)
		if err == nil && ruleIDs[check.RuleID] {
			err = types.ErrDuplicateRule
		}
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("check[%d] %q: %w", i, rc.RuleID, err))
			continue
		}
		ruleIDs[check.RuleID] = true
		if check.ForEach != "" && !seen[check.ForEach] {
			entry.WithFields(log.Fields{"rule_id": check.RuleID, "for_each": check.ForEach}).
				Warn("check iterates an unknown discovery; it will see no resources")
		}
		rs.Checks = append(rs.Checks, check)
	}

	if errs != nil {
		return nil, errs
	}
	return rs, nil
}

// compileDiscovery converts one discovery. seen holds the ids declared
// before this one.
func compileDiscovery(rd rawDiscovery, seen map[string]bool, entry *log.Entry) (types.DiscoveryDef, error) {
	def := types.DiscoveryDef{
		ID:      strings.TrimSpace(rd.DiscoveryID),
		ForEach: strings.TrimSpace(rd.ForEach),
		As:      strings.TrimSpace(rd.As),
	}
	if def.ID == "" {
		return def, types.ErrMissingID
	}
	if seen[def.ID] {
		return def, types.ErrDuplicateDiscovery
	}
	if def.ForEach != "" && !seen[def.ForEach] {
		entry.WithFields(log.Fields{"discovery_id": def.ID, "for_each": def.ForEach}).
			Warn("for_each names a discovery that is not declared earlier; it will iterate nothing")
	}

	var errs error
	for i, rc := range rd.Calls {
		call, err := compileCall(rc, entry)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("calls[%d]: %w", i, err))
			continue
		}
		def.Calls = append(def.Calls, call)
	}
	if rd.Emit != nil {
		def.Emit = &types.EmitSpec{
			ItemsFor: strings.TrimSpace(rd.Emit.ItemsFor),
			As:       strings.TrimSpace(rd.Emit.As),
			Item:     rd.Emit.Item,
		}
		if def.Emit.ItemsFor != "" && def.Emit.As == "" {
			def.Emit.As = types.ItemVar
		}
	}
	return def, errs
}

func compileCall(rc rawCall, entry *log.Entry) (types.Call, error) {
	call := types.Call{
		Action:       strings.TrimSpace(rc.Action),
		Params:       rc.Params,
		SaveAs:       strings.TrimSpace(rc.SaveAs),
		ErrorsAsFail: rc.ErrorsAsFail,
		ErrorsAsPass: rc.ErrorsAsPass,
		ErrorsAsSkip: rc.ErrorsAsSkip,
	}
	if call.Action == "" {
		return call, types.ErrMissingAction
	}

	switch strings.ToLower(strings.TrimSpace(rc.OnError)) {
	case "", types.OnErrorContinue:
		call.OnError = types.OnErrorContinue
	case types.OnErrorRaise:
		call.OnError = types.OnErrorRaise
	default:
		entry.WithFields(log.Fields{"action": call.Action, "on_error": rc.OnError}).
			Warn("unrecognised on_error, treating as raise")
		call.OnError = types.OnErrorRaise
	}

	for _, rf := range rc.Fields {
		call.Fields = append(call.Fields, compileField(rf, call.Action, entry))
	}
	return call, nil
}

func compileField(rf map[string]any, action string, entry *log.Entry) types.FieldSpec {
	fs := types.FieldSpec{
		Name:     cast.ToString(rf["name"]),
		Path:     cast.ToString(rf["path"]),
		Operator: cast.ToString(rf["operator"]),
	}
	if v, ok := rf["expected"]; ok {
		fs.Expected, fs.HasExpected = v, true
	} else if v, ok := rf["value"]; ok {
		fs.Expected, fs.HasExpected = v, true
	}
	if fs.Name == "" && fs.Path != "" {
		segs := strings.Split(fs.Path, ".")
		fs.Name = strings.TrimSuffix(segs[len(segs)-1], "[]")
	}
	if m, ok := rf["map"].(map[string]any); ok {
		fs.Map = m
	}
	if fs.Operator != "" && !KnownOperator(fs.Operator) {
		entry.WithFields(log.Fields{"action": action, "operator": fs.Operator}).
			Warn("unknown operator, field condition will evaluate to false")
	}
	return fs
}

func compileCheck(rc rawCheck, entry *log.Entry) (types.CheckDef, error) {
	check := types.CheckDef{
		RuleID:        strings.TrimSpace(rc.RuleID),
		Title:         rc.Title,
		Severity:      rc.Severity,
		ForEach:       strings.TrimSpace(rc.ForEach),
		MultiStep:     rc.MultiStep,
		Params:        rc.Params,
		PassWhenEmpty: rc.PassWhenEmpty,
		ResourceID:    strings.TrimSpace(rc.ResourceID),
	}
	if check.RuleID == "" {
		return check, types.ErrMissingID
	}
	if rc.Param != "" {
		if check.Params == nil {
			check.Params = map[string]any{}
		}
		if _, exists := check.Params["value"]; !exists {
			check.Params["value"] = rc.Param
		}
	}

	switch strings.ToUpper(strings.TrimSpace(rc.Logic)) {
	case "", types.LogicAnd:
		check.Logic = types.LogicAnd
	case types.LogicOr:
		check.Logic = types.LogicOr
	default:
		return check, fmt.Errorf("%w: got %q", types.ErrInvalidLogic, rc.Logic)
	}

	var errs error
	for i, call := range rc.Calls {
		compiled, err := compileCall(call, entry)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("calls[%d]: %w", i, err))
			continue
		}
		check.Calls = append(check.Calls, compiled)
	}

	if rc.Conditions != nil {
		node, err := CompileCondition(rc.Conditions)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("conditions: %w", err))
		} else {
			check.Conditions = node
			warnUnknownOperators(node, entry.WithFields(log.Fields{"rule_id": check.RuleID}))
		}
	}
	return check, errs
}

// CompileCondition converts a generic condition document into a
// ConditionNode. A bare list is read as an all-of.
func CompileCondition(raw any) (types.ConditionNode, error) {
	switch t := stringKeys(raw).(type) {
	case []any:
		return compileChildren(t, func(nodes []types.ConditionNode) types.ConditionNode {
			return types.All{Nodes: nodes}
		})
	case map[string]any:
		if children, ok := t["all"]; ok {
			list, isList := children.([]any)
			if !isList && children != nil {
				return nil, fmt.Errorf("%w: 'all' must be a list", types.ErrInvalidCondition)
			}
			return compileChildren(list, func(nodes []types.ConditionNode) types.ConditionNode {
				return types.All{Nodes: nodes}
			})
		}
		if children, ok := t["any"]; ok {
			list, isList := children.([]any)
			if !isList && children != nil {
				return nil, fmt.Errorf("%w: 'any' must be a list", types.ErrInvalidCondition)
			}
			return compileChildren(list, func(nodes []types.ConditionNode) types.ConditionNode {
				return types.Any{Nodes: nodes}
			})
		}
		v, hasVar := t["var"]
		op := cast.ToString(t["op"])
		if !hasVar || op == "" {
			return nil, fmt.Errorf("%w: leaf needs 'var' and 'op'", types.ErrInvalidCondition)
		}
		value, hasValue := t["value"]
		return types.Leaf{Var: cast.ToString(v), Op: op, Value: value, HasValue: hasValue}, nil
	}
	return nil, fmt.Errorf("%w: unexpected %T", types.ErrInvalidCondition, raw)
}

func compileChildren(list []any, build func([]types.ConditionNode) types.ConditionNode) (types.ConditionNode, error) {
	nodes := make([]types.ConditionNode, 0, len(list))
	var errs error
	for i, child := range list {
		node, err := CompileCondition(child)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("[%d]: %w", i, err))
			continue
		}
		nodes = append(nodes, node)
	}
	if errs != nil {
		return nil, errs
	}
	return build(nodes), nil
}

func warnUnknownOperators(node types.ConditionNode, entry *log.Entry) {
	switch n := node.(type) {
	case types.All:
		for _, child := range n.Nodes {
			warnUnknownOperators(child, entry)
		}
	case types.Any:
		for _, child := range n.Nodes {
			warnUnknownOperators(child, entry)
		}
	case types.Leaf:
		if !KnownOperator(n.Op) {
			entry.WithFields(log.Fields{"var": n.Var, "operator": n.Op}).
				Warn("unknown operator, condition will evaluate to false")
		}
	}
}

// stringKeys converts map[any]any (as produced by some YAML documents)
// into map[string]any, recursively.
func stringKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = stringKeys(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[Stringify(k)] = stringKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = stringKeys(t[i])
		}
		return out
	}
	return v
}

// IsValidationError reports whether err came from RuleSet validation rather
// than from reading or parsing.
func IsValidationError(err error) bool {
	for _, e := range multierr.Errors(err) {
		for _, sentinel := range []error{
			types.ErrMissingService, types.ErrEmptyRuleSet, types.ErrMissingID,
			types.ErrDuplicateDiscovery, types.ErrDuplicateRule, types.ErrMissingAction,
			types.ErrInvalidLogic, types.ErrInvalidCondition,
		} {
			if errors.Is(e, sentinel) {
				return true
			}
		}
	}
	return false
}
