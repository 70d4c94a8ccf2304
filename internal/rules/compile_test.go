// internal/rules/compile_test.go
package rules

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/solatis/scankeeper/internal/types"
)

func parseDoc(t *testing.T, src string) map[string]any {
	t.Helper()
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatalf("bad test YAML: %v", err)
	}
	return doc
}

const bucketRuleSet = `
service: s3
discovery:
  - discovery_id: list_buckets
    calls:
      - action: list_buckets
        save_as: buckets
        fields:
          - path: Buckets[].Name
            name: names
    emit:
      items_for: "{{ buckets.Buckets }}"
      as: b
      item:
        name: "{{ b.Name }}"
  - discovery_id: bucket_policy
    for_each: list_buckets
    calls:
      - action: get_bucket_policy
        params:
          Bucket: "{{ item.name }}"
        save_as: "policy[{{ item.name }}]"
        on_error: Raise
    emit:
      item:
        name: "{{ item.name }}"
checks:
  - rule_id: bucket.versioning_enabled
    title: Bucket versioning enabled
    severity: medium
    for_each: list_buckets
    calls:
      - action: get_versioning
        params:
          Bucket: "{{ item.name }}"
        errors_as_pass: [NoSuchBucket]
        fields:
          - path: Status
            operator: equals
            expected: Enabled
  - rule_id: account.logging
    logic: or
    multi_step: true
    param: "90"
    conditions:
      all:
        - var: item.x
          op: exists
        - any:
            - var: params.value
              op: gte
              value: 30
            - var: item.y
              op: equals
              value: null
`

func TestCompile_BucketRuleSet(t *testing.T) {
	rs, err := Compile(parseDoc(t, bucketRuleSet))
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}

	if rs.Service != "s3" {
		t.Errorf("Service = %v, want s3", rs.Service)
	}
	if len(rs.Discovery) != 2 {
		t.Fatalf("len(Discovery) = %v, want 2", len(rs.Discovery))
	}

	list := rs.Discovery[0]
	if list.Emit == nil || list.Emit.ItemsFor != "{{ buckets.Buckets }}" || list.Emit.As != "b" {
		t.Errorf("Emit = %+v, want items_for buckets.Buckets as b", list.Emit)
	}
	if got := list.Calls[0].OnError; got != types.OnErrorContinue {
		t.Errorf("default OnError = %v, want continue", got)
	}
	if got := list.Calls[0].Fields[0]; got.Name != "names" || got.Path != "Buckets[].Name" {
		t.Errorf("Fields[0] = %+v", got)
	}

	policy := rs.Discovery[1]
	if policy.ForEach != "list_buckets" {
		t.Errorf("ForEach = %v, want list_buckets", policy.ForEach)
	}
	if got := policy.Calls[0].OnError; got != types.OnErrorRaise {
		t.Errorf("OnError = %v, want raise (case-insensitive)", got)
	}
	if got := policy.Calls[0].SaveAs; got != "policy[{{ item.name }}]" {
		t.Errorf("SaveAs = %v", got)
	}

	if rs.DiscoveryIndex("bucket_policy") != 1 || rs.DiscoveryIndex("nope") != -1 {
		t.Errorf("DiscoveryIndex() returned wrong positions")
	}

	if len(rs.Checks) != 2 {
		t.Fatalf("len(Checks) = %v, want 2", len(rs.Checks))
	}
	versioning := rs.Checks[0]
	if versioning.Logic != types.LogicAnd {
		t.Errorf("default Logic = %v, want AND", versioning.Logic)
	}
	if versioning.Severity != "medium" || versioning.Title != "Bucket versioning enabled" {
		t.Errorf("metadata = %q/%q", versioning.Severity, versioning.Title)
	}
	field := versioning.Calls[0].Fields[0]
	if field.Operator != OpEquals || field.Expected != "Enabled" || !field.HasExpected || field.Name != "Status" {
		t.Errorf("field = %+v, want Status equals Enabled", field)
	}
	if !reflect.DeepEqual(versioning.Calls[0].ErrorsAsPass, []string{"NoSuchBucket"}) {
		t.Errorf("ErrorsAsPass = %v", versioning.Calls[0].ErrorsAsPass)
	}

	logging := rs.Checks[1]
	if logging.Logic != types.LogicOr || !logging.MultiStep {
		t.Errorf("Logic/MultiStep = %v/%v, want OR/true", logging.Logic, logging.MultiStep)
	}
	if logging.Params["value"] != "90" {
		t.Errorf("Params[value] = %#v, want legacy param", logging.Params["value"])
	}
	all, ok := logging.Conditions.(types.All)
	if !ok || len(all.Nodes) != 2 {
		t.Fatalf("Conditions = %#v, want All with 2 nodes", logging.Conditions)
	}
	exists, ok := all.Nodes[0].(types.Leaf)
	if !ok || exists.HasValue || exists.Op != OpExists {
		t.Errorf("Nodes[0] = %#v, want exists leaf without value", all.Nodes[0])
	}
	anyNode, ok := all.Nodes[1].(types.Any)
	if !ok || len(anyNode.Nodes) != 2 {
		t.Fatalf("Nodes[1] = %#v, want Any with 2 nodes", all.Nodes[1])
	}
	nullLeaf := anyNode.Nodes[1].(types.Leaf)
	if !nullLeaf.HasValue || nullLeaf.Value != nil {
		t.Errorf("explicit null value = %#v, want HasValue with nil", nullLeaf)
	}
}

func TestCompile_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		doc      string
		sentinel error
	}{
		{"missing service", "checks: [{rule_id: a}]", types.ErrMissingService},
		{"empty rule set", "service: s3", types.ErrEmptyRuleSet},
		{"missing discovery id", "service: s3\ndiscovery: [{calls: [{action: x}]}]", types.ErrMissingID},
		{"duplicate discovery", "service: s3\ndiscovery: [{discovery_id: a}, {discovery_id: a}]", types.ErrDuplicateDiscovery},
		{"duplicate rule", "service: s3\nchecks: [{rule_id: a}, {rule_id: a}]", types.ErrDuplicateRule},
		{"missing action", "service: s3\ndiscovery: [{discovery_id: a, calls: [{params: {}}]}]", types.ErrMissingAction},
		{"bad logic", "service: s3\nchecks: [{rule_id: a, logic: XOR}]", types.ErrInvalidLogic},
		{"bad condition", "service: s3\nchecks: [{rule_id: a, conditions: {op: equals}}]", types.ErrInvalidCondition},
		{"bad condition child", "service: s3\nchecks: [{rule_id: a, conditions: {any: [{var: x}]}}]", types.ErrInvalidCondition},
		{"scalar condition", "service: s3\nchecks: [{rule_id: a, conditions: 3}]", types.ErrInvalidCondition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(parseDoc(t, tt.doc))
			if err == nil {
				t.Fatalf("Compile() error = nil, want %v", tt.sentinel)
			}
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("Compile() error = %v, want wrapping %v", err, tt.sentinel)
			}
			if !IsValidationError(err) {
				t.Errorf("IsValidationError(%v) = false, want true", err)
			}
		})
	}
}

func TestCompile_CollectsAllErrors(t *testing.T) {
	doc := parseDoc(t, `
discovery:
  - discovery_id: a
    calls: [{action: ""}]
checks:
  - rule_id: c
    logic: maybe
`)
	_, err := Compile(doc)
	errs := multierr.Errors(err)
	if len(errs) != 3 {
		t.Fatalf("len(errors) = %d, want 3: %v", len(errs), err)
	}
	msg := err.Error()
	for _, want := range []string{"service", "discovery[0]", "check[0]"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error %q does not mention %q", msg, want)
		}
	}
}

func TestCompile_ForwardReferenceIsNotAnError(t *testing.T) {
	doc := parseDoc(t, `
service: iam
discovery:
  - discovery_id: details
    for_each: users
    calls: [{action: get_user}]
  - discovery_id: users
    calls: [{action: list_users}]
checks:
  - rule_id: orphan
    for_each: nowhere
`)
	rs, err := Compile(doc)
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}
	if len(rs.Discovery) != 2 || len(rs.Checks) != 1 {
		t.Errorf("RuleSet = %+v", rs)
	}
}

func TestCompileCondition_BareList(t *testing.T) {
	node, err := CompileCondition([]any{
		map[string]any{"var": "a", "op": "exists"},
		map[any]any{"var": "b", "op": "equals", "value": 1},
	})
	if err != nil {
		t.Fatalf("CompileCondition() error = %v", err)
	}
	all, ok := node.(types.All)
	if !ok || len(all.Nodes) != 2 {
		t.Fatalf("CompileCondition() = %#v, want All of 2", node)
	}
	if l := all.Nodes[1].(types.Leaf); l.Var != "b" || l.Value != 1 {
		t.Errorf("Nodes[1] = %#v", l)
	}
}

func TestIsValidationError_Other(t *testing.T) {
	if IsValidationError(errors.New("read failed")) {
		t.Errorf("IsValidationError(plain) = true, want false")
	}
}
