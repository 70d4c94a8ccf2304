package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/solatis/scankeeper/internal/types"
)

const bucketVersioning = `
service: s3
discovery:
  - discovery_id: list_buckets
    calls:
      - action: list_buckets
        save_as: buckets
    emit:
      items_for: "{{ buckets.Buckets }}"
      as: b
      item:
        name: "{{ b.Name }}"
checks:
  - rule_id: bucket.versioning_enabled
    for_each: list_buckets
    calls:
      - action: get_versioning
        params:
          Bucket: "{{ item.name }}"
    conditions:
      var: response.Status
      op: equals
      value: Enabled
`

func bucketInvoker(t *testing.T) *recordingInvoker {
	return newRecordingInvoker(func(action string, params map[string]any) (any, error) {
		switch action {
		case "list_buckets":
			return jsonValue(t, `{"Buckets": [{"Name": "b1"}, {"Name": "b2"}]}`), nil
		case "get_versioning":
			if params["Bucket"] == "b1" {
				return jsonValue(t, `{"Status": "Enabled"}`), nil
			}
			return jsonValue(t, `{}`), nil
		}
		return nil, fmt.Errorf("unexpected action %s", action)
	})
}

func TestScan_BucketVersioningEndToEnd(t *testing.T) {
	rs := compileYAML(t, bucketVersioning)
	inv := bucketInvoker(t)

	report := New(fastOptions()).Scan(context.Background(), []Target{{RuleSet: rs, Invoker: inv}})

	if len(report.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2: %+v", len(report.Results), report.Results)
	}
	want := []struct {
		resource string
		result   types.Verdict
	}{
		{"b1", types.VerdictPass},
		{"b2", types.VerdictFail},
	}
	for i, w := range want {
		got := report.Results[i]
		if got.RuleID != "bucket.versioning_enabled" || got.ResourceID != w.resource || got.Result != w.result {
			t.Errorf("Results[%d] = {%s %s %s}, want {bucket.versioning_enabled %s %s}",
				i, got.RuleID, got.ResourceID, got.Result, w.resource, w.result)
		}
	}
	if report.Results[0].Evidence["response.Status"] != "Enabled" {
		t.Errorf("evidence = %v, want response.Status=Enabled", report.Results[0].Evidence)
	}
	if len(report.Runs) != 1 || report.Runs[0].Discovered["list_buckets"] != 2 || report.Runs[0].Results != 2 {
		t.Errorf("Runs = %+v", report.Runs)
	}
	if report.ScanID == "" || report.FinishedAt.Before(report.StartedAt) {
		t.Errorf("report metadata = %s %v %v", report.ScanID, report.StartedAt, report.FinishedAt)
	}
	counts := report.Counts()
	if counts[types.VerdictPass] != 1 || counts[types.VerdictFail] != 1 {
		t.Errorf("Counts() = %v", counts)
	}
}

func TestScan_CacheDeduplicatesIdenticalCalls(t *testing.T) {
	rs := compileYAML(t, `
service: ec2
discovery:
  - discovery_id: first
    calls: [{action: describe, params: {Region: eu}, save_as: r}]
    emit: {item: {n: "{{ r.n }}"}}
  - discovery_id: second
    calls: [{action: describe, params: {Region: eu}, save_as: r}]
    emit: {item: {n: "{{ r.n }}"}}
checks:
  - rule_id: ec2.check
    for_each: first
    calls: [{action: describe, params: {Region: eu}}]
    conditions: {var: response.n, op: equals, value: 1}
`)
	inv := newRecordingInvoker(func(string, map[string]any) (any, error) {
		return map[string]any{"n": 1}, nil
	})

	report := New(fastOptions()).Scan(context.Background(), []Target{{RuleSet: rs, Invoker: inv}})

	if got := inv.count("describe"); got != 1 {
		t.Errorf("describe invoked %d times, want 1", got)
	}
	if report.CacheHits != 2 {
		t.Errorf("CacheHits = %d, want 2", report.CacheHits)
	}
	if len(report.Results) != 1 || report.Results[0].Result != types.VerdictPass {
		t.Errorf("Results = %+v, want one PASS", report.Results)
	}
}

func TestScan_CacheIsPartitionedByIdentity(t *testing.T) {
	rs := compileYAML(t, `
service: ec2
discovery:
  - discovery_id: d
    calls: [{action: describe}]
`)
	inv := newRecordingInvoker(func(string, map[string]any) (any, error) { return map[string]any{}, nil })

	New(fastOptions()).Scan(context.Background(), []Target{
		{RuleSet: rs, Invoker: inv, Identity: []string{"ec2", "eu-west-1"}},
		{RuleSet: rs, Invoker: inv, Identity: []string{"ec2", "us-east-1"}},
		{RuleSet: rs, Invoker: inv, Identity: []string{"ec2", "us-east-1"}},
	})
	if got := inv.count("describe"); got != 2 {
		t.Errorf("describe invoked %d times, want 2 (one per identity)", got)
	}

	// separate scans never share a cache
	New(fastOptions()).Scan(context.Background(), []Target{{RuleSet: rs, Invoker: inv, Identity: []string{"ec2", "eu-west-1"}}})
	if got := inv.count("describe"); got != 3 {
		t.Errorf("describe invoked %d times after second scan, want 3", got)
	}
}

func TestScan_RaiseMarksRuleSetUnavailable(t *testing.T) {
	broken := compileYAML(t, `
service: iam
discovery:
  - discovery_id: users
    calls: [{action: list_users, on_error: raise}]
    emit: {item: {name: x}}
checks:
  - rule_id: iam.never_runs
    conditions: {var: item, op: exists}
`)
	healthy := compileYAML(t, bucketVersioning)

	iamInv := newRecordingInvoker(func(string, map[string]any) (any, error) {
		return nil, &types.CallError{Code: "AccessDenied", Message: "denied"}
	})
	report := New(fastOptions()).Scan(context.Background(), []Target{
		{RuleSet: broken, Invoker: iamInv},
		{RuleSet: healthy, Invoker: bucketInvoker(t)},
	})

	if !report.Runs[0].Unavailable || report.Runs[0].Error == "" {
		t.Errorf("Runs[0] = %+v, want unavailable with error", report.Runs[0])
	}
	if report.Runs[1].Unavailable || report.Runs[1].Results != 2 {
		t.Errorf("Runs[1] = %+v, want healthy with 2 results", report.Runs[1])
	}
	for _, r := range report.Results {
		if r.RuleID == "iam.never_runs" {
			t.Errorf("check of unavailable rule set produced %+v", r)
		}
	}
	if len(report.Results) != 2 {
		t.Errorf("len(Results) = %d, want 2", len(report.Results))
	}
}

func TestScan_PassWhenEmpty(t *testing.T) {
	rs := compileYAML(t, `
service: s3
discovery:
  - discovery_id: list_buckets
    calls: [{action: list_buckets, save_as: buckets}]
    emit:
      items_for: "{{ buckets.Buckets }}"
      item: {name: "{{ item.Name }}"}
checks:
  - rule_id: empty.passes
    for_each: list_buckets
    pass_when_empty: true
    conditions: {var: item.name, op: exists}
  - rule_id: empty.silent
    for_each: list_buckets
    conditions: {var: item.name, op: exists}
  - rule_id: unknown.discovery
    for_each: nowhere
    pass_when_empty: true
`)
	inv := newRecordingInvoker(func(string, map[string]any) (any, error) {
		return map[string]any{"Buckets": []any{}}, nil
	})

	report := New(fastOptions()).Scan(context.Background(), []Target{{RuleSet: rs, Invoker: inv}})
	if len(report.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2: %+v", len(report.Results), report.Results)
	}
	for _, r := range report.Results {
		if r.Result != types.VerdictPass || r.Evidence["reason"] != NoApplicableResources {
			t.Errorf("result = %+v, want synthetic PASS", r)
		}
	}
}

func TestScan_AccountLevelCheck(t *testing.T) {
	rs := compileYAML(t, `
service: iam
checks:
  - rule_id: iam.password_policy
    resource_id: "account/{{ params.account }}"
    params: {account: "123456789012", min_length: 14}
    calls:
      - action: get_account_password_policy
        fields:
          - {path: PasswordPolicy.MinimumPasswordLength, operator: gte, expected: "{{ params.min_length }}"}
`)
	inv := newRecordingInvoker(func(string, map[string]any) (any, error) {
		return map[string]any{"PasswordPolicy": map[string]any{"MinimumPasswordLength": 16}}, nil
	})

	report := New(fastOptions()).Scan(context.Background(), []Target{{RuleSet: rs, Invoker: inv}})
	if len(report.Results) != 1 {
		t.Fatalf("len(Results) = %d, want 1", len(report.Results))
	}
	got := report.Results[0]
	if got.Result != types.VerdictPass || got.ResourceID != "account/123456789012" {
		t.Errorf("result = %+v, want PASS for account/123456789012", got)
	}
}

func TestScan_NilInvokerAndNilRuleSet(t *testing.T) {
	rs := compileYAML(t, bucketVersioning)
	report := New(fastOptions()).Scan(context.Background(), []Target{{RuleSet: rs}, {}})
	for i, run := range report.Runs {
		if !run.Unavailable {
			t.Errorf("Runs[%d] = %+v, want unavailable", i, run)
		}
	}
}

func TestScan_DiscoveryPanicIsContained(t *testing.T) {
	rs := compileYAML(t, bucketVersioning)
	inv := newRecordingInvoker(func(action string, _ map[string]any) (any, error) {
		panic("sdk exploded")
	})
	report := New(fastOptions()).Scan(context.Background(), []Target{{RuleSet: rs, Invoker: inv}})
	if !report.Runs[0].Unavailable {
		t.Errorf("Runs[0] = %+v, want unavailable after panic", report.Runs[0])
	}
}

type memorySink struct {
	mu       sync.Mutex
	results  []types.CheckResult
	begun    int
	runs     []RunSummary
	finished int
	failOn   string
}

func (m *memorySink) Write(_ context.Context, _ types.ScanID, r types.CheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ResourceID == m.failOn {
		return errors.New("disk full")
	}
	m.results = append(m.results, r)
	return nil
}

func (m *memorySink) BeginScan(context.Context, types.ScanID, time.Time) error {
	m.begun++
	return nil
}

func (m *memorySink) RecordRun(_ context.Context, _ types.ScanID, run RunSummary) error {
	m.runs = append(m.runs, run)
	return nil
}

func (m *memorySink) FinishScan(context.Context, types.ScanID, time.Time) error {
	m.finished++
	return nil
}

func TestStream_WritesToSinkAndRecorder(t *testing.T) {
	rs := compileYAML(t, bucketVersioning)
	sink := &memorySink{failOn: "b2"}

	report := New(fastOptions()).Stream(context.Background(), []Target{{RuleSet: rs, Invoker: bucketInvoker(t)}}, sink)

	if len(report.Results) != 0 {
		t.Errorf("Stream report carries %d results, want 0", len(report.Results))
	}
	if len(sink.results) != 1 || sink.results[0].ResourceID != "b1" {
		t.Errorf("sink results = %+v, want only b1", sink.results)
	}
	if report.SinkErrors != 1 {
		t.Errorf("SinkErrors = %d, want 1", report.SinkErrors)
	}
	if sink.begun != 1 || sink.finished != 1 || len(sink.runs) != 1 {
		t.Errorf("recorder calls = begin %d, runs %d, finish %d; want 1 each", sink.begun, len(sink.runs), sink.finished)
	}
}

type regionInvoker struct{ *recordingInvoker }

func (regionInvoker) Identity() []string { return []string{"s3", "eu-central-1"} }

func TestEngine_IdentityResolution(t *testing.T) {
	rs := &types.RuleSet{Service: "s3"}
	plain := newRecordingInvoker(nil)

	e := New(Options{})
	if got := e.identityFor(Target{RuleSet: rs, Invoker: plain}); len(got) != 1 || got[0] != "s3" {
		t.Errorf("default identity = %v, want [s3]", got)
	}
	if got := e.identityFor(Target{RuleSet: rs, Invoker: regionInvoker{plain}}); len(got) != 2 || got[1] != "eu-central-1" {
		t.Errorf("Identifier identity = %v", got)
	}
	if got := e.identityFor(Target{RuleSet: rs, Invoker: plain, Identity: []string{"x"}}); got[0] != "x" {
		t.Errorf("explicit identity = %v, want [x]", got)
	}

	withFunc := New(Options{}, WithIdentityFunc(func(ActionInvoker) []string { return []string{"fn"} }))
	if got := withFunc.identityFor(Target{RuleSet: rs, Invoker: regionInvoker{plain}}); got[0] != "fn" {
		t.Errorf("IdentityFunc identity = %v, want [fn]", got)
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	if opts.Workers != types.DefaultWorkers || opts.MaxAttempts != types.DefaultMaxAttempts {
		t.Errorf("DefaultOptions() = %+v", opts)
	}
	if opts.BaseDelay != DefaultBaseDelay || opts.MaxDelay != DefaultMaxDelay || opts.CallTimeout != 0 {
		t.Errorf("DefaultOptions() delays = %+v", opts)
	}
	if opts.RuleSetConcurrency != DefaultRuleSetConcurrency {
		t.Errorf("RuleSetConcurrency = %d, want %d", opts.RuleSetConcurrency, DefaultRuleSetConcurrency)
	}
}
