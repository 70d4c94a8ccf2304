package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"

	"github.com/solatis/scankeeper/internal/rules"
	"github.com/solatis/scankeeper/internal/types"
)

// recordingInvoker counts calls per action and answers through handler.
type recordingInvoker struct {
	mu      sync.Mutex
	calls   map[string]int
	params  map[string][]map[string]any
	handler func(action string, params map[string]any) (any, error)
}

func newRecordingInvoker(handler func(action string, params map[string]any) (any, error)) *recordingInvoker {
	return &recordingInvoker{
		calls:   map[string]int{},
		params:  map[string][]map[string]any{},
		handler: handler,
	}
}

func (r *recordingInvoker) Invoke(_ context.Context, action string, params map[string]any) (any, error) {
	r.mu.Lock()
	r.calls[action]++
	r.params[action] = append(r.params[action], params)
	r.mu.Unlock()
	return r.handler(action, params)
}

func (r *recordingInvoker) count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[action]
}

// jsonValue decodes a JSON literal into the shapes invokers return.
func jsonValue(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("bad test JSON %q: %v", s, err)
	}
	return v
}

// compileYAML compiles a single rule set document.
func compileYAML(t *testing.T, src string) *types.RuleSet {
	t.Helper()
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatalf("bad test YAML: %v", err)
	}
	rs, err := rules.Compile(doc)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return rs
}

// fastOptions keeps retries instant in tests.
func fastOptions() Options {
	return Options{Workers: 4, MaxAttempts: 3, BaseDelay: 1, MaxDelay: 1}
}

// instantTimer fires as soon as it is started.
type instantTimer struct{ c chan time.Time }

func (t *instantTimer) Start(time.Duration) { t.c <- time.Time{} }
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.c }

// newTestExecutor returns an executor whose backoff never sleeps.
func newTestExecutor(inv ActionInvoker, opts Options) *Executor {
	exec := NewExecutor(inv, []string{"test"}, NewResponseCache(), opts)
	exec.newTimer = func() backoff.Timer { return &instantTimer{c: make(chan time.Time, 1)} }
	return exec
}

// resultsByResource indexes results for assertions.
func resultsByResource(results []types.CheckResult) map[string]types.CheckResult {
	out := make(map[string]types.CheckResult, len(results))
	for _, r := range results {
		out[r.RuleID+"/"+r.ResourceID] = r
	}
	return out
}
