package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"

	"github.com/solatis/scankeeper/internal/types"
)

// Target pairs a RuleSet with the invoker that serves its actions. Identity
// partitions the response cache; when empty the Engine's IdentityFunc, then
// the invoker's own Identifier, then the RuleSet service are used.
type Target struct {
	RuleSet  *types.RuleSet
	Invoker  ActionInvoker
	Identity []string
}

// Sink receives CheckResults as a scan produces them. Writes are serialised
// by the Engine.
type Sink interface {
	Write(ctx context.Context, scanID types.ScanID, result types.CheckResult) error
}

// ScanRecorder is implemented by sinks that also persist scan and rule set
// run metadata.
type ScanRecorder interface {
	BeginScan(ctx context.Context, scanID types.ScanID, startedAt time.Time) error
	RecordRun(ctx context.Context, scanID types.ScanID, run RunSummary) error
	FinishScan(ctx context.Context, scanID types.ScanID, finishedAt time.Time) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, scanID types.ScanID, result types.CheckResult) error

// Write calls f.
func (f SinkFunc) Write(ctx context.Context, scanID types.ScanID, result types.CheckResult) error {
	return f(ctx, scanID, result)
}

// RunSummary describes one Target's run.
type RunSummary struct {
	Service     string         `json:"service"`
	Identity    []string       `json:"identity"`
	Unavailable bool           `json:"unavailable"`
	Error       string         `json:"error,omitempty"`
	Discovered  map[string]int `json:"discovered"`
	Results     int            `json:"results"`
}

// Report is the outcome of a scan. Results is populated by Scan; Stream
// leaves it empty and hands results to its Sink instead.
type Report struct {
	ScanID      types.ScanID        `json:"scan_id"`
	StartedAt   time.Time           `json:"started_at"`
	FinishedAt  time.Time           `json:"finished_at"`
	Runs        []RunSummary        `json:"runs"`
	Results     []types.CheckResult `json:"results,omitempty"`
	CacheHits   int                 `json:"cache_hits"`
	CacheMisses int                 `json:"cache_misses"`
	SinkErrors  int                 `json:"sink_errors,omitempty"`
}

// Counts tallies Results by verdict.
func (r *Report) Counts() map[types.Verdict]int {
	counts := make(map[types.Verdict]int, 4)
	for _, res := range r.Results {
		counts[res.Result]++
	}
	return counts
}

// Engine runs scans. It holds no per-scan state; every Scan or Stream call
// builds its own ScanContext.
type Engine struct {
	opts     Options
	identity IdentityFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithIdentityFunc sets the cache identity function.
func WithIdentityFunc(f IdentityFunc) Option {
	return func(e *Engine) { e.identity = f }
}

// New creates an Engine.
func New(opts Options, options ...Option) *Engine {
	e := &Engine{opts: opts.withDefaults()}
	for _, o := range options {
		o(e)
	}
	return e
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// Scan runs every target and returns the full report with results grouped
// by target in input order.
func (e *Engine) Scan(ctx context.Context, targets []Target) *Report {
	perTarget := make([][]types.CheckResult, len(targets))
	report := e.run(ctx, targets, func(_ *ScanContext, i int) func(types.CheckResult) {
		return func(res types.CheckResult) {
			perTarget[i] = append(perTarget[i], res)
		}
	})
	for _, results := range perTarget {
		report.Results = append(report.Results, results...)
	}
	return report
}

// Stream runs every target and writes each result to sink as soon as its
// check completes. Sink failures are logged and counted, never fatal. When
// sink is a ScanRecorder, scan and run metadata are recorded too.
func (e *Engine) Stream(ctx context.Context, targets []Target, sink Sink) *Report {
	if sink == nil {
		sink = SinkFunc(func(context.Context, types.ScanID, types.CheckResult) error { return nil })
	}
	var mu sync.Mutex
	sinkErrors := 0
	recorder, _ := sink.(ScanRecorder)

	report := e.run(ctx, targets, func(sc *ScanContext, _ int) func(types.CheckResult) {
		return func(res types.CheckResult) {
			mu.Lock()
			defer mu.Unlock()
			if err := sink.Write(ctx, sc.ID, res); err != nil {
				sinkErrors++
				sc.Log.WithFields(log.Fields{"rule_id": res.RuleID}).WithError(err).Error("sink write failed")
			}
		}
	}, recorderHooks(ctx, recorder, &mu, &sinkErrors)...)
	report.SinkErrors = sinkErrors
	return report
}

// runHooks observe scan lifecycle events, used for ScanRecorder sinks.
type runHooks struct {
	begin  func(sc *ScanContext, startedAt time.Time)
	run    func(sc *ScanContext, run RunSummary)
	finish func(sc *ScanContext, finishedAt time.Time)
}

func recorderHooks(ctx context.Context, rec ScanRecorder, mu *sync.Mutex, sinkErrors *int) []runHooks {
	if rec == nil {
		return nil
	}
	fail := func(sc *ScanContext, what string, err error) {
		if err != nil {
			*sinkErrors++
			sc.Log.WithError(err).Errorf("recording %s failed", what)
		}
	}
	return []runHooks{{
		begin: func(sc *ScanContext, startedAt time.Time) {
			mu.Lock()
			defer mu.Unlock()
			fail(sc, "scan start", rec.BeginScan(ctx, sc.ID, startedAt))
		},
		run: func(sc *ScanContext, run RunSummary) {
			mu.Lock()
			defer mu.Unlock()
			fail(sc, "rule set run", rec.RecordRun(ctx, sc.ID, run))
		},
		finish: func(sc *ScanContext, finishedAt time.Time) {
			mu.Lock()
			defer mu.Unlock()
			fail(sc, "scan finish", rec.FinishScan(ctx, sc.ID, finishedAt))
		},
	}}
}

func (e *Engine) run(ctx context.Context, targets []Target, emitFor func(sc *ScanContext, i int) func(types.CheckResult), hooks ...runHooks) *Report {
	sc := NewScanContext(e.opts)
	report := &Report{ScanID: sc.ID, StartedAt: time.Now().UTC()}
	for _, h := range hooks {
		h.begin(sc, report.StartedAt)
	}
	sc.Log.WithFields(log.Fields{"targets": len(targets), "workers": sc.Pool.Width()}).Info("scan started")

	runs := make([]RunSummary, len(targets))
	p := pool.New().WithMaxGoroutines(sc.Options.RuleSetConcurrency)
	for i := range targets {
		p.Go(func() {
			runs[i] = e.runTarget(ctx, sc, targets[i], emitFor(sc, i))
			for _, h := range hooks {
				h.run(sc, runs[i])
			}
		})
	}
	p.Wait()

	report.Runs = runs
	report.CacheHits, report.CacheMisses = sc.Cache.Stats()
	report.FinishedAt = time.Now().UTC()
	for _, h := range hooks {
		h.finish(sc, report.FinishedAt)
	}
	sc.Log.WithFields(log.Fields{
		"duration":     report.FinishedAt.Sub(report.StartedAt),
		"cache_hits":   report.CacheHits,
		"cache_misses": report.CacheMisses,
	}).Info("scan finished")
	return report
}

// runTarget runs discovery then checks for one Target. It never panics and
// never returns an error: failures are reported in the RunSummary.
func (e *Engine) runTarget(ctx context.Context, sc *ScanContext, t Target, emit func(types.CheckResult)) (summary RunSummary) {
	if t.RuleSet == nil {
		return RunSummary{Unavailable: true, Error: "nil rule set"}
	}
	rs := t.RuleSet
	identity := e.identityFor(t)
	summary = RunSummary{Service: rs.Service, Identity: identity, Discovered: map[string]int{}}
	entry := sc.Log.WithFields(log.Fields{"service": rs.Service})

	counted := func(res types.CheckResult) {
		summary.Results++
		emit(res)
	}

	var catcher panics.Catcher
	catcher.Try(func() {
		if t.Invoker == nil {
			summary.Unavailable = true
			summary.Error = "no invoker for rule set"
			return
		}
		exec := NewExecutor(t.Invoker, identity, sc.Cache, sc.Options)

		discovered, err := NewDiscoveryRunner(exec, entry).Run(ctx, rs)
		for id, items := range discovered {
			summary.Discovered[id] = len(items)
		}
		var unavailable *types.DiscoveryUnavailableError
		if errors.As(err, &unavailable) {
			summary.Unavailable = true
			summary.Error = unavailable.Error()
			entry.WithError(err).Warn("rule set unavailable, checks skipped")
			return
		}

		NewCheckRunner(exec, sc.Pool, entry).Run(ctx, rs, discovered, counted)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		summary.Unavailable = true
		summary.Error = fmt.Sprintf("panic: %v", recovered.Value)
		entry.Errorf("rule set run panicked: %v", recovered.Value)
	}
	entry.WithFields(log.Fields{"results": summary.Results, "unavailable": summary.Unavailable}).Info("rule set finished")
	return summary
}

func (e *Engine) identityFor(t Target) []string {
	if len(t.Identity) > 0 {
		return t.Identity
	}
	if e.identity != nil {
		if id := e.identity(t.Invoker); len(id) > 0 {
			return id
		}
	}
	if ider, ok := t.Invoker.(Identifier); ok {
		if id := ider.Identity(); len(id) > 0 {
			return id
		}
	}
	return []string{t.RuleSet.Service}
}
