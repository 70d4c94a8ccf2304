package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/solatis/scankeeper/internal/engine"
	"github.com/solatis/scankeeper/internal/types"
)

// ResultStore persists scans, rule set runs and check results.
// Implements engine.Sink and engine.ScanRecorder so it can be handed
// directly to Engine.Stream. One store serves one tenant.
type ResultStore struct {
	q        *Queries
	tenantID string

	mu     sync.Mutex
	seq    map[types.ScanID]int
	runSeq map[types.ScanID]int
}

// Compile-time interface checks.
var (
	_ engine.Sink         = (*ResultStore)(nil)
	_ engine.ScanRecorder = (*ResultStore)(nil)
)

// NewResultStore creates a store writing rows for tenantID. The empty
// tenant is used by the CLI.
func NewResultStore(q *Queries, tenantID string) *ResultStore {
	return &ResultStore{
		q:        q,
		tenantID: tenantID,
		seq:      make(map[types.ScanID]int),
		runSeq:   make(map[types.ScanID]int),
	}
}

// ScanRecord is one row of the scans table.
type ScanRecord struct {
	ScanID     string `db:"scan_id"`
	TenantID   string `db:"tenant_id"`
	StartedAt  string `db:"started_at"`
	FinishedAt string `db:"finished_at"`
}

type runRow struct {
	Service     string `db:"service"`
	Identity    string `db:"identity"`
	Unavailable bool   `db:"unavailable"`
	Error       string `db:"error"`
	Discovered  string `db:"discovered"`
	ResultCount int    `db:"result_count"`
}

type resultRow struct {
	RuleID     string `db:"rule_id"`
	Service    string `db:"service"`
	Title      string `db:"title"`
	Severity   string `db:"severity"`
	ResourceID string `db:"resource_id"`
	Resource   string `db:"resource"`
	Result     string `db:"result"`
	Evidence   string `db:"evidence"`
	Error      string `db:"error"`
}

// BeginScan inserts the scan row.
func (s *ResultStore) BeginScan(ctx context.Context, scanID types.ScanID, startedAt time.Time) error {
	if _, err := s.q.ExecContext(ctx, "insert-scan", string(scanID), s.tenantID, formatTime(startedAt)); err != nil {
		return fmt.Errorf("insert scan %s: %w", scanID, err)
	}
	return nil
}

// RecordRun inserts one rule set run summary.
func (s *ResultStore) RecordRun(ctx context.Context, scanID types.ScanID, run engine.RunSummary) error {
	identity, err := marshalJSON(run.Identity, "[]")
	if err != nil {
		return err
	}
	discovered, err := marshalJSON(run.Discovered, "{}")
	if err != nil {
		return err
	}

	s.mu.Lock()
	seq := s.runSeq[scanID]
	s.runSeq[scanID]++
	s.mu.Unlock()

	_, err = s.q.ExecContext(ctx, "insert-run",
		types.NewResultID(), string(scanID), seq, run.Service, identity,
		run.Unavailable, run.Error, discovered, run.Results,
	)
	if err != nil {
		return fmt.Errorf("insert run for %s: %w", run.Service, err)
	}
	return nil
}

// FinishScan stamps the scan's finish time and releases per-scan counters.
func (s *ResultStore) FinishScan(ctx context.Context, scanID types.ScanID, finishedAt time.Time) error {
	s.mu.Lock()
	delete(s.seq, scanID)
	delete(s.runSeq, scanID)
	s.mu.Unlock()

	if _, err := s.q.ExecContext(ctx, "finish-scan", formatTime(finishedAt), string(scanID)); err != nil {
		return fmt.Errorf("finish scan %s: %w", scanID, err)
	}
	return nil
}

// Write inserts one CheckResult. Rows keep their emission order through seq.
func (s *ResultStore) Write(ctx context.Context, scanID types.ScanID, result types.CheckResult) error {
	resource, err := marshalJSON(result.Resource, "{}")
	if err != nil {
		return err
	}
	evidence, err := marshalJSON(result.Evidence, "{}")
	if err != nil {
		return err
	}

	s.mu.Lock()
	seq := s.seq[scanID]
	s.seq[scanID]++
	s.mu.Unlock()

	_, err = s.q.ExecContext(ctx, "insert-result",
		types.NewResultID(), string(scanID), seq,
		result.RuleID, result.Service, result.Title, result.Severity,
		result.ResourceID, resource, string(result.Result), evidence, result.Error,
		formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("insert result %s/%s: %w", result.RuleID, result.ResourceID, err)
	}
	return nil
}

// GetScan loads a stored scan with its runs and results. Scans owned by
// another tenant are reported as types.ErrScanNotFound.
func (s *ResultStore) GetScan(ctx context.Context, scanID types.ScanID) (*engine.Report, error) {
	var rec ScanRecord
	err := s.q.GetContext(ctx, "get-scan", &rec, string(scanID))
	if errors.Is(err, sql.ErrNoRows) || (err == nil && rec.TenantID != s.tenantID) {
		return nil, types.ErrScanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan %s: %w", scanID, err)
	}

	report := &engine.Report{
		ScanID:     types.ScanID(rec.ScanID),
		StartedAt:  parseTime(rec.StartedAt),
		FinishedAt: parseTime(rec.FinishedAt),
	}

	var runs []runRow
	if err := s.q.SelectContext(ctx, "list-runs-by-scan", &runs, string(scanID)); err != nil {
		return nil, fmt.Errorf("list runs for %s: %w", scanID, err)
	}
	for _, r := range runs {
		run := engine.RunSummary{
			Service:     r.Service,
			Unavailable: r.Unavailable,
			Error:       r.Error,
			Results:     r.ResultCount,
		}
		if err := json.Unmarshal([]byte(r.Identity), &run.Identity); err != nil {
			return nil, fmt.Errorf("decode identity for %s: %w", r.Service, err)
		}
		if err := json.Unmarshal([]byte(r.Discovered), &run.Discovered); err != nil {
			return nil, fmt.Errorf("decode discovered for %s: %w", r.Service, err)
		}
		report.Runs = append(report.Runs, run)
	}

	var results []resultRow
	if err := s.q.SelectContext(ctx, "list-results-by-scan", &results, string(scanID)); err != nil {
		return nil, fmt.Errorf("list results for %s: %w", scanID, err)
	}
	for _, r := range results {
		res := types.CheckResult{
			RuleID:     r.RuleID,
			Service:    r.Service,
			Title:      r.Title,
			Severity:   r.Severity,
			ResourceID: r.ResourceID,
			Result:     types.Verdict(r.Result),
			Error:      r.Error,
		}
		if err := unmarshalObject(r.Resource, &res.Resource); err != nil {
			return nil, fmt.Errorf("decode resource for %s: %w", r.RuleID, err)
		}
		if err := unmarshalObject(r.Evidence, &res.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence for %s: %w", r.RuleID, err)
		}
		report.Results = append(report.Results, res)
	}

	logger.WithFields(log.Fields{
		"scan_id": scanID,
		"runs":    len(report.Runs),
		"results": len(report.Results),
	}).Debug("scan loaded")
	return report, nil
}

// ListScans returns the tenant's most recent scans, newest first.
func (s *ResultStore) ListScans(ctx context.Context, limit int) ([]ScanRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var recs []ScanRecord
	if err := s.q.SelectContext(ctx, "list-scans-by-tenant", &recs, s.tenantID, limit); err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	return recs, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime returns the zero time for unfinished scans.
func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func marshalJSON(v any, empty string) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column: %w", err)
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

// unmarshalObject leaves dst nil for empty objects so round-tripped results
// compare equal to ones that never carried the field.
func unmarshalObject(s string, dst *map[string]any) error {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return err
	}
	if len(m) > 0 {
		*dst = m
	}
	return nil
}
