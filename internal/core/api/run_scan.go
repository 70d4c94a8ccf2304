package api

import (
	"context"
	"encoding/json"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/scankeeper/internal/core/db"
	"github.com/solatis/scankeeper/internal/engine"
	"github.com/solatis/scankeeper/internal/invoker"
	"github.com/solatis/scankeeper/internal/rules"
	"github.com/solatis/scankeeper/internal/types"
)

// RunScan compiles the request's rule sets and scans them.
//
// Request fields:
//
//	rule_sets  list of rule set documents (required)
//	fixtures   inline fixture set, replaces the server's invoker binding
//	persist    store the scan for later GetScan calls
//
// The response is the scan report with per-verdict counts. Persisted scans
// return results in emission order; others group results by rule set. A scan
// cut short by the request deadline still returns its report, with
// "incomplete" set and the reason in "error"; persisted scans are stored in
// full either way.
func (s *ScanService) RunScan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	fields := req.AsMap()

	ruleSets, err := s.compileRuleSets(fields["rule_sets"])
	if err != nil {
		return nil, err
	}

	bind := s.bind
	if raw, ok := fields["fixtures"]; ok && raw != nil {
		fixtures, err := parseInlineFixtures(raw)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		bind = func(service string) engine.ActionInvoker { return fixtures.Invoker(service) }
	}
	if bind == nil {
		return nil, status.Error(codes.FailedPrecondition, "server has no invoker binding; send fixtures with the request")
	}

	targets := make([]engine.Target, len(ruleSets))
	for i, rs := range ruleSets {
		targets[i] = engine.Target{RuleSet: rs, Invoker: bind(rs.Service)}
	}

	persist, _ := fields["persist"].(bool)
	if persist && s.queries == nil {
		return nil, status.Error(codes.FailedPrecondition, "persistence requires a database")
	}

	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	var report *engine.Report
	if persist {
		sink := &collectingSink{ResultStore: db.NewResultStore(s.queries, tenantID)}
		report = s.engine.Stream(ctx, targets, sink)
		report.Results = sink.results
	} else {
		report = s.engine.Scan(ctx, targets)
	}

	entry := logger.WithFields(log.Fields{
		"tenant_id": tenantID,
		"scan_id":   report.ScanID,
		"rule_sets": len(targets),
		"results":   len(report.Results),
		"persisted": persist,
	})

	out, err := reportStruct(report)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		entry.WithError(ctxErr).Warn("scan incomplete")
		out.Fields["incomplete"] = structpb.NewBoolValue(true)
		out.Fields["error"] = structpb.NewStringValue(ctxErr.Error())
		return out, nil
	}
	entry.Info("scan served")
	return out, nil
}

// compileRuleSets validates count and shape, then compiles every document.
// All document errors are reported together.
func (s *ScanService) compileRuleSets(raw any) ([]*types.RuleSet, error) {
	docs, ok := raw.([]any)
	if !ok || len(docs) == 0 {
		return nil, status.Error(codes.InvalidArgument, "rule_sets must be a non-empty list")
	}
	if s.cfg.MaxRuleSets > 0 && len(docs) > s.cfg.MaxRuleSets {
		return nil, status.Error(codes.InvalidArgument, fmt.Sprintf("rule_sets exceeds maximum of %d", s.cfg.MaxRuleSets))
	}

	out := make([]*types.RuleSet, 0, len(docs))
	var errs error
	for i, d := range docs {
		doc, ok := d.(map[string]any)
		if !ok {
			errs = multierr.Append(errs, fmt.Errorf("rule_sets[%d]: expected an object, got %T", i, d))
			continue
		}
		rs, err := rules.Compile(doc)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("rule_sets[%d]: %w", i, err))
			continue
		}
		out = append(out, rs)
	}
	if errs != nil {
		return nil, status.Error(codes.InvalidArgument, errs.Error())
	}
	return out, nil
}

// parseInlineFixtures reuses the YAML fixture decoder; JSON is valid YAML.
func parseInlineFixtures(raw any) (*invoker.FixtureSet, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("fixtures: %w", err)
	}
	fixtures, err := invoker.ParseFixtures(data)
	if err != nil {
		return nil, fmt.Errorf("fixtures: %w", err)
	}
	return fixtures, nil
}
