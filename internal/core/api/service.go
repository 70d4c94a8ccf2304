// Package api provides the gRPC scan service.
//
// RunScan accepts rule set documents as structpb values, binds each one to an
// invoker and runs them through the engine. GetScan reads a persisted scan
// back for the calling tenant. Tenancy comes from the auth interceptor.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/scankeeper/internal/core/auth"
	"github.com/solatis/scankeeper/internal/core/config"
	"github.com/solatis/scankeeper/internal/core/db"
	"github.com/solatis/scankeeper/internal/engine"
	"github.com/solatis/scankeeper/internal/logging"
	"github.com/solatis/scankeeper/internal/types"
)

var logger *log.Entry = logging.For("api")

// Binder returns the invoker serving a rule set's service, or nil when the
// service has no binding.
type Binder func(service string) engine.ActionInvoker

// ScanService implements ScanServiceServer.
// Thin orchestration layer delegating to rules, engine and db packages.
type ScanService struct {
	engine  *engine.Engine
	queries *db.Queries
	bind    Binder
	cfg     config.ServerConfig
}

var _ ScanServiceServer = (*ScanService)(nil)

// NewScanService creates service instance with dependencies. queries may be
// nil, which disables persist and GetScan. bind may be nil when every
// request carries inline fixtures.
func NewScanService(eng *engine.Engine, queries *db.Queries, bind Binder, cfg config.ServerConfig) (*ScanService, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	return &ScanService{
		engine:  eng,
		queries: queries,
		bind:    bind,
		cfg:     cfg,
	}, nil
}

// tenantFrom returns the authenticated tenant or an INTERNAL status when the
// interceptor did not run.
func tenantFrom(ctx context.Context) (string, error) {
	tenantID := auth.TenantIDFromContext(ctx)
	if tenantID == "" {
		return "", status.Error(codes.Internal, "missing tenant_id in context")
	}
	return tenantID, nil
}

// reportStruct converts a report to its JSON shape with verdict counts.
func reportStruct(report *engine.Report) (*structpb.Struct, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}

	counts := map[string]any{}
	for verdict, n := range report.Counts() {
		counts[string(verdict)] = n
	}
	m["counts"] = counts

	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("convert report: %w", err)
	}
	return out, nil
}

// collectingSink keeps every result in memory while the embedded store
// persists it, so RunScan can return results it also stored. Writes ignore
// the request deadline so a scan cut short is still stored in full.
type collectingSink struct {
	*db.ResultStore
	results []types.CheckResult
}

// Write is serialised by the engine.
func (c *collectingSink) Write(ctx context.Context, scanID types.ScanID, result types.CheckResult) error {
	c.results = append(c.results, result)
	return c.ResultStore.Write(context.WithoutCancel(ctx), scanID, result)
}

func (c *collectingSink) BeginScan(ctx context.Context, scanID types.ScanID, startedAt time.Time) error {
	return c.ResultStore.BeginScan(context.WithoutCancel(ctx), scanID, startedAt)
}

func (c *collectingSink) RecordRun(ctx context.Context, scanID types.ScanID, run engine.RunSummary) error {
	return c.ResultStore.RecordRun(context.WithoutCancel(ctx), scanID, run)
}

func (c *collectingSink) FinishScan(ctx context.Context, scanID types.ScanID, finishedAt time.Time) error {
	return c.ResultStore.FinishScan(context.WithoutCancel(ctx), scanID, finishedAt)
}
