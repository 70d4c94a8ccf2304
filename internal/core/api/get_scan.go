package api

import (
	"context"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/scankeeper/internal/core/db"
	"github.com/solatis/scankeeper/internal/types"
)

// GetScan returns a persisted scan of the calling tenant. Request field:
// scan_id. Scans of other tenants are NOT_FOUND.
func (s *ScanService) GetScan(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenantID, err := tenantFrom(ctx)
	if err != nil {
		return nil, err
	}
	if s.queries == nil {
		return nil, status.Error(codes.FailedPrecondition, "scan storage requires a database")
	}

	scanID, err := types.ParseScanID(req.GetFields()["scan_id"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "scan_id must be a UUID")
	}

	report, err := db.NewResultStore(s.queries, tenantID).GetScan(ctx, scanID)
	if err != nil {
		logger.WithFields(log.Fields{"tenant_id": tenantID, "scan_id": scanID}).WithError(err).Debug("get scan failed")
		return nil, statusFromError(err)
	}

	out, err := reportStruct(report)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
