package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/solatis/scankeeper/internal/rules"
	"github.com/solatis/scankeeper/internal/types"
)

// Auth errors are mapped in the auth package interceptor.
// Rule set validation errors map to INVALID_ARGUMENT.
// Unknown scans map to NOT_FOUND.
// Context timeouts map to DEADLINE_EXCEEDED.
// Everything else (database errors) maps to UNAVAILABLE.
func statusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, types.ErrScanNotFound):
		return status.Error(codes.NotFound, err.Error())
	case rules.IsValidationError(err), errors.Is(err, types.ErrEmptyDocument):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}
