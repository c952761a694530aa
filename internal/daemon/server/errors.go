package server

import (
	"context"
	"errors"

	"steward/internal/errdefs"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// --- Error mapping ---

// toGRPCError turns an error class into a status code. The message is
// passed through unchanged so clients can print it as is.
func toGRPCError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	msg := err.Error()
	switch {
	case errdefs.IsInvalidArgument(err):
		return status.Error(codes.InvalidArgument, msg)
	case errdefs.IsNotFound(err):
		return status.Error(codes.NotFound, msg)
	case errdefs.IsAlreadyExists(err):
		return status.Error(codes.AlreadyExists, msg)
	case errdefs.IsResourceExhausted(err), errdefs.IsOutOfMemory(err):
		return status.Error(codes.ResourceExhausted, msg)
	case errdefs.IsFailedPrecondition(err):
		return status.Error(codes.FailedPrecondition, msg)
	case errdefs.IsKernelRejected(err):
		return status.Error(codes.Aborted, msg)
	case errors.Is(err, errdefs.ErrUnavailable):
		return status.Error(codes.Unavailable, msg)
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, msg)
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, msg)
	}
	return status.Error(codes.Internal, msg)
}
