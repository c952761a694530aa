package client

import (
	"context"
	"errors"
	"testing"

	"steward/internal/errdefs"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGRPCErrKeepsClassAndMessage(t *testing.T) {
	tests := []struct {
		code  codes.Code
		class error
	}{
		{codes.InvalidArgument, errdefs.ErrInvalidArgument},
		{codes.NotFound, errdefs.ErrNotFound},
		{codes.AlreadyExists, errdefs.ErrAlreadyExists},
		{codes.ResourceExhausted, errdefs.ErrResourceExhausted},
		{codes.FailedPrecondition, errdefs.ErrFailedPrecondition},
		{codes.Aborted, errdefs.ErrKernelRejected},
		{codes.Unavailable, errdefs.ErrUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			err := grpcErr(status.Error(tt.code, "no machine \"web1\" known"))
			if !errors.Is(err, tt.class) {
				t.Fatalf("grpcErr(%s) = %v, want class %v", tt.code, err, tt.class)
			}
			if err.Error() != "no machine \"web1\" known" {
				t.Errorf("message = %q, want the daemon's message verbatim", err.Error())
			}
		})
	}
}

func TestGRPCErrInternalHasNoClass(t *testing.T) {
	err := grpcErr(status.Error(codes.Internal, "boom"))
	for _, class := range []error{errdefs.ErrNotFound, errdefs.ErrInvalidArgument, errdefs.ErrUnavailable} {
		if errors.Is(err, class) {
			t.Errorf("internal error matched %v", class)
		}
	}
	var e *Error
	if !errors.As(err, &e) || e.Code != codes.Internal {
		t.Errorf("grpcErr = %#v, want *Error with Internal", err)
	}
}

func TestGRPCErrContext(t *testing.T) {
	if err := grpcErr(status.Error(codes.DeadlineExceeded, "late")); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("DeadlineExceeded maps to %v", err)
	}
	if err := grpcErr(nil); err != nil {
		t.Errorf("grpcErr(nil) = %v", err)
	}
	plain := errors.New("dial")
	if err := grpcErr(plain); err != plain {
		t.Errorf("non-status error rewritten: %v", err)
	}
}
