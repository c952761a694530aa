// Package errdefs is the error taxonomy shared by every steward component.
//
// The common classes come from containerd/errdefs so they survive wrapping
// and map cleanly onto gRPC codes. Kernel completions are carried as
// *KernelError, which unwraps to both ErrKernelRejected and the raw errno.
package errdefs

import (
	"errors"
	"fmt"

	cerrdefs "github.com/containerd/errdefs"
	"golang.org/x/sys/unix"
)

var (
	ErrInvalidArgument    = cerrdefs.ErrInvalidArgument
	ErrAlreadyExists      = cerrdefs.ErrAlreadyExists
	ErrNotFound           = cerrdefs.ErrNotFound
	ErrResourceExhausted  = cerrdefs.ErrResourceExhausted
	ErrFailedPrecondition = cerrdefs.ErrFailedPrecondition
	ErrUnavailable        = cerrdefs.ErrUnavailable
)

// ErrOutOfMemory is returned when an index or table cannot take another
// entry. Fatal during startup, per-operation otherwise.
var ErrOutOfMemory = errors.New("out of memory")

// ErrKernelRejected marks a negative completion from the kernel channel.
var ErrKernelRejected = errors.New("kernel rejected request")

func IsInvalidArgument(err error) bool    { return cerrdefs.IsInvalidArgument(err) }
func IsAlreadyExists(err error) bool      { return cerrdefs.IsAlreadyExists(err) }
func IsNotFound(err error) bool           { return cerrdefs.IsNotFound(err) }
func IsResourceExhausted(err error) bool  { return cerrdefs.IsResourceExhausted(err) }
func IsFailedPrecondition(err error) bool { return cerrdefs.IsFailedPrecondition(err) }
func IsKernelRejected(err error) bool     { return errors.Is(err, ErrKernelRejected) }
func IsOutOfMemory(err error) bool        { return errors.Is(err, ErrOutOfMemory) }

// ValidationError indicates an invalid input to an operation. It matches
// ErrInvalidArgument under errors.Is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return e.Field + ": " + e.Message
	}
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidArgument
}

// Invalid builds a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// NotFound wraps ErrNotFound with a description of what was looked up.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}

// AlreadyExists wraps ErrAlreadyExists.
func AlreadyExists(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrAlreadyExists)
}

// Exhausted wraps ErrResourceExhausted.
func Exhausted(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrResourceExhausted)
}

// KernelError is a rejected kernel configuration request.
type KernelError struct {
	Op    string
	Errno unix.Errno
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Errno)
}

func (e *KernelError) Unwrap() []error {
	return []error{ErrKernelRejected, e.Errno}
}

// Kernel converts a raw completion error into a *KernelError. Errors that
// carry no errno are reported as EIO.
func Kernel(op string, err error) error {
	if err == nil {
		return nil
	}
	var ke *KernelError
	if errors.As(err, &ke) {
		return err
	}
	return &KernelError{Op: op, Errno: Errno(err)}
}

// Errno extracts the errno carried by err, or EIO when there is none.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

// IsExists reports whether a kernel completion is the idempotent "already
// exists" collision.
func IsExists(err error) bool {
	return errors.Is(err, unix.EEXIST)
}

// IsAbsent reports whether a kernel completion says the object is already
// gone. Deleting an absent object is not an error.
func IsAbsent(err error) bool {
	for _, errno := range []unix.Errno{unix.ESRCH, unix.ENOENT, unix.EADDRNOTAVAIL, unix.ENXIO, unix.ENODEV} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
