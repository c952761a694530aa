//go:build !linux

package unit

import (
	"errors"

	"golang.org/x/sys/unix"
)

type ExecRunner struct{}

var errUnsupported = errors.New("process management is only supported on linux")

func (ExecRunner) Spawn(Command, func(ExitStatus)) (int, error) { return 0, errUnsupported }
func (ExecRunner) Watch(int, func(ExitStatus)) error            { return errUnsupported }
func (ExecRunner) Signal(int, unix.Signal) error                { return errUnsupported }
