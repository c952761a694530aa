//go:build linux

package unit

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// ExecRunner runs commands with os/exec and follows adopted processes
// through pidfds.
type ExecRunner struct{}

var _ Runner = ExecRunner{}

func (ExecRunner) Spawn(cmd Command, exited func(ExitStatus)) (int, error) {
	c := exec.Command(cmd.Path, cmd.Args...)
	c.Env = append(os.Environ(), cmd.Env...)
	c.Dir = cmd.Dir
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := c.Start(); err != nil {
		return 0, fmt.Errorf("spawn %s: %w", cmd.Path, err)
	}
	go func() {
		_ = c.Wait()
		exited(statusOf(c.ProcessState))
	}()
	return c.Process.Pid, nil
}

func statusOf(ps *os.ProcessState) ExitStatus {
	st := ExitStatus{Known: true}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = unix.Signal(ws.Signal())
		return st
	}
	st.Code = ps.ExitCode()
	return st
}

func (ExecRunner) Watch(pid int, exited func(ExitStatus)) error {
	fd, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return fmt.Errorf("open pidfd for %d: %w", pid, err)
	}
	go func() {
		defer unix.Close(fd)
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		for {
			if _, err := unix.Poll(fds, -1); err != nil && errors.Is(err, unix.EINTR) {
				continue
			}
			break
		}
		exited(ExitStatus{})
	}()
	return nil
}

func (ExecRunner) Signal(pid int, sig unix.Signal) error {
	if err := unix.Kill(pid, sig); err != nil {
		return fmt.Errorf("signal %d with %s: %w", pid, unix.SignalName(sig), err)
	}
	return nil
}
