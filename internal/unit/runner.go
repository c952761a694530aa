package unit

import "golang.org/x/sys/unix"

// Runner spawns, adopts and signals processes. Exit callbacks may run on
// any goroutine; the manager moves them onto the event loop.
//
// Production: ExecRunner (os/exec for children, pidfd for adopted PIDs).
// Testing: fake.ProcessRunner.
type Runner interface {
	Spawn(cmd Command, exited func(ExitStatus)) (pid int, err error)
	Watch(pid int, exited func(ExitStatus)) error
	Signal(pid int, sig unix.Signal) error
}
