package fake

import (
	"sort"
	"sync"

	"steward/internal/unit"

	"golang.org/x/sys/unix"
)

var _ unit.Runner = (*ProcessRunner)(nil)

// SignalCall is one signal delivered through a ProcessRunner.
type SignalCall struct {
	PID    int
	Signal unix.Signal
}

// ProcessRunner simulates spawned and adopted processes. Tests end them
// with Exit; with ExitOnSignal set, any delivered signal ends the process.
type ProcessRunner struct {
	CallRecorder
	mu      sync.Mutex
	nextPID int
	procs   map[int]*fakeProcess
	signals []SignalCall

	ExitOnSignal bool
	SpawnErr     func(cmd unit.Command) error
	WatchErr     func(pid int) error
}

type fakeProcess struct {
	cmd    unit.Command
	exited func(unit.ExitStatus)
}

func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{nextPID: 1000, procs: make(map[int]*fakeProcess)}
}

func (r *ProcessRunner) Spawn(cmd unit.Command, exited func(unit.ExitStatus)) (int, error) {
	r.record("Spawn", cmd)
	if r.SpawnErr != nil {
		if err := r.SpawnErr(cmd); err != nil {
			return 0, err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextPID++
	r.procs[r.nextPID] = &fakeProcess{cmd: cmd, exited: exited}
	return r.nextPID, nil
}

func (r *ProcessRunner) Watch(pid int, exited func(unit.ExitStatus)) error {
	r.record("Watch", pid)
	if r.WatchErr != nil {
		if err := r.WatchErr(pid); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[pid] = &fakeProcess{exited: exited}
	return nil
}

func (r *ProcessRunner) Signal(pid int, sig unix.Signal) error {
	r.record("Signal", pid, sig)
	r.mu.Lock()
	p, ok := r.procs[pid]
	if !ok {
		r.mu.Unlock()
		return unix.ESRCH
	}
	r.signals = append(r.signals, SignalCall{PID: pid, Signal: sig})
	exit := r.ExitOnSignal && sig != 0
	if exit {
		delete(r.procs, pid)
	}
	r.mu.Unlock()

	if exit {
		p.exited(unit.ExitStatus{Known: p.cmd.Path != "", Signal: sig})
	}
	return nil
}

// Adopt makes pid a live process that was not spawned by the runner, such
// as a leader surviving a daemon restart.
func (r *ProcessRunner) Adopt(pid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[pid]; !ok {
		r.procs[pid] = &fakeProcess{exited: func(unit.ExitStatus) {}}
	}
}

// Exit ends pid with status. It reports false for unknown PIDs.
func (r *ProcessRunner) Exit(pid int, status unit.ExitStatus) bool {
	r.mu.Lock()
	p, ok := r.procs[pid]
	delete(r.procs, pid)
	r.mu.Unlock()
	if !ok {
		return false
	}
	p.exited(status)
	return true
}

// PIDOf returns the newest live process running path.
func (r *ProcessRunner) PIDOf(path string) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	best := 0
	for pid, p := range r.procs {
		if p.cmd.Path == path && pid > best {
			best = pid
		}
	}
	return best, best != 0
}

// Command returns the command pid was spawned with.
func (r *ProcessRunner) Command(pid int) (unit.Command, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[pid]
	if !ok {
		return unit.Command{}, false
	}
	return p.cmd, true
}

// Alive returns the live PIDs, sorted.
func (r *ProcessRunner) Alive() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.procs))
	for pid := range r.procs {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

// Signals returns every delivered signal.
func (r *ProcessRunner) Signals() []SignalCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SignalCall, len(r.signals))
	copy(out, r.signals)
	return out
}
