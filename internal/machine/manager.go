// Package machine tracks registered containers and virtual machines and
// drives each through OPENING, RUNNING and CLOSING.
package machine

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"steward/internal/errdefs"
	"steward/internal/eventloop"
	"steward/internal/gc"
	"steward/internal/metrics"
	"steward/internal/operation"
	"steward/internal/registry"
	"steward/internal/statefile"
	"steward/internal/unit"

	"golang.org/x/sys/unix"
)

// Units is the part of the companion service manager machines use.
type Units interface {
	StartTransient(name string, assignments []unit.Property) (uint64, error)
	StopUnit(name string) (uint64, error)
	KillUnit(name, who string, sig unix.Signal) error
	Unit(name string) (*unit.Unit, bool)
}

// Processes watches and signals leaders of unit-less machines.
type Processes interface {
	Watch(pid int, exited func(unit.ExitStatus)) error
	Signal(pid int, sig unix.Signal) error
}

type Config struct {
	// StateDir holds one state file per machine.
	StateDir  string
	Loop      *eventloop.Loop
	Units     Units
	Processes Processes
	Ops       *operation.Set
	// MaxLeaders bounds the leader index. Zero means unbounded.
	MaxLeaders int
}

type Manager struct {
	stateDir string
	loop     *eventloop.Loop
	units    Units
	procs    Processes
	ops      *operation.Set

	machines *registry.Registry[string, *Machine]
	byUnit   *registry.KeyIndex[string, *Machine]
	byLeader *registry.KeyIndex[int, *Machine]
	gc       *gc.Queue[*Machine]
	log      *slog.Logger

	changed []func(m *Machine, from, to State)
	removed []func(*Machine)
}

func NewManager(cfg Config) *Manager {
	mgr := &Manager{
		stateDir: cfg.StateDir,
		loop:     cfg.Loop,
		units:    cfg.Units,
		procs:    cfg.Processes,
		ops:      cfg.Ops,
		log:      slog.With("component", "machine-manager"),
	}
	mgr.byUnit = registry.NewIndex("unit", func(m *Machine) (string, bool) {
		return m.Unit, m.Unit != ""
	}, 0)
	mgr.byLeader = registry.NewIndex("leader", func(m *Machine) (int, bool) {
		return m.Leader, m.Leader > 0
	}, cfg.MaxLeaders)
	mgr.machines = registry.New("machine", func(name string) *Machine {
		return &Machine{Name: name, state: StateOpening, mgr: mgr}
	}, mgr.byUnit, mgr.byLeader)
	mgr.gc = gc.NewQueue("machine", mgr.destroy)
	return mgr
}

func (mgr *Manager) OnStateChanged(fn func(m *Machine, from, to State)) {
	mgr.changed = append(mgr.changed, fn)
}

func (mgr *Manager) OnRemoved(fn func(*Machine)) { mgr.removed = append(mgr.removed, fn) }

func (mgr *Manager) Get(name string) (*Machine, bool) { return mgr.machines.Find(name) }

func (mgr *Manager) List() []*Machine { return mgr.machines.Values() }

func (mgr *Manager) Len() int { return mgr.machines.Len() }

func (mgr *Manager) ByUnit(name string) (*Machine, bool) { return mgr.byUnit.Lookup(name) }

func (mgr *Manager) ByLeader(pid int) (*Machine, bool) { return mgr.byLeader.Lookup(pid) }

// Add returns the machine called name, creating an unstarted one if needed.
func (mgr *Manager) Add(name string) (*Machine, bool, error) {
	if err := ValidName(name); err != nil {
		return nil, false, err
	}
	m, created, err := mgr.machines.Register(name)
	if err != nil {
		return nil, false, err
	}
	if created {
		mgr.gc.Add(m)
	}
	return m, created, nil
}

// Sweep collects machines that are no longer referenced.
func (mgr *Manager) Sweep(dropNotStarted bool) int {
	return mgr.gc.Sweep(dropNotStarted)
}

// Create registers a machine and starts a new scope unit for its leader.
// reply receives the result once the scope's start job finished.
func (mgr *Manager) Create(spec Spec, reply func(error)) (*Machine, error) {
	if spec.Leader <= 0 {
		return nil, errdefs.Invalid("leader", "leader pid is required")
	}
	spec.Unit = ""
	m, err := mgr.register(spec)
	if err != nil {
		return nil, err
	}
	m.createScope = true
	m.reply = reply
	if err := m.Start(); err != nil {
		mgr.abandon(m)
		return nil, err
	}
	return m, nil
}

// Register registers a machine whose unit, if any, already exists, and
// starts it right away.
func (mgr *Manager) Register(spec Spec) (*Machine, error) {
	m, err := mgr.register(spec)
	if err != nil {
		return nil, err
	}
	if err := m.Start(); err != nil {
		mgr.abandon(m)
		return nil, err
	}
	return m, nil
}

func (mgr *Manager) register(spec Spec) (*Machine, error) {
	v, err := spec.validate()
	if err != nil {
		return nil, err
	}
	if _, ok := mgr.machines.Find(spec.Name); ok {
		return nil, errdefs.AlreadyExists("machine %s already exists", spec.Name)
	}
	if spec.Leader > 0 {
		if other, ok := mgr.byLeader.Lookup(spec.Leader); ok {
			return nil, errdefs.AlreadyExists("leader %d already belongs to machine %s", spec.Leader, other.Name)
		}
	}
	m, _, err := mgr.machines.Register(spec.Name)
	if err != nil {
		return nil, err
	}
	m.ID = v.id
	m.Class = v.class
	m.Service = spec.Service
	m.RootDirectory = spec.RootDirectory
	m.Leader = spec.Leader
	m.Unit = spec.Unit
	m.NetworkInterfaces = append([]int(nil), spec.NetworkInterfaces...)
	m.Timestamp = mgr.loop.Clock().Now()
	if err := mgr.machines.Reindex(m.Name); err != nil {
		mgr.machines.Unregister(m.Name)
		return nil, err
	}
	metrics.RecordTransition("machine", StateOpening.String())
	return m, nil
}

// abandon drops a machine that failed to start. Nothing was persisted.
func (mgr *Manager) abandon(m *Machine) {
	mgr.machines.Unregister(m.Name)
	m.removed = true
	m.reply = nil
}

func (mgr *Manager) bindUnit(m *Machine, name string) error {
	prev := m.Unit
	m.Unit = name
	if err := mgr.machines.Reindex(m.Name); err != nil {
		m.Unit = prev
		return err
	}
	return nil
}

func (mgr *Manager) takeReply(m *Machine) func(error) {
	r := m.reply
	m.reply = nil
	return r
}

func (mgr *Manager) watchLeader(m *Machine) error {
	leader := m.Leader
	err := mgr.procs.Watch(leader, func(unit.ExitStatus) {
		mgr.loop.Post(func() { mgr.leaderExited(m, leader) })
	})
	if err != nil {
		return fmt.Errorf("watch leader %d of machine %s: %w", leader, m.Name, err)
	}
	return nil
}

func (mgr *Manager) leaderExited(m *Machine, pid int) {
	if m.removed || m.Leader != pid || m.leaderGone {
		return
	}
	mgr.log.Debug("Machine leader exited.", "machine", m.Name, "leader", pid)
	m.leaderGone = true
	if m.Unit == "" && m.stopOp != nil {
		m.stopOp.Done(nil)
		m.stopOp = nil
	}
	m.Stop()
	mgr.gc.Add(m)
}

// Terminate stops the machine. It is collected once teardown completes.
func (mgr *Manager) Terminate(name string) error {
	m, ok := mgr.machines.Find(name)
	if !ok {
		return errdefs.NotFound("machine %s", name)
	}
	m.Stop()
	mgr.gc.Add(m)
	return nil
}

// Kill signals the leader, or every process of the machine's unit.
func (mgr *Manager) Kill(name string, who KillWho, sig unix.Signal) error {
	m, ok := mgr.machines.Find(name)
	if !ok {
		return errdefs.NotFound("machine %s", name)
	}
	if who == KillAll && m.Unit != "" {
		return mgr.units.KillUnit(m.Unit, "all", sig)
	}
	if m.Leader <= 0 || m.leaderGone {
		return errdefs.NotFound("machine %s has no leader process", name)
	}
	if err := mgr.procs.Signal(m.Leader, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return errdefs.NotFound("leader %d of machine %s is gone", m.Leader, name)
		}
		return fmt.Errorf("signal machine %s: %w", name, err)
	}
	return nil
}

// HandleJobRemoved completes start and stop operations waiting on a unit
// job. Jobs of units no machine owns are ignored.
func (mgr *Manager) HandleJobRemoved(ev unit.JobEvent) {
	m, ok := mgr.byUnit.Lookup(ev.Unit)
	if !ok || m.removed {
		return
	}
	switch ev.ID {
	case m.startJob:
		m.startJob = 0
		var err error
		if ev.Result != unit.ResultDone {
			err = fmt.Errorf("start scope %s: job %s: %w", ev.Unit, ev.Result, errdefs.ErrUnavailable)
		}
		if m.startOp != nil {
			m.startOp.Done(err)
			m.startOp = nil
		}
		if err != nil {
			m.Stop()
		}
	case m.stopJob:
		m.stopJob = 0
		if m.stopOp != nil {
			m.stopOp.Done(nil)
			m.stopOp = nil
		}
	default:
		return
	}
	mgr.gc.Add(m)
}

// HandleUnitRemoved stops the machine whose unit was collected.
func (mgr *Manager) HandleUnitRemoved(u *unit.Unit) {
	m, ok := mgr.byUnit.Lookup(u.Name)
	if !ok || m.removed {
		return
	}
	for _, op := range []**operation.Operation{&m.startOp, &m.stopOp} {
		if *op != nil {
			(*op).Done(nil)
			*op = nil
		}
	}
	m.startJob, m.stopJob = 0, 0
	m.Stop()
	mgr.gc.Add(m)
}

func (mgr *Manager) stateChanged(m *Machine, from, to State) {
	metrics.RecordTransition("machine", to.String())
	mgr.log.Debug("Machine state changed.", "machine", m.Name, "from", from.String(), "to", to.String())
	if to == StateClosing && m.startOp != nil {
		m.startOp.Done(fmt.Errorf("machine %s stopped while starting: %w", m.Name, errdefs.ErrUnavailable))
		m.startOp = nil
		m.startJob = 0
	}
	for _, fn := range mgr.changed {
		fn(m, from, to)
	}
}

func (mgr *Manager) destroy(m *Machine) {
	mgr.machines.Unregister(m.Name)
	mgr.log.Info("Machine removed.", "machine", m.Name)
	for _, fn := range mgr.removed {
		fn(m)
	}
}

// Enumerate loads state files left by a previous run. Started machines are
// re-adopted: bound to their unit when it still exists, otherwise given a
// new scope around the surviving leader. Everything else is queued for
// collection.
func (mgr *Manager) Enumerate() error {
	names, err := statefile.List(mgr.stateDir)
	if err != nil {
		return fmt.Errorf("list machine state: %w", err)
	}
	for _, name := range names {
		path := filepath.Join(mgr.stateDir, name)
		if ValidName(name) != nil {
			mgr.log.Warn("Ignoring machine state file with invalid name.", "path", path)
			continue
		}
		vals, err := statefile.Read(path)
		if err != nil {
			mgr.log.Warn("Failed to read machine state.", "path", path, "err", err)
			continue
		}
		mgr.recover(name, vals)
	}
	return nil
}

func (mgr *Manager) recover(name string, vals map[string]string) {
	m, created, err := mgr.machines.Register(name)
	if err != nil || !created {
		mgr.log.Warn("Cannot recover machine.", "machine", name, "err", err)
		return
	}
	wasStarted, state := m.load(vals)
	unitName := m.Unit
	m.Unit = ""
	if err := mgr.machines.Reindex(name); err != nil {
		mgr.log.Warn("Cannot index recovered machine.", "machine", name, "err", err)
		mgr.machines.Unregister(name)
		return
	}

	alive := m.Leader > 0 && mgr.procs.Signal(m.Leader, 0) == nil
	_, unitLoaded := mgr.units.Unit(unitName)
	switch {
	case !wasStarted || state == StateClosing:
	case unitName != "" && unitLoaded:
		if err := mgr.bindUnit(m, unitName); err == nil {
			err = m.Start()
		}
		if err != nil {
			mgr.log.Warn("Failed to re-attach machine to its unit.", "machine", name, "err", err)
		}
	case alive:
		m.createScope = true
		if err := m.Start(); err != nil {
			mgr.log.Warn("Failed to adopt machine leader.", "machine", name, "err", err)
		}
	default:
		mgr.log.Info("Machine leader gone, dropping stale state.", "machine", name, "leader", m.Leader)
	}
	if m.state == StateRunning {
		mgr.log.Info("Recovered machine.", "machine", name, "unit", m.Unit, "leader", m.Leader)
		return
	}
	// Collected by the next sweep, which also removes the state file.
	mgr.gc.Add(m)
}

// EnsureStateDir creates the machine state directory.
func (mgr *Manager) EnsureStateDir() error {
	if err := os.MkdirAll(mgr.stateDir, 0o755); err != nil {
		return fmt.Errorf("create machine state dir: %w", err)
	}
	return nil
}
