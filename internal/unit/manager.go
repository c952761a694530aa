// Package unit is the companion service manager: it runs services through
// their exec slots, adopts processes into scopes and reports job results.
package unit

import (
	"errors"
	"log/slog"

	"steward/internal/errdefs"
	"steward/internal/eventloop"
	"steward/internal/gc"
	"steward/internal/metrics"
	"steward/internal/registry"

	"golang.org/x/sys/unix"
)

type Option func(*Manager)

// WithTemplate registers assignments for a template such as
// "steward-machine@.service". "%i" expands to the instance name.
func WithTemplate(name string, assignments map[string]string) Option {
	return func(m *Manager) {
		if len(assignments) > 0 {
			m.templates[name] = assignments
		}
	}
}

type Manager struct {
	loop      *eventloop.Loop
	runner    Runner
	units     *registry.Registry[string, *Unit]
	gc        *gc.Queue[*Unit]
	templates map[string]map[string]string
	nextJob   uint64
	log       *slog.Logger

	jobRemoved   []func(JobEvent)
	unitRemoved  []func(*Unit)
	stateChanged []func(u *Unit, from, to ActiveState)
}

func NewManager(loop *eventloop.Loop, runner Runner, opts ...Option) *Manager {
	m := &Manager{
		loop:      loop,
		runner:    runner,
		templates: make(map[string]map[string]string),
		log:       slog.With("component", "unit-manager"),
	}
	m.units = registry.New("unit", func(name string) *Unit {
		t, _ := TypeOf(name)
		return newUnit(name, t, m)
	})
	m.gc = gc.NewQueue("unit", m.destroy)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnJobRemoved registers fn to receive every finished job.
func (m *Manager) OnJobRemoved(fn func(JobEvent)) { m.jobRemoved = append(m.jobRemoved, fn) }

// OnUnitRemoved registers fn to run after a unit is garbage collected.
func (m *Manager) OnUnitRemoved(fn func(*Unit)) { m.unitRemoved = append(m.unitRemoved, fn) }

func (m *Manager) OnStateChanged(fn func(u *Unit, from, to ActiveState)) {
	m.stateChanged = append(m.stateChanged, fn)
}

func (m *Manager) Unit(name string) (*Unit, bool) { return m.units.Find(name) }

func (m *Manager) Units() []*Unit { return m.units.Values() }

func (m *Manager) Len() int { return m.units.Len() }

// TransientCount returns the number of transient units; they keep the
// daemon from exiting on idle.
func (m *Manager) TransientCount() int {
	n := 0
	m.units.ForEach(func(_ string, u *Unit) bool {
		if u.Transient {
			n++
		}
		return true
	})
	return n
}

// Sweep collects inactive units with no pending work.
func (m *Manager) Sweep(dropNotStarted bool) int {
	return m.gc.Sweep(dropNotStarted)
}

func (m *Manager) destroy(u *Unit) {
	m.units.Unregister(u.Name)
	m.log.Debug("Unit removed.", "unit", u.Name)
	for _, fn := range m.unitRemoved {
		fn(u)
	}
}

func (m *Manager) maybeCollect(u *Unit) {
	if u.MayCollect(false) {
		m.gc.Add(u)
	}
}

// StartTransient creates a unit from assignments and enqueues its start
// job. A loaded unit that is not yet collectable is a conflict.
func (m *Manager) StartTransient(name string, assignments []Property) (uint64, error) {
	t, err := TypeOf(name)
	if err != nil {
		return 0, err
	}
	if u, ok := m.units.Find(name); ok && !u.MayCollect(false) {
		return 0, errdefs.AlreadyExists("unit %s already loaded", name)
	}
	props, err := DefaultProperties().Apply(assignments)
	if err != nil {
		return 0, err
	}
	if err := props.Validate(t); err != nil {
		return 0, err
	}

	u, _, err := m.units.Register(name)
	if err != nil {
		return 0, err
	}
	u.Props = props
	u.Transient = true
	u.result = ""
	return m.enqueue(u, JobStart), nil
}

// StartUnit starts a loaded unit, or instantiates a template instance.
func (m *Manager) StartUnit(name string) (uint64, error) {
	u, ok := m.units.Find(name)
	if !ok {
		var err error
		if u, err = m.instantiate(name); err != nil {
			return 0, err
		}
	}
	return m.enqueue(u, JobStart), nil
}

func (m *Manager) instantiate(name string) (*Unit, error) {
	tmpl, instance, ok := SplitTemplate(name)
	if !ok {
		return nil, errdefs.NotFound("unit %s", name)
	}
	assignments, ok := m.templates[tmpl]
	if !ok {
		return nil, errdefs.NotFound("unit %s (no template %s)", name, tmpl)
	}
	t, err := TypeOf(name)
	if err != nil {
		return nil, err
	}
	props, err := DefaultProperties().Apply(Instantiate(assignments, instance))
	if err != nil {
		return nil, err
	}
	if err := props.Validate(t); err != nil {
		return nil, err
	}
	u, _, err := m.units.Register(name)
	if err != nil {
		return nil, err
	}
	u.Props = props
	return u, nil
}

func (m *Manager) StopUnit(name string) (uint64, error) {
	u, ok := m.units.Find(name)
	if !ok {
		return 0, errdefs.NotFound("unit %s", name)
	}
	return m.enqueue(u, JobStop), nil
}

// KillUnit signals the unit's main process ("main") or every process
// ("all"). Already exited processes are skipped.
func (m *Manager) KillUnit(name, who string, sig unix.Signal) error {
	u, ok := m.units.Find(name)
	if !ok {
		return errdefs.NotFound("unit %s", name)
	}
	var targets []int
	switch who {
	case "", "main":
		if pid := mainProcess(u); pid > 0 {
			targets = []int{pid}
		}
	case "all":
		targets = u.PIDs()
	default:
		return errdefs.Invalid("who", "invalid kill target %q", who)
	}
	if len(targets) == 0 {
		return errdefs.NotFound("unit %s has no processes", name)
	}
	for _, pid := range targets {
		if err := m.runner.Signal(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
			return err
		}
	}
	return nil
}

func mainProcess(u *Unit) int {
	if u.Type == TypeService {
		return u.mainPID
	}
	for _, pid := range u.Props.PIDs {
		if _, ok := u.pids[pid]; ok {
			return pid
		}
	}
	return 0
}

// SetProperties applies assignments to a loaded unit. Nothing changes when
// any assignment is invalid.
func (m *Manager) SetProperties(name string, assignments []Property) error {
	u, ok := m.units.Find(name)
	if !ok {
		return errdefs.NotFound("unit %s", name)
	}
	next, err := u.Props.Apply(assignments)
	if err != nil {
		return err
	}
	if err := next.Validate(u.Type); err != nil {
		return err
	}
	u.Props = next
	if u.Type == TypeScope && u.state == Active {
		for _, pid := range next.PIDs {
			m.watch(u, pid)
		}
	}
	return nil
}

func (m *Manager) enqueue(u *Unit, t JobType) uint64 {
	if j := u.job; j != nil {
		if j.Type == t {
			return j.ID
		}
		m.finishJob(u, ResultCanceled)
	}
	m.nextJob++
	job := &Job{ID: m.nextJob, Type: t}
	u.job = job
	m.log.Debug("Job enqueued.", "unit", u.Name, "job", job.ID, "type", t.String())
	m.loop.Post(func() { m.runJob(u, job) })
	return job.ID
}

func (m *Manager) finishJob(u *Unit, result JobResult) {
	job := u.job
	if job == nil {
		return
	}
	u.job = nil
	ev := JobEvent{ID: job.ID, Unit: u.Name, Type: job.Type, Result: result}
	m.log.Debug("Job finished.", "unit", u.Name, "job", job.ID, "type", job.Type.String(), "result", result.String())
	for _, fn := range m.jobRemoved {
		fn(ev)
	}
	m.maybeCollect(u)
}

func (m *Manager) runJob(u *Unit, job *Job) {
	if u.removed || u.job != job {
		return
	}
	job.running = true
	switch job.Type {
	case JobStart:
		switch u.state {
		case Active:
			m.finishJob(u, ResultDone)
		case Deactivating:
			// Resumed once deactivation settles.
			job.running = false
		case Activating:
			if u.restart != nil {
				u.restart.Stop()
				u.restart = nil
				m.beginStart(u)
			}
		default:
			m.beginStart(u)
		}
	case JobStop:
		switch u.state {
		case Inactive, Failed:
			m.finishJob(u, ResultDone)
		case Deactivating:
		default:
			m.beginStop(u)
		}
	}
}

func (m *Manager) setState(u *Unit, to ActiveState, sub string) {
	from := u.state
	u.substate = sub
	if from == to {
		return
	}
	u.state = to
	u.changedAt = m.loop.Clock().Now()
	metrics.RecordTransition("unit", to.String())
	m.log.Debug("Unit state changed.", "unit", u.Name, "from", from.String(), "to", to.String(), "sub", sub)
	for _, fn := range m.stateChanged {
		fn(u, from, to)
	}
}

func (m *Manager) beginStart(u *Unit) {
	u.result = ""
	if u.Type == TypeScope {
		m.startScope(u)
		return
	}
	m.setState(u, Activating, "start-pre")
	m.runStage(u, stageStartPre, 0)
}

func (u *Unit) commands(st stage) []Command {
	var cmds []Command
	switch st {
	case stageStartPre:
		cmds = u.Props.ExecStartPre
	case stageStartPost:
		cmds = u.Props.ExecStartPost
	case stageStopPost:
		cmds = u.Props.ExecStopPost
	}
	out := make([]Command, len(cmds))
	for i, c := range cmds {
		out[i] = u.withEnv(c)
	}
	return out
}

func (u *Unit) withEnv(c Command) Command {
	c.Env = append(append([]string(nil), u.Props.Environment...), "STEWARD_UNIT="+u.Name)
	c.Dir = u.Props.WorkingDirectory
	return c
}

func (m *Manager) runStage(u *Unit, st stage, idx int) {
	cmds := u.commands(st)
	if idx >= len(cmds) {
		u.control = nil
		m.stageDone(u, st)
		return
	}
	gen := u.nextGen()
	u.control = &control{gen: gen, stage: st, index: idx}
	pid, err := m.runner.Spawn(cmds[idx], func(status ExitStatus) {
		m.loop.Post(func() { m.controlExited(u, gen, status) })
	})
	if err != nil {
		u.control = nil
		m.log.Warn("Failed to spawn control process.", "unit", u.Name, "slot", st.String(), "err", err)
		if st == stageStopPost {
			m.runStage(u, st, idx+1)
			return
		}
		m.stageFailed(u, "resources")
		return
	}
	u.control.pid = pid
}

func (m *Manager) controlExited(u *Unit, gen uint64, status ExitStatus) {
	if u.removed || u.control == nil || u.control.gen != gen {
		return
	}
	c := u.control
	u.control = nil

	if u.state == Deactivating && c.stage != stageStopPost {
		// Stopped during activation.
		if u.mainPID == 0 {
			m.runStopPost(u, u.final)
		}
		return
	}

	cmds := u.commands(c.stage)
	ignore := c.index < len(cmds) && cmds[c.index].IgnoreFailure
	if !status.Success() && !ignore {
		m.log.Warn("Control process failed.", "unit", u.Name, "slot", c.stage.String(), "status", status.String())
		if c.stage != stageStopPost {
			m.stageFailed(u, resultOf(status))
			return
		}
	}
	m.runStage(u, c.stage, c.index+1)
}

func resultOf(status ExitStatus) string {
	if status.Signal != 0 {
		return "signal"
	}
	return "exit-code"
}

func (m *Manager) stageFailed(u *Unit, result string) {
	u.result = result
	u.final = Failed
	if u.mainPID > 0 {
		m.setState(u, Deactivating, "stop-sigterm")
		m.signal(u, u.mainPID, u.Props.KillSignal)
		return
	}
	m.runStopPost(u, Failed)
}

func (m *Manager) stageDone(u *Unit, st stage) {
	switch st {
	case stageStartPre:
		gen := u.nextGen()
		u.mainGen = gen
		pid, err := m.runner.Spawn(u.withEnv(u.Props.ExecStart[0]), func(status ExitStatus) {
			m.loop.Post(func() { m.mainExited(u, gen, status) })
		})
		if err != nil {
			m.log.Warn("Failed to spawn main process.", "unit", u.Name, "err", err)
			m.stageFailed(u, "resources")
			return
		}
		u.mainPID = pid
		m.setState(u, Activating, "start-post")
		m.runStage(u, stageStartPost, 0)
	case stageStartPost:
		if u.mainPID == 0 && (u.result != "" || !u.Props.RemainAfterExit) {
			m.runStopPost(u, finalFor(u))
			return
		}
		sub := "running"
		if u.mainPID == 0 {
			sub = "exited"
		}
		m.setState(u, Active, sub)
		if u.job != nil && u.job.Type == JobStart {
			m.finishJob(u, ResultDone)
		}
	case stageStopPost:
		m.settle(u)
	}
}

func finalFor(u *Unit) ActiveState {
	if u.result != "" {
		return Failed
	}
	return Inactive
}

func (m *Manager) mainExited(u *Unit, gen uint64, status ExitStatus) {
	if u.removed || u.mainGen != gen || u.mainPID == 0 {
		return
	}
	u.mainPID = 0
	if !status.Success() && u.state != Deactivating && u.result == "" {
		u.result = resultOf(status)
	}
	m.log.Debug("Main process exited.", "unit", u.Name, "status", status.String())

	switch u.state {
	case Activating:
		// ExecStartPost decides once it finishes.
	case Deactivating:
		if u.control == nil {
			m.runStopPost(u, u.final)
		}
	case Active:
		if status.Success() && u.Props.RemainAfterExit {
			m.setState(u, Active, "exited")
			return
		}
		m.runStopPost(u, finalFor(u))
	}
}

func (m *Manager) runStopPost(u *Unit, final ActiveState) {
	if final == 0 {
		final = Inactive
	}
	u.final = final
	m.setState(u, Deactivating, "stop-post")
	m.runStage(u, stageStopPost, 0)
}

// settle moves a unit whose processes are all gone into its final state
// and resolves the pending job.
func (m *Manager) settle(u *Unit) {
	final := u.final
	if final == 0 {
		final = Inactive
	}
	u.final = 0
	sub := "dead"
	if final == Failed {
		sub = "failed"
	}
	m.setState(u, final, sub)

	if job := u.job; job != nil {
		switch {
		case job.Type == JobStop:
			m.finishJob(u, ResultDone)
		case job.running && final == Failed:
			m.finishJob(u, ResultFailed)
		case job.running:
			m.finishJob(u, ResultDone)
		default:
			m.runJob(u, job)
		}
		return
	}
	if u.Props.Restart == RestartAlways || (u.Props.Restart == RestartOnFailure && final == Failed) {
		m.scheduleRestart(u)
		return
	}
	m.maybeCollect(u)
}

func (m *Manager) scheduleRestart(u *Unit) {
	m.setState(u, Activating, "auto-restart")
	m.log.Info("Scheduling unit restart.", "unit", u.Name, "after", u.Props.RestartSec, "result", u.result)
	u.restart = m.loop.AfterFunc(u.Props.RestartSec, func() {
		u.restart = nil
		if u.removed || u.state != Activating {
			return
		}
		m.beginStart(u)
	})
}

func (m *Manager) beginStop(u *Unit) {
	if u.restart != nil {
		u.restart.Stop()
		u.restart = nil
		m.setState(u, Inactive, "dead")
		m.finishJob(u, ResultDone)
		return
	}
	u.final = Inactive
	if u.Type == TypeScope {
		m.stopScope(u)
		return
	}
	m.setState(u, Deactivating, "stop-sigterm")
	var targets []int
	if u.mainPID > 0 {
		targets = append(targets, u.mainPID)
	}
	if u.control != nil && u.control.pid > 0 && u.control.stage != stageStopPost {
		targets = append(targets, u.control.pid)
	}
	if len(targets) == 0 {
		m.runStopPost(u, Inactive)
		return
	}
	for _, pid := range targets {
		m.signal(u, pid, u.Props.KillSignal)
	}
}

func (m *Manager) signal(u *Unit, pid int, sig unix.Signal) {
	if err := m.runner.Signal(pid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		m.log.Warn("Failed to signal process.", "unit", u.Name, "pid", pid, "err", err)
	}
}

func (m *Manager) startScope(u *Unit) {
	for _, pid := range u.Props.PIDs {
		m.watch(u, pid)
	}
	if len(u.pids) == 0 {
		u.result = "resources"
		m.setState(u, Failed, "failed")
		if u.job != nil && u.job.Type == JobStart {
			m.finishJob(u, ResultFailed)
		}
		m.maybeCollect(u)
		return
	}
	m.setState(u, Active, "running")
	if u.job != nil && u.job.Type == JobStart {
		m.finishJob(u, ResultDone)
	}
}

func (m *Manager) watch(u *Unit, pid int) {
	if _, ok := u.pids[pid]; ok {
		return
	}
	err := m.runner.Watch(pid, func(ExitStatus) {
		m.loop.Post(func() { m.scopeProcessExited(u, pid) })
	})
	if err != nil {
		m.log.Warn("Cannot adopt process into scope.", "unit", u.Name, "pid", pid, "err", err)
		return
	}
	u.pids[pid] = struct{}{}
}

func (m *Manager) scopeProcessExited(u *Unit, pid int) {
	if u.removed {
		return
	}
	if _, ok := u.pids[pid]; !ok {
		return
	}
	delete(u.pids, pid)
	if len(u.pids) > 0 {
		return
	}
	if u.state == Active || u.state == Deactivating {
		m.settle(u)
	}
}

func (m *Manager) stopScope(u *Unit) {
	m.setState(u, Deactivating, "stop-sigterm")
	for pid := range u.pids {
		if err := m.runner.Signal(pid, u.Props.KillSignal); err != nil {
			if errors.Is(err, unix.ESRCH) {
				delete(u.pids, pid)
				continue
			}
			m.log.Warn("Failed to signal scope process.", "unit", u.Name, "pid", pid, "err", err)
		}
	}
	if len(u.pids) == 0 {
		m.settle(u)
	}
}
