package machine

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"steward/internal/check"
	"steward/internal/errdefs"
	"steward/internal/operation"
	"steward/internal/property"
	"steward/internal/statefile"
	"steward/internal/unit"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

const maxNameLen = 64

// ValidName applies hostname rules: letters, digits, '-', '_' and '.',
// no leading '-' or '.', no "..", at most 64 characters.
func ValidName(name string) error {
	if name == "" {
		return errdefs.Invalid("name", "machine name is empty")
	}
	if len(name) > maxNameLen {
		return errdefs.Invalid("name", "machine name longer than %d characters", maxNameLen)
	}
	if name[0] == '-' || name[0] == '.' || strings.Contains(name, "..") {
		return errdefs.Invalid("name", "invalid machine name %q", name)
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return errdefs.Invalid("name", "invalid character %q in machine name", r)
		}
	}
	return nil
}

// Spec is what a client supplies to create or register a machine.
type Spec struct {
	Name              string
	ID                string
	Class             string
	Service           string
	RootDirectory     string
	Leader            int
	Unit              string
	NetworkInterfaces []int
}

type validSpec struct {
	id    uuid.UUID
	class Class
}

func (s Spec) validate() (validSpec, error) {
	var v validSpec
	if err := ValidName(s.Name); err != nil {
		return v, err
	}
	if s.ID != "" {
		id, err := uuid.Parse(s.ID)
		if err != nil {
			return v, errdefs.Invalid("id", "invalid machine id %q", s.ID)
		}
		v.id = id
	}
	class, err := ParseClass(s.Class)
	if err != nil {
		return v, err
	}
	v.class = class
	if s.RootDirectory != "" && !filepath.IsAbs(s.RootDirectory) {
		return v, errdefs.Invalid("root_directory", "path %q is not absolute", s.RootDirectory)
	}
	if s.Leader < 0 || s.Leader == 1 {
		return v, errdefs.Invalid("leader", "invalid leader pid %d", s.Leader)
	}
	for _, idx := range s.NetworkInterfaces {
		if idx <= 0 {
			return v, errdefs.Invalid("network_interfaces", "invalid interface index %d", idx)
		}
	}
	return v, nil
}

// Machine is a registered container, VM or host. It is owned by the
// Manager's registry and only touched on the event loop.
type Machine struct {
	Name              string
	ID                uuid.UUID
	Class             Class
	Service           string
	RootDirectory     string
	Leader            int
	Unit              string
	NetworkInterfaces []int
	Timestamp         time.Time

	state   State
	started bool
	removed bool
	// createScope makes Start register a new scope for the leader.
	createScope bool
	leaderGone  bool
	reply       func(error)

	startJob uint64
	startOp  *operation.Operation
	stopJob  uint64
	stopOp   *operation.Operation

	mgr *Manager
}

func (m *Machine) State() State      { return m.state }
func (m *Machine) Started() bool     { return m.started }
func (m *Machine) Removed() bool     { return m.removed }
func (m *Machine) target() string    { return "machine/" + m.Name }
func (m *Machine) outstanding() int  { return m.mgr.ops.Outstanding(m.target()) }
func (m *Machine) statePath() string { return filepath.Join(m.mgr.stateDir, m.Name) }

// ScopeName is the scope unit created for a machine's leader.
func ScopeName(name string) string {
	return "machine-" + name + ".scope"
}

func (m *Machine) setState(to State) {
	from := m.state
	m.state = from.Transition(to)
	if m.state == from {
		return
	}
	m.mgr.stateChanged(m, from, m.state)
}

// Start binds the machine to its leader and unit and moves it to RUNNING.
// It is a no-op when already running.
func (m *Machine) Start() error {
	switch m.state {
	case StateRunning:
		return nil
	case StateClosing:
		return fmt.Errorf("start machine %s: %w", m.Name, errdefs.ErrFailedPrecondition)
	}

	switch {
	case m.createScope:
		if m.Leader <= 0 {
			return errdefs.Invalid("leader", "a new scope needs a leader process")
		}
		scope := ScopeName(m.Name)
		job, err := m.mgr.units.StartTransient(scope, []unit.Property{
			{Name: "Description", Value: fmt.Sprintf("Virtual Machine and Container %s", m.Name)},
			{Name: "PIDs", Value: strconv.Itoa(m.Leader)},
		})
		if err != nil {
			return fmt.Errorf("start scope for machine %s: %w", m.Name, err)
		}
		if err := m.mgr.bindUnit(m, scope); err != nil {
			m.mgr.units.StopUnit(scope)
			return err
		}
		m.startJob = job
		m.startOp = m.mgr.ops.Begin("start", m.target(), m.mgr.takeReply(m))
	case m.Unit != "":
		if _, ok := m.mgr.units.Unit(m.Unit); !ok {
			return errdefs.NotFound("unit %s for machine %s", m.Unit, m.Name)
		}
	case m.Leader > 0:
		if err := m.mgr.watchLeader(m); err != nil {
			return err
		}
	}

	m.started = true
	m.setState(StateRunning)
	m.save()
	return nil
}

// Stop begins teardown: a stop job for the unit, or SIGTERM to a unit-less
// leader. It is a no-op when already closing.
func (m *Machine) Stop() {
	if m.state == StateClosing {
		return
	}
	m.setState(StateClosing)

	switch {
	case m.Unit != "":
		job, err := m.mgr.units.StopUnit(m.Unit)
		if err != nil {
			m.mgr.log.Debug("Machine unit already gone.", "machine", m.Name, "unit", m.Unit, "err", err)
			break
		}
		m.stopJob = job
		m.stopOp = m.mgr.ops.Begin("stop", m.target(), nil)
	case m.Leader > 0 && m.started && !m.leaderGone:
		if err := m.mgr.procs.Signal(m.Leader, unix.SIGTERM); err != nil {
			m.mgr.log.Debug("Leader already gone.", "machine", m.Name, "leader", m.Leader, "err", err)
			m.leaderGone = true
			break
		}
		m.stopOp = m.mgr.ops.Begin("stop", m.target(), nil)
	}
	m.save()
}

// Finalize removes the persisted state. It must only be called once the
// machine is closing with no outstanding work.
func (m *Machine) Finalize() {
	check.Assertf(m.state == StateClosing, "finalize machine %s in state %s", m.Name, m.state)
	check.Assertf(m.outstanding() == 0, "finalize machine %s with %d outstanding operations", m.Name, m.outstanding())
	if err := statefile.Remove(m.statePath()); err != nil {
		m.mgr.log.Warn("Failed to remove machine state file.", "machine", m.Name, "err", err)
	}
	m.removed = true
}

// MayCollect reports whether the GC may finalize the machine. It has no
// side effects.
func (m *Machine) MayCollect(dropNotStarted bool) bool {
	if m.outstanding() > 0 {
		return false
	}
	return (!dropNotStarted && m.state != StateRunning) || !m.started
}

func (m *Machine) Closing() bool { return m.state == StateClosing }

func (m *Machine) save() {
	if m.removed {
		return
	}
	vals := map[string]string{
		"NAME":    m.Name,
		"CLASS":   m.Class.String(),
		"SERVICE": m.Service,
		"ROOT":    m.RootDirectory,
		"SCOPE":   m.Unit,
		"STATE":   m.state.String(),
	}
	if m.ID != uuid.Nil {
		vals["ID"] = m.ID.String()
	}
	if m.Leader > 0 {
		vals["LEADER"] = strconv.Itoa(m.Leader)
	}
	if !m.Timestamp.IsZero() {
		vals["REALTIME"] = strconv.FormatInt(m.Timestamp.UnixMicro(), 10)
	}
	if m.started {
		vals["STARTED"] = "1"
	}
	if len(m.NetworkInterfaces) > 0 {
		ifs := make([]string, len(m.NetworkInterfaces))
		for i, idx := range m.NetworkInterfaces {
			ifs[i] = strconv.Itoa(idx)
		}
		vals["NETIF"] = strings.Join(ifs, " ")
	}
	if err := statefile.Write(m.statePath(), vals); err != nil {
		m.mgr.log.Warn("Failed to save machine state.", "machine", m.Name, "err", err)
	}
}

// load fills m from a state file written by save.
func (m *Machine) load(vals map[string]string) (wasStarted bool, state State) {
	if id, err := uuid.Parse(vals["ID"]); err == nil {
		m.ID = id
	}
	if c, err := ParseClass(vals["CLASS"]); err == nil {
		m.Class = c
	}
	m.Service = vals["SERVICE"]
	m.RootDirectory = vals["ROOT"]
	m.Unit = vals["SCOPE"]
	if pid, err := strconv.Atoi(vals["LEADER"]); err == nil {
		m.Leader = pid
	}
	if us, err := strconv.ParseInt(vals["REALTIME"], 10, 64); err == nil {
		m.Timestamp = time.UnixMicro(us)
	}
	for _, f := range strings.Fields(vals["NETIF"]) {
		if idx, err := strconv.Atoi(f); err == nil && idx > 0 {
			m.NetworkInterfaces = append(m.NetworkInterfaces, idx)
		}
	}
	state, _ = parseState(vals["STATE"])
	return vals["STARTED"] == "1", state
}

var machineProperties = []string{"Name", "Id", "Class", "Service", "RootDirectory", "Leader", "Unit", "NetworkInterfaces", "State", "Timestamp"}

var _ property.Provider = (*Machine)(nil)

func (m *Machine) PropertyNames() []string { return property.Names(machineProperties) }

func (m *Machine) Property(name string) (any, error) {
	switch name {
	case "Name":
		return m.Name, nil
	case "Id":
		if m.ID == uuid.Nil {
			return "", nil
		}
		return m.ID.String(), nil
	case "Class":
		return m.Class.String(), nil
	case "Service":
		return m.Service, nil
	case "RootDirectory":
		return m.RootDirectory, nil
	case "Leader":
		return m.Leader, nil
	case "Unit":
		return m.Unit, nil
	case "NetworkInterfaces":
		return m.NetworkInterfaces, nil
	case "State":
		return m.state.String(), nil
	case "Timestamp":
		return m.Timestamp.UTC().Format(time.RFC3339Nano), nil
	default:
		return nil, property.Unknown("machine", name)
	}
}

// SetProperty only allows changing the registering service.
func (m *Machine) SetProperty(name, value string) error {
	switch name {
	case "Service":
		m.Service = value
		m.save()
		return nil
	default:
		if _, err := m.Property(name); err != nil {
			return err
		}
		return property.ReadOnly(name)
	}
}
