package unit

import (
	"sort"
	"strconv"
	"time"

	"steward/internal/eventloop"
	"steward/internal/property"
)

type stage uint8

const (
	stageStartPre stage = iota + 1
	stageStartPost
	stageStopPost
)

func (s stage) String() string {
	switch s {
	case stageStartPre:
		return "ExecStartPre"
	case stageStartPost:
		return "ExecStartPost"
	case stageStopPost:
		return "ExecStopPost"
	default:
		return "unknown"
	}
}

// Job is the single pending state change of a unit.
type Job struct {
	ID      uint64
	Type    JobType
	running bool
}

type control struct {
	gen   uint64
	stage stage
	index int
	pid   int
}

// Unit is a service or scope. It is owned by the Manager and only touched
// on the event loop.
type Unit struct {
	Name      string
	Type      Type
	Transient bool
	Props     Properties

	state     ActiveState
	substate  string
	result    string
	changedAt time.Time
	job       *Job

	mainPID int
	mainGen uint64
	control *control
	pids    map[int]struct{}
	gen     uint64

	// final is the state entered once ExecStopPost finishes.
	final   ActiveState
	restart eventloop.Timer
	removed bool
	mgr     *Manager
}

func newUnit(name string, t Type, m *Manager) *Unit {
	return &Unit{
		Name:      name,
		Type:      t,
		Props:     DefaultProperties(),
		state:     Inactive,
		substate:  "dead",
		changedAt: m.loop.Clock().Now(),
		pids:      make(map[int]struct{}),
		mgr:       m,
	}
}

func (u *Unit) State() ActiveState   { return u.state }
func (u *Unit) SubState() string     { return u.substate }
func (u *Unit) Result() string       { return u.result }
func (u *Unit) MainPID() int         { return u.mainPID }
func (u *Unit) Removed() bool        { return u.removed }
func (u *Unit) ChangedAt() time.Time { return u.changedAt }

// Job returns the pending job, or nil.
func (u *Unit) Job() *Job { return u.job }

// PIDs returns the processes the unit currently tracks, sorted.
func (u *Unit) PIDs() []int {
	var out []int
	if u.mainPID > 0 {
		out = append(out, u.mainPID)
	}
	if u.control != nil && u.control.pid > 0 {
		out = append(out, u.control.pid)
	}
	for pid := range u.pids {
		out = append(out, pid)
	}
	sort.Ints(out)
	return out
}

func (u *Unit) nextGen() uint64 {
	u.gen++
	return u.gen
}

// MayCollect reports whether the unit is inactive with nothing pending.
func (u *Unit) MayCollect(bool) bool {
	return u.job == nil &&
		u.restart == nil &&
		u.state.IsInactiveOrFailed() &&
		u.control == nil &&
		u.mainPID == 0 &&
		len(u.pids) == 0
}

// Closing reports whether the unit has nothing left to stop.
func (u *Unit) Closing() bool { return u.state.IsInactiveOrFailed() }

// Stop is a no-op: units are only collected once inactive.
func (u *Unit) Stop() {}

func (u *Unit) Finalize() {
	u.removed = true
	if u.restart != nil {
		u.restart.Stop()
		u.restart = nil
	}
}

var runtimeProperties = []string{"Id", "Type", "Transient", "ActiveState", "SubState", "Result", "MainPID", "Job", "StateChangeTimestamp", "Processes"}

var _ property.Provider = (*Unit)(nil)

func (u *Unit) PropertyNames() []string {
	return property.Names(runtimeProperties, PropertyNames)
}

func (u *Unit) Property(name string) (any, error) {
	switch name {
	case "Id":
		return u.Name, nil
	case "Type":
		return u.Type.String(), nil
	case "Transient":
		return u.Transient, nil
	case "ActiveState":
		return u.state.String(), nil
	case "SubState":
		return u.substate, nil
	case "Result":
		return u.result, nil
	case "MainPID":
		return u.mainPID, nil
	case "Job":
		if u.job == nil {
			return "", nil
		}
		return strconv.FormatUint(u.job.ID, 10) + " " + u.job.Type.String(), nil
	case "StateChangeTimestamp":
		return u.changedAt.UTC().Format(time.RFC3339), nil
	case "Processes":
		return u.PIDs(), nil
	}
	if v, ok := u.Props.Get(name); ok {
		return v, nil
	}
	return nil, property.Unknown("unit", name)
}

func (u *Unit) SetProperty(name, value string) error {
	return u.mgr.SetProperties(u.Name, []Property{{Name: name, Value: value}})
}
