package machine

import (
	"encoding/json"
	"fmt"

	"steward/internal/check"
	"steward/internal/errdefs"
)

type State uint8

const (
	StateOpening State = iota + 1
	StateRunning
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Transition returns the next state. States only move forward.
func (s State) Transition(to State) State {
	ok := false
	switch s {
	case StateOpening:
		ok = to == StateRunning || to == StateClosing
	case StateRunning:
		ok = to == StateClosing
	}
	check.Assertf(ok, "machine state transition: %s -> %s", s, to)
	if !ok {
		return s
	}
	return to
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func parseState(raw string) (State, bool) {
	switch raw {
	case "opening":
		return StateOpening, true
	case "running":
		return StateRunning, true
	case "closing":
		return StateClosing, true
	default:
		return 0, false
	}
}

type Class uint8

const (
	ClassContainer Class = iota + 1
	ClassVM
	ClassHost
)

func (c Class) String() string {
	switch c {
	case ClassContainer:
		return "container"
	case ClassVM:
		return "vm"
	case ClassHost:
		return "host"
	default:
		return "unknown"
	}
}

func ParseClass(raw string) (Class, error) {
	switch raw {
	case "container", "":
		return ClassContainer, nil
	case "vm":
		return ClassVM, nil
	case "host":
		return ClassHost, nil
	default:
		return 0, errdefs.Invalid("class", "invalid machine class %q", raw)
	}
}

type KillWho uint8

const (
	KillLeader KillWho = iota + 1
	KillAll
)

func (w KillWho) String() string {
	switch w {
	case KillLeader:
		return "leader"
	case KillAll:
		return "all"
	default:
		return fmt.Sprintf("who(%d)", uint8(w))
	}
}

func ParseKillWho(raw string) (KillWho, error) {
	switch raw {
	case "leader":
		return KillLeader, nil
	case "all", "":
		return KillAll, nil
	default:
		return 0, errdefs.Invalid("who", "invalid kill target %q", raw)
	}
}
