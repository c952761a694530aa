package unit

import (
	"encoding/json"
	"fmt"
	"strings"

	"steward/internal/errdefs"

	"golang.org/x/sys/unix"
)

type Type uint8

const (
	TypeService Type = iota + 1
	TypeScope
)

func (t Type) String() string {
	switch t {
	case TypeService:
		return "service"
	case TypeScope:
		return "scope"
	default:
		return "unknown"
	}
}

// TypeOf derives the unit type from the name suffix.
func TypeOf(name string) (Type, error) {
	base, suffix, ok := cutSuffix(name)
	if !ok || base == "" {
		return 0, errdefs.Invalid("name", "unit name %q has no type suffix", name)
	}
	if err := validateBase(base); err != nil {
		return 0, err
	}
	switch suffix {
	case "service":
		return TypeService, nil
	case "scope":
		return TypeScope, nil
	default:
		return 0, errdefs.Invalid("name", "unsupported unit type %q", suffix)
	}
}

func cutSuffix(name string) (string, string, bool) {
	i := strings.LastIndexByte(name, '.')
	if i < 0 {
		return "", "", false
	}
	return name[:i], name[i+1:], true
}

func validateBase(base string) error {
	if len(base) > 255 {
		return errdefs.Invalid("name", "unit name too long")
	}
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune(":-_.\\@", r):
		default:
			return errdefs.Invalid("name", "invalid character %q in unit name", r)
		}
	}
	if strings.Count(base, "@") > 1 {
		return errdefs.Invalid("name", "unit name %q has more than one '@'", base)
	}
	return nil
}

// SplitTemplate splits "prefix@instance.service" into the template name
// "prefix@.service" and the instance. ok is false for non-instance names.
func SplitTemplate(name string) (template, instance string, ok bool) {
	base, suffix, found := cutSuffix(name)
	if !found {
		return "", "", false
	}
	prefix, inst, found := strings.Cut(base, "@")
	if !found || prefix == "" || inst == "" {
		return "", "", false
	}
	return prefix + "@." + suffix, inst, true
}

type ActiveState uint8

const (
	Inactive ActiveState = iota + 1
	Activating
	Active
	Deactivating
	Failed
)

func (s ActiveState) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Activating:
		return "activating"
	case Active:
		return "active"
	case Deactivating:
		return "deactivating"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s ActiveState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// IsInactiveOrFailed reports whether the unit has no running processes
// from the manager's point of view.
func (s ActiveState) IsInactiveOrFailed() bool {
	return s == Inactive || s == Failed
}

type JobType uint8

const (
	JobStart JobType = iota + 1
	JobStop
)

func (j JobType) String() string {
	switch j {
	case JobStart:
		return "start"
	case JobStop:
		return "stop"
	default:
		return "unknown"
	}
}

type JobResult uint8

const (
	ResultDone JobResult = iota + 1
	ResultFailed
	ResultCanceled
)

func (r JobResult) String() string {
	switch r {
	case ResultDone:
		return "done"
	case ResultFailed:
		return "failed"
	case ResultCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

type RestartPolicy uint8

const (
	RestartNo RestartPolicy = iota
	RestartOnFailure
	RestartAlways
)

func (p RestartPolicy) String() string {
	switch p {
	case RestartNo:
		return "no"
	case RestartOnFailure:
		return "on-failure"
	case RestartAlways:
		return "always"
	default:
		return "unknown"
	}
}

func ParseRestartPolicy(s string) (RestartPolicy, error) {
	switch s {
	case "no", "":
		return RestartNo, nil
	case "on-failure":
		return RestartOnFailure, nil
	case "always":
		return RestartAlways, nil
	default:
		return 0, errdefs.Invalid("Restart", "invalid restart policy %q", s)
	}
}

// ParseSignal accepts "SIGTERM", "TERM" or a signal number.
func ParseSignal(s string) (unix.Signal, error) {
	s = strings.TrimSpace(s)
	if n, err := parsePositive(s); err == nil {
		if unix.SignalName(unix.Signal(n)) == "" {
			return 0, errdefs.Invalid("signal", "unknown signal %d", n)
		}
		return unix.Signal(n), nil
	}
	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, errdefs.Invalid("signal", "unknown signal %q", s)
	}
	return sig, nil
}

// ExitStatus describes how a process ended. Processes that are not our
// children report Known=false.
type ExitStatus struct {
	Known  bool
	Code   int
	Signal unix.Signal
}

func (s ExitStatus) Success() bool {
	return !s.Known || (s.Code == 0 && s.Signal == 0)
}

func (s ExitStatus) String() string {
	switch {
	case !s.Known:
		return "unknown"
	case s.Signal != 0:
		return "signal=" + unix.SignalName(s.Signal)
	default:
		return fmt.Sprintf("code=%d", s.Code)
	}
}

// Command is one exec slot entry.
type Command struct {
	Path string
	Args []string
	// IgnoreFailure is set by a leading '-' and makes a non-zero exit count
	// as success.
	IgnoreFailure bool
	Env           []string
	Dir           string
}

func (c Command) String() string {
	s := strings.Join(append([]string{c.Path}, c.Args...), " ")
	if c.IgnoreFailure {
		return "-" + s
	}
	return s
}

// JobEvent reports a finished job.
type JobEvent struct {
	ID     uint64
	Unit   string
	Type   JobType
	Result JobResult
}
