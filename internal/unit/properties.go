package unit

import (
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"steward/internal/errdefs"

	"github.com/mattn/go-shellwords"
	"golang.org/x/sys/unix"
)

// Property is a name/value assignment as sent over the bus.
type Property struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Properties struct {
	Description      string
	ExecStartPre     []Command
	ExecStart        []Command
	ExecStartPost    []Command
	ExecStopPost     []Command
	Environment      []string
	WorkingDirectory string
	KillSignal       unix.Signal
	Restart          RestartPolicy
	RestartSec       time.Duration
	RemainAfterExit  bool
	PIDs             []int
}

const defaultRestartSec = 100 * time.Millisecond

func DefaultProperties() Properties {
	return Properties{KillSignal: unix.SIGTERM, RestartSec: defaultRestartSec}
}

// PropertyNames lists the settable properties.
var PropertyNames = []string{
	"Description",
	"ExecStartPre",
	"ExecStart",
	"ExecStartPost",
	"ExecStopPost",
	"Environment",
	"WorkingDirectory",
	"KillSignal",
	"Restart",
	"RestartSec",
	"RemainAfterExit",
	"PIDs",
}

// Set parses and applies one assignment. Exec slots and lists append; an
// empty value resets them.
func (p *Properties) Set(name, value string) error {
	switch name {
	case "Description":
		p.Description = value
	case "ExecStartPre":
		return appendCommand(&p.ExecStartPre, name, value)
	case "ExecStart":
		return appendCommand(&p.ExecStart, name, value)
	case "ExecStartPost":
		return appendCommand(&p.ExecStartPost, name, value)
	case "ExecStopPost":
		return appendCommand(&p.ExecStopPost, name, value)
	case "Environment":
		if value == "" {
			p.Environment = nil
			return nil
		}
		for _, kv := range strings.Fields(value) {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				return errdefs.Invalid(name, "assignment %q is not KEY=VALUE", kv)
			}
			p.Environment = append(p.Environment, kv)
		}
	case "WorkingDirectory":
		if value != "" && !filepath.IsAbs(value) {
			return errdefs.Invalid(name, "path %q is not absolute", value)
		}
		p.WorkingDirectory = value
	case "KillSignal":
		sig, err := ParseSignal(value)
		if err != nil {
			return errdefs.Invalid(name, "%v", err)
		}
		p.KillSignal = sig
	case "Restart":
		policy, err := ParseRestartPolicy(value)
		if err != nil {
			return err
		}
		p.Restart = policy
	case "RestartSec":
		d, err := parseSeconds(value)
		if err != nil {
			return errdefs.Invalid(name, "%v", err)
		}
		p.RestartSec = d
	case "RemainAfterExit":
		b, err := parseBool(value)
		if err != nil {
			return errdefs.Invalid(name, "invalid boolean %q", value)
		}
		p.RemainAfterExit = b
	case "PIDs":
		if value == "" {
			p.PIDs = nil
			return nil
		}
		for _, f := range strings.Fields(value) {
			pid, err := parsePositive(f)
			if err != nil {
				return errdefs.Invalid(name, "invalid pid %q", f)
			}
			p.PIDs = append(p.PIDs, pid)
		}
	default:
		return errdefs.Invalid(name, "unknown property")
	}
	return nil
}

// Apply sets every assignment on a copy of p and returns it; p is unchanged
// when any assignment is rejected.
func (p Properties) Apply(assignments []Property) (Properties, error) {
	next := p.clone()
	for _, a := range assignments {
		if err := next.Set(a.Name, a.Value); err != nil {
			return p, err
		}
	}
	return next, nil
}

func (p Properties) clone() Properties {
	c := p
	c.ExecStartPre = append([]Command(nil), p.ExecStartPre...)
	c.ExecStart = append([]Command(nil), p.ExecStart...)
	c.ExecStartPost = append([]Command(nil), p.ExecStartPost...)
	c.ExecStopPost = append([]Command(nil), p.ExecStopPost...)
	c.Environment = append([]string(nil), p.Environment...)
	c.PIDs = append([]int(nil), p.PIDs...)
	return c
}

// Validate checks the properties are complete for a unit of type t.
func (p Properties) Validate(t Type) error {
	switch t {
	case TypeService:
		if len(p.ExecStart) != 1 {
			return errdefs.Invalid("ExecStart", "service needs exactly one ExecStart, got %d", len(p.ExecStart))
		}
		if len(p.PIDs) > 0 {
			return errdefs.Invalid("PIDs", "only scopes adopt processes")
		}
	case TypeScope:
		if len(p.PIDs) == 0 {
			return errdefs.Invalid("PIDs", "scope needs at least one process")
		}
		if len(p.ExecStartPre)+len(p.ExecStart)+len(p.ExecStartPost)+len(p.ExecStopPost) > 0 {
			return errdefs.Invalid("ExecStart", "scopes do not run commands")
		}
	}
	return nil
}

// Get returns the value of a property for display.
func (p Properties) Get(name string) (any, bool) {
	switch name {
	case "Description":
		return p.Description, true
	case "ExecStartPre":
		return commandStrings(p.ExecStartPre), true
	case "ExecStart":
		return commandStrings(p.ExecStart), true
	case "ExecStartPost":
		return commandStrings(p.ExecStartPost), true
	case "ExecStopPost":
		return commandStrings(p.ExecStopPost), true
	case "Environment":
		return p.Environment, true
	case "WorkingDirectory":
		return p.WorkingDirectory, true
	case "KillSignal":
		return unix.SignalName(p.KillSignal), true
	case "Restart":
		return p.Restart.String(), true
	case "RestartSec":
		return p.RestartSec.String(), true
	case "RemainAfterExit":
		return p.RemainAfterExit, true
	case "PIDs":
		return p.PIDs, true
	default:
		return nil, false
	}
}

func commandStrings(cmds []Command) []string {
	out := make([]string, len(cmds))
	for i, c := range cmds {
		out[i] = c.String()
	}
	return out
}

func appendCommand(slot *[]Command, name, value string) error {
	if strings.TrimSpace(value) == "" {
		*slot = nil
		return nil
	}
	cmd, err := ParseCommand(value)
	if err != nil {
		return errdefs.Invalid(name, "%v", err)
	}
	*slot = append(*slot, cmd)
	return nil
}

// ParseCommand splits a command line with shell quoting rules. A leading '-'
// marks the command's failure as ignored. The executable must be an
// absolute path.
func ParseCommand(line string) (Command, error) {
	fields, err := shellwords.Parse(line)
	if err != nil {
		return Command{}, errdefs.Invalid("command", "parse %q: %v", line, err)
	}
	if len(fields) == 0 {
		return Command{}, errdefs.Invalid("command", "empty command line")
	}
	var cmd Command
	if strings.HasPrefix(fields[0], "-") {
		cmd.IgnoreFailure = true
		fields[0] = strings.TrimPrefix(fields[0], "-")
	}
	if !filepath.IsAbs(fields[0]) {
		return Command{}, errdefs.Invalid("command", "executable %q is not an absolute path", fields[0])
	}
	cmd.Path = fields[0]
	cmd.Args = fields[1:]
	return cmd, nil
}

// Instantiate expands a template's assignments for instance, replacing
// every "%i". Assignments are returned in name order.
func Instantiate(template map[string]string, instance string) []Property {
	names := make([]string, 0, len(template))
	for k := range template {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]Property, 0, len(names))
	for _, k := range names {
		out = append(out, Property{Name: k, Value: strings.ReplaceAll(template[k], "%i", instance)})
	}
	return out
}

func parseSeconds(s string) (time.Duration, error) {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n < 0 {
			return 0, errdefs.Invalid("duration", "negative duration %q", s)
		}
		return time.Duration(n * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, errdefs.Invalid("duration", "negative duration %q", s)
	}
	return d, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	return strconv.ParseBool(s)
}

func parsePositive(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errdefs.Invalid("number", "%d is not positive", n)
	}
	return n, nil
}
