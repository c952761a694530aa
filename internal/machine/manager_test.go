package machine_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"steward/internal/adapter/fake"
	"steward/internal/errdefs"
	"steward/internal/eventloop"
	"steward/internal/machine"
	"steward/internal/operation"
	"steward/internal/statefile"
	"steward/internal/unit"

	"golang.org/x/sys/unix"
)

type harness struct {
	mgr    *machine.Manager
	units  *unit.Manager
	runner *fake.ProcessRunner
	loop   *eventloop.Loop
	ops    *operation.Set
	dir    string
	states []machine.State
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := fake.NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	h := &harness{
		runner: fake.NewProcessRunner(),
		loop:   eventloop.New(clock),
		dir:    t.TempDir(),
	}
	h.ops = operation.NewSet(clock.Now)
	h.units = unit.NewManager(h.loop, h.runner)
	h.mgr = machine.NewManager(machine.Config{
		StateDir:  h.dir,
		Loop:      h.loop,
		Units:     h.units,
		Processes: h.runner,
		Ops:       h.ops,
	})
	h.units.OnJobRemoved(h.mgr.HandleJobRemoved)
	h.units.OnUnitRemoved(h.mgr.HandleUnitRemoved)
	h.mgr.OnStateChanged(func(_ *machine.Machine, _, to machine.State) {
		h.states = append(h.states, to)
	})
	return h
}

func (h *harness) settle() {
	h.loop.Dispatch()
	h.units.Sweep(false)
	h.loop.Dispatch()
	h.mgr.Sweep(false)
}

func TestAddIsGetOrCreate(t *testing.T) {
	h := newHarness(t)

	first, created, err := h.mgr.Add("web1")
	if err != nil || !created {
		t.Fatalf("first Add = created %v, err %v", created, err)
	}
	for i := 0; i < 2; i++ {
		again, created, err := h.mgr.Add("web1")
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		if created {
			t.Fatal("second Add reported created")
		}
		if again != first {
			t.Fatal("second Add returned a different machine")
		}
	}
	if h.mgr.Len() != 1 {
		t.Fatalf("Len = %d, want 1", h.mgr.Len())
	}
}

func TestValidName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"web1", true},
		{"db.prod-2", true},
		{"", false},
		{"-lead", false},
		{".hidden", false},
		{"a..b", false},
		{"with space", false},
		{"slash/name", false},
		{string(make([]byte, 65)), false},
	}
	for _, tt := range tests {
		err := machine.ValidName(tt.name)
		if (err == nil) != tt.ok {
			t.Errorf("ValidName(%q) = %v, want ok=%v", tt.name, err, tt.ok)
		}
		if err != nil && !errdefs.IsInvalidArgument(err) {
			t.Errorf("ValidName(%q) error is not InvalidArgument: %v", tt.name, err)
		}
	}
}

func TestStateNeverReturnsToOpening(t *testing.T) {
	sequences := [][]string{
		{"start", "start", "stop", "start", "stop"},
		{"stop", "start", "stop"},
		{"start", "stop", "stop", "start"},
	}
	for _, seq := range sequences {
		h := newHarness(t)
		m, _, err := h.mgr.Add("vm0")
		if err != nil {
			t.Fatal(err)
		}
		seen := map[machine.State]bool{m.State(): true}
		for _, step := range seq {
			switch step {
			case "start":
				err := m.Start()
				if err != nil && !errdefs.IsFailedPrecondition(err) {
					t.Fatalf("%v: Start: %v", seq, err)
				}
			case "stop":
				m.Stop()
			}
			if (seen[machine.StateRunning] || seen[machine.StateClosing]) && m.State() == machine.StateOpening {
				t.Fatalf("%v: machine returned to opening", seq)
			}
			if seen[machine.StateClosing] && m.State() != machine.StateClosing {
				t.Fatalf("%v: machine left closing for %s", seq, m.State())
			}
			seen[m.State()] = true
		}
	}
}

func TestCreateStartsScopeAndRepliesWhenJobDone(t *testing.T) {
	h := newHarness(t)
	h.runner.Adopt(4242)

	var replies []error
	m, err := h.mgr.Create(machine.Spec{
		Name:          "web1",
		Class:         "container",
		RootDirectory: "/var/lib/machines/web1",
		Leader:        4242,
	}, func(err error) { replies = append(replies, err) })
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if m.State() != machine.StateRunning {
		t.Fatalf("state = %s, want running", m.State())
	}
	if m.Unit != `machine-web1.scope` {
		t.Fatalf("unit = %q", m.Unit)
	}
	if len(replies) != 0 {
		t.Fatal("replied before the scope job finished")
	}
	if h.ops.Outstanding("machine/web1") != 1 {
		t.Fatalf("outstanding = %d, want 1", h.ops.Outstanding("machine/web1"))
	}

	h.loop.Dispatch()
	if len(replies) != 1 || replies[0] != nil {
		t.Fatalf("replies = %v, want one nil", replies)
	}
	if got, ok := h.mgr.ByUnit("machine-web1.scope"); !ok || got != m {
		t.Fatal("machine not indexed by unit")
	}
	if got, ok := h.mgr.ByLeader(4242); !ok || got != m {
		t.Fatal("machine not indexed by leader")
	}

	vals, err := statefile.Read(filepath.Join(h.dir, "web1"))
	if err != nil {
		t.Fatal(err)
	}
	if vals["STARTED"] != "1" || vals["LEADER"] != "4242" || vals["SCOPE"] != "machine-web1.scope" {
		t.Fatalf("state file = %v", vals)
	}
}

func TestCreateDuplicateIsAlreadyExists(t *testing.T) {
	h := newHarness(t)
	h.runner.Adopt(100)
	h.runner.Adopt(200)
	if _, err := h.mgr.Create(machine.Spec{Name: "web1", Leader: 100}, nil); err != nil {
		t.Fatal(err)
	}
	_, err := h.mgr.Create(machine.Spec{Name: "web1", Leader: 200}, nil)
	if !errdefs.IsAlreadyExists(err) {
		t.Fatalf("err = %v, want AlreadyExists", err)
	}
	_, err = h.mgr.Create(machine.Spec{Name: "web2", Leader: 100}, nil)
	if !errdefs.IsAlreadyExists(err) {
		t.Fatalf("shared leader err = %v, want AlreadyExists", err)
	}
	if h.mgr.Len() != 1 {
		t.Fatalf("Len = %d, want 1", h.mgr.Len())
	}
}

func TestCreateRejectsInvalidSpec(t *testing.T) {
	tests := map[string]machine.Spec{
		"relative root": {Name: "a", Leader: 10, RootDirectory: "var/lib/a"},
		"bad class":     {Name: "a", Leader: 10, Class: "toaster"},
		"bad id":        {Name: "a", Leader: 10, ID: "nope"},
		"no leader":     {Name: "a"},
		"init leader":   {Name: "a", Leader: 1},
	}
	for name, spec := range tests {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.mgr.Create(spec, nil)
			if !errdefs.IsInvalidArgument(err) {
				t.Fatalf("err = %v, want InvalidArgument", err)
			}
			if h.mgr.Len() != 0 || h.units.Len() != 0 {
				t.Fatal("invalid create left state behind")
			}
		})
	}
}

func TestTerminateStopsScopeAndCollects(t *testing.T) {
	h := newHarness(t)
	h.runner.Adopt(4242)
	h.runner.ExitOnSignal = true
	m, err := h.mgr.Create(machine.Spec{Name: "web1", Leader: 4242}, nil)
	if err != nil {
		t.Fatal(err)
	}
	h.loop.Dispatch()

	if err := h.mgr.Terminate("web1"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if m.State() != machine.StateClosing {
		t.Fatalf("state = %s, want closing", m.State())
	}
	// The stop job is still queued.
	if n := h.mgr.Sweep(false); n != 0 {
		t.Fatalf("swept %d machines with a stop job pending", n)
	}
	if _, ok := h.mgr.Get("web1"); !ok {
		t.Fatal("machine collected with a stop job pending")
	}

	h.settle()
	if _, ok := h.mgr.Get("web1"); ok {
		t.Fatal("machine still registered after teardown")
	}
	if !m.Removed() {
		t.Fatal("machine not finalized")
	}
	if _, err := os.Stat(filepath.Join(h.dir, "web1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("state file still present: %v", err)
	}
	want := []machine.State{machine.StateRunning, machine.StateClosing}
	if len(h.states) != len(want) || h.states[0] != want[0] || h.states[1] != want[1] {
		t.Fatalf("transitions = %v, want %v", h.states, want)
	}
}

func TestRegisterWithoutUnitWatchesLeader(t *testing.T) {
	h := newHarness(t)
	h.runner.Adopt(777)
	m, err := h.mgr.Register(machine.Spec{Name: "host0", Class: "host", Leader: 777})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if m.Unit != "" {
		t.Fatalf("unit = %q, want none", m.Unit)
	}

	h.runner.Exit(777, unit.ExitStatus{Known: true})
	h.loop.Dispatch()
	if m.State() != machine.StateClosing {
		t.Fatalf("state = %s, want closing after leader exit", m.State())
	}
	h.mgr.Sweep(false)
	if _, ok := h.mgr.Get("host0"); ok {
		t.Fatal("machine not collected after leader exit")
	}
}

func TestTerminateUnitlessSignalsLeader(t *testing.T) {
	h := newHarness(t)
	h.runner.Adopt(777)
	if _, err := h.mgr.Register(machine.Spec{Name: "vm1", Class: "vm", Leader: 777}); err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.Terminate("vm1"); err != nil {
		t.Fatal(err)
	}
	sigs := h.runner.Signals()
	if len(sigs) != 1 || sigs[0] != (fake.SignalCall{PID: 777, Signal: unix.SIGTERM}) {
		t.Fatalf("signals = %v", sigs)
	}
	if h.mgr.Sweep(false) != 0 {
		t.Fatal("collected while waiting for the leader")
	}
	h.runner.Exit(777, unit.ExitStatus{Known: true, Signal: unix.SIGTERM})
	h.loop.Dispatch()
	if h.mgr.Sweep(false) != 1 {
		t.Fatal("machine not collected after leader exit")
	}
}

func TestRegisterUnknownUnitIsNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.mgr.Register(machine.Spec{Name: "x", Unit: "missing.scope"})
	if !errdefs.IsNotFound(err) {
		t.Fatalf("err = %v, want NotFound", err)
	}
	if h.mgr.Len() != 0 {
		t.Fatal("failed register left a machine")
	}
}

func TestKill(t *testing.T) {
	h := newHarness(t)
	h.runner.Adopt(50)
	if _, err := h.mgr.Create(machine.Spec{Name: "web1", Leader: 50}, nil); err != nil {
		t.Fatal(err)
	}
	h.loop.Dispatch()

	if err := h.mgr.Kill("web1", machine.KillLeader, unix.SIGHUP); err != nil {
		t.Fatalf("Kill leader: %v", err)
	}
	if err := h.mgr.Kill("web1", machine.KillAll, unix.SIGUSR1); err != nil {
		t.Fatalf("Kill all: %v", err)
	}
	want := []fake.SignalCall{{PID: 50, Signal: unix.SIGHUP}, {PID: 50, Signal: unix.SIGUSR1}}
	got := h.runner.Signals()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("signals = %v, want %v", got, want)
	}
	if err := h.mgr.Kill("nope", machine.KillAll, unix.SIGTERM); !errdefs.IsNotFound(err) {
		t.Fatalf("unknown machine err = %v", err)
	}
}

func TestSweepKeepsMachineWithOutstandingOperation(t *testing.T) {
	h := newHarness(t)
	h.runner.Adopt(9)
	m, err := h.mgr.Create(machine.Spec{Name: "busy", Leader: 9}, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Start job not dispatched: the start operation is outstanding.
	if m.MayCollect(true) || m.MayCollect(false) {
		t.Fatal("MayCollect true with an outstanding operation")
	}
	if err := h.mgr.Terminate("busy"); err != nil {
		t.Fatal(err)
	}
	h.mgr.Sweep(true)
	if m.Removed() {
		t.Fatal("finalized with an outstanding stop")
	}
}

func TestEnumerateRecoversStartedMachines(t *testing.T) {
	h := newHarness(t)
	write := func(name string, vals map[string]string) {
		t.Helper()
		if err := statefile.Write(filepath.Join(h.dir, name), vals); err != nil {
			t.Fatal(err)
		}
	}
	write("alive", map[string]string{"STATE": "running", "STARTED": "1", "LEADER": "300", "SCOPE": "machine-alive.scope", "CLASS": "vm"})
	write("dead", map[string]string{"STATE": "running", "STARTED": "1", "LEADER": "301"})
	write("fresh", map[string]string{"STATE": "opening", "LEADER": "302"})
	h.runner.Adopt(300)
	h.runner.Adopt(302)

	if err := h.mgr.Enumerate(); err != nil {
		t.Fatalf("Enumerate: %v", err)
	}
	h.loop.Dispatch()
	h.mgr.Sweep(false)

	m, ok := h.mgr.Get("alive")
	if !ok {
		t.Fatal("running machine with live leader not recovered")
	}
	if m.State() != machine.StateRunning || m.Class != machine.ClassVM {
		t.Fatalf("recovered machine = %s/%s", m.State(), m.Class)
	}
	if _, ok := h.units.Unit("machine-alive.scope"); !ok {
		t.Fatal("leader not adopted into a new scope")
	}
	for _, name := range []string{"dead", "fresh"} {
		if _, ok := h.mgr.Get(name); ok {
			t.Errorf("machine %s recovered", name)
		}
		if _, err := os.Stat(filepath.Join(h.dir, name)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("stale state file %s kept: %v", name, err)
		}
	}
}

func TestMachineProperties(t *testing.T) {
	h := newHarness(t)
	h.runner.Adopt(77)
	m, err := h.mgr.Register(machine.Spec{Name: "p", Leader: 77, Service: "docker"})
	if err != nil {
		t.Fatal(err)
	}
	if v, err := m.Property("State"); err != nil || v != "running" {
		t.Fatalf("State = %v, %v", v, err)
	}
	if err := m.SetProperty("Service", "podman"); err != nil || m.Service != "podman" {
		t.Fatalf("SetProperty(Service) = %v, service %q", err, m.Service)
	}
	if err := m.SetProperty("Leader", "5"); !errdefs.IsInvalidArgument(err) {
		t.Fatalf("SetProperty(Leader) err = %v, want InvalidArgument", err)
	}
	if _, err := m.Property("Bogus"); !errdefs.IsNotFound(err) {
		t.Fatalf("unknown property err = %v, want NotFound", err)
	}
}
