// Package manager owns the daemon's event loop and the machine, unit and
// link managers that run on it.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"steward/internal/eventloop"
	"steward/internal/machine"
	"steward/internal/metrics"
	"steward/internal/network"
	"steward/internal/nlreq"
	"steward/internal/operation"
	"steward/internal/unit"
	"steward/internal/wireguard"
	"steward/pkg/sdk/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// MachineTemplate is the unit template "machine start" instantiates.
const MachineTemplate = "steward-machine@.service"

// History records and returns lifecycle transitions.
type History interface {
	Record(types.Transition)
	List(ctx context.Context, kind, name string, limit int) ([]types.Transition, error)
}

// MonitorFunc follows kernel link, address, route and neighbour changes
// until ctx is cancelled.
type MonitorFunc func(ctx context.Context, loop *eventloop.Loop, hs nlreq.Handlers) error

type Config struct {
	// RuntimeDir holds the machines/ and links/ state directories.
	RuntimeDir string
	// NetworkDir holds the link configuration files. Empty disables them.
	NetworkDir string
	// IdleExitAfter makes Run return ErrIdleExit after this long idle.
	IdleExitAfter       time.Duration
	MaxObjectsPerFamily int
	// MachineAssignments configures the steward-machine@ template.
	MachineAssignments map[string]string
	HistoryLimit       int

	// Collaborators. Nil values select the host implementations.
	Clock     eventloop.Clock
	Runner    unit.Runner
	Channel   nlreq.Channel
	WireGuard wireguard.Device
	Resolver  network.Resolver
	Monitor   MonitorFunc
	History   History
}

type Manager struct {
	cfg     Config
	loop    *eventloop.Loop
	ops     *operation.Set
	units   *unit.Manager
	machine *machine.Manager
	network *network.Manager
	history History
	closers []func() error
	tracer  trace.Tracer
	log     *slog.Logger
}

// ErrIdleExit is returned by Run when the daemon stayed idle.
var ErrIdleExit = eventloop.ErrIdleExit

func New(cfg Config) (*Manager, error) {
	if cfg.RuntimeDir == "" {
		return nil, errors.New("runtime directory is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = eventloop.RealClock{}
	}
	if cfg.Runner == nil {
		cfg.Runner = unit.ExecRunner{}
	}
	if cfg.WireGuard == nil {
		cfg.WireGuard = wireguard.Kernel{}
	}
	if cfg.Monitor == nil {
		cfg.Monitor = nlreq.Monitor
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}

	m := &Manager{
		cfg:     cfg,
		loop:    eventloop.New(cfg.Clock),
		history: cfg.History,
		tracer:  otel.Tracer("steward/manager"),
		log:     slog.With("component", "manager"),
	}
	m.ops = operation.NewSet(cfg.Clock.Now)

	if cfg.Channel == nil {
		ch, err := nlreq.NewNetlinkChannel(m.loop)
		if err != nil {
			return nil, fmt.Errorf("open kernel channel: %w", err)
		}
		cfg.Channel = ch
		m.closers = append(m.closers, ch.Close)
	}

	m.units = unit.NewManager(m.loop, cfg.Runner, unit.WithTemplate(MachineTemplate, cfg.MachineAssignments))
	m.machine = machine.NewManager(machine.Config{
		StateDir:  filepath.Join(cfg.RuntimeDir, "machines"),
		Loop:      m.loop,
		Units:     m.units,
		Processes: cfg.Runner,
		Ops:       m.ops,
	})
	m.network = network.NewManager(network.Config{
		Loop:                m.loop,
		Channel:             cfg.Channel,
		StateDir:            filepath.Join(cfg.RuntimeDir, "links"),
		MaxObjectsPerFamily: cfg.MaxObjectsPerFamily,
		RouteCeilingProbe: func() (int, error) {
			return nlreq.ReadRouteMaxSize(nlreq.IPv6RouteMaxSizePath)
		},
		WireGuard: cfg.WireGuard,
		Resolver:  cfg.Resolver,
	})

	m.units.OnJobRemoved(m.machine.HandleJobRemoved)
	m.units.OnUnitRemoved(m.machine.HandleUnitRemoved)

	m.units.OnStateChanged(func(u *unit.Unit, from, to unit.ActiveState) {
		m.record("unit", u.Name, from.String(), to.String())
	})
	m.machine.OnStateChanged(func(mc *machine.Machine, from, to machine.State) {
		m.record("machine", mc.Name, from.String(), to.String())
	})
	m.network.OnStateChanged(func(l *network.Link, from, to network.LinkState) {
		m.record("link", l.Name, from.String(), to.String())
	})

	m.loop.OnDrained(m.drained)
	m.loop.SetIdleExit(cfg.IdleExitAfter, m.CheckIdle)
	return m, nil
}

func (m *Manager) Loop() *eventloop.Loop      { return m.loop }
func (m *Manager) Units() *unit.Manager       { return m.units }
func (m *Manager) Machines() *machine.Manager { return m.machine }
func (m *Manager) Network() *network.Manager  { return m.network }
func (m *Manager) Operations() *operation.Set { return m.ops }

func (m *Manager) record(kind, name, from, to string) {
	if m.history == nil {
		return
	}
	m.history.Record(types.Transition{Kind: kind, Name: name, From: from, To: to, At: m.cfg.Clock.Now()})
}

// drained collects whatever the last batch left collectable and refreshes
// the gauges. Units go first: their removal releases machines.
func (m *Manager) drained() {
	m.units.Sweep(false)
	m.machine.Sweep(false)
	m.network.Sweep(false)

	metrics.Entities.WithLabelValues("unit").Set(float64(m.units.Len()))
	metrics.Entities.WithLabelValues("machine").Set(float64(m.machine.Len()))
	metrics.Entities.WithLabelValues("link").Set(float64(m.network.Len()))
	metrics.OperationsOutstanding.Set(float64(m.ops.Len()))
}

// CheckIdle reports whether nothing is left to supervise: no outstanding
// operations or kernel requests and, after dropping everything that never
// started, no machines, transient units or managed links.
func (m *Manager) CheckIdle() bool {
	if m.ops.Len() > 0 || m.network.InFlight() > 0 {
		return false
	}
	m.units.Sweep(true)
	m.machine.Sweep(true)
	m.network.Sweep(true)
	return m.machine.Len() == 0 && m.units.TransientCount() == 0 && m.network.ManagedCount() == 0
}

// Start prepares state directories, recovers machines from a previous run
// and loads network files. It runs before the loop is dispatching, so it
// touches the managers directly.
func (m *Manager) Start() error {
	if err := m.machine.EnsureStateDir(); err != nil {
		return err
	}
	if err := m.network.EnsureStateDir(); err != nil {
		return err
	}
	if err := m.machine.Enumerate(); err != nil {
		return fmt.Errorf("enumerate machines: %w", err)
	}
	if m.cfg.NetworkDir != "" {
		files, err := network.LoadDir(m.cfg.NetworkDir)
		if err != nil {
			m.log.Warn("Some network files failed to load.", "dir", m.cfg.NetworkDir, "err", err)
		}
		m.network.Reload(files)
	}
	return nil
}

// Run starts the kernel monitor and the network file watcher, then
// dispatches events until ctx is cancelled or the daemon goes idle.
func (m *Manager) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := m.cfg.Monitor(runCtx, m.loop, m.network.Handlers()); err != nil {
		return fmt.Errorf("start kernel monitor: %w", err)
	}
	if m.cfg.NetworkDir != "" {
		err := network.WatchDir(runCtx, m.cfg.NetworkDir, m.loop, func(files []*network.File, err error) {
			if err != nil {
				m.log.Warn("Some network files failed to load.", "dir", m.cfg.NetworkDir, "err", err)
			}
			m.network.Reload(files)
		})
		if err != nil {
			m.log.Warn("Network file watcher disabled.", "dir", m.cfg.NetworkDir, "err", err)
		}
	}

	m.log.Info("Manager running.", "machines", m.machine.Len(), "units", m.units.Len(), "links", m.network.Len())
	err := m.loop.Run(runCtx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases kernel resources. The loop must have stopped.
func (m *Manager) Close() error {
	m.network.Close()
	var errs []error
	for _, c := range m.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
