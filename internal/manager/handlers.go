package manager

import (
	"context"
	"net/netip"
	"sort"

	"steward/internal/errdefs"
	"steward/internal/machine"
	"steward/internal/network"
	"steward/internal/property"
	"steward/internal/unit"
	"steward/pkg/sdk/types"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// call runs fn on the loop inside a span named op.
func (m *Manager) call(ctx context.Context, op, name string, fn func() error) error {
	ctx, span := m.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("steward.name", name)))
	defer span.End()
	err := m.loop.Call(ctx, fn)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (m *Manager) historyFor(ctx context.Context, kind, name string) []types.Transition {
	if m.history == nil {
		return nil
	}
	out, err := m.history.List(ctx, kind, name, m.cfg.HistoryLimit)
	if err != nil {
		m.log.Warn("Failed to read history.", "kind", kind, "name", name, "err", err)
		return nil
	}
	return out
}

func machineView(mc *machine.Machine) types.Machine {
	v := types.Machine{
		Name:              mc.Name,
		Class:             mc.Class.String(),
		Service:           mc.Service,
		RootDirectory:     mc.RootDirectory,
		Leader:            mc.Leader,
		Unit:              mc.Unit,
		NetworkInterfaces: mc.NetworkInterfaces,
		State:             mc.State().String(),
		Timestamp:         mc.Timestamp,
	}
	if mc.ID != uuid.Nil {
		v.ID = mc.ID.String()
	}
	return v
}

func machineSpec(req types.CreateMachineRequest) machine.Spec {
	return machine.Spec{
		Name:              req.Name,
		ID:                req.ID,
		Class:             req.Class,
		Service:           req.Service,
		RootDirectory:     req.RootDirectory,
		Leader:            req.Leader,
		Unit:              req.Unit,
		NetworkInterfaces: req.NetworkInterfaces,
	}
}

func (m *Manager) ListMachines(ctx context.Context) ([]types.Machine, error) {
	var out []types.Machine
	err := m.call(ctx, "machine.list", "", func() error {
		for _, mc := range m.machine.List() {
			out = append(out, machineView(mc))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Manager) MachineStatus(ctx context.Context, name string) (types.MachineStatus, error) {
	var out types.MachineStatus
	err := m.call(ctx, "machine.status", name, func() error {
		mc, ok := m.machine.Get(name)
		if !ok {
			return errdefs.NotFound("no machine %q known", name)
		}
		out.Machine = machineView(mc)
		out.Properties = property.Snapshot(mc)
		return nil
	})
	if err != nil {
		return types.MachineStatus{}, err
	}
	out.History = m.historyFor(ctx, "machine", name)
	return out, nil
}

// CreateMachine returns once the machine's scope unit has started.
func (m *Manager) CreateMachine(ctx context.Context, req types.CreateMachineRequest) (types.Machine, error) {
	reply := make(chan error, 1)
	var out types.Machine
	err := m.call(ctx, "machine.create", req.Name, func() error {
		mc, err := m.machine.Create(machineSpec(req), func(err error) { reply <- err })
		if err != nil {
			return err
		}
		out = machineView(mc)
		return nil
	})
	if err != nil {
		return types.Machine{}, err
	}
	select {
	case err := <-reply:
		if err != nil {
			return types.Machine{}, err
		}
	case <-ctx.Done():
		return types.Machine{}, ctx.Err()
	}
	out.State = machine.StateRunning.String()
	return out, nil
}

func (m *Manager) RegisterMachine(ctx context.Context, req types.CreateMachineRequest) (types.Machine, error) {
	var out types.Machine
	err := m.call(ctx, "machine.register", req.Name, func() error {
		mc, err := m.machine.Register(machineSpec(req))
		if err != nil {
			return err
		}
		out = machineView(mc)
		return nil
	})
	return out, err
}

// StartMachine starts the steward-machine@NAME.service instance, which is
// expected to register the machine once it runs.
func (m *Manager) StartMachine(ctx context.Context, name string) (uint64, error) {
	if err := machine.ValidName(name); err != nil {
		return 0, err
	}
	var job uint64
	err := m.call(ctx, "machine.start", name, func() error {
		var err error
		job, err = m.units.StartUnit(MachineUnit(name))
		return err
	})
	return job, err
}

// MachineUnit names the template instance that runs machine name.
func MachineUnit(name string) string { return "steward-machine@" + name + ".service" }

func (m *Manager) TerminateMachine(ctx context.Context, name string) error {
	return m.call(ctx, "machine.terminate", name, func() error {
		return m.machine.Terminate(name)
	})
}

func (m *Manager) KillMachine(ctx context.Context, req types.KillRequest) error {
	who := machine.KillAll
	if req.Who != "" {
		var err error
		if who, err = machine.ParseKillWho(req.Who); err != nil {
			return err
		}
	}
	sig, err := unit.ParseSignal(req.Signal)
	if err != nil {
		return err
	}
	return m.call(ctx, "machine.kill", req.Name, func() error {
		return m.machine.Kill(req.Name, who, sig)
	})
}

func (m *Manager) SetMachineProperties(ctx context.Context, req types.SetPropertiesRequest) error {
	return m.call(ctx, "machine.set-property", req.Name, func() error {
		mc, ok := m.machine.Get(req.Name)
		if !ok {
			return errdefs.NotFound("no machine %q known", req.Name)
		}
		return setAll(mc, req.Properties)
	})
}

// setAll validates every assignment before applying any.
func setAll(p property.Provider, props []types.Property) error {
	for _, prop := range props {
		if _, err := p.Property(prop.Name); err != nil {
			return err
		}
	}
	for _, prop := range props {
		if err := p.SetProperty(prop.Name, prop.Value); err != nil {
			return err
		}
	}
	return nil
}

func unitView(u *unit.Unit) types.Unit {
	v := types.Unit{
		Name:        u.Name,
		Type:        u.Type.String(),
		Transient:   u.Transient,
		ActiveState: u.State().String(),
		SubState:    u.SubState(),
		Result:      u.Result(),
		MainPID:     u.MainPID(),
		Description: u.Props.Description,
		ChangedAt:   u.ChangedAt(),
	}
	if j := u.Job(); j != nil {
		v.Job = j.Type.String()
	}
	return v
}

func unitProps(props []types.Property) []unit.Property {
	out := make([]unit.Property, len(props))
	for i, p := range props {
		out[i] = unit.Property{Name: p.Name, Value: p.Value}
	}
	return out
}

func (m *Manager) ListUnits(ctx context.Context) ([]types.Unit, error) {
	var out []types.Unit
	err := m.call(ctx, "unit.list", "", func() error {
		for _, u := range m.units.Units() {
			out = append(out, unitView(u))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Manager) UnitStatus(ctx context.Context, name string) (types.UnitStatus, error) {
	var out types.UnitStatus
	err := m.call(ctx, "unit.status", name, func() error {
		u, ok := m.units.Unit(name)
		if !ok {
			return errdefs.NotFound("unit %s not loaded", name)
		}
		out.Unit = unitView(u)
		out.Properties = property.Snapshot(u)
		return nil
	})
	if err != nil {
		return types.UnitStatus{}, err
	}
	out.History = m.historyFor(ctx, "unit", name)
	return out, nil
}

func (m *Manager) RunUnit(ctx context.Context, req types.RunUnitRequest) (uint64, error) {
	var job uint64
	err := m.call(ctx, "unit.run", req.Name, func() error {
		var err error
		job, err = m.units.StartTransient(req.Name, unitProps(req.Properties))
		return err
	})
	return job, err
}

func (m *Manager) StartUnit(ctx context.Context, name string) (uint64, error) {
	var job uint64
	err := m.call(ctx, "unit.start", name, func() error {
		var err error
		job, err = m.units.StartUnit(name)
		return err
	})
	return job, err
}

func (m *Manager) StopUnit(ctx context.Context, name string) (uint64, error) {
	var job uint64
	err := m.call(ctx, "unit.stop", name, func() error {
		var err error
		job, err = m.units.StopUnit(name)
		return err
	})
	return job, err
}

func (m *Manager) KillUnit(ctx context.Context, req types.KillRequest) error {
	who := req.Who
	if who == "" {
		who = "all"
	}
	sig, err := unit.ParseSignal(req.Signal)
	if err != nil {
		return err
	}
	return m.call(ctx, "unit.kill", req.Name, func() error {
		return m.units.KillUnit(req.Name, who, sig)
	})
}

func (m *Manager) SetUnitProperties(ctx context.Context, req types.SetPropertiesRequest) error {
	return m.call(ctx, "unit.set-property", req.Name, func() error {
		return m.units.SetProperties(req.Name, unitProps(req.Properties))
	})
}

func linkView(l *network.Link) types.Link {
	v := types.Link{
		Name:      l.Name,
		Index:     l.Index,
		Kind:      l.Kind,
		State:     l.State().String(),
		OperState: l.OperState,
	}
	if l.File != nil {
		v.NetworkFile = l.File.Path
	}
	if lease := l.Lease(); lease != nil {
		v.LeaseAddress = lease.Address.String()
	}
	return v
}

func (m *Manager) ListLinks(ctx context.Context) ([]types.Link, error) {
	var out []types.Link
	err := m.call(ctx, "link.list", "", func() error {
		for _, l := range m.network.Links() {
			out = append(out, linkView(l))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (m *Manager) LinkStatus(ctx context.Context, name string) (types.LinkStatus, error) {
	var out types.LinkStatus
	err := m.call(ctx, "link.status", name, func() error {
		l, ok := m.network.Link(name)
		if !ok {
			return errdefs.NotFound("link %s not known", name)
		}
		out.Link = linkView(l)
		out.Properties = property.Snapshot(l)
		out.Addresses = l.AddressList()
		out.Routes = l.RouteList()
		return nil
	})
	if err != nil {
		return types.LinkStatus{}, err
	}
	out.History = m.historyFor(ctx, "link", name)
	return out, nil
}

func (m *Manager) ReconfigureLink(ctx context.Context, name string) error {
	return m.call(ctx, "link.reconfigure", name, func() error {
		return m.network.Reconfigure(name)
	})
}

// Lease reports a lease acquisition or expiry on a link.
func (m *Manager) Lease(ctx context.Context, req types.LeaseRequest) (types.LeaseReply, error) {
	var lease network.Lease
	if !req.Expire {
		addr, err := netip.ParsePrefix(req.Address)
		if err != nil {
			return types.LeaseReply{}, errdefs.Invalid("address", "invalid lease address %q", req.Address)
		}
		lease.Address = addr
		if req.Gateway != "" {
			gw, err := netip.ParseAddr(req.Gateway)
			if err != nil {
				return types.LeaseReply{}, errdefs.Invalid("gateway", "invalid gateway %q", req.Gateway)
			}
			lease.Gateway = gw
		}
		lease.Lifetime = req.Lifetime
	}

	var out types.LeaseReply
	err := m.call(ctx, "link.lease", req.Link, func() error {
		l, ok := m.network.Link(req.Link)
		if !ok {
			return errdefs.NotFound("link %s not known", req.Link)
		}
		if req.Expire {
			return m.network.LeaseExpired(l.Index, req.Generation)
		}
		gen, err := m.network.LeaseAcquired(l.Index, lease)
		if err != nil {
			return err
		}
		out = types.LeaseReply{Generation: gen, Dropped: gen == 0}
		return nil
	})
	return out, err
}

// ReloadNetwork rereads the network directory.
func (m *Manager) ReloadNetwork(ctx context.Context) error {
	if m.cfg.NetworkDir == "" {
		return errdefs.Invalid("network_dir", "no network directory configured")
	}
	files, loadErr := network.LoadDir(m.cfg.NetworkDir)
	err := m.call(ctx, "link.reload", m.cfg.NetworkDir, func() error {
		m.network.Reload(files)
		return nil
	})
	if err != nil {
		return err
	}
	return loadErr
}
