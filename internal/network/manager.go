// Package network configures kernel links from network files: addresses,
// routes and FDB entries are reconciled through kernel trackers, leases add
// dynamic addresses, and WireGuard netdevs are created on demand.
package network

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"

	"steward/internal/errdefs"
	"steward/internal/eventloop"
	"steward/internal/gc"
	"steward/internal/metrics"
	"steward/internal/nlreq"
	"steward/internal/reconcile"
	"steward/internal/registry"
	"steward/internal/wireguard"

	"golang.org/x/sys/unix"
)

// DefaultLeaseRouteMetric is the priority of the default route a lease adds.
const DefaultLeaseRouteMetric = 1024

type (
	AddressTracker = reconcile.Tracker[reconcile.AddressKey, reconcile.AddressSpec]
	RouteTracker   = reconcile.Tracker[reconcile.RouteKey, reconcile.RouteSpec]
	FdbTracker     = reconcile.Tracker[reconcile.FdbKey, reconcile.FdbSpec]

	addressObject = reconcile.Object[reconcile.AddressKey, reconcile.AddressSpec]
	routeObject   = reconcile.Object[reconcile.RouteKey, reconcile.RouteSpec]
	fdbObject     = reconcile.Object[reconcile.FdbKey, reconcile.FdbSpec]
)

type Config struct {
	Loop    *eventloop.Loop
	Channel nlreq.Channel
	// StateDir holds one state file per link, named by ifindex.
	StateDir string
	// MaxObjectsPerFamily bounds each tracker. Zero means the default.
	MaxObjectsPerFamily int
	// RouteCeilingProbe reads the IPv6 route ceiling from the kernel.
	RouteCeilingProbe func() (int, error)
	WireGuard         wireguard.Device
	Resolver          Resolver
}

type Manager struct {
	loop     *eventloop.Loop
	stateDir string
	log      *slog.Logger

	links   *registry.Registry[string, *Link]
	byIndex *registry.KeyIndex[int, *Link]
	gc      *gc.Queue[*Link]

	addrs  *AddressTracker
	routes *RouteTracker
	fdb    *FdbTracker

	files     []*File
	netdevs   map[string]*netdev
	wg        wireguard.Device
	resolver  Resolver
	nextLease uint64

	changed []func(l *Link, from, to LinkState)
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		loop:     cfg.Loop,
		stateDir: cfg.StateDir,
		log:      slog.With("component", "network-manager"),
		netdevs:  make(map[string]*netdev),
		wg:       cfg.WireGuard,
		resolver: cfg.Resolver,
	}
	if m.resolver == nil {
		m.resolver = net.DefaultResolver
	}
	m.byIndex = registry.NewIndex("ifindex", func(l *Link) (int, bool) {
		return l.Index, l.Index > 0
	}, 0)
	m.links = registry.New("link", func(name string) *Link { return newLink(name, m) }, m.byIndex)
	m.gc = gc.NewQueue("link", m.destroy)

	routeCeiling := reconcile.NewCeiling(cfg.MaxObjectsPerFamily)
	if cfg.RouteCeilingProbe != nil {
		routeCeiling.WithProbe(unix.AF_INET6, cfg.RouteCeilingProbe)
	}
	m.addrs = reconcile.New(reconcile.Config[reconcile.AddressKey, reconcile.AddressSpec]{
		Name:      "address",
		Channel:   cfg.Channel,
		Scheduler: cfg.Loop,
		Build:     reconcile.AddressRequest,
		Ceiling:   reconcile.NewCeiling(cfg.MaxObjectsPerFamily),
		OnChange:  func(o *addressObject) { m.objectChanged(o.Spec.LinkIndex) },
		OnDropped: func(*addressObject) { m.requeueLingering() },
	})
	m.routes = reconcile.New(reconcile.Config[reconcile.RouteKey, reconcile.RouteSpec]{
		Name:      "route",
		Channel:   cfg.Channel,
		Scheduler: cfg.Loop,
		Build:     reconcile.RouteRequest,
		Ceiling:   routeCeiling,
		OnChange:  func(o *routeObject) { m.objectChanged(o.Spec.LinkIndex) },
		OnDropped: func(*routeObject) { m.requeueLingering() },
	})
	m.fdb = reconcile.New(reconcile.Config[reconcile.FdbKey, reconcile.FdbSpec]{
		Name:      "fdb",
		Channel:   cfg.Channel,
		Scheduler: cfg.Loop,
		Build:     reconcile.FdbRequest,
		Ceiling:   reconcile.NewCeiling(cfg.MaxObjectsPerFamily),
		OnChange:  func(o *fdbObject) { m.objectChanged(o.Spec.LinkIndex) },
		OnDropped: func(*fdbObject) { m.requeueLingering() },
	})
	return m
}

func (m *Manager) OnStateChanged(fn func(l *Link, from, to LinkState)) {
	m.changed = append(m.changed, fn)
}

func (m *Manager) Addresses() *AddressTracker { return m.addrs }
func (m *Manager) Routes() *RouteTracker      { return m.routes }
func (m *Manager) FDB() *FdbTracker           { return m.fdb }

func (m *Manager) Link(name string) (*Link, bool) { return m.links.Find(name) }

func (m *Manager) LinkByIndex(ifindex int) (*Link, bool) { return m.byIndex.Lookup(ifindex) }

func (m *Manager) Links() []*Link { return m.links.Values() }

func (m *Manager) Len() int { return m.links.Len() }

// ManagedCount returns the number of links a network file applies to.
func (m *Manager) ManagedCount() int {
	n := 0
	m.links.ForEach(func(_ string, l *Link) bool {
		if l.Managed() {
			n++
		}
		return true
	})
	return n
}

// InFlight returns the kernel requests outstanding across all trackers.
func (m *Manager) InFlight() int {
	return m.addrs.InFlight() + m.routes.InFlight() + m.fdb.InFlight()
}

func (m *Manager) Sweep(dropNotStarted bool) int { return m.gc.Sweep(dropNotStarted) }

func (m *Manager) destroy(l *Link) {
	m.links.Unregister(l.Name)
	m.log.Debug("Link forgotten.", "link", l.Name, "ifindex", l.Index)
}

func (m *Manager) stateChanged(l *Link, from, to LinkState) {
	metrics.RecordTransition("link", to.String())
	m.log.Debug("Link state changed.", "link", l.Name, "from", from.String(), "to", to.String())
	for _, fn := range m.changed {
		fn(l, from, to)
	}
}

// Reload replaces the network files and reconfigures every present link.
func (m *Manager) Reload(files []*File) {
	m.files = files
	m.syncNetDevs()
	for _, l := range m.links.Values() {
		if l.state == LinkLinger || l.Index <= 0 {
			continue
		}
		m.configure(l)
	}
}

// Reconfigure re-applies the network file of the link called name.
func (m *Manager) Reconfigure(name string) error {
	l, ok := m.links.Find(name)
	if !ok {
		return errdefs.NotFound("link %s", name)
	}
	if l.state == LinkLinger {
		return fmt.Errorf("link %s is gone: %w", name, errdefs.ErrFailedPrecondition)
	}
	m.configure(l)
	return nil
}

// HandleLink applies a kernel link notification.
func (m *Manager) HandleLink(ev nlreq.LinkEvent) {
	if ev.Removed {
		l, ok := m.byIndex.Lookup(ev.Index)
		if !ok {
			return
		}
		m.linger(l)
		return
	}

	if old, ok := m.byIndex.Lookup(ev.Index); ok && old.Name != ev.Name {
		m.log.Info("Link renamed.", "ifindex", ev.Index, "from", old.Name, "to", ev.Name)
		m.linger(old)
		old.Index = 0
		if err := m.links.Reindex(old.Name); err != nil {
			m.log.Warn("Failed to unindex renamed link.", "link", old.Name, "err", err)
		}
	}

	l, created, err := m.links.Register(ev.Name)
	if err != nil {
		m.log.Warn("Cannot track link.", "link", ev.Name, "err", err)
		return
	}
	if l.Index != ev.Index {
		prev := l.Index
		l.Index = ev.Index
		if err := m.links.Reindex(l.Name); err != nil {
			l.Index = prev
			m.log.Warn("Cannot index link.", "link", l.Name, "ifindex", ev.Index, "err", err)
			return
		}
		if l.state == LinkLinger {
			l.setState(LinkPending)
		} else if !created && l.state != LinkPending {
			// Same name, new interface: everything bound to the old
			// index is gone.
			m.release(l)
			l.setState(LinkPending)
		}
	}
	if l.state == LinkLinger {
		l.setState(LinkPending)
	}
	l.Kind = ev.Kind
	l.Up = ev.Up
	l.OperState = ev.OperState
	if created {
		m.log.Debug("Link appeared.", "link", l.Name, "ifindex", l.Index, "kind", l.Kind)
	}
	if l.state == LinkPending {
		m.configure(l)
		return
	}
	l.save()
}

func (m *Manager) linger(l *Link) {
	if l.state == LinkLinger {
		return
	}
	m.dropObjects(l)
	l.lease = nil
	l.setState(LinkLinger)
	m.gc.Add(l)
}

// dropObjects frees the link's objects without kernel requests; the kernel
// removed them with the link. Objects still waiting on the kernel pin the
// link until their request completes.
func (m *Manager) dropObjects(l *Link) {
	pinned := l.draining[:0]
	for _, p := range l.draining {
		if p.InFlight() {
			pinned = append(pinned, p)
		}
	}
	l.draining = pinned
	for k := range l.addrs {
		if obj, ok := m.addrs.Local(k); ok && obj.Spec.LinkIndex == l.Index && m.addrs.Drop(obj) {
			l.draining = append(l.draining, obj)
		}
	}
	for k := range l.routes {
		if obj, ok := m.routes.Local(k); ok && obj.Spec.LinkIndex == l.Index && m.routes.Drop(obj) {
			l.draining = append(l.draining, obj)
		}
	}
	for k := range l.fdb {
		if obj, ok := m.fdb.Local(k); ok && obj.Spec.LinkIndex == l.Index && m.fdb.Drop(obj) {
			l.draining = append(l.draining, obj)
		}
	}
	clear(l.addrs)
	clear(l.routes)
	clear(l.fdb)
}

// release deletes every object the link owns from the kernel.
func (m *Manager) release(l *Link) {
	for k := range l.addrs {
		m.removeAddress(l, k)
	}
	for k := range l.routes {
		m.removeRoute(l, k)
	}
	for k := range l.fdb {
		m.removeFdb(l, k)
	}
}

func (m *Manager) removeAddress(l *Link, k reconcile.AddressKey) {
	delete(l.addrs, k)
	if obj, ok := m.addrs.Local(k); ok && obj.Spec.LinkIndex == l.Index {
		m.addrs.Remove(obj)
	}
}

func (m *Manager) removeRoute(l *Link, k reconcile.RouteKey) {
	delete(l.routes, k)
	if obj, ok := m.routes.Local(k); ok && obj.Spec.LinkIndex == l.Index {
		m.routes.Remove(obj)
	}
}

func (m *Manager) removeFdb(l *Link, k reconcile.FdbKey) {
	delete(l.fdb, k)
	if obj, ok := m.fdb.Local(k); ok && obj.Spec.LinkIndex == l.Index {
		m.fdb.Remove(obj)
	}
}

// configure applies the matching network file to l and any lease it holds.
func (m *Manager) configure(l *Link) {
	file := FindFile(m.files, l.Name)
	l.File = file
	if file == nil && l.lease == nil {
		m.release(l)
		if l.state != LinkPending {
			l.setState(LinkPending)
		}
		l.save()
		return
	}

	var plan Plan
	if file != nil {
		var err error
		if plan, err = file.Plan(l.Index); err != nil {
			m.log.Warn("Invalid network file for link.", "link", l.Name, "file", file.Path, "err", err)
			m.fail(l)
			return
		}
	}
	plan = m.withLease(l, plan)
	l.setState(LinkConfiguring)

	wantAddrs := make(map[reconcile.AddressKey]struct{}, len(plan.Addresses))
	wantRoutes := make(map[reconcile.RouteKey]struct{}, len(plan.Routes))
	wantFdb := make(map[reconcile.FdbKey]struct{}, len(plan.FDB))
	for _, a := range plan.Addresses {
		wantAddrs[a.Key] = struct{}{}
	}
	for _, r := range plan.Routes {
		wantRoutes[r.Key] = struct{}{}
	}
	for _, f := range plan.FDB {
		wantFdb[f.Key] = struct{}{}
	}
	for k := range l.addrs {
		if _, ok := wantAddrs[k]; !ok {
			m.removeAddress(l, k)
		}
	}
	for k := range l.routes {
		if _, ok := wantRoutes[k]; !ok {
			m.removeRoute(l, k)
		}
	}
	for k := range l.fdb {
		if _, ok := wantFdb[k]; !ok {
			m.removeFdb(l, k)
		}
	}

	failed := false
	for _, a := range plan.Addresses {
		obj, outcome, err := m.addrs.GetOrCreate(a.Key, a.Spec)
		if err != nil {
			m.log.Warn("Cannot add address.", "link", l.Name, "address", a.Key.String(), "err", err)
			failed = true
			continue
		}
		l.addrs[a.Key] = struct{}{}
		if outcome != reconcile.Promoted && obj.State() != reconcile.StateConfigured {
			m.addrs.Configure(obj)
		}
		if outcome != reconcile.Existing || obj.Lifetime() != a.Spec.Lifetime {
			m.addrs.SetLifetime(obj, a.Spec.Lifetime)
		}
	}
	for _, r := range plan.Routes {
		obj, outcome, err := m.routes.GetOrCreate(r.Key, r.Spec)
		if err != nil {
			m.log.Warn("Cannot add route.", "link", l.Name, "route", r.Key.String(), "err", err)
			failed = true
			continue
		}
		l.routes[r.Key] = struct{}{}
		if outcome != reconcile.Promoted && obj.State() != reconcile.StateConfigured {
			m.routes.Configure(obj)
		}
		if outcome != reconcile.Existing || obj.Lifetime() != r.Spec.Lifetime {
			m.routes.SetLifetime(obj, r.Spec.Lifetime)
		}
	}
	for _, f := range plan.FDB {
		obj, outcome, err := m.fdb.GetOrCreate(f.Key, f.Spec)
		if err != nil {
			m.log.Warn("Cannot add FDB entry.", "link", l.Name, "fdb", f.Key.String(), "err", err)
			failed = true
			continue
		}
		l.fdb[f.Key] = struct{}{}
		if outcome != reconcile.Promoted && obj.State() != reconcile.StateConfigured {
			m.fdb.Configure(obj)
		}
	}
	if failed {
		m.fail(l)
		return
	}
	m.checkConverged(l)
}

func (m *Manager) fail(l *Link) {
	if l.state == LinkPending {
		l.setState(LinkConfiguring)
	}
	l.setState(LinkFailed)
}

// requeueLingering queues lingering links for collection once nothing of
// theirs is left in flight. A sweep that found them pinned dropped them from
// the queue.
func (m *Manager) requeueLingering() {
	for _, l := range m.links.Values() {
		if l.state == LinkLinger && l.inFlight() == 0 {
			l.draining = nil
			m.gc.Add(l)
		}
	}
}

func (m *Manager) objectChanged(ifindex int) {
	l, ok := m.byIndex.Lookup(ifindex)
	if !ok {
		return
	}
	m.checkConverged(l)
}

// checkConverged moves a configuring link to CONFIGURED once every object
// it owns is configured, or to FAILED when the kernel rejected one.
func (m *Manager) checkConverged(l *Link) {
	if l.state != LinkConfiguring && l.state != LinkConfigured {
		return
	}
	pending := false
	for k := range l.addrs {
		obj, ok := m.addrs.Local(k)
		switch {
		case !ok:
		case obj.State() == reconcile.StateFailed:
			l.setState(LinkFailed)
			return
		case obj.State() != reconcile.StateConfigured:
			pending = true
		}
	}
	for k := range l.routes {
		obj, ok := m.routes.Local(k)
		switch {
		case !ok:
		case obj.State() == reconcile.StateFailed:
			l.setState(LinkFailed)
			return
		case obj.State() != reconcile.StateConfigured:
			pending = true
		}
	}
	for k := range l.fdb {
		obj, ok := m.fdb.Local(k)
		switch {
		case !ok:
		case obj.State() == reconcile.StateFailed:
			l.setState(LinkFailed)
			return
		case obj.State() != reconcile.StateConfigured:
			pending = true
		}
	}
	if pending {
		if l.state == LinkConfigured {
			l.setState(LinkConfiguring)
		}
		return
	}
	l.setState(LinkConfigured)
}

// HandleAddr records kernel address notifications. A configured address
// the kernel dropped is re-applied when its link is still configured.
func (m *Manager) HandleAddr(ev nlreq.AddrEvent) {
	key := reconcile.NewAddressKey(ev.Prefix)
	if !ev.Removed {
		m.addrs.Observe(key, reconcile.AddressSpec{LinkIndex: ev.LinkIndex})
		return
	}
	m.addrs.Forget(key)
	if obj, ok := m.addrs.Local(key); ok && obj.State() == reconcile.StateUnconfigured {
		if l, ok := m.byIndex.Lookup(obj.Spec.LinkIndex); ok && l.state != LinkLinger && l.state != LinkFailed {
			m.addrs.Configure(obj)
		}
	}
}

func (m *Manager) HandleRoute(ev nlreq.RouteEvent) {
	key, spec, ok := reconcile.RouteFromKernel(ev.Route)
	if !ok {
		return
	}
	if !ev.Removed {
		m.routes.Observe(key, spec)
		return
	}
	m.routes.Forget(key)
	if obj, ok := m.routes.Local(key); ok && obj.State() == reconcile.StateUnconfigured {
		if l, ok := m.byIndex.Lookup(obj.Spec.LinkIndex); ok && l.state != LinkLinger && l.state != LinkFailed {
			m.routes.Configure(obj)
		}
	}
}

func (m *Manager) HandleNeigh(ev nlreq.NeighEvent) {
	key, spec, ok := reconcile.FdbFromKernel(ev.Neigh)
	if !ok {
		return
	}
	if ev.Removed {
		m.fdb.Forget(key)
		return
	}
	m.fdb.Observe(key, spec)
}

// Handlers returns the kernel monitor callbacks for this manager.
func (m *Manager) Handlers() nlreq.Handlers {
	return nlreq.Handlers{
		Link:  m.HandleLink,
		Addr:  m.HandleAddr,
		Route: m.HandleRoute,
		Neigh: m.HandleNeigh,
	}
}

// LeaseAcquired installs a leased address and, with a gateway, a default
// route, both expiring with the lease. It returns the lease generation.
// Leases for failed or vanished links are ignored.
func (m *Manager) LeaseAcquired(ifindex int, lease Lease) (uint64, error) {
	if !lease.Address.IsValid() {
		return 0, errdefs.Invalid("address", "lease address is required")
	}
	if lease.Gateway.IsValid() && lease.Gateway.Is4() != lease.Address.Addr().Is4() {
		return 0, errdefs.Invalid("gateway", "gateway %s and address %s differ in family", lease.Gateway, lease.Address)
	}
	if lease.Lifetime < 0 {
		return 0, errdefs.Invalid("lifetime", "negative lease lifetime")
	}
	l, ok := m.byIndex.Lookup(ifindex)
	if !ok {
		return 0, errdefs.NotFound("link %d", ifindex)
	}
	if l.state == LinkFailed || l.state == LinkLinger {
		m.log.Debug("Dropping lease for inactive link.", "link", l.Name, "state", l.state.String())
		return 0, nil
	}
	m.nextLease++
	lease.Generation = m.nextLease
	l.lease = &lease
	m.log.Info("Lease acquired.", "link", l.Name, "address", lease.Address.String(), "lifetime", lease.Lifetime)
	m.configure(l)
	m.renewLease(l)
	return lease.Generation, nil
}

// renewLease restarts the lifetimes of the lease's objects; an acquisition
// of an address already held is a renewal.
func (m *Manager) renewLease(l *Link) {
	plan := m.withLease(l, Plan{})
	for _, a := range plan.Addresses {
		if obj, ok := m.addrs.Local(a.Key); ok && obj.Spec.LinkIndex == l.Index {
			m.addrs.SetLifetime(obj, a.Spec.Lifetime)
		}
	}
	for _, r := range plan.Routes {
		if obj, ok := m.routes.Local(r.Key); ok && obj.Spec.LinkIndex == l.Index {
			m.routes.SetLifetime(obj, r.Spec.Lifetime)
		}
	}
}

// LeaseExpired withdraws the lease with generation gen. Superseded leases
// and inactive links are ignored.
func (m *Manager) LeaseExpired(ifindex int, gen uint64) error {
	l, ok := m.byIndex.Lookup(ifindex)
	if !ok {
		return errdefs.NotFound("link %d", ifindex)
	}
	if l.lease == nil || l.lease.Generation != gen || l.state == LinkFailed || l.state == LinkLinger {
		m.log.Debug("Dropping stale lease expiry.", "link", l.Name, "generation", gen)
		return nil
	}
	m.log.Info("Lease expired.", "link", l.Name, "address", l.lease.Address.String())
	l.lease = nil
	m.configure(l)
	return nil
}

func (m *Manager) withLease(l *Link, plan Plan) Plan {
	if l.lease == nil {
		return plan
	}
	lease := l.lease
	plan.Addresses = append(plan.Addresses, PlannedAddress{
		Key:  reconcile.NewAddressKey(lease.Address),
		Spec: reconcile.AddressSpec{LinkIndex: l.Index, Lifetime: lease.Lifetime},
	})
	if lease.Gateway.IsValid() {
		dst := netip.PrefixFrom(netip.IPv4Unspecified(), 0)
		if lease.Gateway.Is6() {
			dst = netip.PrefixFrom(netip.IPv6Unspecified(), 0)
		}
		plan.Routes = append(plan.Routes, PlannedRoute{
			Key: reconcile.NewRouteKey(dst, 0, DefaultLeaseRouteMetric, 0),
			Spec: reconcile.RouteSpec{
				LinkIndex: l.Index,
				Gateway:   lease.Gateway,
				Lifetime:  lease.Lifetime,
			},
		})
	}
	return plan
}

// EnsureStateDir creates the link state directory.
func (m *Manager) EnsureStateDir() error {
	if m.stateDir == "" {
		return nil
	}
	if err := os.MkdirAll(m.stateDir, 0o755); err != nil {
		return fmt.Errorf("create link state dir: %w", err)
	}
	return nil
}

// Close stops netdev endpoint retries.
func (m *Manager) Close() {
	for _, nd := range m.netdevs {
		nd.stop()
	}
}
