package network

import (
	"encoding/json"
	"net/netip"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"steward/internal/check"
	"steward/internal/property"
	"steward/internal/reconcile"
	"steward/internal/statefile"
)

type LinkState uint8

const (
	LinkPending LinkState = iota + 1
	LinkConfiguring
	LinkConfigured
	LinkFailed
	LinkLinger
)

func (s LinkState) String() string {
	switch s {
	case LinkPending:
		return "pending"
	case LinkConfiguring:
		return "configuring"
	case LinkConfigured:
		return "configured"
	case LinkFailed:
		return "failed"
	case LinkLinger:
		return "linger"
	default:
		return "unknown"
	}
}

func (s LinkState) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s LinkState) canTransition(to LinkState) bool {
	if to == LinkLinger {
		return s != LinkLinger
	}
	switch s {
	case LinkPending:
		return to == LinkConfiguring
	case LinkConfiguring:
		return to == LinkConfigured || to == LinkFailed || to == LinkPending
	case LinkConfigured, LinkFailed:
		return to == LinkConfiguring || to == LinkPending
	case LinkLinger:
		return to == LinkPending
	}
	return false
}

// Lease is a dynamically acquired address with its default gateway.
type Lease struct {
	Address  netip.Prefix
	Gateway  netip.Addr
	Lifetime time.Duration
	// Generation identifies the lease; expiry events for older
	// generations are stale.
	Generation uint64
}

// Link is a kernel network interface known by name.
type Link struct {
	Name      string
	Index     int
	Kind      string
	Up        bool
	OperState string
	File      *File

	state LinkState
	// Objects this link asked the trackers for.
	addrs  map[reconcile.AddressKey]struct{}
	routes map[reconcile.RouteKey]struct{}
	fdb    map[reconcile.FdbKey]struct{}
	lease  *Lease
	// Objects dropped at removal whose kernel request had not completed.
	draining []pin

	removed bool
	mgr     *Manager
}

func newLink(name string, mgr *Manager) *Link {
	return &Link{
		Name:   name,
		state:  LinkPending,
		addrs:  make(map[reconcile.AddressKey]struct{}),
		routes: make(map[reconcile.RouteKey]struct{}),
		fdb:    make(map[reconcile.FdbKey]struct{}),
		mgr:    mgr,
	}
}

func (l *Link) State() LinkState { return l.state }
func (l *Link) Lease() *Lease    { return l.lease }
func (l *Link) Removed() bool    { return l.removed }

// Managed reports whether a network file applies to the link.
func (l *Link) Managed() bool { return l.File != nil && l.state != LinkLinger }

func (l *Link) setState(to LinkState) {
	from := l.state
	if from == to {
		return
	}
	check.Assertf(from.canTransition(to), "link %s state transition: %s -> %s", l.Name, from, to)
	l.state = to
	l.mgr.stateChanged(l, from, to)
	l.save()
}

type pin interface{ InFlight() bool }

// inFlight counts the link's objects with a kernel request outstanding,
// including those dropped when the link went away.
func (l *Link) inFlight() int {
	n := 0
	for _, p := range l.draining {
		if p.InFlight() {
			n++
		}
	}
	for k := range l.addrs {
		if obj, ok := l.mgr.addrs.Local(k); ok && obj.InFlight() {
			n++
		}
	}
	for k := range l.routes {
		if obj, ok := l.mgr.routes.Local(k); ok && obj.InFlight() {
			n++
		}
	}
	for k := range l.fdb {
		if obj, ok := l.mgr.fdb.Local(k); ok && obj.InFlight() {
			n++
		}
	}
	return n
}

// MayCollect reports whether a lingering link can be forgotten.
func (l *Link) MayCollect(bool) bool {
	return l.state == LinkLinger && l.inFlight() == 0
}

func (l *Link) Closing() bool { return l.state == LinkLinger }

func (l *Link) Stop() {}

func (l *Link) Finalize() {
	check.Assertf(l.state == LinkLinger, "finalize link %s in state %s", l.Name, l.state)
	if l.Index > 0 {
		if err := statefile.Remove(l.statePath()); err != nil {
			l.mgr.log.Warn("Failed to remove link state file.", "link", l.Name, "err", err)
		}
	}
	l.removed = true
}

func (l *Link) statePath() string {
	return filepath.Join(l.mgr.stateDir, strconv.Itoa(l.Index))
}

func (l *Link) save() {
	if l.removed || l.Index <= 0 || l.mgr.stateDir == "" {
		return
	}
	admin := l.state.String()
	if l.File == nil && l.state == LinkPending {
		admin = "unmanaged"
	}
	vals := map[string]string{
		"NAME":        l.Name,
		"ADMIN_STATE": admin,
		"OPER_STATE":  l.OperState,
		"KIND":        l.Kind,
	}
	if l.File != nil {
		vals["NETWORK_FILE"] = l.File.Path
	}
	if l.lease != nil {
		vals["LEASE_ADDRESS"] = l.lease.Address.String()
		if l.lease.Gateway.IsValid() {
			vals["LEASE_GATEWAY"] = l.lease.Gateway.String()
		}
	}
	if err := statefile.Write(l.statePath(), vals); err != nil {
		l.mgr.log.Warn("Failed to save link state.", "link", l.Name, "err", err)
	}
}

func (l *Link) AddressList() []string {
	out := make([]string, 0, len(l.addrs))
	for k := range l.addrs {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}

func (l *Link) RouteList() []string {
	keys := make([]reconcile.RouteKey, 0, len(l.routes))
	for k := range l.routes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return reconcile.CompareRoutes(keys[i], keys[j]) < 0 })
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.String()
	}
	return out
}

func (l *Link) FdbList() []string {
	out := make([]string, 0, len(l.fdb))
	for k := range l.fdb {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}

var linkProperties = []string{"Name", "Index", "Kind", "OperState", "State", "NetworkFile", "Addresses", "Routes", "FDB", "Lease"}

var _ property.Provider = (*Link)(nil)

func (l *Link) PropertyNames() []string { return property.Names(linkProperties) }

func (l *Link) Property(name string) (any, error) {
	switch name {
	case "Name":
		return l.Name, nil
	case "Index":
		return l.Index, nil
	case "Kind":
		return l.Kind, nil
	case "OperState":
		return l.OperState, nil
	case "State":
		return l.state.String(), nil
	case "NetworkFile":
		if l.File == nil {
			return "", nil
		}
		return l.File.Path, nil
	case "Addresses":
		return l.AddressList(), nil
	case "Routes":
		return l.RouteList(), nil
	case "FDB":
		return l.FdbList(), nil
	case "Lease":
		if l.lease == nil {
			return "", nil
		}
		return l.lease.Address.String(), nil
	default:
		return nil, property.Unknown("link", name)
	}
}

// SetProperty fails: link properties come from network files and the
// kernel.
func (l *Link) SetProperty(name, _ string) error {
	if _, err := l.Property(name); err != nil {
		return err
	}
	return property.ReadOnly(name)
}
