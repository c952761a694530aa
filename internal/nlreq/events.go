package nlreq

import (
	"net/netip"

	"github.com/vishvananda/netlink"
)

type LinkEvent struct {
	Index     int
	Name      string
	Kind      string
	Up        bool
	OperState string
	Removed   bool
}

type AddrEvent struct {
	LinkIndex int
	Prefix    netip.Prefix
	Removed   bool
}

type RouteEvent struct {
	Route   netlink.Route
	Removed bool
}

type NeighEvent struct {
	Neigh   netlink.Neigh
	Removed bool
}

// Handlers receive kernel monitor events on the event loop. Nil handlers
// skip the subscription.
type Handlers struct {
	Link  func(LinkEvent)
	Addr  func(AddrEvent)
	Route func(RouteEvent)
	Neigh func(NeighEvent)
}
