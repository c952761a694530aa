package reconcile

import (
	"cmp"
	"fmt"
	"net"
	"net/netip"
	"time"

	"steward/internal/nlreq"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

func familyOf(a netip.Addr) int {
	if a.Is4() {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// RouteKey identifies a route. Keys order lexicographically by family,
// destination, prefix length, tos, priority and table.
type RouteKey struct {
	Fam       int
	Dst       netip.Addr
	PrefixLen int
	TOS       uint8
	Priority  uint32
	Table     uint32
}

// NewRouteKey builds a key for dst, normalising the destination to its
// network address. Table 0 means the main table.
func NewRouteKey(dst netip.Prefix, tos uint8, priority, table uint32) RouteKey {
	dst = dst.Masked()
	if table == 0 {
		table = unix.RT_TABLE_MAIN
	}
	return RouteKey{
		Fam:       familyOf(dst.Addr()),
		Dst:       dst.Addr(),
		PrefixLen: dst.Bits(),
		TOS:       tos,
		Priority:  priority,
		Table:     table,
	}
}

func (k RouteKey) Family() int { return k.Fam }

func (k RouteKey) Prefix() netip.Prefix { return netip.PrefixFrom(k.Dst, k.PrefixLen) }

func (k RouteKey) String() string {
	return fmt.Sprintf("%s tos %d metric %d table %d", k.Prefix(), k.TOS, k.Priority, k.Table)
}

// CompareRoutes orders route keys. It returns 0 exactly when a == b.
func CompareRoutes(a, b RouteKey) int {
	if c := cmp.Compare(a.Fam, b.Fam); c != 0 {
		return c
	}
	if c := a.Dst.Compare(b.Dst); c != 0 {
		return c
	}
	if c := cmp.Compare(a.PrefixLen, b.PrefixLen); c != 0 {
		return c
	}
	if c := cmp.Compare(a.TOS, b.TOS); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
		return c
	}
	return cmp.Compare(a.Table, b.Table)
}

type RouteSpec struct {
	LinkIndex int
	Gateway   netip.Addr
	Scope     netlink.Scope
	Lifetime  time.Duration
}

func RouteRequest(op nlreq.Op, k RouteKey, s RouteSpec) nlreq.Request {
	r := &netlink.Route{
		LinkIndex: s.LinkIndex,
		Dst:       ipNet(k.Prefix()),
		Family:    k.Fam,
		Tos:       int(k.TOS),
		Priority:  int(k.Priority),
		Table:     int(k.Table),
		Scope:     s.Scope,
		Protocol:  unix.RTPROT_STATIC,
	}
	if s.Gateway.IsValid() {
		r.Gw = s.Gateway.AsSlice()
	}
	return nlreq.Request{Op: op, Object: nlreq.ObjectRoute, LinkIndex: s.LinkIndex, Desc: k.String(), Route: r}
}

// RouteFromKernel converts a monitored route into a key and spec. Routes
// without a usable destination family are skipped.
func RouteFromKernel(r netlink.Route) (RouteKey, RouteSpec, bool) {
	var dst netip.Prefix
	switch {
	case r.Dst != nil:
		addr, ok := netip.AddrFromSlice(r.Dst.IP)
		if !ok {
			return RouteKey{}, RouteSpec{}, false
		}
		ones, _ := r.Dst.Mask.Size()
		dst = netip.PrefixFrom(addr.Unmap(), ones)
	case r.Family == unix.AF_INET:
		dst = netip.PrefixFrom(netip.IPv4Unspecified(), 0)
	case r.Family == unix.AF_INET6:
		dst = netip.PrefixFrom(netip.IPv6Unspecified(), 0)
	default:
		return RouteKey{}, RouteSpec{}, false
	}
	spec := RouteSpec{LinkIndex: r.LinkIndex, Scope: r.Scope}
	if gw, ok := netip.AddrFromSlice(r.Gw); ok {
		spec.Gateway = gw.Unmap()
	}
	return NewRouteKey(dst, uint8(r.Tos), uint32(r.Priority), uint32(r.Table)), spec, true
}

// AddressKey identifies an interface address.
type AddressKey struct {
	Fam       int
	Addr      netip.Addr
	PrefixLen int
}

func NewAddressKey(p netip.Prefix) AddressKey {
	return AddressKey{Fam: familyOf(p.Addr()), Addr: p.Addr(), PrefixLen: p.Bits()}
}

func (k AddressKey) Family() int           { return k.Fam }
func (k AddressKey) Prefix() netip.Prefix { return netip.PrefixFrom(k.Addr, k.PrefixLen) }
func (k AddressKey) String() string       { return k.Prefix().String() }

type AddressSpec struct {
	LinkIndex int
	Label     string
	Lifetime  time.Duration
}

func AddressRequest(op nlreq.Op, k AddressKey, s AddressSpec) nlreq.Request {
	a := &netlink.Addr{IPNet: ipNet(k.Prefix()), Label: s.Label}
	if s.Lifetime > 0 {
		secs := int(s.Lifetime / time.Second)
		a.ValidLft, a.PreferedLft = secs, secs
	}
	return nlreq.Request{Op: op, Object: nlreq.ObjectAddress, LinkIndex: s.LinkIndex, Desc: k.String(), Addr: a}
}

// FdbKey identifies a bridge forwarding database entry.
type FdbKey struct {
	MAC  [6]byte
	VLAN uint16
}

func NewFdbKey(mac net.HardwareAddr, vlan uint16) (FdbKey, error) {
	if len(mac) != 6 {
		return FdbKey{}, fmt.Errorf("fdb mac %q: want 6 bytes, got %d", mac, len(mac))
	}
	var k FdbKey
	copy(k.MAC[:], mac)
	k.VLAN = vlan
	return k, nil
}

func (k FdbKey) Family() int { return unix.AF_BRIDGE }

func (k FdbKey) HardwareAddr() net.HardwareAddr { return net.HardwareAddr(k.MAC[:]) }

func (k FdbKey) String() string {
	return fmt.Sprintf("%s vlan %d", k.HardwareAddr(), k.VLAN)
}

type FdbSpec struct {
	LinkIndex int
	Dst       netip.Addr
}

func FdbRequest(op nlreq.Op, k FdbKey, s FdbSpec) nlreq.Request {
	n := &netlink.Neigh{
		LinkIndex:    s.LinkIndex,
		Family:       unix.AF_BRIDGE,
		State:        netlink.NUD_NOARP | netlink.NUD_PERMANENT,
		Flags:        netlink.NTF_SELF,
		HardwareAddr: k.HardwareAddr(),
		Vlan:         int(k.VLAN),
	}
	if s.Dst.IsValid() {
		n.IP = s.Dst.AsSlice()
	}
	return nlreq.Request{Op: op, Object: nlreq.ObjectNeigh, LinkIndex: s.LinkIndex, Desc: k.String(), Neigh: n}
}

// FdbFromKernel converts a monitored bridge neighbour into a key and spec.
func FdbFromKernel(n netlink.Neigh) (FdbKey, FdbSpec, bool) {
	if n.Family != unix.AF_BRIDGE {
		return FdbKey{}, FdbSpec{}, false
	}
	k, err := NewFdbKey(n.HardwareAddr, uint16(n.Vlan))
	if err != nil {
		return FdbKey{}, FdbSpec{}, false
	}
	spec := FdbSpec{LinkIndex: n.LinkIndex}
	if ip, ok := netip.AddrFromSlice(n.IP); ok {
		spec.Dst = ip.Unmap()
	}
	return k, spec, true
}

func ipNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
