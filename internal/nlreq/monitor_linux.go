//go:build linux

package nlreq

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"steward/internal/eventloop"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Monitor subscribes to link, address, route and neighbour updates and
// forwards them to hs on the loop until ctx is cancelled. Existing kernel
// objects are replayed first so callers can seed their foreign sets.
func Monitor(ctx context.Context, loop *eventloop.Loop, hs Handlers) error {
	log := slog.With("component", "nlmon")
	onErr := func(err error) {
		log.Warn("Netlink subscription error.", "err", err)
	}
	done := ctx.Done()

	if hs.Link != nil {
		ch := make(chan netlink.LinkUpdate, 64)
		if err := netlink.LinkSubscribeWithOptions(ch, done, netlink.LinkSubscribeOptions{
			ListExisting:  true,
			ErrorCallback: onErr,
		}); err != nil {
			return fmt.Errorf("subscribe links: %w", err)
		}
		go forward(loop, ch, hs.Link, linkEvent)
	}
	if hs.Addr != nil {
		ch := make(chan netlink.AddrUpdate, 64)
		if err := netlink.AddrSubscribeWithOptions(ch, done, netlink.AddrSubscribeOptions{
			ListExisting:  true,
			ErrorCallback: onErr,
		}); err != nil {
			return fmt.Errorf("subscribe addresses: %w", err)
		}
		go forward(loop, ch, hs.Addr, addrEvent)
	}
	if hs.Route != nil {
		ch := make(chan netlink.RouteUpdate, 64)
		if err := netlink.RouteSubscribeWithOptions(ch, done, netlink.RouteSubscribeOptions{
			ListExisting:  true,
			ErrorCallback: onErr,
		}); err != nil {
			return fmt.Errorf("subscribe routes: %w", err)
		}
		go forward(loop, ch, hs.Route, func(u netlink.RouteUpdate) RouteEvent {
			return RouteEvent{Route: u.Route, Removed: u.Type == unix.RTM_DELROUTE}
		})
	}
	if hs.Neigh != nil {
		ch := make(chan netlink.NeighUpdate, 64)
		if err := netlink.NeighSubscribeWithOptions(ch, done, netlink.NeighSubscribeOptions{
			ListExisting:  true,
			ErrorCallback: onErr,
		}); err != nil {
			return fmt.Errorf("subscribe neighbours: %w", err)
		}
		go forward(loop, ch, hs.Neigh, func(u netlink.NeighUpdate) NeighEvent {
			return NeighEvent{Neigh: u.Neigh, Removed: u.Type == unix.RTM_DELNEIGH}
		})
	}
	return nil
}

func forward[U, E any](loop *eventloop.Loop, ch <-chan U, handle func(E), convert func(U) E) {
	for u := range ch {
		ev := convert(u)
		loop.Post(func() { handle(ev) })
	}
}

func linkEvent(u netlink.LinkUpdate) LinkEvent {
	attrs := u.Link.Attrs()
	return LinkEvent{
		Index:     attrs.Index,
		Name:      attrs.Name,
		Kind:      u.Link.Type(),
		Up:        attrs.Flags&net.FlagUp != 0,
		OperState: attrs.OperState.String(),
		Removed:   u.Header.Type == unix.RTM_DELLINK,
	}
}

func addrEvent(u netlink.AddrUpdate) AddrEvent {
	ones, _ := u.LinkAddress.Mask.Size()
	addr, _ := netip.AddrFromSlice(u.LinkAddress.IP)
	return AddrEvent{
		LinkIndex: u.LinkIndex,
		Prefix:    netip.PrefixFrom(addr.Unmap(), ones),
		Removed:   !u.NewAddr,
	}
}
