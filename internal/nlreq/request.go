// Package nlreq is the asynchronous request channel to the kernel's
// routing netlink family.
//
// Every Submit produces exactly one completion, delivered on the event loop.
// A nil completion error means the kernel acknowledged the request; anything
// else is an *errdefs.KernelError carrying the kernel errno.
package nlreq

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

type Op int

const (
	OpAdd Op = iota
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

type Object int

const (
	ObjectAddress Object = iota
	ObjectRoute
	ObjectNeigh
)

func (o Object) String() string {
	switch o {
	case ObjectAddress:
		return "address"
	case ObjectRoute:
		return "route"
	case ObjectNeigh:
		return "fdb"
	default:
		return fmt.Sprintf("object(%d)", int(o))
	}
}

// Request describes one kernel mutation. Exactly one of Addr, Route or Neigh
// is set, matching Object.
type Request struct {
	Op        Op
	Object    Object
	LinkIndex int
	Desc      string

	Addr  *netlink.Addr
	Route *netlink.Route
	Neigh *netlink.Neigh
}

func (r Request) String() string {
	return fmt.Sprintf("%s %s %s", r.Op, r.Object, r.Desc)
}

// Handle identifies a submitted request in logs.
type Handle uint64

// Channel submits kernel requests.
//
// Production: NetlinkChannel (one worker goroutine with a netlink.Handle).
// Testing: fake.NetlinkChannel.
type Channel interface {
	Submit(req Request, done func(error)) Handle
}
