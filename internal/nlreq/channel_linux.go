//go:build linux

package nlreq

import (
	"fmt"
	"log/slog"
	"sync"

	"steward/internal/errdefs"
	"steward/internal/eventloop"

	"github.com/vishvananda/netlink"
)

// NetlinkChannel executes requests sequentially on a worker goroutine and
// posts each completion back onto the loop.
type NetlinkChannel struct {
	loop *eventloop.Loop
	h    *netlink.Handle
	log  *slog.Logger

	mu     sync.Mutex
	queue  []job
	wake   chan struct{}
	next   Handle
	closed bool
	done   chan struct{}
}

type job struct {
	id   Handle
	req  Request
	done func(error)
}

var _ Channel = (*NetlinkChannel)(nil)

func NewNetlinkChannel(loop *eventloop.Loop) (*NetlinkChannel, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("open netlink handle: %w", err)
	}
	c := &NetlinkChannel{
		loop: loop,
		h:    h,
		log:  slog.With("component", "nlreq"),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go c.worker()
	return c, nil
}

func (c *NetlinkChannel) Submit(req Request, done func(error)) Handle {
	c.mu.Lock()
	c.next++
	id := c.next
	if c.closed {
		c.mu.Unlock()
		c.loop.Post(func() { done(errdefs.Kernel(req.String(), errdefs.ErrUnavailable)) })
		return id
	}
	c.queue = append(c.queue, job{id: id, req: req, done: done})
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return id
}

func (c *NetlinkChannel) worker() {
	defer close(c.done)
	for {
		c.mu.Lock()
		if len(c.queue) == 0 {
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			<-c.wake
			continue
		}
		j := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		err := c.exec(j.req)
		if err != nil {
			err = errdefs.Kernel(j.req.String(), err)
		}
		c.log.Debug("Kernel request completed.", "handle", j.id, "req", j.req.String(), "err", err)
		done := j.done
		c.loop.Post(func() { done(err) })
	}
}

func (c *NetlinkChannel) exec(req Request) error {
	switch req.Object {
	case ObjectAddress:
		link := &netlink.Device{LinkAttrs: netlink.LinkAttrs{Index: req.LinkIndex}}
		if req.Op == OpDelete {
			return c.h.AddrDel(link, req.Addr)
		}
		return c.h.AddrAdd(link, req.Addr)
	case ObjectRoute:
		if req.Op == OpDelete {
			return c.h.RouteDel(req.Route)
		}
		return c.h.RouteAdd(req.Route)
	case ObjectNeigh:
		if req.Op == OpDelete {
			return c.h.NeighDel(req.Neigh)
		}
		return c.h.NeighAdd(req.Neigh)
	default:
		return fmt.Errorf("unknown request object %s: %w", req.Object, errdefs.ErrInvalidArgument)
	}
}

// Close stops the worker after the queued requests drain.
func (c *NetlinkChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
	<-c.done
	c.h.Close()
	return nil
}
