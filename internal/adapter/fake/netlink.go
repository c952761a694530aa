package fake

import (
	"sync"

	"steward/internal/nlreq"
)

var _ nlreq.Channel = (*NetlinkChannel)(nil)

// NetlinkChannel holds submitted requests until the test completes them.
// Completions run on the caller's goroutine, which stands in for the loop.
type NetlinkChannel struct {
	CallRecorder
	mu        sync.Mutex
	next      nlreq.Handle
	pending   []pendingRequest
	submitted []nlreq.Request
}

type pendingRequest struct {
	handle nlreq.Handle
	req    nlreq.Request
	done   func(error)
}

func NewNetlinkChannel() *NetlinkChannel {
	return &NetlinkChannel{}
}

func (c *NetlinkChannel) Submit(req nlreq.Request, done func(error)) nlreq.Handle {
	c.record("Submit", req)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.next++
	c.pending = append(c.pending, pendingRequest{handle: c.next, req: req, done: done})
	c.submitted = append(c.submitted, req)
	return c.next
}

// Pending returns the requests not yet completed, oldest first.
func (c *NetlinkChannel) Pending() []nlreq.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]nlreq.Request, len(c.pending))
	for i, p := range c.pending {
		out[i] = p.req
	}
	return out
}

// Submitted returns every request ever submitted.
func (c *NetlinkChannel) Submitted() []nlreq.Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]nlreq.Request, len(c.submitted))
	copy(out, c.submitted)
	return out
}

// CompleteNext completes the oldest pending request with err. It reports
// false when nothing is pending.
func (c *NetlinkChannel) CompleteNext(err error) bool {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return false
	}
	p := c.pending[0]
	c.pending = c.pending[1:]
	c.mu.Unlock()

	p.done(err)
	return true
}

// Complete completes the request identified by h.
func (c *NetlinkChannel) Complete(h nlreq.Handle, err error) bool {
	c.mu.Lock()
	for i, p := range c.pending {
		if p.handle == h {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.mu.Unlock()
			p.done(err)
			return true
		}
	}
	c.mu.Unlock()
	return false
}

// CompleteAll completes every request pending at call time and returns how
// many were completed. Requests submitted by the completions stay pending.
func (c *NetlinkChannel) CompleteAll(err error) int {
	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, p := range batch {
		p.done(err)
	}
	return len(batch)
}
