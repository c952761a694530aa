// Package operation tracks asynchronous requests a client is waiting on,
// such as a machine start blocked on its scope unit's start job.
package operation

import (
	"fmt"
	"time"

	"steward/internal/metrics"
)

type Operation struct {
	ID      uint64
	Kind    string
	Target  string
	Started time.Time

	set  *Set
	done bool
	// reply receives the final result exactly once.
	reply func(error)
}

// Done completes the operation with err and delivers it to the waiting
// client. Completing an operation twice is a no-op.
func (o *Operation) Done(err error) {
	if o.done {
		return
	}
	o.done = true
	o.set.remove(o)
	if o.reply != nil {
		o.reply(err)
	}
}

func (o *Operation) String() string {
	return fmt.Sprintf("%s/%s#%d", o.Kind, o.Target, o.ID)
}

// Set holds the outstanding operations. It lives on the event loop.
type Set struct {
	now      func() time.Time
	next     uint64
	ops      map[uint64]*Operation
	byTarget map[string]int
}

func NewSet(now func() time.Time) *Set {
	if now == nil {
		now = time.Now
	}
	return &Set{
		now:      now,
		ops:      make(map[uint64]*Operation),
		byTarget: make(map[string]int),
	}
}

// Begin registers an operation on target; reply, if non-nil, receives the
// result passed to Done.
func (s *Set) Begin(kind, target string, reply func(error)) *Operation {
	s.next++
	op := &Operation{
		ID:      s.next,
		Kind:    kind,
		Target:  target,
		Started: s.now(),
		set:     s,
		reply:   reply,
	}
	s.ops[op.ID] = op
	s.byTarget[target]++
	metrics.OperationsOutstanding.Set(float64(len(s.ops)))
	return op
}

func (s *Set) remove(o *Operation) {
	if _, ok := s.ops[o.ID]; !ok {
		return
	}
	delete(s.ops, o.ID)
	if s.byTarget[o.Target]--; s.byTarget[o.Target] <= 0 {
		delete(s.byTarget, o.Target)
	}
	metrics.OperationsOutstanding.Set(float64(len(s.ops)))
}

// Len returns the number of outstanding operations.
func (s *Set) Len() int { return len(s.ops) }

// Outstanding returns the number of operations on target.
func (s *Set) Outstanding(target string) int { return s.byTarget[target] }

// Fail completes every operation on target with err.
func (s *Set) Fail(target string, err error) int {
	var victims []*Operation
	for _, op := range s.ops {
		if op.Target == target {
			victims = append(victims, op)
		}
	}
	for _, op := range victims {
		op.Done(err)
	}
	return len(victims)
}
