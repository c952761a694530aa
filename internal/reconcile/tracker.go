// Package reconcile converges desired kernel objects (addresses, routes,
// FDB entries) with what the kernel reports.
//
// A Tracker keeps two disjoint sets per object type. Local objects were
// requested by this process and are driven through the kernel channel.
// Foreign objects were observed in the kernel without being requested; they
// may be promoted to local by GetOrCreate but never demoted back.
package reconcile

import (
	"fmt"
	"log/slog"
	"time"

	"steward/internal/check"
	"steward/internal/errdefs"
	"steward/internal/eventloop"
	"steward/internal/metrics"
	"steward/internal/nlreq"
)

// Key identifies a reconciled object. Equal keys must compare equal under ==.
type Key interface {
	comparable
	Family() int
	String() string
}

type Outcome int

const (
	Existing Outcome = iota
	Promoted
	Created
)

func (o Outcome) String() string {
	switch o {
	case Existing:
		return "existing"
	case Promoted:
		return "promoted"
	case Created:
		return "created"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type State int

const (
	StateUnconfigured State = iota
	StateConfiguring
	StateConfigured
	StateFailed
	StateRemoving
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfiguring:
		return "configuring"
	case StateConfigured:
		return "configured"
	case StateFailed:
		return "failed"
	case StateRemoving:
		return "removing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Object is a locally managed kernel object.
type Object[K Key, S any] struct {
	Key  K
	Spec S

	state     State
	lastErr   error
	inflight  bool
	queued    nlreq.Op
	hasQueued bool
	removed   bool
	// dropping marks an object whose owner let go while a request was in
	// flight; it is freed when that request completes.
	dropping bool
	expiry   eventloop.Timer
	lifetime time.Duration
}

func (o *Object[K, S]) State() State { return o.state }

// Err returns the error of the last rejected request.
func (o *Object[K, S]) Err() error { return o.lastErr }

// InFlight reports whether a kernel request for o is outstanding.
func (o *Object[K, S]) InFlight() bool { return o.inflight }

// Removed reports whether o has been freed from its tracker.
func (o *Object[K, S]) Removed() bool { return o.removed }

// Lifetime returns the lifetime last armed by SetLifetime.
func (o *Object[K, S]) Lifetime() time.Duration { return o.lifetime }

// Scheduler arms timers whose callbacks run on the event loop.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) eventloop.Timer
}

// Builder turns a key and spec into a kernel request.
type Builder[K Key, S any] func(op nlreq.Op, key K, spec S) nlreq.Request

type Config[K Key, S any] struct {
	Name      string
	Channel   nlreq.Channel
	Scheduler Scheduler
	Build     Builder[K, S]
	Ceiling   *Ceiling
	// OnChange is called after every state change of a local object.
	OnChange func(*Object[K, S])
	// OnDropped is called when a dropped object's last request completes.
	OnDropped func(*Object[K, S])
}

type Tracker[K Key, S any] struct {
	cfg       Config[K, S]
	log       *slog.Logger
	local     map[K]*Object[K, S]
	foreign   map[K]S
	perFamily map[int]int
	inflight  int
}

func New[K Key, S any](cfg Config[K, S]) *Tracker[K, S] {
	if cfg.Ceiling == nil {
		cfg.Ceiling = NewCeiling(DefaultCeiling)
	}
	return &Tracker[K, S]{
		cfg:       cfg,
		log:       slog.With("component", "reconcile", "tracker", cfg.Name),
		local:     make(map[K]*Object[K, S]),
		foreign:   make(map[K]S),
		perFamily: make(map[int]int),
	}
}

// GetOrCreate returns the local object for key, promoting a foreign one or
// creating a new one as needed. Created objects are not yet submitted; the
// caller follows up with Configure. A family at its ceiling rejects new
// local objects with ResourceExhausted and leaves both sets untouched.
func (t *Tracker[K, S]) GetOrCreate(key K, spec S) (*Object[K, S], Outcome, error) {
	if obj, ok := t.local[key]; ok {
		obj.Spec = spec
		if obj.dropping {
			// Taken back before the old request completed; the next
			// Configure queues behind it.
			obj.dropping = false
			obj.state = StateUnconfigured
		}
		return obj, Existing, nil
	}

	family := key.Family()
	if limit := t.cfg.Ceiling.Limit(family); t.perFamily[family] >= limit {
		return nil, 0, errdefs.Exhausted("%s: %d objects in family %d", t.cfg.Name, limit, family)
	}

	obj := &Object[K, S]{Key: key, Spec: spec}
	outcome := Created
	if _, ok := t.foreign[key]; ok {
		delete(t.foreign, key)
		obj.state = StateConfigured
		outcome = Promoted
		t.log.Debug("Promoted foreign object.", "key", key.String())
	}
	t.local[key] = obj
	t.perFamily[family]++
	return obj, outcome, nil
}

// Configure submits an add request for obj. A request already in flight is
// coalesced: the add is re-issued once the current request completes.
func (t *Tracker[K, S]) Configure(obj *Object[K, S]) {
	if obj.removed {
		return
	}
	if obj.state != StateConfigured && !obj.inflight {
		obj.state = StateConfiguring
	}
	t.submit(obj, nlreq.OpAdd)
}

// Remove deletes obj from the kernel and frees it once the kernel confirms
// the delete or reports it already absent.
func (t *Tracker[K, S]) Remove(obj *Object[K, S]) {
	if obj.removed {
		return
	}
	t.stopExpiry(obj)
	obj.state = StateRemoving
	t.submit(obj, nlreq.OpDelete)
}

// Drop frees obj without a kernel request, for objects whose link is gone.
// An object with a request in flight stays pinned until it completes, so a
// new request for the same key queues behind it. Drop reports whether the
// free was deferred.
func (t *Tracker[K, S]) Drop(obj *Object[K, S]) bool {
	if obj.removed {
		return false
	}
	if !obj.inflight {
		t.free(obj)
		return false
	}
	t.stopExpiry(obj)
	obj.lifetime = 0
	obj.dropping = true
	obj.hasQueued = false
	return true
}

// SetLifetime arms an expiry timer for obj, replacing any previous one.
// A non-positive lifetime disarms it.
func (t *Tracker[K, S]) SetLifetime(obj *Object[K, S], d time.Duration) {
	if obj.removed {
		return
	}
	t.stopExpiry(obj)
	obj.lifetime = d
	if d <= 0 {
		return
	}
	obj.expiry = t.cfg.Scheduler.AfterFunc(d, func() { t.expire(obj) })
}

func (t *Tracker[K, S]) expire(obj *Object[K, S]) {
	if obj.removed {
		return
	}
	obj.expiry = nil
	t.log.Info("Object lifetime expired.", "key", obj.Key.String())
	t.Remove(obj)
}

func (t *Tracker[K, S]) stopExpiry(obj *Object[K, S]) {
	if obj.expiry != nil {
		obj.expiry.Stop()
		obj.expiry = nil
	}
}

func (t *Tracker[K, S]) submit(obj *Object[K, S], op nlreq.Op) {
	if obj.inflight {
		obj.queued = op
		obj.hasQueued = true
		return
	}
	obj.inflight = true
	t.inflight++

	req := t.cfg.Build(op, obj.Key, obj.Spec)
	t.cfg.Channel.Submit(req, func(err error) { t.complete(obj, req, err) })
}

func (t *Tracker[K, S]) complete(obj *Object[K, S], req nlreq.Request, err error) {
	check.Assert(obj.inflight, "completion for object without request in flight")
	obj.inflight = false
	t.inflight--

	if obj.removed {
		return
	}
	if obj.dropping {
		t.free(obj)
		if t.cfg.OnDropped != nil {
			t.cfg.OnDropped(obj)
		}
		return
	}
	if req.Op == nlreq.OpAdd {
		t.addDone(obj, req, err)
	} else {
		t.deleteDone(obj, req, err)
	}

	if obj.hasQueued && !obj.removed {
		op := obj.queued
		obj.hasQueued = false
		t.submit(obj, op)
	}
	t.notify(obj)
}

func (t *Tracker[K, S]) addDone(obj *Object[K, S], req nlreq.Request, err error) {
	switch {
	case err == nil:
		metrics.RecordKernelRequest(req.Object.String(), req.Op.String(), metrics.ResultOK)
	case errdefs.IsExists(err):
		metrics.RecordKernelRequest(req.Object.String(), req.Op.String(), metrics.ResultExists)
	default:
		metrics.RecordKernelRequest(req.Object.String(), req.Op.String(), metrics.ResultRejected)
		obj.lastErr = err
		if obj.state != StateRemoving {
			obj.state = StateFailed
		}
		t.log.Warn("Kernel object did not converge.", "key", obj.Key.String(), "err", err)
		return
	}
	obj.lastErr = nil
	if obj.state != StateRemoving {
		obj.state = StateConfigured
	}
}

// deleteDone frees obj once the kernel no longer has it. A rejected delete
// leaves the object in the kernel, so it is handed back as foreign.
func (t *Tracker[K, S]) deleteDone(obj *Object[K, S], req nlreq.Request, err error) {
	result := metrics.ResultOK
	switch {
	case err == nil:
	case errdefs.IsAbsent(err):
		result = metrics.ResultAbsent
	default:
		result = metrics.ResultRejected
		obj.lastErr = err
		t.log.Warn("Failed to delete kernel object.", "key", obj.Key.String(), "err", err)
	}
	metrics.RecordKernelRequest(req.Object.String(), req.Op.String(), result)

	if obj.hasQueued && obj.queued == nlreq.OpAdd {
		// Re-requested while the delete was in flight.
		obj.state = StateConfiguring
		return
	}
	t.free(obj)
	if result == metrics.ResultRejected {
		t.foreign[obj.Key] = obj.Spec
	}
}

func (t *Tracker[K, S]) free(obj *Object[K, S]) {
	t.stopExpiry(obj)
	obj.removed = true
	obj.hasQueued = false
	if cur, ok := t.local[obj.Key]; ok && cur == obj {
		delete(t.local, obj.Key)
		t.perFamily[obj.Key.Family()]--
	}
	t.log.Debug("Freed kernel object.", "key", obj.Key.String())
}

func (t *Tracker[K, S]) notify(obj *Object[K, S]) {
	if t.cfg.OnChange != nil {
		t.cfg.OnChange(obj)
	}
}

// Observe records a kernel object reported by the monitor. Objects already
// managed locally are ignored.
func (t *Tracker[K, S]) Observe(key K, spec S) {
	if _, ok := t.local[key]; ok {
		return
	}
	t.foreign[key] = spec
}

// Forget handles a kernel removal notification. A foreign entry is dropped;
// a configured local object reverts to unconfigured so its owner can
// re-apply it.
func (t *Tracker[K, S]) Forget(key K) {
	if _, ok := t.foreign[key]; ok {
		delete(t.foreign, key)
		return
	}
	obj, ok := t.local[key]
	if !ok || obj.inflight || obj.state != StateConfigured {
		return
	}
	obj.state = StateUnconfigured
	t.notify(obj)
}

func (t *Tracker[K, S]) Local(key K) (*Object[K, S], bool) {
	obj, ok := t.local[key]
	return obj, ok
}

func (t *Tracker[K, S]) IsForeign(key K) bool {
	_, ok := t.foreign[key]
	return ok
}

func (t *Tracker[K, S]) LocalLen() int   { return len(t.local) }
func (t *Tracker[K, S]) ForeignLen() int { return len(t.foreign) }

// FamilyLen returns the number of local objects in family.
func (t *Tracker[K, S]) FamilyLen(family int) int { return t.perFamily[family] }

// InFlight returns the number of outstanding kernel requests.
func (t *Tracker[K, S]) InFlight() int { return t.inflight }

// Select returns the local objects matching fn.
func (t *Tracker[K, S]) Select(fn func(*Object[K, S]) bool) []*Object[K, S] {
	var out []*Object[K, S]
	for _, obj := range t.local {
		if fn(obj) {
			out = append(out, obj)
		}
	}
	return out
}

// SelectForeign returns the foreign keys matching fn.
func (t *Tracker[K, S]) SelectForeign(fn func(K, S) bool) []K {
	var out []K
	for k, s := range t.foreign {
		if fn(k, s) {
			out = append(out, k)
		}
	}
	return out
}
