package reconcile

import (
	"bytes"
	"log/slog"
	"net/netip"
	"strings"
	"testing"
	"time"

	"steward/internal/adapter/fake"
	"steward/internal/errdefs"
	"steward/internal/eventloop"
	"steward/internal/nlreq"

	"golang.org/x/sys/unix"
)

type harness struct {
	tracker *Tracker[RouteKey, RouteSpec]
	ch      *fake.NetlinkChannel
	loop    *eventloop.Loop
	clock   *fake.Clock
	changes int
	dropped int
}

func newHarness(t *testing.T, ceiling int) *harness {
	t.Helper()
	h := &harness{
		ch:    fake.NewNetlinkChannel(),
		clock: fake.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	h.loop = eventloop.New(h.clock)
	h.tracker = New(Config[RouteKey, RouteSpec]{
		Name:      "routes",
		Channel:   h.ch,
		Scheduler: h.loop,
		Build:     RouteRequest,
		Ceiling:   NewCeiling(ceiling),
		OnChange:  func(*Object[RouteKey, RouteSpec]) { h.changes++ },
		OnDropped: func(*Object[RouteKey, RouteSpec]) { h.dropped++ },
	})
	return h
}

func routeKey(t *testing.T, dst string) RouteKey {
	t.Helper()
	return NewRouteKey(netip.MustParsePrefix(dst), 0, 100, 0)
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestGetOrCreateOutcomes(t *testing.T) {
	h := newHarness(t, 0)
	k := routeKey(t, "10.0.0.0/24")

	obj, outcome, err := h.tracker.GetOrCreate(k, RouteSpec{LinkIndex: 2})
	if err != nil || outcome != Created {
		t.Fatalf("first GetOrCreate = (%v, %v)", outcome, err)
	}
	again, outcome, err := h.tracker.GetOrCreate(k, RouteSpec{LinkIndex: 2})
	if err != nil || outcome != Existing || again != obj {
		t.Fatalf("second GetOrCreate = (%v, %v), same=%v", outcome, err, again == obj)
	}
	if h.ch.Count("Submit") != 0 {
		t.Errorf("GetOrCreate submitted %d kernel requests", h.ch.Count("Submit"))
	}
}

func TestPromotionMovesForeignToLocalOnce(t *testing.T) {
	h := newHarness(t, 0)
	k := routeKey(t, "10.1.0.0/16")
	h.tracker.Observe(k, RouteSpec{LinkIndex: 3})
	if !h.tracker.IsForeign(k) {
		t.Fatal("observed route not foreign")
	}

	obj, outcome, err := h.tracker.GetOrCreate(k, RouteSpec{LinkIndex: 3})
	if err != nil || outcome != Promoted {
		t.Fatalf("GetOrCreate = (%v, %v), want Promoted", outcome, err)
	}
	if obj.State() != StateConfigured {
		t.Errorf("promoted state = %s, want configured", obj.State())
	}
	if h.tracker.IsForeign(k) {
		t.Error("promoted route still foreign")
	}
	if _, ok := h.tracker.Local(k); !ok {
		t.Error("promoted route not local")
	}
	if h.ch.Count("Submit") != 0 {
		t.Error("promotion issued a kernel request")
	}

	// The kernel replays the object we now own; it must not re-enter foreign.
	h.tracker.Observe(k, RouteSpec{LinkIndex: 3})
	if h.tracker.IsForeign(k) {
		t.Error("local route re-added to foreign set")
	}
	if _, outcome, _ := h.tracker.GetOrCreate(k, RouteSpec{}); outcome != Existing {
		t.Errorf("second GetOrCreate outcome = %s, want existing", outcome)
	}
	if h.tracker.LocalLen() != 1 || h.tracker.ForeignLen() != 0 {
		t.Errorf("local=%d foreign=%d, want 1/0", h.tracker.LocalLen(), h.tracker.ForeignLen())
	}
}

func TestAlreadyExistsKeepsConfigured(t *testing.T) {
	logs := captureLogs(t)
	h := newHarness(t, 0)
	obj, _, _ := h.tracker.GetOrCreate(routeKey(t, "10.2.0.0/24"), RouteSpec{LinkIndex: 2})

	h.tracker.Configure(obj)
	if obj.State() != StateConfiguring {
		t.Fatalf("state after Configure = %s", obj.State())
	}
	h.ch.CompleteNext(nil)
	if obj.State() != StateConfigured {
		t.Fatalf("state after ack = %s", obj.State())
	}

	h.tracker.Configure(obj)
	h.ch.CompleteNext(errdefs.Kernel("add route", unix.EEXIST))
	if obj.State() != StateConfigured {
		t.Errorf("state after EEXIST = %s, want configured", obj.State())
	}
	if obj.Err() != nil {
		t.Errorf("Err() = %v, want nil", obj.Err())
	}
	if out := logs.String(); strings.Contains(out, "level=WARN") || strings.Contains(out, "level=ERROR") {
		t.Errorf("EEXIST completion logged a warning:\n%s", out)
	}
}

func TestRejectedRequestDoesNotConverge(t *testing.T) {
	h := newHarness(t, 0)
	obj, _, _ := h.tracker.GetOrCreate(routeKey(t, "10.3.0.0/24"), RouteSpec{LinkIndex: 2})
	h.tracker.Configure(obj)
	h.ch.CompleteNext(errdefs.Kernel("add route", unix.ENETUNREACH))

	if obj.State() != StateFailed {
		t.Errorf("state = %s, want failed", obj.State())
	}
	if !errdefs.IsKernelRejected(obj.Err()) {
		t.Errorf("Err() = %v, want kernel rejection", obj.Err())
	}
	if h.changes != 1 {
		t.Errorf("OnChange called %d times, want 1", h.changes)
	}
}

func TestCeilingRejectsWithoutSideEffects(t *testing.T) {
	h := newHarness(t, 2)
	for _, dst := range []string{"10.0.1.0/24", "10.0.2.0/24"} {
		if _, _, err := h.tracker.GetOrCreate(routeKey(t, dst), RouteSpec{}); err != nil {
			t.Fatalf("GetOrCreate(%s): %v", dst, err)
		}
	}

	_, _, err := h.tracker.GetOrCreate(routeKey(t, "10.0.3.0/24"), RouteSpec{})
	if !errdefs.IsResourceExhausted(err) {
		t.Fatalf("third GetOrCreate = %v, want ResourceExhausted", err)
	}
	if h.tracker.FamilyLen(unix.AF_INET) != 2 || h.tracker.LocalLen() != 2 {
		t.Errorf("tracked = %d, want 2", h.tracker.LocalLen())
	}

	foreign := routeKey(t, "10.0.4.0/24")
	h.tracker.Observe(foreign, RouteSpec{})
	if _, _, err := h.tracker.GetOrCreate(foreign, RouteSpec{}); !errdefs.IsResourceExhausted(err) {
		t.Fatalf("promotion at ceiling = %v, want ResourceExhausted", err)
	}
	if !h.tracker.IsForeign(foreign) {
		t.Error("rejected promotion removed the foreign entry")
	}

	// Other families have their own budget.
	if _, _, err := h.tracker.GetOrCreate(routeKey(t, "fd00::/64"), RouteSpec{}); err != nil {
		t.Errorf("IPv6 GetOrCreate: %v", err)
	}
	// Existing keys are still returned at the ceiling.
	if _, outcome, err := h.tracker.GetOrCreate(routeKey(t, "10.0.1.0/24"), RouteSpec{}); err != nil || outcome != Existing {
		t.Errorf("existing at ceiling = (%v, %v)", outcome, err)
	}
}

func TestCeilingProbeIsCached(t *testing.T) {
	calls := 0
	c := NewCeiling(0).WithProbe(unix.AF_INET6, func() (int, error) {
		calls++
		return 16, nil
	})
	for i := 0; i < 3; i++ {
		if got := c.Limit(unix.AF_INET6); got != 16 {
			t.Fatalf("Limit(AF_INET6) = %d, want 16", got)
		}
	}
	if calls != 1 {
		t.Errorf("probe called %d times, want 1", calls)
	}
	if got := c.Limit(unix.AF_INET); got != DefaultCeiling {
		t.Errorf("Limit(AF_INET) = %d, want %d", got, DefaultCeiling)
	}

	failing := NewCeiling(8).WithProbe(unix.AF_INET6, func() (int, error) { return 0, unix.ENOENT })
	if got := failing.Limit(unix.AF_INET6); got != 8 {
		t.Errorf("Limit with failing probe = %d, want 8", got)
	}
}

func TestRouteExpiry(t *testing.T) {
	h := newHarness(t, 0)
	k := routeKey(t, "192.168.10.0/24")
	obj, _, _ := h.tracker.GetOrCreate(k, RouteSpec{LinkIndex: 4})
	h.tracker.Configure(obj)
	h.ch.CompleteNext(nil)
	h.tracker.SetLifetime(obj, 100*time.Millisecond)

	h.clock.Advance(150 * time.Millisecond)
	h.loop.Dispatch()

	pending := h.ch.Pending()
	if len(pending) != 1 || pending[0].Op != nlreq.OpDelete || pending[0].Object != nlreq.ObjectRoute {
		t.Fatalf("pending after expiry = %v, want one route delete", pending)
	}
	h.ch.CompleteNext(nil)
	if _, ok := h.tracker.Local(k); ok {
		t.Fatal("expired route still local")
	}
	if !obj.Removed() {
		t.Error("expired route not marked removed")
	}

	// A second expiry after removal is a no-op.
	submitted := h.ch.Count("Submit")
	h.tracker.expire(obj)
	if h.ch.Count("Submit") != submitted {
		t.Error("second expiry issued a kernel request")
	}
}

func TestExpiryTreatsAbsentAsSuccess(t *testing.T) {
	for _, errno := range []unix.Errno{unix.ESRCH, unix.ENOENT, unix.EADDRNOTAVAIL, unix.ENXIO} {
		t.Run(errno.Error(), func(t *testing.T) {
			h := newHarness(t, 0)
			k := routeKey(t, "192.168.20.0/24")
			obj, _, _ := h.tracker.GetOrCreate(k, RouteSpec{})
			h.tracker.Remove(obj)
			h.ch.CompleteNext(errdefs.Kernel("delete route", errno))
			if _, ok := h.tracker.Local(k); ok {
				t.Error("route still tracked after absent delete")
			}
		})
	}
}

func TestRejectedDeleteLeavesObjectForeign(t *testing.T) {
	logs := captureLogs(t)
	h := newHarness(t, 0)
	k := routeKey(t, "192.168.30.0/24")
	obj, _, _ := h.tracker.GetOrCreate(k, RouteSpec{LinkIndex: 5})
	h.tracker.Remove(obj)
	h.ch.CompleteNext(errdefs.Kernel("delete route", unix.EPERM))

	if _, ok := h.tracker.Local(k); ok {
		t.Fatal("route kept local after its owner removed it")
	}
	if !h.tracker.IsForeign(k) {
		t.Error("route the kernel still holds is not foreign")
	}
	if got := h.tracker.FamilyLen(unix.AF_INET); got != 0 {
		t.Errorf("FamilyLen = %d, want 0", got)
	}
	if !strings.Contains(logs.String(), "Failed to delete kernel object.") {
		t.Errorf("rejected delete not logged:\n%s", logs)
	}

	// It can be taken back like any other foreign object.
	_, outcome, err := h.tracker.GetOrCreate(k, RouteSpec{LinkIndex: 5})
	if err != nil || outcome != Promoted {
		t.Fatalf("GetOrCreate = (%v, %v), want promoted", outcome, err)
	}
}

func TestRemoveRetakenWhileDeleteRejected(t *testing.T) {
	h := newHarness(t, 0)
	k := routeKey(t, "192.168.31.0/24")
	obj, _, _ := h.tracker.GetOrCreate(k, RouteSpec{})
	h.tracker.Remove(obj)
	h.tracker.Configure(obj)
	h.ch.CompleteNext(errdefs.Kernel("delete route", unix.EPERM))

	if _, ok := h.tracker.Local(k); !ok {
		t.Fatal("route freed although it was requested again")
	}
	pending := h.ch.Pending()
	if len(pending) != 1 || pending[0].Op != nlreq.OpAdd {
		t.Fatalf("pending = %v, want the queued add", pending)
	}
}

func TestInFlightRequestsCoalesce(t *testing.T) {
	h := newHarness(t, 0)
	obj, _, _ := h.tracker.GetOrCreate(routeKey(t, "10.9.0.0/24"), RouteSpec{})

	h.tracker.Configure(obj)
	h.tracker.Configure(obj)
	h.tracker.Configure(obj)
	if n := len(h.ch.Pending()); n != 1 {
		t.Fatalf("pending = %d, want 1", n)
	}
	if h.tracker.InFlight() != 1 || !obj.InFlight() {
		t.Fatal("object not pinned while in flight")
	}

	h.ch.CompleteNext(nil)
	if n := len(h.ch.Pending()); n != 1 {
		t.Fatalf("pending after first completion = %d, want 1 re-issued request", n)
	}
	h.ch.CompleteNext(nil)
	if n := len(h.ch.Pending()); n != 0 {
		t.Errorf("pending after second completion = %d, want 0", n)
	}
	if h.tracker.InFlight() != 0 {
		t.Errorf("InFlight() = %d, want 0", h.tracker.InFlight())
	}
}

func TestRemoveWhileAddInFlight(t *testing.T) {
	h := newHarness(t, 0)
	k := routeKey(t, "10.8.0.0/24")
	obj, _, _ := h.tracker.GetOrCreate(k, RouteSpec{})
	h.tracker.Configure(obj)
	h.tracker.Remove(obj)

	h.ch.CompleteNext(nil)
	pending := h.ch.Pending()
	if len(pending) != 1 || pending[0].Op != nlreq.OpDelete {
		t.Fatalf("pending = %v, want queued delete", pending)
	}
	if obj.State() != StateRemoving {
		t.Errorf("state = %s, want removing", obj.State())
	}
	h.ch.CompleteNext(nil)
	if _, ok := h.tracker.Local(k); ok {
		t.Error("route still tracked")
	}
}

func TestDropWaitsForRequestInFlight(t *testing.T) {
	h := newHarness(t, 0)
	k := routeKey(t, "10.7.0.0/24")
	obj, _, _ := h.tracker.GetOrCreate(k, RouteSpec{})
	h.tracker.Configure(obj)
	if !h.tracker.Drop(obj) {
		t.Fatal("Drop did not defer with a request in flight")
	}
	if _, ok := h.tracker.Local(k); !ok || obj.Removed() {
		t.Fatal("object released with its request in flight")
	}

	h.ch.CompleteNext(nil)
	if obj.State() == StateConfigured {
		t.Error("dropped object accepted a late completion")
	}
	if _, ok := h.tracker.Local(k); ok || !obj.Removed() {
		t.Fatal("dropped object kept after its request completed")
	}
	if h.tracker.InFlight() != 0 || h.tracker.FamilyLen(unix.AF_INET) != 0 {
		t.Errorf("InFlight() = %d FamilyLen = %d, want 0, 0", h.tracker.InFlight(), h.tracker.FamilyLen(unix.AF_INET))
	}
	if h.changes != 0 || h.dropped != 1 {
		t.Errorf("changes = %d dropped = %d, want 0, 1", h.changes, h.dropped)
	}
}

func TestDropWithoutRequestFreesAtOnce(t *testing.T) {
	h := newHarness(t, 0)
	k := routeKey(t, "10.7.1.0/24")
	obj, _, _ := h.tracker.GetOrCreate(k, RouteSpec{})
	if h.tracker.Drop(obj) {
		t.Fatal("Drop deferred without a request in flight")
	}
	if _, ok := h.tracker.Local(k); ok || !obj.Removed() {
		t.Fatal("object kept")
	}
}

func TestRetakenDropQueuesBehindRequest(t *testing.T) {
	h := newHarness(t, 0)
	k := routeKey(t, "10.7.2.0/24")
	obj, _, _ := h.tracker.GetOrCreate(k, RouteSpec{LinkIndex: 3})
	h.tracker.Configure(obj)
	h.tracker.Drop(obj)

	again, outcome, err := h.tracker.GetOrCreate(k, RouteSpec{LinkIndex: 3})
	if err != nil || outcome != Existing || again != obj {
		t.Fatalf("GetOrCreate = (%v, %v), same=%v", outcome, err, again == obj)
	}
	h.tracker.Configure(again)
	if n := len(h.ch.Pending()); n != 1 {
		t.Fatalf("pending = %d, want the new add queued behind the first", n)
	}

	h.ch.CompleteNext(nil)
	if n := len(h.ch.Pending()); n != 1 {
		t.Fatalf("pending after first completion = %d, want 1 re-issued add", n)
	}
	h.ch.CompleteNext(errdefs.Kernel("add route", unix.EEXIST))
	if obj.Removed() || obj.State() != StateConfigured {
		t.Fatalf("removed=%v state=%s, want a configured object", obj.Removed(), obj.State())
	}
	if h.dropped != 0 {
		t.Errorf("dropped = %d for an object taken back", h.dropped)
	}
}

func TestSetLifetimeRecordsLifetime(t *testing.T) {
	h := newHarness(t, 0)
	obj, _, _ := h.tracker.GetOrCreate(routeKey(t, "10.5.0.0/24"), RouteSpec{})
	h.tracker.SetLifetime(obj, time.Minute)
	if obj.Lifetime() != time.Minute {
		t.Fatalf("Lifetime() = %v, want 1m", obj.Lifetime())
	}
	h.tracker.SetLifetime(obj, 0)
	if obj.Lifetime() != 0 || h.clock.Pending() != 0 {
		t.Errorf("Lifetime() = %v pending timers = %d after disarm", obj.Lifetime(), h.clock.Pending())
	}
}

func TestForgetRevertsConfiguredObject(t *testing.T) {
	h := newHarness(t, 0)
	k := routeKey(t, "10.6.0.0/24")
	obj, _, _ := h.tracker.GetOrCreate(k, RouteSpec{})
	h.tracker.Configure(obj)
	h.ch.CompleteNext(nil)

	h.tracker.Forget(k)
	if obj.State() != StateUnconfigured {
		t.Errorf("state = %s, want unconfigured", obj.State())
	}

	foreign := routeKey(t, "10.5.0.0/24")
	h.tracker.Observe(foreign, RouteSpec{})
	h.tracker.Forget(foreign)
	if h.tracker.IsForeign(foreign) {
		t.Error("forgotten route still foreign")
	}
}
