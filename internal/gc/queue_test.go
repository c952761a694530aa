package gc

import "testing"

type testEntity struct {
	name      string
	ops       int
	started   bool
	running   bool
	closing   bool
	stops     int
	finalized bool
	// stopSpawnsOp models teardown that issues an asynchronous request.
	stopSpawnsOp bool
}

func (e *testEntity) MayCollect(drop bool) bool {
	if e.ops > 0 {
		return false
	}
	return (!drop && !e.running) || !e.started
}

func (e *testEntity) Closing() bool { return e.closing }

func (e *testEntity) Stop() {
	e.stops++
	e.closing = true
	e.running = false
	if e.stopSpawnsOp {
		e.ops++
	}
}

func (e *testEntity) Finalize() { e.finalized = true }

func newQueue() (*Queue[*testEntity], *[]string) {
	var destroyed []string
	q := NewQueue("test", func(e *testEntity) { destroyed = append(destroyed, e.name) })
	return q, &destroyed
}

func TestAddDeduplicates(t *testing.T) {
	q, _ := newQueue()
	e := &testEntity{name: "a"}
	if !q.Add(e) {
		t.Fatal("first Add = false")
	}
	if q.Add(e) {
		t.Error("second Add = true")
	}
	if q.Len() != 1 || !q.Contains(e) {
		t.Errorf("Len() = %d, Contains = %v", q.Len(), q.Contains(e))
	}
}

func TestSweepSparesEntitiesWithOutstandingRequests(t *testing.T) {
	q, destroyed := newQueue()
	busy := &testEntity{name: "busy", ops: 1}
	busyStarted := &testEntity{name: "busy-started", ops: 2, started: true}
	q.Add(busy)
	q.Add(busyStarted)

	for _, drop := range []bool{false, true} {
		q.Add(busy)
		q.Add(busyStarted)
		if n := q.Sweep(drop); n != 0 {
			t.Fatalf("Sweep(%v) collected %d", drop, n)
		}
	}
	for _, e := range []*testEntity{busy, busyStarted} {
		if e.finalized || e.stops != 0 {
			t.Errorf("%s: finalized=%v stops=%d", e.name, e.finalized, e.stops)
		}
	}
	if len(*destroyed) != 0 {
		t.Errorf("destroyed = %v", *destroyed)
	}
}

func TestSweepStopsThenFinalizes(t *testing.T) {
	q, destroyed := newQueue()
	neverStarted := &testEntity{name: "opening"}
	q.Add(neverStarted)

	if n := q.Sweep(false); n != 1 {
		t.Fatalf("Sweep() = %d, want 1", n)
	}
	if neverStarted.stops != 1 || !neverStarted.finalized {
		t.Errorf("stops=%d finalized=%v", neverStarted.stops, neverStarted.finalized)
	}
	if len(*destroyed) != 1 || q.Contains(neverStarted) {
		t.Errorf("destroyed = %v", *destroyed)
	}
}

func TestSweepLeavesRunningEntities(t *testing.T) {
	q, _ := newQueue()
	running := &testEntity{name: "web1", started: true, running: true}
	q.Add(running)
	if n := q.Sweep(false); n != 0 || running.stops != 0 {
		t.Fatalf("Sweep(false) collected running entity")
	}

	closed := &testEntity{name: "closed", started: true, closing: true}
	q.Add(closed)
	if n := q.Sweep(false); n != 1 || closed.stops != 0 {
		t.Errorf("closing entity: collected=%d stops=%d", n, closed.stops)
	}
}

func TestSweepDefersWhenStopSpawnsWork(t *testing.T) {
	q, destroyed := newQueue()
	e := &testEntity{name: "scope", stopSpawnsOp: true}
	q.Add(e)

	if n := q.Sweep(true); n != 0 {
		t.Fatalf("Sweep() = %d, want 0 while teardown in flight", n)
	}
	if e.stops != 1 || e.finalized {
		t.Fatalf("stops=%d finalized=%v", e.stops, e.finalized)
	}

	// Teardown completes and the entity is re-queued.
	e.ops = 0
	q.Add(e)
	if n := q.Sweep(true); n != 1 {
		t.Fatalf("second Sweep() = %d, want 1", n)
	}
	if e.stops != 1 {
		t.Errorf("closing entity stopped again: stops=%d", e.stops)
	}
	if len(*destroyed) != 1 {
		t.Errorf("destroyed = %v", *destroyed)
	}
}

func TestSweepProcessesEntitiesQueuedDuringSweep(t *testing.T) {
	var q *Queue[*testEntity]
	second := &testEntity{name: "second"}
	q = NewQueue("test", func(e *testEntity) {
		if e.name == "first" {
			q.Add(second)
		}
	})
	q.Add(&testEntity{name: "first"})

	if n := q.Sweep(false); n != 2 {
		t.Errorf("Sweep() = %d, want 2", n)
	}
	if !second.finalized {
		t.Error("entity queued during sweep not finalized")
	}
}
