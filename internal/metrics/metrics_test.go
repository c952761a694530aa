package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordKernelRequest(t *testing.T) {
	before := testutil.ToFloat64(KernelRequests.WithLabelValues("route", "add", ResultExists))
	RecordKernelRequest("route", "add", ResultExists)
	RecordKernelRequest("route", "add", ResultExists)
	after := testutil.ToFloat64(KernelRequests.WithLabelValues("route", "add", ResultExists))
	if after-before != 2 {
		t.Errorf("kernel request counter delta = %v, want 2", after-before)
	}
}

func TestRecordTransitionAndCollected(t *testing.T) {
	before := testutil.ToFloat64(StateTransitions.WithLabelValues("machine", "running"))
	RecordTransition("machine", "running")
	if got := testutil.ToFloat64(StateTransitions.WithLabelValues("machine", "running")) - before; got != 1 {
		t.Errorf("transition delta = %v, want 1", got)
	}

	before = testutil.ToFloat64(GCCollected.WithLabelValues("unit"))
	RecordCollected("unit")
	if got := testutil.ToFloat64(GCCollected.WithLabelValues("unit")) - before; got != 1 {
		t.Errorf("collected delta = %v, want 1", got)
	}
}
