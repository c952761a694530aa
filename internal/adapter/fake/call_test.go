package fake

import "testing"

func TestCallRecorder(t *testing.T) {
	var r CallRecorder

	r.record("Submit", "a", 1)
	r.record("Kill", 15)
	r.record("Submit", "c")

	if got := len(r.Calls("")); got != 3 {
		t.Fatalf("Calls(\"\") = %d, want 3", got)
	}
	submits := r.Calls("Submit")
	if len(submits) != 2 {
		t.Fatalf("Calls(Submit) = %d, want 2", len(submits))
	}
	if submits[0].Args[0] != "a" {
		t.Errorf("first Submit arg = %v, want a", submits[0].Args[0])
	}
	if r.Count("Kill") != 1 {
		t.Errorf("Count(Kill) = %d, want 1", r.Count("Kill"))
	}
	if r.Count("Start") != 0 {
		t.Errorf("Count(Start) = %d, want 0", r.Count("Start"))
	}

	r.Reset()
	if len(r.Calls("")) != 0 {
		t.Errorf("expected no calls after Reset")
	}
}
