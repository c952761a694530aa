package operation

import (
	"errors"
	"testing"
	"time"
)

func TestBeginDone(t *testing.T) {
	s := NewSet(func() time.Time { return time.Unix(100, 0) })
	var got []error
	op := s.Begin("start", "machine/web1", func(err error) { got = append(got, err) })

	if s.Len() != 1 || s.Outstanding("machine/web1") != 1 {
		t.Fatalf("Len=%d Outstanding=%d", s.Len(), s.Outstanding("machine/web1"))
	}
	if !op.Started.Equal(time.Unix(100, 0)) {
		t.Errorf("Started = %v", op.Started)
	}

	op.Done(nil)
	op.Done(errors.New("late"))
	if len(got) != 1 || got[0] != nil {
		t.Errorf("replies = %v, want one nil", got)
	}
	if s.Len() != 0 || s.Outstanding("machine/web1") != 0 {
		t.Errorf("operation still outstanding after Done")
	}
}

func TestFailTarget(t *testing.T) {
	s := NewSet(nil)
	boom := errors.New("unit removed")
	var failed int
	s.Begin("start", "machine/a", func(err error) {
		if err == boom {
			failed++
		}
	})
	s.Begin("kill", "machine/a", nil)
	s.Begin("start", "machine/b", nil)

	if n := s.Fail("machine/a", boom); n != 2 {
		t.Fatalf("Fail() = %d, want 2", n)
	}
	if failed != 1 {
		t.Errorf("reply called %d times with the failure", failed)
	}
	if s.Len() != 1 || s.Outstanding("machine/b") != 1 {
		t.Errorf("Len=%d, machine/b=%d", s.Len(), s.Outstanding("machine/b"))
	}
}
