package machine

import (
	"testing"

	"steward/internal/check"
	"steward/internal/errdefs"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		from, to, want State
	}{
		{StateOpening, StateRunning, StateRunning},
		{StateOpening, StateClosing, StateClosing},
		{StateRunning, StateClosing, StateClosing},
	}
	for _, tt := range tests {
		if got := tt.from.Transition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %s, want %s", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestTransitionBackwardsIsRefused(t *testing.T) {
	if check.Enabled() {
		defer func() {
			if recover() == nil {
				t.Fatal("backwards transition did not panic")
			}
		}()
	}
	if got := StateClosing.Transition(StateOpening); got != StateClosing {
		t.Fatalf("closing -> opening = %s, want closing", got)
	}
}

func TestParseClassAndKillWho(t *testing.T) {
	if c, err := ParseClass(""); err != nil || c != ClassContainer {
		t.Fatalf("ParseClass(\"\") = %s, %v", c, err)
	}
	if _, err := ParseClass("toaster"); !errdefs.IsInvalidArgument(err) {
		t.Fatalf("ParseClass(toaster) err = %v", err)
	}
	if w, err := ParseKillWho("leader"); err != nil || w != KillLeader {
		t.Fatalf("ParseKillWho(leader) = %s, %v", w, err)
	}
	if w, err := ParseKillWho(""); err != nil || w != KillAll {
		t.Fatalf("ParseKillWho(\"\") = %s, %v", w, err)
	}
}
