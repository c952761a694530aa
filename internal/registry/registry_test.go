package registry

import (
	"testing"

	"steward/internal/errdefs"
)

type testEntity struct {
	name   string
	unit   string
	leader int
}

func newTestRegistry(leaderLimit int) (*Registry[string, *testEntity], *KeyIndex[string, *testEntity], *KeyIndex[int, *testEntity]) {
	byUnit := NewIndex("unit", func(e *testEntity) (string, bool) { return e.unit, e.unit != "" }, 0)
	byLeader := NewIndex("leader", func(e *testEntity) (int, bool) { return e.leader, e.leader > 0 }, leaderLimit)
	reg := New("machine", func(name string) *testEntity { return &testEntity{name: name} }, Index[*testEntity](byUnit), Index[*testEntity](byLeader))
	return reg, byUnit, byLeader
}

func TestRegisterIsGetOrCreate(t *testing.T) {
	reg, _, _ := newTestRegistry(0)

	first, created, err := reg.Register("web1")
	if err != nil || !created {
		t.Fatalf("first Register = (%v, %v, %v)", first, created, err)
	}
	for i := 0; i < 3; i++ {
		again, created, err := reg.Register("web1")
		if err != nil {
			t.Fatalf("Register: %v", err)
		}
		if created {
			t.Fatal("second Register reported created=true")
		}
		if again != first {
			t.Fatal("second Register returned a different instance")
		}
	}
	if reg.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", reg.Len())
	}
}

func TestUnregisterTransfersOwnership(t *testing.T) {
	reg, byUnit, _ := newTestRegistry(0)
	e, _, _ := reg.Register("web1")
	e.unit = "machine-web1.scope"
	if err := reg.Reindex("web1"); err != nil {
		t.Fatalf("Reindex: %v", err)
	}

	got, ok := reg.Unregister("web1")
	if !ok || got != e {
		t.Fatalf("Unregister = (%v, %v)", got, ok)
	}
	if _, ok := reg.Find("web1"); ok {
		t.Error("entity still findable after Unregister")
	}
	if _, ok := byUnit.Lookup("machine-web1.scope"); ok {
		t.Error("unit index still references unregistered entity")
	}
	if got.name != "web1" {
		t.Error("unregistered entity was mutated")
	}
}

func TestReindexRollsBackOnCollision(t *testing.T) {
	reg, byUnit, byLeader := newTestRegistry(0)
	a, _, _ := reg.Register("a")
	a.unit, a.leader = "a.scope", 100
	if err := reg.Reindex("a"); err != nil {
		t.Fatal(err)
	}

	b, _, _ := reg.Register("b")
	b.unit, b.leader = "b.scope", 100 // leader collides with a
	err := reg.Reindex("b")
	if !errdefs.IsAlreadyExists(err) {
		t.Fatalf("Reindex() = %v, want AlreadyExists", err)
	}
	if _, ok := byUnit.Lookup("b.scope"); ok {
		t.Error("unit index kept b.scope after failed reindex")
	}
	if got, _ := byLeader.Lookup(100); got != a {
		t.Error("leader index no longer maps 100 to a")
	}
}

func TestRegisterRollsBackWhenIndexFull(t *testing.T) {
	byUnit := NewIndex("unit", func(e *testEntity) (string, bool) { return "unit-" + e.name, true }, 0)
	byLeader := NewIndex("leader", func(e *testEntity) (int, bool) { return len(e.name), true }, 1)
	reg := New("machine", func(name string) *testEntity { return &testEntity{name: name} }, Index[*testEntity](byUnit), Index[*testEntity](byLeader))

	if _, _, err := reg.Register("a"); err != nil {
		t.Fatal(err)
	}
	_, _, err := reg.Register("bb")
	if !errdefs.IsOutOfMemory(err) {
		t.Fatalf("Register() = %v, want ErrOutOfMemory", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Len() = %d, want 1", reg.Len())
	}
	if _, ok := byUnit.Lookup("unit-bb"); ok {
		t.Error("unit index not rolled back")
	}
}

func TestForEachRefusesMutation(t *testing.T) {
	reg, _, _ := newTestRegistry(0)
	reg.Register("a")
	reg.Register("b")

	var seen []string
	reg.ForEach(func(name string, _ *testEntity) bool {
		seen = append(seen, name)
		if _, ok := reg.Unregister(name); ok {
			t.Errorf("Unregister(%s) succeeded during ForEach", name)
		}
		if _, _, err := reg.Register("c"); err != ErrIterating {
			t.Errorf("Register during ForEach = %v, want ErrIterating", err)
		}
		return true
	})
	if len(seen) != 2 || seen[0] != "a" || seen[1] != "b" {
		t.Errorf("ForEach order = %v", seen)
	}
	if reg.Len() != 2 {
		t.Errorf("Len() = %d, want 2", reg.Len())
	}
}
