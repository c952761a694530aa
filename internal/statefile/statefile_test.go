package statefile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "machines", "web1")
	in := map[string]string{
		"NAME":    "web1",
		"LEADER":  "4242",
		"STARTED": "1",
		"EMPTY":   "",
		"NOTE":    "line one\nline two \\ end",
	}
	if err := Write(path, in); err != nil {
		t.Fatalf("Write: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if lines[0] != Header {
		t.Errorf("first line = %q, want header", lines[0])
	}
	if strings.Contains(string(data), "EMPTY=") {
		t.Error("empty value written")
	}
	if lines[1] != "LEADER=4242" {
		t.Errorf("keys not sorted: %q", lines[1])
	}

	out, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	for _, k := range []string{"NAME", "LEADER", "STARTED", "NOTE"} {
		if out[k] != in[k] {
			t.Errorf("%s = %q, want %q", k, out[k], in[k])
		}
	}
	if _, ok := out["EMPTY"]; ok {
		t.Error("EMPTY present after read")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestWriteRejectsBadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	if err := Write(path, map[string]string{"A=B": "1"}); err == nil {
		t.Fatal("expected error for key containing '='")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("file written despite invalid key")
	}
}

func TestRemoveAndList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b", "a"} {
		if err := Write(filepath.Join(dir, name), map[string]string{"NAME": name}); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "c.tmp"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	names, err := List(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("List() = %v, want [a b]", names)
	}

	if err := Remove(filepath.Join(dir, "a")); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := Remove(filepath.Join(dir, "a")); err != nil {
		t.Errorf("second Remove: %v", err)
	}

	names, err = List(filepath.Join(dir, "missing"))
	if err != nil || names != nil {
		t.Errorf("List(missing) = (%v, %v)", names, err)
	}
}
