package cmdutil

import (
	"testing"
)

func TestParseProperties(t *testing.T) {
	props, err := ParseProperties([]string{"Description=web tier", "ExecStart=/bin/sleep 60", "Environment=A=1"})
	if err != nil {
		t.Fatalf("ParseProperties: %v", err)
	}
	if len(props) != 3 {
		t.Fatalf("got %d properties, want 3", len(props))
	}
	if props[2].Name != "Environment" || props[2].Value != "A=1" {
		t.Errorf("props[2] = %+v, want Environment=A=1", props[2])
	}

	for _, bad := range []string{"NoValue", "=value"} {
		if _, err := ParseProperties([]string{bad}); err == nil {
			t.Errorf("ParseProperties(%q) accepted", bad)
		}
	}
}

func TestFormatProperties(t *testing.T) {
	props := map[string]any{
		"Name":              "web1",
		"Leader":            float64(4242),
		"NetworkInterfaces": []any{float64(3), float64(7)},
		"Transient":         true,
		"CPUWeight":         0.5,
	}

	got := FormatProperties(props, nil)
	want := "CPUWeight=0.5\nLeader=4242\nName=web1\nNetworkInterfaces=3 7\nTransient=yes\n"
	if got != want {
		t.Errorf("FormatProperties =\n%s\nwant\n%s", got, want)
	}

	got = FormatProperties(props, []string{"Leader", "Missing", "Name"})
	if want := "Leader=4242\nName=web1\n"; got != want {
		t.Errorf("filtered FormatProperties = %q, want %q", got, want)
	}
}
