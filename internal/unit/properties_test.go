package unit

import (
	"testing"
	"time"

	"steward/internal/errdefs"

	"golang.org/x/sys/unix"
)

func TestTypeOf(t *testing.T) {
	tests := []struct {
		name    string
		want    Type
		wantErr bool
	}{
		{name: "nginx.service", want: TypeService},
		{name: "machine-web1.scope", want: TypeScope},
		{name: "steward-machine@web1.service", want: TypeService},
		{name: "noext", wantErr: true},
		{name: ".service", wantErr: true},
		{name: "bad name.service", wantErr: true},
		{name: "x.socket", wantErr: true},
		{name: "a@b@c.service", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := TypeOf(tt.name)
			if tt.wantErr {
				if !errdefs.IsInvalidArgument(err) {
					t.Fatalf("TypeOf() err = %v, want InvalidArgument", err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("TypeOf() = (%s, %v), want %s", got, err, tt.want)
			}
		})
	}
}

func TestSplitTemplate(t *testing.T) {
	tmpl, inst, ok := SplitTemplate("steward-machine@web1.service")
	if !ok || tmpl != "steward-machine@.service" || inst != "web1" {
		t.Errorf("SplitTemplate() = (%q, %q, %v)", tmpl, inst, ok)
	}
	if _, _, ok := SplitTemplate("plain.service"); ok {
		t.Error("plain name treated as instance")
	}
	if _, _, ok := SplitTemplate("steward-machine@.service"); ok {
		t.Error("template name treated as instance")
	}
}

func TestParseSignal(t *testing.T) {
	for _, in := range []string{"SIGKILL", "kill", "KILL", "9"} {
		sig, err := ParseSignal(in)
		if err != nil || sig != unix.SIGKILL {
			t.Errorf("ParseSignal(%q) = (%v, %v)", in, sig, err)
		}
	}
	for _, in := range []string{"SIGNOPE", "0", "-1", "999"} {
		if _, err := ParseSignal(in); !errdefs.IsInvalidArgument(err) {
			t.Errorf("ParseSignal(%q) err = %v, want InvalidArgument", in, err)
		}
	}
}

func TestPropertiesSet(t *testing.T) {
	tests := []struct {
		name    string
		prop    string
		value   string
		wantErr bool
		check   func(t *testing.T, p Properties)
	}{
		{name: "restart enum", prop: "Restart", value: "on-failure", check: func(t *testing.T, p Properties) {
			if p.Restart != RestartOnFailure {
				t.Errorf("Restart = %s", p.Restart)
			}
		}},
		{name: "bad restart enum", prop: "Restart", value: "sometimes", wantErr: true},
		{name: "restart sec seconds", prop: "RestartSec", value: "1.5", check: func(t *testing.T, p Properties) {
			if p.RestartSec != 1500*time.Millisecond {
				t.Errorf("RestartSec = %s", p.RestartSec)
			}
		}},
		{name: "restart sec duration", prop: "RestartSec", value: "250ms", check: func(t *testing.T, p Properties) {
			if p.RestartSec != 250*time.Millisecond {
				t.Errorf("RestartSec = %s", p.RestartSec)
			}
		}},
		{name: "relative working dir", prop: "WorkingDirectory", value: "var/lib", wantErr: true},
		{name: "relative exec", prop: "ExecStart", value: "sleep 10", wantErr: true},
		{name: "exec ignore failure", prop: "ExecStartPre", value: "-/bin/false x", check: func(t *testing.T, p Properties) {
			if len(p.ExecStartPre) != 1 || !p.ExecStartPre[0].IgnoreFailure || p.ExecStartPre[0].Path != "/bin/false" {
				t.Errorf("ExecStartPre = %+v", p.ExecStartPre)
			}
		}},
		{name: "environment", prop: "Environment", value: "A=1 B=2", check: func(t *testing.T, p Properties) {
			if len(p.Environment) != 2 {
				t.Errorf("Environment = %v", p.Environment)
			}
		}},
		{name: "bad environment", prop: "Environment", value: "NOEQUALS", wantErr: true},
		{name: "pids", prop: "PIDs", value: "10 20", check: func(t *testing.T, p Properties) {
			if len(p.PIDs) != 2 || p.PIDs[1] != 20 {
				t.Errorf("PIDs = %v", p.PIDs)
			}
		}},
		{name: "bad pid", prop: "PIDs", value: "-4", wantErr: true},
		{name: "bad bool", prop: "RemainAfterExit", value: "maybe", wantErr: true},
		{name: "unknown", prop: "CPUQuota", value: "10%", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultProperties()
			err := p.Set(tt.prop, tt.value)
			if tt.wantErr {
				if !errdefs.IsInvalidArgument(err) {
					t.Fatalf("Set() err = %v, want InvalidArgument", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Set() err = %v", err)
			}
			tt.check(t, p)
		})
	}
}

func TestApplyIsAtomic(t *testing.T) {
	p := DefaultProperties()
	p.Description = "before"
	next, err := p.Apply([]Property{
		{Name: "Description", Value: "after"},
		{Name: "Restart", Value: "bogus"},
	})
	if !errdefs.IsInvalidArgument(err) {
		t.Fatalf("Apply() err = %v", err)
	}
	if p.Description != "before" || next.Description != "before" {
		t.Errorf("Apply mutated properties on failure: %q / %q", p.Description, next.Description)
	}
}

func TestValidate(t *testing.T) {
	svc := DefaultProperties()
	if err := svc.Validate(TypeService); !errdefs.IsInvalidArgument(err) {
		t.Errorf("service without ExecStart: %v", err)
	}
	scope := DefaultProperties()
	if err := scope.Validate(TypeScope); !errdefs.IsInvalidArgument(err) {
		t.Errorf("scope without PIDs: %v", err)
	}
	scope.PIDs = []int{1}
	if err := scope.Validate(TypeScope); err != nil {
		t.Errorf("valid scope: %v", err)
	}
}

func TestInstantiate(t *testing.T) {
	got := Instantiate(map[string]string{
		"ExecStart":   "/usr/bin/steward-nspawn --machine=%i",
		"Description": "Machine %i",
	}, "web1")
	if len(got) != 2 || got[0].Name != "Description" || got[0].Value != "Machine web1" {
		t.Fatalf("Instantiate() = %v", got)
	}
	if got[1].Value != "/usr/bin/steward-nspawn --machine=web1" {
		t.Errorf("ExecStart = %q", got[1].Value)
	}
}

func TestParseCommand(t *testing.T) {
	cmd, err := ParseCommand(`-/bin/sh -c "echo hello world"`)
	if err != nil {
		t.Fatalf("ParseCommand: %v", err)
	}
	if !cmd.IgnoreFailure || cmd.Path != "/bin/sh" {
		t.Errorf("cmd = %+v", cmd)
	}
	if len(cmd.Args) != 2 || cmd.Args[1] != "echo hello world" {
		t.Errorf("Args = %q, want the quoted argument kept whole", cmd.Args)
	}

	for _, bad := range []string{"", "sleep 10", `/bin/sh -c "unterminated`} {
		if _, err := ParseCommand(bad); !errdefs.IsInvalidArgument(err) {
			t.Errorf("ParseCommand(%q) err = %v, want InvalidArgument", bad, err)
		}
	}
}
