// Package config loads the daemon configuration file.
//
// The file lives at /etc/steward/stewardd.yaml by default. Every field is
// optional; a missing file yields the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"steward/pkg/sdk/defaults"

	"gopkg.in/yaml.v3"
)

type Config struct {
	RuntimeDir    string        `yaml:"runtime_dir"`
	StateDir      string        `yaml:"state_dir"`
	NetworkDir    string        `yaml:"network_dir"`
	Socket        string        `yaml:"socket"`
	IdleExitAfter time.Duration `yaml:"idle_exit_after"`

	// MachineTemplate holds the steward-machine@.service properties; %i
	// expands to the machine name. Keys in the file replace single defaults.
	MachineTemplate map[string]string `yaml:"machine_template"`

	Reconcile Reconcile `yaml:"reconcile"`
	Docker    Docker    `yaml:"docker"`
	Metrics   Metrics   `yaml:"metrics"`
	Tracing   Tracing   `yaml:"tracing"`
	Log       Log       `yaml:"log"`
}

type Reconcile struct {
	MaxObjectsPerFamily int `yaml:"max_objects_per_family"`
}

type Docker struct {
	// RegisterContainers registers running containers as machines.
	RegisterContainers bool `yaml:"register_containers"`
}

type Metrics struct {
	// Address serves /metrics when set, e.g. "127.0.0.1:9464".
	Address string `yaml:"address"`
}

type Tracing struct {
	Exporter string `yaml:"exporter"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Path returns the config file location, honoring STEWARD_CONFIG.
func Path() string {
	if p := os.Getenv("STEWARD_CONFIG"); p != "" {
		return p
	}
	return defaults.ConfigPath
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		RuntimeDir: defaults.RuntimeDir,
		StateDir:   defaults.StateDir,
		NetworkDir: defaults.NetworkDir,
		Socket:     defaults.SocketPath(),
		MachineTemplate: map[string]string{
			"Description": "Machine %i",
			"ExecStart":   defaults.MachineExecStart,
		},
		Reconcile: Reconcile{MaxObjectsPerFamily: defaults.MaxObjectsPerFamily},
		Tracing:   Tracing{Exporter: "none"},
		Log:       Log{Level: "info", Format: "text"},
	}
}

// Load reads the file at path over the defaults. A missing file is not an
// error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	for field, dir := range map[string]string{
		"runtime_dir": c.RuntimeDir,
		"state_dir":   c.StateDir,
		"socket":      c.Socket,
	} {
		if strings.TrimSpace(dir) == "" {
			errs = append(errs, fmt.Errorf("%s must not be empty", field))
		}
	}
	if c.IdleExitAfter < 0 {
		errs = append(errs, fmt.Errorf("idle_exit_after must not be negative"))
	}
	if c.Reconcile.MaxObjectsPerFamily <= 0 {
		errs = append(errs, fmt.Errorf("reconcile.max_objects_per_family must be positive"))
	}
	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter %q is not one of none, stdout, otlp", c.Tracing.Exporter))
	}
	return errors.Join(errs...)
}
