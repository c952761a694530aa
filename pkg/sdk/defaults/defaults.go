// Package defaults holds the host paths shared by stewardd and its clients.
package defaults

import (
	"os"
	"strings"
)

const (
	RuntimeDir = "/run/steward"
	StateDir   = "/var/lib/steward"
	NetworkDir = "/etc/steward/network"
	ConfigPath = "/etc/steward/stewardd.yaml"

	// MaxObjectsPerFamily bounds each kernel object tracker.
	MaxObjectsPerFamily = 4096

	// MachineExecStart boots a machine's root directory in a container.
	MachineExecStart = "/usr/bin/systemd-nspawn --quiet --keep-unit --boot --link-journal=try-guest --directory=/var/lib/machines/%i --machine=%i"

	envSocket = "STEWARD_SOCKET"
)

// SocketPath is the daemon socket, overridable with STEWARD_SOCKET.
func SocketPath() string {
	if fromEnv := strings.TrimSpace(os.Getenv(envSocket)); fromEnv != "" {
		return fromEnv
	}
	return RuntimeDir + "/stewardd.sock"
}

// HistoryPath is the lifecycle history database under stateDir.
func HistoryPath(stateDir string) string {
	if strings.TrimSpace(stateDir) == "" {
		stateDir = StateDir
	}
	return strings.TrimRight(stateDir, "/") + "/history.db"
}
