// Package buildinfo reports the version the binaries were built from.
package buildinfo

import "runtime/debug"

// Version is set at link time with -ldflags "-X steward/internal/buildinfo.Version=...".
var Version = ""

func init() {
	if Version != "" {
		return
	}
	Version = "dev"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}
}
