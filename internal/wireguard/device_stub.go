//go:build !linux

package wireguard

import (
	"fmt"

	"steward/internal/errdefs"
)

// Kernel is unavailable off Linux.
type Kernel struct{}

var _ Device = Kernel{}

func (Kernel) Ensure(name string, _ int) (int, error) {
	return 0, fmt.Errorf("create wireguard interface %q: %w", name, errdefs.ErrUnavailable)
}

func (Kernel) Configure(name string, _ Config) error {
	return fmt.Errorf("configure wireguard device %q: %w", name, errdefs.ErrUnavailable)
}

func (Kernel) Delete(string) error { return nil }
