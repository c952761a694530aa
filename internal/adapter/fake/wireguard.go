package fake

import (
	"sync"

	"steward/internal/wireguard"
)

var _ wireguard.Device = (*WireGuard)(nil)

// WireGuard is an in-memory wireguard.Device. Links get indexes from 100.
type WireGuard struct {
	CallRecorder
	mu      sync.Mutex
	next    int
	links   map[string]int
	configs map[string]wireguard.Config

	EnsureErr    func(name string) error
	ConfigureErr func(name string, cfg wireguard.Config) error
}

func NewWireGuard() *WireGuard {
	return &WireGuard{next: 100, links: make(map[string]int), configs: make(map[string]wireguard.Config)}
}

func (w *WireGuard) Ensure(name string, mtu int) (int, error) {
	w.record("Ensure", name, mtu)
	if w.EnsureErr != nil {
		if err := w.EnsureErr(name); err != nil {
			return 0, err
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if idx, ok := w.links[name]; ok {
		return idx, nil
	}
	w.next++
	w.links[name] = w.next
	return w.next, nil
}

func (w *WireGuard) Configure(name string, cfg wireguard.Config) error {
	w.record("Configure", name, cfg)
	if w.ConfigureErr != nil {
		if err := w.ConfigureErr(name, cfg); err != nil {
			return err
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.configs[name] = cfg
	return nil
}

func (w *WireGuard) Delete(name string) error {
	w.record("Delete", name)
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.links, name)
	delete(w.configs, name)
	return nil
}

// Config returns the last configuration applied to name.
func (w *WireGuard) Config(name string) (wireguard.Config, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	cfg, ok := w.configs[name]
	return cfg, ok
}
