//go:build linux

package wireguard

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const peerKeepalive = 25 * time.Second

// Kernel drives in-kernel WireGuard links.
type Kernel struct{}

var _ Device = Kernel{}

func (Kernel) Ensure(name string, mtu int) (int, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if !errors.As(err, &notFound) {
			return 0, fmt.Errorf("find wireguard interface %q: %w", name, err)
		}
		link = &netlink.GenericLink{LinkAttrs: netlink.LinkAttrs{Name: name}, LinkType: "wireguard"}
		if err := netlink.LinkAdd(link); err != nil && !errors.Is(err, unix.EEXIST) {
			return 0, fmt.Errorf("create wireguard interface %q: %w", name, err)
		}
		if link, err = netlink.LinkByName(name); err != nil {
			return 0, fmt.Errorf("refetch wireguard interface %q: %w", name, err)
		}
	}
	if mtu > 0 && link.Attrs().MTU != mtu {
		if err := netlink.LinkSetMTU(link, mtu); err != nil {
			return 0, fmt.Errorf("set wireguard mtu on %q: %w", name, err)
		}
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		if err := netlink.LinkSetUp(link); err != nil {
			return 0, fmt.Errorf("set wireguard interface %q up: %w", name, err)
		}
	}
	return link.Attrs().Index, nil
}

// Configure replaces the device's peers with cfg.Peers. Peers without a
// resolved endpoint keep whatever endpoint the kernel has.
func (Kernel) Configure(name string, cfg Config) error {
	wg, err := wgctrl.New()
	if err != nil {
		return fmt.Errorf("create wireguard client: %w", err)
	}
	defer wg.Close()

	dev, err := wg.Device(name)
	if err != nil {
		return fmt.Errorf("inspect wireguard device %q: %w", name, err)
	}

	peers := make([]wgtypes.PeerConfig, 0, len(cfg.Peers))
	desired := make(map[wgtypes.Key]struct{}, len(cfg.Peers))
	for _, p := range cfg.Peers {
		pc := wgtypes.PeerConfig{
			PublicKey:                   p.PublicKey,
			ReplaceAllowedIPs:           true,
			AllowedIPs:                  prefixesToIPNets(p.AllowedIPs),
			PersistentKeepaliveInterval: ptrDuration(peerKeepalive),
		}
		if p.Endpoint != nil {
			pc.Endpoint = &net.UDPAddr{IP: p.Endpoint.Addr().AsSlice(), Port: int(p.Endpoint.Port())}
		}
		peers = append(peers, pc)
		desired[p.PublicKey] = struct{}{}
	}
	for _, current := range dev.Peers {
		if _, ok := desired[current.PublicKey]; !ok {
			peers = append(peers, wgtypes.PeerConfig{PublicKey: current.PublicKey, Remove: true})
		}
	}

	wgCfg := wgtypes.Config{PrivateKey: &cfg.PrivateKey, Peers: peers}
	if cfg.ListenPort > 0 {
		wgCfg.ListenPort = &cfg.ListenPort
	}
	if err := wg.ConfigureDevice(name, wgCfg); err != nil {
		return fmt.Errorf("configure wireguard device %q: %w", name, err)
	}
	return nil
}

func (Kernel) Delete(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("find wireguard interface %q: %w", name, err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return fmt.Errorf("delete wireguard interface %q: %w", name, err)
	}
	return nil
}

func ptrDuration(d time.Duration) *time.Duration { return &d }

func prefixesToIPNets(prefixes []netip.Prefix) []net.IPNet {
	nets := make([]net.IPNet, len(prefixes))
	for i, p := range prefixes {
		bits := 32
		if p.Addr().Is6() {
			bits = 128
		}
		nets[i] = net.IPNet{IP: p.Addr().AsSlice(), Mask: net.CIDRMask(p.Bits(), bits)}
	}
	return nets
}
