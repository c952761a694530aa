// Package wireguard creates WireGuard links and applies their key, port
// and peer configuration.
package wireguard

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"steward/internal/errdefs"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

type Peer struct {
	PublicKey  wgtypes.Key
	Endpoint   *netip.AddrPort
	AllowedIPs []netip.Prefix
}

type Config struct {
	PrivateKey wgtypes.Key
	ListenPort int
	Peers      []Peer
}

// Device is the kernel side of a WireGuard netdev.
//
// Production: Kernel (netlink + wgctrl). Testing: fake.WireGuard.
type Device interface {
	// Ensure creates the link if needed, sets its MTU and brings it up.
	Ensure(name string, mtu int) (ifindex int, err error)
	Configure(name string, cfg Config) error
	Delete(name string) error
}

// ReadPrivateKey loads a base64 private key from path.
func ReadPrivateKey(path string) (wgtypes.Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return wgtypes.Key{}, fmt.Errorf("read wireguard private key: %w", err)
	}
	key, err := wgtypes.ParseKey(strings.TrimSpace(string(data)))
	if err != nil {
		return wgtypes.Key{}, errdefs.Invalid("private_key_file", "parse wireguard private key: %v", err)
	}
	return key, nil
}

// ParsePeerKey validates a peer public key.
func ParsePeerKey(raw string) (wgtypes.Key, error) {
	key, err := wgtypes.ParseKey(strings.TrimSpace(raw))
	if err != nil {
		return wgtypes.Key{}, errdefs.Invalid("public_key", "parse wireguard public key: %v", err)
	}
	return key, nil
}
