package network

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"steward/internal/errdefs"
	"steward/internal/eventloop"
	"steward/internal/nlreq"
	"steward/internal/wireguard"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const resolveTimeout = 10 * time.Second

// Resolver looks up peer endpoint host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// EndpointRetryDelay is the wait before endpoint resolution attempt
// retries+1: (2 << min(retries, 7)) * 100ms. The first retry waits 400ms
// and the delay stops growing at 25.6s.
func EndpointRetryDelay(retries int) time.Duration {
	return time.Duration(2<<min(retries, 7)) * 100 * time.Millisecond
}

func (c *NetDevConfig) validate() error {
	if c.Kind != "wireguard" {
		return errdefs.Invalid("netdev.kind", "unsupported netdev kind %q", c.Kind)
	}
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		return errdefs.Invalid("netdev.listen_port", "port %d out of range", c.ListenPort)
	}
	if c.PrivateKeyFile == "" {
		return errdefs.Invalid("netdev.private_key_file", "a private key file is required")
	}
	for i, p := range c.Peers {
		if _, err := wireguard.ParsePeerKey(p.PublicKey); err != nil {
			return fmt.Errorf("netdev.peers[%d]: %w", i, err)
		}
		for _, raw := range p.AllowedIPs {
			if _, err := netip.ParsePrefix(raw); err != nil {
				return errdefs.Invalid(fmt.Sprintf("netdev.peers[%d].allowed_ips", i), "invalid prefix %q", raw)
			}
		}
		if p.Endpoint != "" {
			if _, _, err := splitEndpoint(p.Endpoint); err != nil {
				return errdefs.Invalid(fmt.Sprintf("netdev.peers[%d].endpoint", i), "%v", err)
			}
		}
	}
	return nil
}

func splitEndpoint(raw string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		return "", 0, fmt.Errorf("invalid endpoint %q: %w", raw, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", 0, fmt.Errorf("invalid endpoint port in %q", raw)
	}
	return host, uint16(port), nil
}

// netdev is a WireGuard device declared by a network file.
type netdev struct {
	name    string
	cfg     NetDevConfig
	key     wgtypes.Key
	peers   []wireguard.Peer
	hosts   map[int]string // peer index -> unresolved host name
	ports   map[int]uint16
	retries int
	retry   eventloop.Timer
	stopped bool
}

func (nd *netdev) stop() {
	nd.stopped = true
	if nd.retry != nil {
		nd.retry.Stop()
		nd.retry = nil
	}
}

func (m *Manager) NetDevRetries(name string) (int, bool) {
	nd, ok := m.netdevs[name]
	if !ok {
		return 0, false
	}
	return nd.retries, true
}

func literalName(pattern string) bool {
	return !strings.ContainsAny(pattern, `*?[\`)
}

func (m *Manager) syncNetDevs() {
	if m.wg == nil {
		return
	}
	want := make(map[string]NetDevConfig)
	for _, f := range m.files {
		if f.NetDev == nil {
			continue
		}
		for _, name := range f.Match.Name {
			if !literalName(name) {
				m.log.Warn("Netdev needs a literal link name.", "file", f.Path, "pattern", name)
				continue
			}
			if _, dup := want[name]; !dup {
				want[name] = *f.NetDev
			}
		}
	}
	for name, nd := range m.netdevs {
		if _, ok := want[name]; !ok {
			nd.stop()
			delete(m.netdevs, name)
		}
	}
	for name, cfg := range want {
		if old, ok := m.netdevs[name]; ok {
			old.stop()
		}
		nd := &netdev{name: name, cfg: cfg}
		m.netdevs[name] = nd
		m.createNetDev(nd)
	}
}

func (m *Manager) createNetDev(nd *netdev) {
	key, err := wireguard.ReadPrivateKey(nd.cfg.PrivateKeyFile)
	if err != nil {
		m.log.Warn("Cannot create netdev.", "netdev", nd.name, "err", err)
		return
	}
	nd.key = key
	nd.hosts = make(map[int]string)
	nd.ports = make(map[int]uint16)
	nd.peers = make([]wireguard.Peer, len(nd.cfg.Peers))
	for i, pc := range nd.cfg.Peers {
		pub, _ := wireguard.ParsePeerKey(pc.PublicKey)
		peer := wireguard.Peer{PublicKey: pub}
		for _, raw := range pc.AllowedIPs {
			if p, err := netip.ParsePrefix(raw); err == nil {
				peer.AllowedIPs = append(peer.AllowedIPs, p.Masked())
			}
		}
		if pc.Endpoint != "" {
			host, port, _ := splitEndpoint(pc.Endpoint)
			if addr, err := netip.ParseAddr(host); err == nil {
				ap := netip.AddrPortFrom(addr, port)
				peer.Endpoint = &ap
			} else {
				nd.hosts[i] = host
				nd.ports[i] = port
			}
		}
		nd.peers[i] = peer
	}

	type ensured struct {
		index int
		err   error
	}
	eventloop.Go(m.loop, func() ensured {
		idx, err := m.wg.Ensure(nd.name, nd.cfg.MTU)
		return ensured{idx, err}
	}, func(r ensured) {
		if nd.stopped {
			return
		}
		if r.err != nil {
			m.log.Warn("Failed to create netdev.", "netdev", nd.name, "err", r.err)
			return
		}
		m.log.Info("Netdev ready.", "netdev", nd.name, "ifindex", r.index)
		m.HandleLink(nlreq.LinkEvent{Index: r.index, Name: nd.name, Kind: "wireguard", Up: true})
		m.resolveEndpoints(nd)
	})
}

// resolveEndpoints looks up every unresolved peer host, then pushes the
// device configuration. Peers whose lookup failed are retried with backoff.
func (m *Manager) resolveEndpoints(nd *netdev) {
	if len(nd.hosts) == 0 {
		m.applyNetDev(nd)
		return
	}
	type lookup struct {
		peer int
		addr netip.Addr
		err  error
	}
	hosts := make(map[int]string, len(nd.hosts))
	for i, h := range nd.hosts {
		hosts[i] = h
	}
	eventloop.Go(m.loop, func() []lookup {
		out := make([]lookup, 0, len(hosts))
		for i, host := range hosts {
			ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
			addrs, err := m.resolver.LookupNetIP(ctx, "ip", host)
			cancel()
			r := lookup{peer: i, err: err}
			if err == nil && len(addrs) == 0 {
				r.err = fmt.Errorf("no addresses for %s", host)
			}
			if r.err == nil {
				r.addr = addrs[0].Unmap()
			}
			out = append(out, r)
		}
		return out
	}, func(results []lookup) {
		if nd.stopped {
			return
		}
		for _, r := range results {
			if r.err != nil {
				m.log.Debug("Failed to resolve peer endpoint.", "netdev", nd.name, "host", hosts[r.peer], "err", r.err)
				continue
			}
			ap := netip.AddrPortFrom(r.addr, nd.ports[r.peer])
			nd.peers[r.peer].Endpoint = &ap
			delete(nd.hosts, r.peer)
		}
		m.applyNetDev(nd)
		if len(nd.hosts) > 0 {
			m.scheduleResolve(nd)
		} else {
			nd.retries = 0
		}
	})
}

func (m *Manager) scheduleResolve(nd *netdev) {
	nd.retries++
	delay := EndpointRetryDelay(nd.retries)
	m.log.Info("Retrying peer endpoint resolution.", "netdev", nd.name, "unresolved", len(nd.hosts), "after", delay)
	nd.retry = m.loop.AfterFunc(delay, func() {
		nd.retry = nil
		if nd.stopped {
			return
		}
		m.resolveEndpoints(nd)
	})
}

func (m *Manager) applyNetDev(nd *netdev) {
	cfg := wireguard.Config{
		PrivateKey: nd.key,
		ListenPort: nd.cfg.ListenPort,
		Peers:      append([]wireguard.Peer(nil), nd.peers...),
	}
	eventloop.Go(m.loop, func() error {
		return m.wg.Configure(nd.name, cfg)
	}, func(err error) {
		if err != nil && !nd.stopped {
			m.log.Warn("Failed to configure netdev.", "netdev", nd.name, "err", err)
		}
	})
}
