package network

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"steward/internal/errdefs"
	"steward/internal/reconcile"

	"github.com/vishvananda/netlink"
	"gopkg.in/yaml.v3"
)

// File is one network configuration document from the network directory.
//
//	match:
//	  name: ["eth*"]
//	addresses:
//	  - address: 10.0.0.2/24
//	routes:
//	  - destination: 0.0.0.0/0
//	    gateway: 10.0.0.1
//	fdb:
//	  - mac: 02:00:00:00:00:01
//	    destination: 192.0.2.7
type File struct {
	Path      string          `yaml:"-"`
	Match     Match           `yaml:"match"`
	Addresses []AddressConfig `yaml:"addresses,omitempty"`
	Routes    []RouteConfig   `yaml:"routes,omitempty"`
	FDB       []FdbConfig     `yaml:"fdb,omitempty"`
	NetDev    *NetDevConfig   `yaml:"netdev,omitempty"`
}

type Match struct {
	Name []string `yaml:"name"`
}

type AddressConfig struct {
	Address  string   `yaml:"address"`
	Label    string   `yaml:"label,omitempty"`
	Lifetime Duration `yaml:"lifetime,omitempty"`
}

type RouteConfig struct {
	Destination string   `yaml:"destination"`
	Gateway     string   `yaml:"gateway,omitempty"`
	Metric      uint32   `yaml:"metric,omitempty"`
	Table       uint32   `yaml:"table,omitempty"`
	TOS         uint8    `yaml:"tos,omitempty"`
	Scope       string   `yaml:"scope,omitempty"`
	Lifetime    Duration `yaml:"lifetime,omitempty"`
}

type FdbConfig struct {
	MAC         string `yaml:"mac"`
	VLAN        uint16 `yaml:"vlan,omitempty"`
	Destination string `yaml:"destination,omitempty"`
}

// NetDevConfig creates a virtual device for the matched name. Only
// "wireguard" is supported.
type NetDevConfig struct {
	Kind           string       `yaml:"kind"`
	MTU            int          `yaml:"mtu,omitempty"`
	ListenPort     int          `yaml:"listen_port,omitempty"`
	PrivateKeyFile string       `yaml:"private_key_file,omitempty"`
	Peers          []PeerConfig `yaml:"peers,omitempty"`
}

type PeerConfig struct {
	PublicKey  string   `yaml:"public_key"`
	Endpoint   string   `yaml:"endpoint,omitempty"`
	AllowedIPs []string `yaml:"allowed_ips,omitempty"`
}

// Duration is a time.Duration written as "30s" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Matches reports whether the file applies to the link called name.
func (f *File) Matches(name string) bool {
	for _, pattern := range f.Match.Name {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// ParseFile decodes and validates a network file.
func ParseFile(path string, data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse network file %s: %w", path, err)
	}
	f.Path = path
	if _, err := f.Plan(0); err != nil {
		return nil, fmt.Errorf("network file %s: %w", path, err)
	}
	if len(f.Match.Name) == 0 {
		return nil, errdefs.Invalid("match.name", "network file %s matches no links", path)
	}
	for _, pattern := range f.Match.Name {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return nil, errdefs.Invalid("match.name", "bad pattern %q", pattern)
		}
	}
	if f.NetDev != nil {
		if err := f.NetDev.validate(); err != nil {
			return nil, fmt.Errorf("network file %s: %w", path, err)
		}
	}
	return &f, nil
}

// LoadDir reads every *.yaml file in dir in name order. A missing directory
// has no files. Invalid files are reported together with the valid ones.
func LoadDir(dir string) ([]*File, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("list network files: %w", err)
	}
	sort.Strings(paths)
	var (
		files []*File
		errs  []error
	)
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			errs = append(errs, fmt.Errorf("read network file %s: %w", path, err))
			continue
		}
		f, err := ParseFile(path, data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		files = append(files, f)
	}
	return files, errors.Join(errs...)
}

// FindFile returns the first file matching name.
func FindFile(files []*File, name string) *File {
	for _, f := range files {
		if f.Matches(name) {
			return f
		}
	}
	return nil
}

// Plan is a file's objects bound to one link.
type Plan struct {
	Addresses []PlannedAddress
	Routes    []PlannedRoute
	FDB       []PlannedFdb
}

type PlannedAddress struct {
	Key  reconcile.AddressKey
	Spec reconcile.AddressSpec
}

type PlannedRoute struct {
	Key  reconcile.RouteKey
	Spec reconcile.RouteSpec
}

type PlannedFdb struct {
	Key  reconcile.FdbKey
	Spec reconcile.FdbSpec
}

// Plan resolves the file's objects for the link with index ifindex.
func (f *File) Plan(ifindex int) (Plan, error) {
	var p Plan
	for i, a := range f.Addresses {
		prefix, err := netip.ParsePrefix(a.Address)
		if err != nil {
			return p, errdefs.Invalid(fmt.Sprintf("addresses[%d].address", i), "invalid address %q", a.Address)
		}
		p.Addresses = append(p.Addresses, PlannedAddress{
			Key:  reconcile.NewAddressKey(prefix),
			Spec: reconcile.AddressSpec{LinkIndex: ifindex, Label: a.Label, Lifetime: time.Duration(a.Lifetime)},
		})
	}
	for i, r := range f.Routes {
		field := fmt.Sprintf("routes[%d]", i)
		dst, err := netip.ParsePrefix(r.Destination)
		if err != nil {
			return p, errdefs.Invalid(field+".destination", "invalid destination %q", r.Destination)
		}
		spec := reconcile.RouteSpec{LinkIndex: ifindex, Lifetime: time.Duration(r.Lifetime)}
		if r.Gateway != "" {
			gw, err := netip.ParseAddr(r.Gateway)
			if err != nil {
				return p, errdefs.Invalid(field+".gateway", "invalid gateway %q", r.Gateway)
			}
			if gw.Is4() != dst.Addr().Is4() {
				return p, errdefs.Invalid(field+".gateway", "gateway %s and destination %s differ in family", gw, dst)
			}
			spec.Gateway = gw
		}
		scope, err := parseScope(r.Scope, spec.Gateway.IsValid())
		if err != nil {
			return p, errdefs.Invalid(field+".scope", "%v", err)
		}
		spec.Scope = scope
		p.Routes = append(p.Routes, PlannedRoute{
			Key:  reconcile.NewRouteKey(dst.Masked(), r.TOS, r.Metric, r.Table),
			Spec: spec,
		})
	}
	for i, e := range f.FDB {
		field := fmt.Sprintf("fdb[%d]", i)
		mac, err := net.ParseMAC(e.MAC)
		if err != nil {
			return p, errdefs.Invalid(field+".mac", "invalid MAC %q", e.MAC)
		}
		key, err := reconcile.NewFdbKey(mac, e.VLAN)
		if err != nil {
			return p, errdefs.Invalid(field+".mac", "%v", err)
		}
		spec := reconcile.FdbSpec{LinkIndex: ifindex}
		if e.Destination != "" {
			dst, err := netip.ParseAddr(e.Destination)
			if err != nil {
				return p, errdefs.Invalid(field+".destination", "invalid destination %q", e.Destination)
			}
			spec.Dst = dst
		}
		if e.VLAN > 4094 {
			return p, errdefs.Invalid(field+".vlan", "vlan %d out of range", e.VLAN)
		}
		p.FDB = append(p.FDB, PlannedFdb{Key: key, Spec: spec})
	}
	return p, nil
}

func parseScope(raw string, hasGateway bool) (netlink.Scope, error) {
	switch strings.ToLower(raw) {
	case "":
		if hasGateway {
			return netlink.SCOPE_UNIVERSE, nil
		}
		return netlink.SCOPE_LINK, nil
	case "global", "universe":
		return netlink.SCOPE_UNIVERSE, nil
	case "link":
		return netlink.SCOPE_LINK, nil
	case "host":
		return netlink.SCOPE_HOST, nil
	default:
		return 0, fmt.Errorf("unknown route scope %q", raw)
	}
}
