package reconcile

import "log/slog"

// DefaultCeiling bounds local objects per address family.
const DefaultCeiling = 4096

// Ceiling resolves the per-family limit on local objects. Families with a
// probe read their limit once, on first use, and keep it for the life of
// the process.
type Ceiling struct {
	def    int
	probes map[int]func() (int, error)
	cached map[int]int
}

func NewCeiling(def int) *Ceiling {
	if def <= 0 {
		def = DefaultCeiling
	}
	return &Ceiling{
		def:    def,
		probes: make(map[int]func() (int, error)),
		cached: make(map[int]int),
	}
}

// WithProbe installs a kernel probe for family.
func (c *Ceiling) WithProbe(family int, probe func() (int, error)) *Ceiling {
	c.probes[family] = probe
	return c
}

func (c *Ceiling) Limit(family int) int {
	if n, ok := c.cached[family]; ok {
		return n
	}
	probe, ok := c.probes[family]
	if !ok {
		return c.def
	}
	n, err := probe()
	if err != nil {
		slog.Warn("Failed to read kernel object ceiling, using default.", "family", family, "default", c.def, "err", err)
		n = c.def
	}
	c.cached[family] = n
	return n
}
