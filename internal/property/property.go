// Package property is the bus-facing view of an entity's properties.
package property

import (
	"sort"

	"steward/internal/errdefs"
)

// Provider exposes one entity kind's properties to the bus. Machines,
// units and links each implement it.
type Provider interface {
	PropertyNames() []string
	// Property returns NotFound for unknown names.
	Property(name string) (any, error)
	// SetProperty rejects invalid values with InvalidArgument and leaves
	// the entity unchanged.
	SetProperty(name, value string) error
}

// Snapshot collects every property of p. Properties that fail to read are
// skipped.
func Snapshot(p Provider) map[string]any {
	out := make(map[string]any)
	for _, name := range p.PropertyNames() {
		if v, err := p.Property(name); err == nil {
			out[name] = v
		}
	}
	return out
}

// Unknown is the error returned for a property the entity does not have.
func Unknown(kind, name string) error {
	return errdefs.NotFound("%s has no property %q", kind, name)
}

// ReadOnly is the error returned when setting a computed property.
func ReadOnly(name string) error {
	return errdefs.Invalid(name, "property is read-only")
}

// Names merges and sorts property name lists.
func Names(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range lists {
		for _, n := range l {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
