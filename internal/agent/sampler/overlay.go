package sampler

import "strings"

// KeepRule overrides the force-keep threshold for types whose name matches.
type KeepRule struct {
	// Name matches exactly when Substring is false, otherwise any type whose
	// name contains it.
	Name      string `yaml:"name"`
	Substring bool   `yaml:"substring,omitempty"`
	// KeepSize is the replacement threshold in bytes. Zero keeps every
	// instance of the matching type.
	KeepSize uint64 `yaml:"keep_size"`
}

// Overlay is an optional per-type tuning layer applied when a type is first
// resolved. The zero value applies nothing.
type Overlay struct {
	// Default replaces DefaultForceKeepSize for all types when non-nil.
	Default *uint64    `yaml:"default,omitempty"`
	Rules   []KeepRule `yaml:"rules,omitempty"`
}

// ForceKeepSize returns the threshold for a type name. Exact rules win over
// substring rules; the first matching rule of each kind applies.
func (o *Overlay) ForceKeepSize(name string) uint64 {
	size := uint64(DefaultForceKeepSize)
	if o == nil {
		return size
	}
	if o.Default != nil {
		size = *o.Default
	}
	var substringMatch *KeepRule
	for i := range o.Rules {
		r := &o.Rules[i]
		if !r.Substring && r.Name == name {
			return r.KeepSize
		}
		if r.Substring && substringMatch == nil && strings.Contains(name, r.Name) {
			substringMatch = r
		}
	}
	if substringMatch != nil {
		return substringMatch.KeepSize
	}
	return size
}
