// Package policy implements the Resource Policy (C3): a static per-tier
// resource table and pure resolution function. Nothing here touches the
// network or the filesystem.
package policy

import "fmt"

// Tier names the subscription tier a user's container is provisioned under.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// SecurityOptions names the container security posture applied at create
// time, independent of resource limits.
type SecurityOptions struct {
	NoNewPrivileges bool
	ReadOnlyRootFS  bool
	CapDrop         []string
}

// ResourceLimits is the resolved memory/CPU ceiling and security posture for
// a container.
type ResourceLimits struct {
	MemoryBytes int64
	CPUQuota    float64 // fractional CPUs, e.g. 0.5 == half a core
	Security    SecurityOptions
}

var defaultSecurity = SecurityOptions{
	NoNewPrivileges: true,
	ReadOnlyRootFS:  false,
	CapDrop:         []string{"ALL"},
}

const (
	gib = 1 << 30
)

// table is the static tier -> limits mapping. It is never mutated at
// runtime; overriding a tier's limits happens only through Resolve's
// narrowing rules, never by editing this map.
var table = map[Tier]ResourceLimits{
	TierFree:       {MemoryBytes: 1 * gib, CPUQuota: 0.5, Security: defaultSecurity},
	TierPro:        {MemoryBytes: 4 * gib, CPUQuota: 2, Security: defaultSecurity},
	TierEnterprise: {MemoryBytes: 8 * gib, CPUQuota: 4, Security: defaultSecurity},
}

// Lookup returns the static limits for tier.
func Lookup(tier Tier) (ResourceLimits, error) {
	l, ok := table[tier]
	if !ok {
		return ResourceLimits{}, fmt.Errorf("unknown tier %q", tier)
	}
	return l, nil
}

// Override expresses a caller-requested narrowing of a tier's limits. Zero
// values mean "no override for this field."
type Override struct {
	MemoryBytes int64
	CPUQuota    float64
}

// Resolve returns the effective limits for tier, applying override. An
// override may only narrow the tier's ceiling, never widen it: a requested
// value above the tier's limit is clamped down to the tier's limit, never
// raised. Resolve is pure — same inputs always produce the same output.
func Resolve(tier Tier, override Override) (ResourceLimits, error) {
	base, err := Lookup(tier)
	if err != nil {
		return ResourceLimits{}, err
	}

	resolved := base
	if override.MemoryBytes > 0 && override.MemoryBytes < base.MemoryBytes {
		resolved.MemoryBytes = override.MemoryBytes
	}
	if override.CPUQuota > 0 && override.CPUQuota < base.CPUQuota {
		resolved.CPUQuota = override.CPUQuota
	}
	return resolved, nil
}
