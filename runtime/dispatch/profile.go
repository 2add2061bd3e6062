package dispatch

import "github.com/flowcore/flowcore/runtime/events"

// Profile scopes a session's emitter to a subset of event domains, the
// way a metrics sink only ever wants audit/metric and a UI client wants
// everything.
type Profile struct {
	domains map[events.Domain]bool
}

// AllDomainsProfile accepts every domain. It is the default profile used
// by Register.
func AllDomainsProfile() Profile {
	return Profile{}
}

// NewProfile restricts delivery to exactly the given domains.
func NewProfile(domains ...events.Domain) Profile {
	set := make(map[events.Domain]bool, len(domains))
	for _, d := range domains {
		set[d] = true
	}
	return Profile{domains: set}
}

// Accepts reports whether domain passes this profile.
func (p Profile) Accepts(domain events.Domain) bool {
	if len(p.domains) == 0 {
		return true
	}
	return p.domains[domain]
}

// MetricsProfile accepts only audit events, the subset a metrics
// aggregator cares about.
func MetricsProfile() Profile {
	return NewProfile(events.DomainAudit)
}
