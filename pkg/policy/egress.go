package policy

import (
	"net"
	"strings"

	"github.com/cuemby/nitrobox/pkg/log"
)

// EgressPolicy combines domain and IP allow/deny filters into a single
// allow-and-not-deny decision over a connect-target host string.
type EgressPolicy struct {
	domainAllow *DomainFilter
	domainDeny  *DomainFilter
	ipAllow     *IPFilter
	ipDeny      *IPFilter
}

// Spec is the subset of the manifest's egress block needed to build a
// policy: allow and deny pattern lists, each entry either a CIDR or a
// domain glob.
type Spec struct {
	Allow []string
	Deny  []string
}

// New builds a policy from a manifest egress spec. Patterns that parse as
// a CIDR/address go into the IP filter; everything else is treated as a
// domain pattern.
func New(spec Spec) *EgressPolicy {
	domainAllow, ipAllow := loadFilters(spec.Allow)
	domainDeny, ipDeny := loadFilters(spec.Deny)
	return &EgressPolicy{
		domainAllow: domainAllow,
		domainDeny:  domainDeny,
		ipAllow:     ipAllow,
		ipDeny:      ipDeny,
	}
}

// AllowAll builds a policy permitting every host and denying none.
func AllowAll() *EgressPolicy {
	return &EgressPolicy{
		domainAllow: AllowAllDomains(),
		domainDeny:  NewDomainFilter(),
		ipAllow:     AllowAllIPs(),
		ipDeny:      NewIPFilter(),
	}
}

func loadFilters(patterns []string) (*DomainFilter, *IPFilter) {
	domains := NewDomainFilter()
	ips := NewIPFilter()
	for _, pattern := range patterns {
		if err := ips.Add(pattern); err != nil {
			domains.Add(pattern)
		}
	}
	return domains, ips
}

// IsHostAllowed implements the allow∧¬deny decision for a host string taken
// from a request authority. Bracketed IPv6 literals are unwrapped before
// classification.
func (p *EgressPolicy) IsHostAllowed(host string) bool {
	log.Logger.Trace().Str("host", host).Msg("is_host_allowed")

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")

	if addr := net.ParseIP(host); addr != nil {
		return p.ipAllow.Matches(addr) && !p.ipDeny.Matches(addr)
	}
	return p.domainAllow.Matches(host) && !p.domainDeny.Matches(host)
}
