package policy

import (
	"net"
	"strings"
)

// ipPattern is a single CIDR pattern. A bare address (no "/") is treated as
// a /32 (IPv4) or /128 (IPv6) host match.
type ipPattern struct {
	network *net.IPNet
}

func newIPPattern(pattern string) (ipPattern, bool) {
	if !strings.Contains(pattern, "/") {
		ip := net.ParseIP(pattern)
		if ip == nil {
			return ipPattern{}, false
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		_, network, err := net.ParseCIDR(ip.String() + cidrSuffix(bits))
		if err != nil {
			return ipPattern{}, false
		}
		return ipPattern{network: network}, true
	}

	_, network, err := net.ParseCIDR(pattern)
	if err != nil {
		return ipPattern{}, false
	}
	return ipPattern{network: network}, true
}

func cidrSuffix(bits int) string {
	if bits == 32 {
		return "/32"
	}
	return "/128"
}

func (p ipPattern) matches(addr net.IP) bool {
	return p.network.Contains(addr)
}

// IPFilter is a set of CIDR patterns matched with OR semantics.
type IPFilter struct {
	patterns []ipPattern
}

// NewIPFilter returns an empty filter, which matches nothing.
func NewIPFilter() *IPFilter {
	return &IPFilter{}
}

// AllowAllIPs returns a filter matching every address, v4 and v6.
func AllowAllIPs() *IPFilter {
	f := &IPFilter{}
	f.mustAdd("0.0.0.0/0")
	f.mustAdd("::/0")
	return f
}

func (f *IPFilter) mustAdd(pattern string) {
	if err := f.Add(pattern); err != nil {
		panic(err)
	}
}

// Add registers an additional CIDR or bare-address pattern.
func (f *IPFilter) Add(pattern string) error {
	p, ok := newIPPattern(pattern)
	if !ok {
		return &net.ParseError{Type: "CIDR address", Text: pattern}
	}
	f.patterns = append(f.patterns, p)
	return nil
}

// Matches reports whether addr satisfies any registered pattern.
func (f *IPFilter) Matches(addr net.IP) bool {
	for _, p := range f.patterns {
		if p.matches(addr) {
			return true
		}
	}
	return false
}
