package policy

import (
	"net"
	"testing"
)

func TestIPPatternMatching(t *testing.T) {
	cases := []patternCase{
		{pattern: "66.254.33.22", positives: []string{"66.254.33.22"}, negatives: []string{"66.254.33.21"}},
		{pattern: "66.254.33.22/32", positives: []string{"66.254.33.22"}, negatives: []string{"66.254.33.21", "66.254.33.23"}},
		{pattern: "0.0.0.0/0", positives: []string{"66.254.33.22", "1.2.3.4", "255.255.255.255"}},
		{pattern: "66.254.33.22/24", positives: []string{"66.254.33.1", "66.254.33.22", "66.254.33.255"},
			negatives: []string{"66.254.34.1", "67.254.33.22", "66.254.32.255"}},
		{pattern: "::/0", positives: []string{"::", "fc00::1234", "ffff:ffff:ffff:ffff:ffff:ffff:ffff:ffff"}},
	}

	for _, tc := range cases {
		p, ok := newIPPattern(tc.pattern)
		if !ok {
			t.Fatalf("pattern %q failed to parse", tc.pattern)
		}
		for _, a := range tc.positives {
			if !p.matches(net.ParseIP(a)) {
				t.Errorf("pattern %q: expected %q to match", tc.pattern, a)
			}
		}
		for _, a := range tc.negatives {
			if p.matches(net.ParseIP(a)) {
				t.Errorf("pattern %q: expected %q to NOT match", tc.pattern, a)
			}
		}
	}
}

func TestIPFilter(t *testing.T) {
	f := NewIPFilter()
	_ = f.Add("66.254.33.22")
	_ = f.Add("66.254.34.22/32")
	_ = f.Add("66.254.35.0/24")

	expect := func(addr string, want bool) {
		t.Helper()
		if got := f.Matches(net.ParseIP(addr)); got != want {
			t.Errorf("Matches(%q) = %v, want %v", addr, got, want)
		}
	}

	expect("66.254.33.22", true)
	expect("66.254.34.22", true)
	expect("66.254.35.22", true)
	expect("66.254.33.21", false)
	expect("66.254.34.23", false)
	expect("66.254.36.23", false)
}
