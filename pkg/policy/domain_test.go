package policy

import "testing"

type patternCase struct {
	pattern   string
	positives []string
	negatives []string
}

func TestPatternMatching(t *testing.T) {
	cases := []patternCase{
		{
			pattern:   "example.com",
			positives: []string{"example.com", "Example.COM"},
			negatives: []string{"example.net", ".example.com", "foo.com", "", "abc.example.com", "example."},
		},
		{
			pattern:   "*.com",
			positives: []string{"example.com", "cnn.CoM"},
			negatives: []string{"example.net", "", "news.ycombinator.com", "beta.client1.saas.com", "example."},
		},
		{
			pattern:   "foo.*.com",
			positives: []string{"foo.example.com"},
			negatives: []string{"example.net", "", "example.", "foo.bar.example.com", ".com"},
		},
		{
			pattern:   "**.amazonaws.com",
			positives: []string{"kms.us-east-1.amazonaws.com", "s3.amazonaws.com"},
			negatives: []string{"amazonaws.com", "", "example.com"},
		},
	}

	for _, tc := range cases {
		pat := newDomainPattern(tc.pattern)
		for _, d := range tc.positives {
			if !pat.matches(splitReversedLower(d)) {
				t.Errorf("pattern %q: expected %q to match", tc.pattern, d)
			}
		}
		for _, d := range tc.negatives {
			if pat.matches(splitReversedLower(d)) {
				t.Errorf("pattern %q: expected %q to NOT match", tc.pattern, d)
			}
		}
	}
}

func TestDomainFilter(t *testing.T) {
	df := NewDomainFilter()
	df.Add("example.com")
	df.Add("*.net")
	df.Add("foo.*.com")
	df.Add("**.amazonaws.com")

	if !df.Matches("example.com") {
		t.Error("expected example.com to match")
	}
	if df.Matches("cnn.com") {
		t.Error("expected cnn.com to NOT match")
	}
	if !df.Matches("example.net") {
		t.Error("expected example.net to match")
	}
	if df.Matches("foo.bar.org") {
		t.Error("expected foo.bar.org to NOT match")
	}
	if !df.Matches("kms.amazonaws.com") {
		t.Error("expected kms.amazonaws.com to match")
	}
	if !df.Matches("kms.us-east-1.amazonaws.com") {
		t.Error("expected kms.us-east-1.amazonaws.com to match")
	}
}

func TestEmptyDomainFilterMatchesNothing(t *testing.T) {
	df := NewDomainFilter()
	if df.Matches("example.com") {
		t.Error("empty filter must match nothing")
	}
}

func TestAllowAllDomains(t *testing.T) {
	df := AllowAllDomains()
	if !df.Matches("anything.example.org") {
		t.Error("allow-all filter must match everything")
	}
	if !df.Matches("x") {
		t.Error("allow-all filter must match single-label hosts")
	}
}
