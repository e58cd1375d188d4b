// Package tlsutil holds small TLS helpers. InsecureClientConfig is
// test-only scaffolding; no production code path may reference it.
package tlsutil

import "crypto/tls"

// InsecureClientConfig returns a client TLS config that skips server
// certificate verification, for round-trip tests that terminate TLS
// against a self-signed certificate generated on the fly.
func InsecureClientConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec // test-only
}
