// Package constants holds the fixed paths and vsock port numbers that tie
// the release image, the enclave filesystem layout, and the host runner
// together. None of these are configurable.
package constants

const (
	EIFFileName      = "application.eif"
	ManifestFileName = "enclaver.yaml"

	EnclaveConfigDir = "/etc/enclaver"
	EnclaveOdynPath  = "/sbin/odyn"

	ReleaseBundleDir = "/enclave"
)

const (
	// Reserved vsock ports for the status, app log and egress channels.
	StatusPort          = 17000
	AppLogPort          = 17001
	HTTPEgressVsockPort = 17002

	// DefaultEgressProxyPort is the TCP port the in-enclave HTTP(S) proxy
	// listens on when the manifest does not override it.
	DefaultEgressProxyPort = 10000
)

// OutsideHost is the literal hostname the egress control protocol resolves
// to the host's loopback address.
const OutsideHost = "host"
