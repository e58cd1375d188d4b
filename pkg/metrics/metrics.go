// Package metrics exposes the supervisor's observability surface: a small
// Prometheus registry served on /metrics carrying the handful of counters
// this system actually produces.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LogBytesAppended counts bytes written into the circular application
	// log, regardless of whether they were later evicted by ring overflow.
	LogBytesAppended = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nitrobox_log_bytes_appended_total",
		Help: "Total bytes appended to the in-enclave circular application log.",
	})

	// EgressConnections counts egress connect attempts by policy decision.
	EgressConnections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nitrobox_egress_connections_total",
		Help: "Egress connect attempts by policy decision (allowed, blocked).",
	}, []string{"decision"})

	// KMSProxyRequests counts KMS proxy requests by outcome.
	KMSProxyRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nitrobox_kms_proxy_requests_total",
		Help: "KMS attestation proxy requests by outcome (attested, forwarded, error).",
	}, []string{"outcome"})

	// IngressConnections counts ingress-bridge connections accepted, by
	// listener port.
	IngressConnections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nitrobox_ingress_connections_total",
		Help: "Ingress bridge connections accepted, by listener port.",
	}, []string{"port"})
)

// Registry is the process-wide collector set, declared in exactly one
// place. The supervisor serves it on /metrics beside the attestation API;
// the enclaver runner does not mount a /metrics handler.
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(LogBytesAppended, EgressConnections, KMSProxyRequests, IngressConnections)
}

// Handler returns the promhttp handler for Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
