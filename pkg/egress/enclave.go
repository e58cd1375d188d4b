package egress

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/cuemby/nitrobox/pkg/log"
	"github.com/cuemby/nitrobox/pkg/metrics"
	"github.com/cuemby/nitrobox/pkg/policy"
)

// Dialer opens a connection to the host's egress bridge, requests a dial
// to host:port, and returns the resulting stream on success. The default
// is a real vsock dial; tests substitute an in-process fake.
type Dialer func(ctx context.Context, host string, port uint16) (net.Conn, error)

// EnclaveProxy is the loopback HTTP(S) forward proxy application code
// inside the enclave is configured to use (via http_proxy/https_proxy).
// It enforces the egress security policy before ever asking the host to
// dial anywhere.
type EnclaveProxy struct {
	Policy *policy.EgressPolicy
	Dial   Dialer
}

func NewEnclaveProxy(p *policy.EgressPolicy, dial Dialer) *EnclaveProxy {
	return &EnclaveProxy{Policy: p, Dial: dial}
}

func (p *EnclaveProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleForward(w, r)
}

func (p *EnclaveProxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	log.Debug("handling CONNECT request")

	host, portStr, err := net.SplitHostPort(r.URL.Host)
	if err != nil {
		http.Error(w, "CONNECT address is missing a port", http.StatusBadRequest)
		return
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		http.Error(w, "CONNECT address has an invalid port", http.StatusBadRequest)
		return
	}

	if !p.Policy.IsHostAllowed(host) {
		metrics.EgressConnections.WithLabelValues("blocked").Inc()
		http.Error(w, "blocked by egress security policy", http.StatusUnauthorized)
		return
	}
	metrics.EgressConnections.WithLabelValues("allowed").Inc()

	remote, err := p.Dial(r.Context(), host, uint16(port))
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		remote.Close()
		http.Error(w, "connection hijacking not supported", http.StatusInternalServerError)
		return
	}
	client, _, err := hj.Hijack()
	if err != nil {
		remote.Close()
		log.Errorf("failed to hijack connection", err)
		return
	}

	if _, err := client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		client.Close()
		remote.Close()
		return
	}

	log.Debug("connection upgraded, proxying bytes")
	go func() {
		defer client.Close()
		defer remote.Close()
		splice(client, remote)
	}()
}

func (p *EnclaveProxy) handleForward(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Hostname()
	if host == "" {
		http.Error(w, "URI is missing a host", http.StatusBadRequest)
		return
	}
	if !p.Policy.IsHostAllowed(host) {
		metrics.EgressConnections.WithLabelValues("blocked").Inc()
		http.Error(w, "blocked by egress security policy", http.StatusUnauthorized)
		return
	}
	metrics.EgressConnections.WithLabelValues("allowed").Inc()
	port := uint16(80)
	if portStr := r.URL.Port(); portStr != "" {
		v, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			http.Error(w, "URI has an invalid port", http.StatusBadRequest)
			return
		}
		port = uint16(v)
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return p.Dial(ctx, host, port)
		},
	}

	outReq := r.Clone(r.Context())
	outReq.RequestURI = ""
	outReq.Host = hostHeaderValue(r.URL)

	// The transport needs scheme+host to route the connection; with no
	// Proxy configured it still frames the request line in origin form
	// (path-and-query only), which is what the origin expects.
	//
	// Per RFC 7230 §5.3.4: an OPTIONS request with an absolute-form
	// request-target whose path is empty and query is absent is forwarded
	// with a literal "*" request-target, not origin-form "/".
	if r.Method == http.MethodOptions && isEmptyPathAndQuery(r.URL) {
		outReq.URL = &url.URL{Scheme: "http", Host: r.URL.Host, Opaque: "*"}
	} else {
		outReq.URL = &url.URL{Scheme: "http", Host: r.URL.Host, Path: r.URL.Path, RawQuery: r.URL.RawQuery}
		if outReq.URL.Path == "" {
			outReq.URL.Path = "/"
		}
	}

	resp, err := transport.RoundTrip(outReq)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

func hostHeaderValue(u *url.URL) string {
	if u.Port() != "" {
		return fmt.Sprintf("%s:%s", u.Hostname(), u.Port())
	}
	return u.Hostname()
}

func isEmptyPathAndQuery(u *url.URL) bool {
	if u.Path != "" && u.Path != "/" {
		return false
	}
	return u.RawQuery == ""
}
