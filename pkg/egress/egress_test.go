package egress

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/cuemby/nitrobox/pkg/policy"
)

// directDialer is a test Dialer that skips the real vsock hop and dials
// the target directly, isolating the HTTP proxy/policy logic under test
// from the vsock transport (covered separately by pkg/vsock).
func directDialer(ctx context.Context, host string, port uint16) (net.Conn, error) {
	return net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
}

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/echo" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
}

func newEnclaveProxy(p *policy.EgressPolicy) *httptest.Server {
	return httptest.NewServer(NewEnclaveProxy(p, directDialer))
}

func clientUsingProxy(t *testing.T, proxyURL string) *http.Client {
	t.Helper()
	u, err := url.Parse(proxyURL)
	if err != nil {
		t.Fatalf("parsing proxy URL: %v", err)
	}
	return &http.Client{
		Timeout:   5 * time.Second,
		Transport: &http.Transport{Proxy: http.ProxyURL(u)},
	}
}

func TestForwardProxyAllowed(t *testing.T) {
	origin := echoServer(t)
	defer origin.Close()

	proxy := newEnclaveProxy(policy.AllowAll())
	defer proxy.Close()

	client := clientUsingProxy(t, proxy.URL)

	resp, err := client.Post(origin.URL+"/echo", "text/plain", strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("POST via proxy: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello world" {
		t.Fatalf("body = %q, want %q", body, "hello world")
	}
}

func TestForwardProxyBlockedByPolicy(t *testing.T) {
	origin := echoServer(t)
	defer origin.Close()

	deny := policy.New(policy.Spec{})
	proxy := newEnclaveProxy(deny)
	defer proxy.Close()

	client := clientUsingProxy(t, proxy.URL)
	resp, err := client.Get(origin.URL + "/echo")
	if err != nil {
		t.Fatalf("GET via proxy: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestConnectTunnel(t *testing.T) {
	origin := echoServer(t)
	defer origin.Close()

	proxy := newEnclaveProxy(policy.AllowAll())
	defer proxy.Close()

	originAuthority := strings.TrimPrefix(origin.URL, "http://")

	conn, err := net.Dial("tcp", strings.TrimPrefix(proxy.URL, "http://"))
	if err != nil {
		t.Fatalf("dialing proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("CONNECT " + originAuthority + " HTTP/1.1\r\nHost: " + originAuthority + "\r\n\r\n")); err != nil {
		t.Fatalf("writing CONNECT: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	if !strings.HasPrefix(string(buf[:n]), "HTTP/1.1 200") {
		t.Fatalf("CONNECT response = %q, want 200", buf[:n])
	}

	req := "POST /echo HTTP/1.1\r\nHost: " + originAuthority + "\r\nContent-Length: 11\r\nConnection: close\r\n\r\ntunnel this"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("writing tunneled request: %v", err)
	}
	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("reading tunneled response: %v", err)
	}
	if !strings.Contains(string(resp), "tunnel this") {
		t.Fatalf("tunneled response did not echo body: %q", resp)
	}
}

func TestConnectBlockedByPolicySendsNothingUpstream(t *testing.T) {
	dialed := false
	recordingDialer := func(ctx context.Context, host string, port uint16) (net.Conn, error) {
		dialed = true
		return nil, errTest{}
	}

	proxy := httptest.NewServer(NewEnclaveProxy(policy.New(policy.Spec{}), recordingDialer))
	defer proxy.Close()

	conn, err := net.Dial("tcp", strings.TrimPrefix(proxy.URL, "http://"))
	if err != nil {
		t.Fatalf("dialing proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n")); err != nil {
		t.Fatalf("writing CONNECT: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("reading CONNECT response: %v", err)
	}
	head := string(buf[:n])
	if !strings.HasPrefix(head, "HTTP/1.1 401") {
		t.Fatalf("CONNECT response = %q, want 401", head)
	}
	if !strings.Contains(head, "blocked by egress security policy") {
		t.Fatalf("response missing policy body: %q", head)
	}
	if dialed {
		t.Fatal("blocked CONNECT must not initiate an upstream dial")
	}
}

func TestHostProxyServicesFramedRequest(t *testing.T) {
	origin := echoServer(t)
	defer origin.Close()
	originHost, originPort, err := net.SplitHostPort(strings.TrimPrefix(origin.URL, "http://"))
	if err != nil {
		t.Fatalf("splitting origin address: %v", err)
	}
	port, err := strconv.Atoi(originPort)
	if err != nil {
		t.Fatalf("parsing origin port: %v", err)
	}

	server, client := net.Pipe()
	defer client.Close()

	p := &HostProxy{}
	go p.serviceConn(server)

	if err := sendFramed(client, ConnectRequest{Host: originHost, Port: uint16(port)}); err != nil {
		t.Fatalf("sending connect request: %v", err)
	}
	var resp ConnectResponse
	if err := recvFramed(client, &resp); err != nil {
		t.Fatalf("receiving connect response: %v", err)
	}
	if !resp.Ok {
		t.Fatalf("expected Ok response, got %+v", resp)
	}

	req := "POST /echo HTTP/1.1\r\nHost: x\r\nContent-Length: 5\r\nConnection: close\r\n\r\nhello"
	if _, err := client.Write([]byte(req)); err != nil {
		t.Fatalf("writing tunneled request: %v", err)
	}
	buf := make([]byte, 4096)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _ := client.Read(buf)
	if !strings.Contains(string(buf[:n]), "hello") {
		t.Fatalf("tunneled response did not echo body: %q", buf[:n])
	}
}

func TestHostProxyReportsDialFailure(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	p := &HostProxy{}
	go p.serviceConn(server)

	if err := sendFramed(client, ConnectRequest{Host: "127.0.0.1", Port: 1}); err != nil {
		t.Fatalf("sending connect request: %v", err)
	}
	var resp ConnectResponse
	if err := recvFramed(client, &resp); err != nil {
		t.Fatalf("receiving connect response: %v", err)
	}
	if resp.Ok || resp.Err == nil {
		t.Fatalf("expected an Err response for an unreachable port, got %+v", resp)
	}
}

func TestConnectResponseJSONRoundTrip(t *testing.T) {
	ok := okResponse()
	b, err := ok.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded ConnectResponse
	if err := decoded.UnmarshalJSON(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.Ok {
		t.Fatalf("round-tripped Ok response lost its Ok flag")
	}

	failed := failedResponse(&net.OpError{Op: "dial", Err: errTest{}})
	b, err = failed.MarshalJSON()
	if err != nil {
		t.Fatalf("marshal failed response: %v", err)
	}
	var decodedFail ConnectResponse
	if err := decodedFail.UnmarshalJSON(b); err != nil {
		t.Fatalf("unmarshal failed response: %v", err)
	}
	if decodedFail.Ok || decodedFail.Err == nil {
		t.Fatalf("round-tripped Err response lost its Err payload: %+v", decodedFail)
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }
