// Package ingress implements the ingress bridge pair: the host side
// accepts TCP and dials a vsock port of the same number; the enclave side
// accepts on that vsock port (optionally terminating TLS) and dials the
// application on loopback. The two halves are independent processes that
// only share a port number convention; neither imports the other.
package ingress

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cuemby/nitrobox/pkg/log"
	"github.com/cuemby/nitrobox/pkg/metrics"
	nitrovsock "github.com/cuemby/nitrobox/pkg/vsock"
)

// ListenerConfig is one configured ingress port: either a plain TCP/vsock
// bridge or one terminating TLS on the enclave side first.
type ListenerConfig struct {
	ListenPort uint16
	TLS        *tls.Config // nil for plain TCP
}

// HostProxy runs outside the enclave: one TCP listener per configured
// port, dialing the enclave over vsock on the same port number for every
// accepted connection. No framing, no peeking — it's a pure byte splice.
type HostProxy struct {
	EnclaveCID uint32
	Port       uint16

	listener net.Listener
}

// NewHostProxy binds INADDR_ANY:port. A bind failure here is the only
// fatal error in the ingress bridge; every per-connection failure after
// that is logged and dropped.
func NewHostProxy(enclaveCID uint32, port uint16) (*HostProxy, error) {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("ingress: binding host TCP listener on port %d: %w", port, err)
	}
	return &HostProxy{EnclaveCID: enclaveCID, Port: port, listener: l}, nil
}

// Serve accepts connections until Close is called, joining every spliced
// connection before returning (the host side waits for in-flight work
// rather than aborting it).
func (p *HostProxy) Serve() {
	var wg sync.WaitGroup
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			if isClosed(err) {
				break
			}
			log.Errorf("ingress: host accept failed", err)
			continue
		}
		metrics.IngressConnections.WithLabelValues(fmt.Sprint(p.Port)).Inc()
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.handle(conn)
		}()
	}
	wg.Wait()
}

func (p *HostProxy) handle(client net.Conn) {
	defer client.Close()

	enclave, err := nitrovsock.Dial(p.EnclaveCID, uint32(p.Port))
	if err != nil {
		log.Errorf("ingress: dialing enclave vsock port failed", err)
		return
	}
	defer enclave.Close()

	splice(client, enclave)
}

// Close stops accepting new connections.
func (p *HostProxy) Close() error {
	return p.listener.Close()
}

// EnclaveProxy runs inside the enclave: one vsock listener per configured
// ingress port, dialing the application on loopback for every accepted
// connection (after a TLS handshake, when configured).
type EnclaveProxy struct {
	configs []ListenerConfig
	cancel  func()
}

// NewEnclaveProxy starts a listener for every config; in-flight
// connections are aborted (not joined) on Close.
func NewEnclaveProxy(configs []ListenerConfig) *EnclaveProxy {
	return &EnclaveProxy{configs: configs}
}

// Serve starts all configured listeners and blocks until every one of
// them has stopped (which only happens via Close).
func (p *EnclaveProxy) Serve() error {
	done := make(chan struct{})
	closers := make([]func() error, 0, len(p.configs))
	var activeMu sync.Mutex
	active := map[net.Conn]struct{}{}
	p.cancel = func() {
		for _, c := range closers {
			_ = c()
		}
		activeMu.Lock()
		for c := range active {
			_ = c.Close()
		}
		activeMu.Unlock()
	}
	track := func(conn net.Conn, serve func(net.Conn, uint16), port uint16) {
		activeMu.Lock()
		active[conn] = struct{}{}
		activeMu.Unlock()
		serve(conn, port)
		activeMu.Lock()
		delete(active, conn)
		activeMu.Unlock()
	}

	var wg sync.WaitGroup
	for _, cfg := range p.configs {
		cfg := cfg
		if cfg.TLS != nil {
			l, err := nitrovsock.ListenTLS(uint32(cfg.ListenPort), cfg.TLS)
			if err != nil {
				return fmt.Errorf("ingress: listening on vsock TLS port %d: %w", cfg.ListenPort, err)
			}
			closers = append(closers, l.Close)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for conn := range l.Conns {
					go track(conn, serveTLSConn, cfg.ListenPort)
				}
			}()
		} else {
			l, err := nitrovsock.Listen(uint32(cfg.ListenPort))
			if err != nil {
				return fmt.Errorf("ingress: listening on vsock port %d: %w", cfg.ListenPort, err)
			}
			closers = append(closers, l.Close)
			wg.Add(1)
			go func() {
				defer wg.Done()
				for conn := range l.Conns {
					go track(conn, servePlainConn, cfg.ListenPort)
				}
			}()
		}
	}

	go func() {
		wg.Wait()
		close(done)
	}()
	<-done
	return nil
}

// Close aborts every listener and in-flight connection handler.
func (p *EnclaveProxy) Close() {
	if p.cancel != nil {
		p.cancel()
	}
}

func servePlainConn(vsockConn net.Conn, port uint16) {
	defer vsockConn.Close()
	dialAndSplice(vsockConn, port)
}

func serveTLSConn(tlsConn net.Conn, port uint16) {
	defer tlsConn.Close()
	dialAndSplice(tlsConn, port)
}

func dialAndSplice(inbound net.Conn, port uint16) {
	app, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		log.Errorf("ingress: dialing application on loopback failed", err)
		return
	}
	defer app.Close()
	splice(inbound, app)
}

func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
