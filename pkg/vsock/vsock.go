// Package vsock wraps github.com/mdlayher/vsock with the enclave/host
// constants and the three operations the rest of the system needs: plain
// listen, TLS-wrapped listen, and dial (optionally TLS). Streams are
// infinite and terminated only by closing the listener; individual accept
// or handshake failures are logged and dropped, never fatal.
package vsock

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	mdvsock "github.com/mdlayher/vsock"

	"github.com/cuemby/nitrobox/pkg/log"
)

const (
	CIDAny   = 0xFFFFFFFF
	CIDLocal = 1
	CIDHost  = 2
)

// Listener accepts plain vsock connections and hands back net.Conn values
// on Conns, silently dropping individual accept errors.
type Listener struct {
	inner *mdvsock.Listener
	Conns <-chan net.Conn
	port  uint32
}

// Listen binds the enclave's wildcard CID on port and begins accepting in
// the background. Only a bind failure is returned as an error; subsequent
// accept errors are logged and the loop continues.
func Listen(port uint32) (*Listener, error) {
	l, err := mdvsock.Listen(port, nil)
	if err != nil {
		return nil, err
	}

	log.Info("listening on vsock port")
	ch := make(chan net.Conn)
	lst := &Listener{inner: l, Conns: ch, port: port}

	go func() {
		defer close(ch)
		for {
			conn, err := l.Accept()
			if err != nil {
				if isClosed(err) {
					return
				}
				log.Logger.Error().Err(err).Uint32("port", port).Msg("failed to accept a vsock connection")
				continue
			}
			log.Logger.Debug().Uint32("port", port).Msg("connection accepted")
			ch <- conn
		}
	}()

	return lst, nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.inner.Close()
}

// TLSListener wraps Listener, performing a server-side TLS handshake on
// each accepted connection before delivering it.
type TLSListener struct {
	inner *Listener
	Conns <-chan *tls.Conn
}

// ListenTLS is Listen plus a per-connection TLS handshake; failed
// handshakes are logged and the underlying connection is dropped.
func ListenTLS(port uint32, tlsConfig *tls.Config) (*TLSListener, error) {
	plain, err := Listen(port)
	if err != nil {
		return nil, err
	}

	log.Info("listening on TLS vsock port")
	ch := make(chan *tls.Conn)
	tl := &TLSListener{inner: plain, Conns: ch}

	go func() {
		defer close(ch)
		for conn := range plain.Conns {
			tlsConn := tls.Server(conn, tlsConfig)
			if err := tlsConn.HandshakeContext(context.Background()); err != nil {
				log.Logger.Error().Err(err).Msg("TLS handshake failed")
				_ = conn.Close()
				continue
			}
			ch <- tlsConn
		}
	}()

	return tl, nil
}

// Close stops accepting new connections.
func (l *TLSListener) Close() error {
	return l.inner.Close()
}

// Dial opens a plain vsock connection to cid:port.
func Dial(cid, port uint32) (net.Conn, error) {
	return mdvsock.Dial(cid, port, nil)
}

// DialTLS opens a vsock connection to cid:port and performs a client-side
// TLS handshake using serverName for SNI/verification.
func DialTLS(ctx context.Context, cid, port uint32, serverName string, tlsConfig *tls.Config) (*tls.Conn, error) {
	conn, err := mdvsock.Dial(cid, port, nil)
	if err != nil {
		return nil, err
	}

	cfg := tlsConfig.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func isClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
