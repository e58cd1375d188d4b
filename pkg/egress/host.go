package egress

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/cuemby/nitrobox/pkg/constants"
	"github.com/cuemby/nitrobox/pkg/log"
)

// HostProxy runs on the host, accepting vsock connections from the
// enclave's HTTP forward proxy and performing the real TCP dial, since the
// enclave itself has no network interface to reach the outside world.
type HostProxy struct {
	Conns <-chan net.Conn
}

// NewHostProxy wraps an already-listening vsock connection channel (see
// pkg/vsock.Listener) as a host-side egress bridge.
func NewHostProxy(conns <-chan net.Conn) *HostProxy {
	return &HostProxy{Conns: conns}
}

// Serve services connections until Conns is closed.
func (p *HostProxy) Serve() {
	for conn := range p.Conns {
		go p.serviceConn(conn)
	}
}

func (p *HostProxy) serviceConn(vsockConn net.Conn) {
	defer vsockConn.Close()

	var req ConnectRequest
	if err := recvFramed(vsockConn, &req); err != nil {
		log.Errorf("failed reading egress connect request", err)
		return
	}

	host := req.Host
	if strings.EqualFold(host, constants.OutsideHost) {
		host = "127.0.0.1"
	}

	remote, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(req.Port))))
	if err != nil {
		if sendErr := sendFramed(vsockConn, failedResponse(err)); sendErr != nil {
			log.Errorf("failed sending egress connect failure response", sendErr)
		}
		return
	}
	defer remote.Close()

	if err := sendFramed(vsockConn, okResponse()); err != nil {
		log.Errorf("failed sending egress connect ok response", err)
		return
	}

	log.Debug(fmt.Sprintf("connected to %s:%d, proxying bytes", req.Host, req.Port))
	splice(vsockConn, remote)
}

// splice copies bytes in both directions until either side is done.
func splice(a, b net.Conn) {
	done := make(chan struct{}, 2)
	go func() { io.Copy(a, b); done <- struct{}{} }()
	go func() { io.Copy(b, a); done <- struct{}{} }()
	<-done
}
