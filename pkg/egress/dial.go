package egress

import (
	"context"
	"fmt"
	"net"

	"github.com/cuemby/nitrobox/pkg/log"
	nitrovsock "github.com/cuemby/nitrobox/pkg/vsock"
)

// VsockDialer builds a Dialer that connects to the host's egress bridge
// over vsock at egressPort and asks it to dial host:port.
func VsockDialer(egressPort uint32) Dialer {
	return func(ctx context.Context, host string, port uint16) (net.Conn, error) {
		return remoteConnect(ctx, egressPort, host, port)
	}
}

func remoteConnect(ctx context.Context, egressPort uint32, host string, port uint16) (net.Conn, error) {
	conn, err := nitrovsock.Dial(nitrovsock.CIDHost, egressPort)
	if err != nil {
		return nil, fmt.Errorf("egress: dialing host vsock bridge: %w", err)
	}

	if err := sendFramed(conn, ConnectRequest{Host: host, Port: port}); err != nil {
		conn.Close()
		return nil, err
	}
	log.Debug(fmt.Sprintf("sent egress connect request for %s:%d", host, port))

	var resp ConnectResponse
	if err := recvFramed(conn, &resp); err != nil {
		conn.Close()
		return nil, err
	}
	if resp.Err != nil {
		conn.Close()
		return nil, fmt.Errorf("egress: os_err %d: %s", resp.Err.OSCode, resp.Err.Message)
	}
	return conn, nil
}
