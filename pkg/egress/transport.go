// Package egress implements the two halves of the enclave's outbound HTTP
// proxy: an in-enclave forward proxy that enforces the egress security
// policy and hands allowed connections off to the host over vsock, and a
// host-side bridge that performs the real TCP dial on the enclave's behalf
// (the enclave has no network devices of its own).
package egress

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// ConnectRequest asks the host to dial host:port on the enclave's behalf.
type ConnectRequest struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// ConnectResponse reports whether the dial succeeded. It is a tagged union
// mirroring the wire protocol's two variants.
type ConnectResponse struct {
	Ok  bool             `json:"-"`
	Err *ConnectErrorMsg `json:"-"`
}

type ConnectErrorMsg struct {
	OSCode  int    `json:"os_code"`
	Message string `json:"message"`
}

// wireConnectResponse is the JSON shape on the wire: {"Ok":{}} or
// {"Err":{"os_code":...,"message":...}}.
type wireConnectResponse struct {
	Ok  *struct{}        `json:"Ok,omitempty"`
	Err *ConnectErrorMsg `json:"Err,omitempty"`
}

func (r ConnectResponse) MarshalJSON() ([]byte, error) {
	if r.Err != nil {
		return json.Marshal(wireConnectResponse{Err: r.Err})
	}
	return json.Marshal(wireConnectResponse{Ok: &struct{}{}})
}

func (r *ConnectResponse) UnmarshalJSON(b []byte) error {
	var w wireConnectResponse
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Err != nil {
		r.Err = w.Err
		r.Ok = false
		return nil
	}
	r.Ok = true
	r.Err = nil
	return nil
}

func okResponse() ConnectResponse { return ConnectResponse{Ok: true} }

func failedResponse(err error) ConnectResponse {
	return ConnectResponse{Err: &ConnectErrorMsg{OSCode: osErrorCode(err), Message: err.Error()}}
}

// sendFramed writes v as a 2-byte-little-endian-length-prefixed JSON
// message, the minimal framing needed to delimit control messages on a
// vsock stream before it degrades to a raw byte splice.
func sendFramed(w io.Writer, v interface{}) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("egress: encoding framed message: %w", err)
	}
	if len(msg) > 0xffff {
		return fmt.Errorf("egress: framed message too large: %d bytes", len(msg))
	}
	var header [2]byte
	binary.LittleEndian.PutUint16(header[:], uint16(len(msg)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("egress: writing frame header: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("egress: writing frame body: %w", err)
	}
	return nil
}

func recvFramed(r io.Reader, v interface{}) error {
	var header [2]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("egress: reading frame header: %w", err)
	}
	n := binary.LittleEndian.Uint16(header[:])
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return fmt.Errorf("egress: reading frame body: %w", err)
	}
	if err := json.Unmarshal(msg, v); err != nil {
		return fmt.Errorf("egress: decoding frame body: %w", err)
	}
	return nil
}
