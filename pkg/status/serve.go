package status

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
)

// Serve writes the current status to conn, then blocks rewriting on every
// subsequent change, until ctx is cancelled or the write fails. Used by
// both the in-enclave vsock server and tests.
func Serve(ctx context.Context, cell *Cell, conn net.Conn) error {
	defer conn.Close()

	for {
		value, changed := cell.Get()

		line, err := Encode(value)
		if err != nil {
			return err
		}
		if _, err := conn.Write(line); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

// AwaitTerminal reads newline-delimited status lines from conn until a
// terminal value arrives, or ctx is cancelled. Used by the host-side
// runner to observe the enclave's lifecycle.
func AwaitTerminal(ctx context.Context, conn net.Conn) (ProcessStatus, error) {
	type result struct {
		status ProcessStatus
		err    error
	}
	done := make(chan result, 1)

	go func() {
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			var s ProcessStatus
			if err := json.Unmarshal(scanner.Bytes(), &s); err != nil {
				done <- result{err: err}
				return
			}
			if s.IsTerminal() {
				done <- result{status: s}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			done <- result{err: err}
			return
		}
		done <- result{err: errConnectionClosed}
	}()

	select {
	case <-ctx.Done():
		_ = conn.Close()
		return ProcessStatus{}, ctx.Err()
	case r := <-done:
		return r.status, r.err
	}
}

var errConnectionClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "status connection closed before a terminal status arrived" }
