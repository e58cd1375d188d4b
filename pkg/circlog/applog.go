package circlog

import (
	"context"
	"io"
	"net"
	"os"

	"github.com/cuemby/nitrobox/pkg/log"
)

const pipeChunkSize = 16 * 1024

// AppLog owns the circular log that receives the spawned application's
// combined stdout/stderr.
type AppLog struct {
	Log *ByteLog

	pipeR *os.File
	pipeW *os.File
}

// NewAppLog opens the redirect pipe. Writer() is the pipe's write end,
// meant to be used as both cmd.Stdout and cmd.Stderr so both streams
// interleave in arrival order, matching a single appender to the ring.
func NewAppLog() (*AppLog, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &AppLog{Log: New(), pipeR: r, pipeW: w}, nil
}

// Writer returns the pipe's write end for use as a child process's
// Stdout/Stderr.
func (a *AppLog) Writer() *os.File {
	return a.pipeW
}

// Servicer drains the pipe in fixed-size chunks and appends each chunk to
// the ring. It is the log's single appender, so total order in the ring
// equals arrival order from the kernel pipe. Call in its own goroutine;
// returns when the pipe's write end is closed.
func (a *AppLog) Servicer() {
	buf := make([]byte, pipeChunkSize)
	for {
		n, err := a.pipeR.Read(buf)
		if n > 0 {
			a.Log.Append(buf[:n])
		}
		if err != nil {
			if err != io.EOF {
				log.Logger.Debug().Err(err).Msg("app log pipe closed")
			}
			return
		}
	}
}

// Close closes both ends of the redirect pipe.
func (a *AppLog) Close() {
	_ = a.pipeW.Close()
	_ = a.pipeR.Close()
}

// Serve tails the log out over conn starting from the beginning of
// whatever is currently buffered (an immediately-lagging cursor snaps
// forward on first read, so a late subscriber sees the tail, not a
// replay of everything ever written). It blocks until ctx is cancelled or
// a write fails.
func (a *AppLog) Serve(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	cursor := &Cursor{}
	buf := make([]byte, pipeChunkSize)

	for {
		n := a.Log.Read(cursor, buf)
		if n > 0 {
			if _, err := conn.Write(buf[:n]); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.Log.Watch():
		}
	}
}
