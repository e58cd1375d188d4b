// Package runner is enclaver's host-side runtime: it launches the enclave
// image via the external nitro-cli-equivalent tool, then concurrently
// streams the application log, awaits a terminal enclave status, and
// starts an ingress bridge per configured port, unifying shutdown behind
// one cancellation token.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/cuemby/nitrobox/pkg/constants"
	"github.com/cuemby/nitrobox/pkg/ingress"
	"github.com/cuemby/nitrobox/pkg/log"
	"github.com/cuemby/nitrobox/pkg/manifest"
	"github.com/cuemby/nitrobox/pkg/status"
	nitrovsock "github.com/cuemby/nitrobox/pkg/vsock"
)

// ExitKind tags the terminal outcome of one enclave run.
type ExitKind int

const (
	ExitExited ExitKind = iota
	ExitSignaled
	ExitFatal
	ExitCancelled
)

// ExitStatus is the final, terminal outcome the runner maps to a process
// exit code.
type ExitStatus struct {
	Kind ExitKind
	Code int    // valid for ExitExited
	Err  string // valid for ExitFatal
}

// ExitCode maps the terminal outcome to the runner's process exit code.
func (s ExitStatus) ExitCode() int {
	switch s.Kind {
	case ExitExited:
		return s.Code & 0xff
	case ExitSignaled:
		return 107
	case ExitFatal:
		return 108
	case ExitCancelled:
		return 109
	default:
		return 108
	}
}

const (
	dialRetryInterval   = 250 * time.Millisecond
	logDialMaxAttempts  = 100 // ~25s at 250ms
	statusDialAttempts  = 100
)

// Config wires the runner to one enclave boot.
type Config struct {
	Launcher Launcher
	Launch   LaunchConfig
	Manifest *manifest.Manifest
	LogOut   io.Writer // defaults to os.Stdout
}

// Run launches the enclave, starts the supporting bridges, and blocks
// until ctx is cancelled or the enclave reaches a terminal status,
// tearing everything down before returning.
func Run(ctx context.Context, cfg Config) ExitStatus {
	logOut := cfg.LogOut
	if logOut == nil {
		logOut = os.Stdout
	}

	handle, err := cfg.Launcher.Launch(ctx, cfg.Launch)
	if err != nil {
		return ExitStatus{Kind: ExitFatal, Err: err.Error()}
	}
	defer func() {
		// Best-effort: the runner is exiting either way.
		tctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cfg.Launcher.Terminate(tctx, handle); err != nil {
			log.Errorf("runner: terminating enclave failed", err)
		}
	}()

	stopHelpers := startHelpers(ctx, handle.CID, cfg.Manifest, logOut)
	defer stopHelpers()

	return awaitTerminal(ctx, handle.CID)
}

// awaitTerminal races the status-dial-and-await path against ctx
// cancellation; the winner determines the exit status.
func awaitTerminal(ctx context.Context, cid uint32) ExitStatus {
	type result struct {
		status status.ProcessStatus
		err    error
	}
	done := make(chan result, 1)

	go func() {
		conn, err := dialWithRetry(ctx, cid, constants.StatusPort, statusDialAttempts)
		if err != nil {
			done <- result{err: err}
			return
		}
		st, err := status.AwaitTerminal(ctx, conn)
		done <- result{status: st, err: err}
	}()

	select {
	case <-ctx.Done():
		return ExitStatus{Kind: ExitCancelled}
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.Canceled) {
				return ExitStatus{Kind: ExitCancelled}
			}
			return ExitStatus{Kind: ExitFatal, Err: r.err.Error()}
		}
		return fromProcessStatus(r.status)
	}
}

func fromProcessStatus(s status.ProcessStatus) ExitStatus {
	switch s.Status {
	case status.Exited:
		code := 0
		if s.Code != nil {
			code = *s.Code
		}
		return ExitStatus{Kind: ExitExited, Code: code}
	case status.Signaled:
		return ExitStatus{Kind: ExitSignaled}
	default:
		return ExitStatus{Kind: ExitFatal, Err: s.Error}
	}
}

// startHelpers launches the log streamer and one host ingress bridge per
// configured port. The returned func aborts all of them; they are stopped
// best-effort, not joined, since the exit code is already decided by the
// time teardown runs.
func startHelpers(ctx context.Context, cid uint32, m *manifest.Manifest, logOut io.Writer) func() {
	hctx, cancel := context.WithCancel(ctx)
	stops := []func(){cancel}

	go streamLog(hctx, cid, logOut)

	for _, spec := range m.Ingress {
		proxy, err := ingress.NewHostProxy(cid, spec.ListenPort)
		if err != nil {
			log.Errorf("runner: starting host ingress bridge failed", err)
			continue
		}
		stops = append(stops, func() { _ = proxy.Close() })
		go proxy.Serve()
	}

	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

func streamLog(ctx context.Context, cid uint32, out io.Writer) {
	conn, err := dialWithRetry(ctx, cid, constants.AppLogPort, logDialMaxAttempts)
	if err != nil {
		log.Errorf("runner: dialing enclave log port failed", err)
		return
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	_, _ = io.Copy(out, conn)
}

// dialWithRetry dials the enclave's vsock port with bounded retries,
// since the enclave's services may not have started listening yet at the
// moment the runner begins its helper goroutines.
func dialWithRetry(ctx context.Context, cid uint32, port uint32, attempts int) (net.Conn, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		conn, err := nitrovsock.Dial(cid, port)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dialRetryInterval):
		}
	}
	return nil, fmt.Errorf("runner: dialing vsock port %d after %d attempts: %w", port, attempts, lastErr)
}
