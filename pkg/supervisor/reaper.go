package supervisor

import (
	"fmt"
	"syscall"

	"github.com/cuemby/nitrobox/pkg/log"
	"github.com/cuemby/nitrobox/pkg/status"
)

// reap blocks on waitpid(-1) in a loop, reaping every descendant — not just
// sentinel — because pid 1 in a namespace inherits every orphan in the
// enclave. It returns the terminal status as soon as sentinel itself exits;
// any zombie reaped after that point is someone else's problem, because
// the supervisor is about to tear everything down anyway.
//
// Uses the blocking syscall directly on a dedicated goroutine rather than
// an async child handle: only waitpid(-1) observes unrelated zombies, and
// no async runtime child API exposes that.
func reap(sentinel int) status.ProcessStatus {
	for {
		var ws syscall.WaitStatus
		pid, err := syscall.Wait4(-1, &ws, 0, nil)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			if err == syscall.ECHILD {
				return status.FatalStatus(fmt.Errorf("supervisor: no children left to reap before sentinel pid %d exited", sentinel))
			}
			log.Errorf("waitpid failed", err)
			continue
		}

		switch {
		case ws.Exited():
			if pid == sentinel {
				log.Logger.Info().Int("pid", pid).Int("code", ws.ExitStatus()).Msg("sentinel process exited")
				return status.ExitedStatus(ws.ExitStatus())
			}
			log.Logger.Debug().Int("pid", pid).Msg("reaped unrelated child")
		case ws.Signaled():
			if pid == sentinel {
				log.Logger.Info().Int("pid", pid).Str("signal", ws.Signal().String()).Msg("sentinel process was signaled")
				return status.SignaledStatus(int(ws.Signal()))
			}
			log.Logger.Debug().Int("pid", pid).Str("signal", ws.Signal().String()).Msg("reaped unrelated signaled child")
		default:
			// Stopped/continued notifications; neither terminal nor ours to act on.
		}
	}
}
