package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/cuemby/nitrobox/pkg/circlog"
)

// spawnChild launches entrypoint as a child of the supervisor, running as
// uid=0/gid=0 in its own process group so the host-side runner's SIGINT
// forwarding (and any signal sent to the enclave's init) doesn't also land
// on the supervisor itself. Stdout and stderr are both redirected to the
// application log's pipe so the two streams interleave in arrival order.
func spawnChild(entrypoint []string, env []string, appLog *circlog.AppLog) (*exec.Cmd, error) {
	if len(entrypoint) == 0 {
		return nil, fmt.Errorf("supervisor: no entrypoint configured")
	}

	cmd := exec.Command(entrypoint[0], entrypoint[1:]...)
	cmd.Env = env
	cmd.Stdout = appLog.Writer()
	cmd.Stderr = appLog.Writer()
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: 0, Gid: 0},
		Setpgid:    true,
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: starting entrypoint %v: %w", entrypoint, err)
	}
	return cmd, nil
}

// egressEnv builds the http_proxy/https_proxy/no_proxy family the child
// process needs to route all outbound traffic through the in-enclave
// forward proxy.
func egressEnv(base []string, proxyPort uint16) []string {
	proxyURL := fmt.Sprintf("http://127.0.0.1:%d", proxyPort)
	env := append([]string{}, base...)
	env = append(env,
		"http_proxy="+proxyURL,
		"https_proxy="+proxyURL,
		"HTTP_PROXY="+proxyURL,
		"HTTPS_PROXY="+proxyURL,
		"no_proxy=localhost,127.0.0.1",
		"NO_PROXY=localhost,127.0.0.1",
	)
	return env
}

// kmsProxyEnv appends AWS_KMS_ENDPOINT pointing at the local proxy.
func kmsProxyEnv(base []string, kmsProxyPort uint16) []string {
	return append(append([]string{}, base...), fmt.Sprintf("AWS_KMS_ENDPOINT=http://127.0.0.1:%d", kmsProxyPort))
}

// baseEnv is the child's starting environment: the supervisor's own
// environment (the enclave has no shell profile to inherit anything from)
// with RUST_LOG defaulted to info, unused by this binary itself but
// honored by applications built against env_logger-style loggers.
func baseEnv() []string {
	env := os.Environ()
	for _, kv := range env {
		if len(kv) >= 8 && kv[:8] == "RUST_LOG" {
			return env
		}
	}
	return append(env, "RUST_LOG=info")
}
