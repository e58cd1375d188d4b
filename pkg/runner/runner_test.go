package runner

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/nitrobox/pkg/status"
)

var errBoom = fmt.Errorf("boom")

func TestExitCodeMapping(t *testing.T) {
	cases := []struct {
		name   string
		status ExitStatus
		want   int
	}{
		{"clean exit", ExitStatus{Kind: ExitExited, Code: 0}, 0},
		{"nonzero exit", ExitStatus{Kind: ExitExited, Code: 3}, 3},
		{"exit code truncated to a byte", ExitStatus{Kind: ExitExited, Code: 256 + 42}, 42},
		{"signaled", ExitStatus{Kind: ExitSignaled}, 107},
		{"fatal", ExitStatus{Kind: ExitFatal, Err: "boom"}, 108},
		{"cancelled", ExitStatus{Kind: ExitCancelled}, 109},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, tc.status.ExitCode())
		})
	}
}

func TestFromProcessStatusExited(t *testing.T) {
	st := fromProcessStatus(status.ExitedStatus(7))
	require.Equal(t, ExitExited, st.Kind)
	require.Equal(t, 7, st.Code)
}

func TestFromProcessStatusSignaled(t *testing.T) {
	st := fromProcessStatus(status.SignaledStatus(9))
	require.Equal(t, ExitSignaled, st.Kind)
}

func TestFromProcessStatusFatal(t *testing.T) {
	st := fromProcessStatus(status.FatalStatus(errBoom))
	require.Equal(t, ExitFatal, st.Kind)
	require.Equal(t, errBoom.Error(), st.Err)
}

func TestDialWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	_, err := dialWithRetry(ctx, 3, 17000, 5)
	require.Error(t, err)
	require.Less(t, time.Since(start), 2*time.Second, "dialWithRetry should fail fast once context is already cancelled")
}
