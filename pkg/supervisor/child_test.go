package supervisor

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEgressEnvAppendsProxyVars(t *testing.T) {
	base := []string{"PATH=/bin"}
	env := egressEnv(base, 10000)

	require.Contains(t, env, "PATH=/bin")
	require.Contains(t, env, "http_proxy=http://127.0.0.1:10000")
	require.Contains(t, env, "https_proxy=http://127.0.0.1:10000")
	require.Contains(t, env, "HTTP_PROXY=http://127.0.0.1:10000")
	require.Contains(t, env, "HTTPS_PROXY=http://127.0.0.1:10000")
	require.Contains(t, env, "no_proxy=localhost,127.0.0.1")
	require.Contains(t, env, "NO_PROXY=localhost,127.0.0.1")

	// base is untouched by the append.
	require.Equal(t, []string{"PATH=/bin"}, base)
}

func TestKmsProxyEnvAppendsEndpoint(t *testing.T) {
	env := kmsProxyEnv([]string{"FOO=bar"}, 9000)
	require.Contains(t, env, "FOO=bar")
	require.Contains(t, env, "AWS_KMS_ENDPOINT=http://127.0.0.1:9000")
}

func TestBaseEnvDefaultsRustLog(t *testing.T) {
	require.NoError(t, os.Unsetenv("RUST_LOG"))

	env := baseEnv()

	found := false
	for _, kv := range env {
		if kv == "RUST_LOG=info" {
			found = true
		}
	}
	require.True(t, found, "expected baseEnv to default RUST_LOG when unset")
}

func TestSpawnChildRejectsEmptyEntrypoint(t *testing.T) {
	_, err := spawnChild(nil, nil, nil)
	require.Error(t, err)
}
