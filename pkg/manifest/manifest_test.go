package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte(`foo: "bar"`))
	require.Error(t, err)
}

func TestParseMinimalManifest(t *testing.T) {
	raw := []byte(`
version: v1
name: "test"
target: "target-image:latest"
sources:
  app: "app-image:latest"
`)

	m, err := Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "v1", m.Version)
	assert.Equal(t, "test", m.Name)
	assert.Equal(t, "target-image:latest", m.Target)
	assert.Equal(t, "app-image:latest", m.Sources.App)
	assert.Nil(t, m.Egress)
	assert.Nil(t, m.Ingress)
}

func TestParseRejectsUnknownNestedField(t *testing.T) {
	raw := []byte(`
version: v1
name: "test"
target: "target-image:latest"
sources:
  app: "app-image:latest"
egress:
  proxy_port: 10000
  allow: ["example.com"]
  bogus_field: true
`)
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestParseFullManifest(t *testing.T) {
	raw := []byte(`
version: v1
name: "test"
target: "target-image:latest"
sources:
  app: "app-image:latest"
  supervisor: "odyn:latest"
ingress:
  - listen_port: 8080
  - listen_port: 8443
    tls:
      key_file: "key.pem"
      cert_file: "cert.pem"
egress:
  proxy_port: 10001
  allow: ["**.amazonaws.com", "10.0.0.0/8"]
  deny: ["metadata.internal"]
defaults:
  cpu_count: 2
  memory_mb: 512
kms_proxy:
  listen_port: 9001
  endpoints:
    us-east-1: "kms.us-east-1.amazonaws.com"
api:
  listen_port: 9002
`)

	m, err := Parse(raw)
	require.NoError(t, err)

	require.Len(t, m.Ingress, 2)
	assert.Equal(t, uint16(8443), m.Ingress[1].ListenPort)
	require.NotNil(t, m.Ingress[1].TLS)
	assert.Equal(t, "key.pem", m.Ingress[1].TLS.KeyFile)

	require.NotNil(t, m.Egress)
	assert.Equal(t, uint16(10001), *m.Egress.ProxyPort)
	assert.Contains(t, m.Egress.Allow, "**.amazonaws.com")

	require.NotNil(t, m.Defaults)
	assert.Equal(t, 2, *m.Defaults.CPUCount)

	require.NotNil(t, m.KmsProxy)
	assert.Equal(t, "kms.us-east-1.amazonaws.com", m.KmsProxy.Endpoints["us-east-1"])

	require.NotNil(t, m.API)
	assert.Equal(t, uint16(9002), m.API.ListenPort)
}
