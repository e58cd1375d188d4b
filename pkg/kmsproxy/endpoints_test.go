package kmsproxy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultEndpointsDerivesRegionalHost(t *testing.T) {
	require.Equal(t, "kms.us-east-1.amazonaws.com", DefaultEndpoints{}.Endpoint("us-east-1"))
	require.Equal(t, "kms.eu-west-2.amazonaws.com", DefaultEndpoints{}.Endpoint("eu-west-2"))
}

func TestManifestEndpointsOverrideAndFallback(t *testing.T) {
	p := ManifestEndpoints{Overrides: map[string]string{"us-east-1": "kms-fips.us-east-1.amazonaws.com"}}
	require.Equal(t, "kms-fips.us-east-1.amazonaws.com", p.Endpoint("us-east-1"))
	require.Equal(t, "kms.ap-southeast-2.amazonaws.com", p.Endpoint("ap-southeast-2"))
}
