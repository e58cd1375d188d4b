package kmsproxy

import "fmt"

// EndpointProvider resolves the KMS service endpoint to forward a signed
// request to, keyed by the region named in the request's credential scope.
type EndpointProvider interface {
	Endpoint(region string) string
}

// DefaultEndpoints resolves the standard public KMS endpoint for a region.
type DefaultEndpoints struct{}

func (DefaultEndpoints) Endpoint(region string) string {
	return fmt.Sprintf("kms.%s.amazonaws.com", region)
}

// ManifestEndpoints resolves endpoints from the manifest's kms_proxy.endpoints
// overrides, falling back to DefaultEndpoints for regions not listed there.
// Grounded on the manifest's KmsProxy.Endpoints map.
type ManifestEndpoints struct {
	Overrides map[string]string
}

func (e ManifestEndpoints) Endpoint(region string) string {
	if override, ok := e.Overrides[region]; ok && override != "" {
		return override
	}
	return DefaultEndpoints{}.Endpoint(region)
}
