// Package manifest parses the declarative enclaver.yaml document: strict
// schema, no executable content, loaded once and shared read-only for the
// process lifetime.
package manifest

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the top-level declarative document describing an enclave
// image: what to build, what ports to expose, and how to guard egress.
type Manifest struct {
	Version   string     `yaml:"version"`
	Name      string     `yaml:"name"`
	Target    string     `yaml:"target"`
	Sources   Sources    `yaml:"sources"`
	Signature *Signature `yaml:"signature,omitempty"`
	Ingress   []Ingress  `yaml:"ingress,omitempty"`
	Egress    *Egress    `yaml:"egress,omitempty"`
	Defaults  *Defaults  `yaml:"defaults,omitempty"`
	KmsProxy  *KmsProxy  `yaml:"kms_proxy,omitempty"`
	API       *API       `yaml:"api,omitempty"`
}

// Sources names the images that make up the release: the application
// image, and optional overrides for the supervisor and entrypoint wrapper
// binaries.
type Sources struct {
	App        string  `yaml:"app"`
	Supervisor *string `yaml:"supervisor,omitempty"`
	Wrapper    *string `yaml:"wrapper,omitempty"`
}

// Signature names the certificate/key pair used to sign the release image.
type Signature struct {
	Certificate string `yaml:"certificate"`
	Key         string `yaml:"key"`
}

// Ingress describes one enclave listen port and its optional TLS material.
type Ingress struct {
	ListenPort uint16     `yaml:"listen_port"`
	TLS        *ServerTLS `yaml:"tls,omitempty"`
}

// ServerTLS names the PEM files used to terminate TLS on an ingress port.
type ServerTLS struct {
	KeyFile  string `yaml:"key_file"`
	CertFile string `yaml:"cert_file"`
}

// Egress configures the in-enclave HTTP(S) forward proxy and its policy.
type Egress struct {
	ProxyPort *uint16  `yaml:"proxy_port,omitempty"`
	Allow     []string `yaml:"allow,omitempty"`
	Deny      []string `yaml:"deny,omitempty"`
}

// Defaults overrides the enclave's resource allocation.
type Defaults struct {
	CPUCount *int `yaml:"cpu_count,omitempty"`
	MemoryMB *int `yaml:"memory_mb,omitempty"`
}

// KmsProxy configures the local transparent KMS attestation proxy.
type KmsProxy struct {
	ListenPort uint16            `yaml:"listen_port"`
	Endpoints  map[string]string `yaml:"endpoints,omitempty"`
}

// API configures the attestation HTTP API.
type API struct {
	ListenPort uint16 `yaml:"listen_port"`
}

// Parse decodes a manifest document, rejecting unknown top-level and
// nested fields outright.
func Parse(buf []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LoadRaw reads and parses a manifest from path, or from stdin when path is
// "-". It returns the raw bytes alongside the parsed document so callers
// (e.g. print-manifest) can re-emit the original text.
func LoadRaw(path string) ([]byte, *Manifest, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	m, err := Parse(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return buf, m, nil
}

// Load reads and parses a manifest from path, discarding the raw bytes.
func Load(path string) (*Manifest, error) {
	_, m, err := LoadRaw(path)
	return m, err
}
