// Package attestation wraps the Nitro Security Module, producing CBOR
// attestation documents that bind PCR measurements to caller-supplied
// nonce/user_data/public_key. Two capability variants implement Provider:
// a real NSM-backed one, and a static-bytes test double.
package attestation

import (
	"fmt"

	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
)

// Params is the optional input to an attestation request. All fields are
// optional; nil means omitted.
type Params struct {
	Nonce     []byte
	UserData  []byte
	PublicKey []byte
}

// Provider produces an attestation document for the given params.
type Provider interface {
	Attest(p Params) ([]byte, error)
}

// NSMProvider is the real, hardware-backed provider.
type NSMProvider struct {
	session *nsm.Session
}

// NewNSMProvider opens a session against /dev/nsm.
func NewNSMProvider() (*NSMProvider, error) {
	session, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open NSM session: %w", err)
	}
	return &NSMProvider{session: session}, nil
}

// Close releases the NSM session.
func (p *NSMProvider) Close() error {
	return p.session.Close()
}

// Attest requests a signed attestation document from the NSM device.
func (p *NSMProvider) Attest(params Params) ([]byte, error) {
	res, err := p.session.Send(&request.Attestation{
		Nonce:     params.Nonce,
		UserData:  params.UserData,
		PublicKey: params.PublicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send attestation request: %w", err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("NSM returned an error: %s", res.Error)
	}
	if res.Attestation == nil || res.Attestation.Document == nil {
		return nil, fmt.Errorf("NSM device did not return an attestation document")
	}
	return res.Attestation.Document, nil
}

// RandomBytes requests n bytes of hardware randomness from the NSM device,
// used by pkg/bootstrap to seed the kernel's entropy pool at startup.
func (p *NSMProvider) RandomBytes(n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for len(out) < n {
		res, err := p.session.Send(&request.GetRandom{})
		if err != nil {
			return nil, fmt.Errorf("failed to request random bytes from NSM: %w", err)
		}
		if res.Error != "" {
			return nil, fmt.Errorf("NSM returned an error: %s", res.Error)
		}
		if res.GetRandom == nil || len(res.GetRandom.Random) == 0 {
			return nil, fmt.Errorf("NSM device returned no random bytes")
		}
		out = append(out, res.GetRandom.Random...)
	}
	return out[:n], nil
}

// StaticProvider is a test double that always returns the same bytes,
// ignoring params. Used by the attestation API and KMS proxy unit tests,
// which must not depend on real NSM hardware.
type StaticProvider struct {
	Document []byte
}

// NewStaticProvider returns a provider echoing doc for every request.
func NewStaticProvider(doc []byte) *StaticProvider {
	return &StaticProvider{Document: doc}
}

func (p *StaticProvider) Attest(Params) ([]byte, error) {
	return p.Document, nil
}

// Measurements is the EIF's PCR digests, as printed by describe-eif.
type Measurements struct {
	PCR0 string  `json:"PCR0"`
	PCR1 string  `json:"PCR1"`
	PCR2 string  `json:"PCR2"`
	PCR8 *string `json:"PCR8,omitempty"`
}
