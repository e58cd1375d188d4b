package attestation

import "github.com/fxamacker/cbor/v2"

// fixtureDocument is the shape of a StaticProvider test fixture: a
// simplified stand-in for a COSE Sign1-wrapped NSM attestation document,
// enough to exercise CBOR content-type handling in tests without needing
// real NSM hardware or a full COSE implementation.
type fixtureDocument struct {
	ModuleID  string            `cbor:"module_id"`
	Digest    string            `cbor:"digest"`
	Timestamp uint64            `cbor:"timestamp"`
	PCRs      map[int][]byte    `cbor:"pcrs"`
	PublicKey []byte            `cbor:"public_key,omitempty"`
	UserData  []byte            `cbor:"user_data,omitempty"`
	Nonce     []byte            `cbor:"nonce,omitempty"`
	Extra     map[string]string `cbor:"extra,omitempty"`
}

// NewFixtureDocument CBOR-encodes a minimal attestation-document-shaped
// value for use with StaticProvider in tests.
func NewFixtureDocument(params Params) ([]byte, error) {
	doc := fixtureDocument{
		ModuleID:  "i-0000000000000000-enc0000000000000",
		Digest:    "SHA384",
		Timestamp: 1700000000000,
		PCRs:      map[int][]byte{0: make([]byte, 48), 1: make([]byte, 48), 2: make([]byte, 48)},
		PublicKey: params.PublicKey,
		UserData:  params.UserData,
		Nonce:     params.Nonce,
	}
	return cbor.Marshal(doc)
}
