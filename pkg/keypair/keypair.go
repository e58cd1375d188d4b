// Package keypair generates and encodes the enclave's long-lived RSA key,
// whose public half is bound into attestation documents when contacting
// KMS and whose private half unwraps CMS-encrypted KMS responses.
package keypair

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

const bits = 2048

// KeyPair holds the enclave's attestation key for its entire lifetime.
type KeyPair struct {
	Private *rsa.PrivateKey
}

// Generate creates a fresh 2048-bit RSA key pair.
func Generate() (*KeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key pair: %w", err)
	}
	return &KeyPair{Private: key}, nil
}

// PublicKeyDER returns the DER-encoded SubjectPublicKeyInfo, the form
// bound into attestation documents.
func (k *KeyPair) PublicKeyDER() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(&k.Private.PublicKey)
}

// PublicKeyPEM returns the public key as a PEM-encoded SPKI block.
func (k *KeyPair) PublicKeyPEM() ([]byte, error) {
	der, err := k.PublicKeyDER()
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// PrivatePEM returns the private key as a PEM-encoded PKCS#8 block.
func (k *KeyPair) PrivatePEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.Private)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParseSPKIPEM decodes a PEM-encoded SubjectPublicKeyInfo block (as
// received in an attestation API request's public_key field) into DER
// bytes suitable for the HSM call.
func ParseSPKIPEM(pemBytes []byte) ([]byte, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("not a PEM block")
	}
	// Validate it actually parses as SPKI before handing DER onward.
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		return nil, fmt.Errorf("invalid SPKI public key: %w", err)
	}
	return block.Bytes, nil
}
