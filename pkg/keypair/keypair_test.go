package keypair

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateAndEncode(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	require.Equal(t, bits, kp.Private.N.BitLen())

	der, err := kp.PublicKeyDER()
	require.NoError(t, err)
	pub, err := x509.ParsePKIXPublicKey(der)
	require.NoError(t, err)
	require.NotNil(t, pub)

	pemBytes, err := kp.PublicKeyPEM()
	require.NoError(t, err)
	require.Contains(t, string(pemBytes), "PUBLIC KEY")

	privPEM, err := kp.PrivatePEM()
	require.NoError(t, err)
	require.Contains(t, string(privPEM), "PRIVATE KEY")
}

func TestParseSPKIPEM(t *testing.T) {
	kp, err := Generate()
	require.NoError(t, err)
	pemBytes, err := kp.PublicKeyPEM()
	require.NoError(t, err)

	der, err := ParseSPKIPEM(pemBytes)
	require.NoError(t, err)

	pub, err := x509.ParsePKIXPublicKey(der)
	require.NoError(t, err)
	require.NotNil(t, pub)
}

func TestParseSPKIPEMRejectsGarbage(t *testing.T) {
	_, err := ParseSPKIPEM([]byte("not a pem block"))
	require.Error(t, err)
}

func TestParseSPKIPEMRejectsNonSPKIBlock(t *testing.T) {
	_, err := ParseSPKIPEM([]byte("-----BEGIN PUBLIC KEY-----\nbm90LXZhbGlkLWRlcg==\n-----END PUBLIC KEY-----\n"))
	require.Error(t, err)
}
