// Package cms decrypts the CMS EnvelopedData envelopes AWS KMS returns
// wrapped around ciphertext intended for an enclave recipient: an RSA-OAEP
// key-transport recipient info around an AES-256-CBC encrypted content.
//
// No ecosystem PKCS#7/CMS library in the surrounding stack (nor the wider
// Go ecosystem) supports OAEP key transport, only PKCS#1v1.5, so this is
// hand-rolled against encoding/asn1. KMS's envelopes also use indefinite-
// length BER throughout, which encoding/asn1 rejects outright, hence the
// definite-length normalization pass in ber.go before any asn1.Unmarshal.
package cms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/asn1"
	"fmt"
)

var (
	oidSHA256         = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	oidAES256CBC      = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
	oidRSAOAEP        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 7}
	oidMGF1           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 8}
	oidEnvelopedData  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 3}
	oidPKCS7Data      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
)

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type oaepParameters struct {
	HashFunc    algorithmIdentifier `asn1:"optional,explicit,tag:0"`
	MaskGenFunc algorithmIdentifier `asn1:"optional,explicit,tag:1"`
}

type keyTransRecipientInfo struct {
	Version                int
	Rid                    asn1.RawValue
	KeyEncryptionAlgorithm algorithmIdentifier
	EncryptedKey           []byte
}

type encryptedContentInfo struct {
	ContentType                asn1.ObjectIdentifier
	ContentEncryptionAlgorithm algorithmIdentifier
	EncryptedContent           asn1.RawValue `asn1:"optional,tag:0"`
}

type envelopedData struct {
	Version              int
	OriginatorInfo       asn1.RawValue           `asn1:"optional,tag:0"`
	RecipientInfos       []keyTransRecipientInfo `asn1:"set"`
	EncryptedContentInfo encryptedContentInfo
	UnprotectedAttrs     asn1.RawValue `asn1:"optional,tag:1"`
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     envelopedData `asn1:"explicit,tag:0"`
}

// Decrypt parses a BER-encoded CMS EnvelopedData blob and recovers its
// plaintext content using priv to unwrap the RSA-OAEP-SHA256 content
// encryption key.
func Decrypt(ber []byte, priv *rsa.PrivateKey) ([]byte, error) {
	der, _, err := normalizeBER(ber)
	if err != nil {
		return nil, fmt.Errorf("cms: normalizing BER envelope: %w", err)
	}

	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, fmt.Errorf("cms: parsing ContentInfo: %w", err)
	}
	if !ci.ContentType.Equal(oidEnvelopedData) {
		return nil, fmt.Errorf("cms: unexpected content type %v, expected %v", ci.ContentType, oidEnvelopedData)
	}

	ed := ci.Content
	if ed.Version != 2 {
		return nil, fmt.Errorf("cms: unexpected EnvelopedData version %d, expected 2", ed.Version)
	}
	if len(ed.RecipientInfos) != 1 {
		return nil, fmt.Errorf("cms: expected exactly one recipient, got %d", len(ed.RecipientInfos))
	}

	datakey, err := decryptKey(ed.RecipientInfos[0], priv)
	if err != nil {
		return nil, err
	}

	return decryptContent(ed.EncryptedContentInfo, datakey)
}

func decryptKey(ri keyTransRecipientInfo, priv *rsa.PrivateKey) ([]byte, error) {
	if ri.Version != 2 {
		return nil, fmt.Errorf("cms: unexpected KeyTransRecipientInfo version %d, expected 2", ri.Version)
	}
	if !ri.KeyEncryptionAlgorithm.Algorithm.Equal(oidRSAOAEP) {
		return nil, fmt.Errorf("cms: unexpected key encryption algorithm %v, expected RSA-OAEP", ri.KeyEncryptionAlgorithm.Algorithm)
	}
	if len(ri.KeyEncryptionAlgorithm.Parameters.FullBytes) == 0 {
		return nil, fmt.Errorf("cms: missing RSA-OAEP parameters")
	}

	var params oaepParameters
	if _, err := asn1.Unmarshal(ri.KeyEncryptionAlgorithm.Parameters.FullBytes, &params); err != nil {
		return nil, fmt.Errorf("cms: parsing RSA-OAEP parameters: %w", err)
	}
	if !params.HashFunc.Algorithm.Equal(oidSHA256) {
		return nil, fmt.Errorf("cms: unexpected OAEP hash function %v, expected SHA-256", params.HashFunc.Algorithm)
	}
	if !params.MaskGenFunc.Algorithm.Equal(oidMGF1) {
		return nil, fmt.Errorf("cms: unexpected OAEP mask generation function %v, expected MGF1", params.MaskGenFunc.Algorithm)
	}
	var mgfHash algorithmIdentifier
	if _, err := asn1.Unmarshal(params.MaskGenFunc.Parameters.FullBytes, &mgfHash); err != nil {
		return nil, fmt.Errorf("cms: parsing MGF1 hash algorithm: %w", err)
	}
	if !mgfHash.Algorithm.Equal(oidSHA256) {
		return nil, fmt.Errorf("cms: unexpected MGF1 hash %v, expected SHA-256", mgfHash.Algorithm)
	}

	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ri.EncryptedKey, nil)
	if err != nil {
		return nil, fmt.Errorf("cms: RSA-OAEP key unwrap failed: %w", err)
	}
	return key, nil
}

func decryptContent(eci encryptedContentInfo, datakey []byte) ([]byte, error) {
	if !eci.ContentType.Equal(oidPKCS7Data) {
		return nil, fmt.Errorf("cms: unexpected encrypted content type %v, expected pkcs7-data", eci.ContentType)
	}
	if !eci.ContentEncryptionAlgorithm.Algorithm.Equal(oidAES256CBC) {
		return nil, fmt.Errorf("cms: unexpected content encryption algorithm %v, expected AES-256-CBC", eci.ContentEncryptionAlgorithm.Algorithm)
	}

	var iv []byte
	if _, err := asn1.Unmarshal(eci.ContentEncryptionAlgorithm.Parameters.FullBytes, &iv); err != nil {
		return nil, fmt.Errorf("cms: parsing AES-CBC IV: %w", err)
	}

	ciphertext, err := combinedContent(eci.EncryptedContent)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("cms: encrypted content length %d is not a multiple of the block size", len(ciphertext))
	}

	block, err := aes.NewCipher(datakey)
	if err != nil {
		return nil, fmt.Errorf("cms: constructing AES cipher: %w", err)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

// combinedContent reassembles the encryptedContent field, which may be a
// single OCTET STRING or, when the CMS encoder streamed it, a constructed
// encoding whose nested octet strings must be concatenated.
func combinedContent(raw asn1.RawValue) ([]byte, error) {
	if !raw.IsCompound {
		return raw.Bytes, nil
	}
	var combined []byte
	rest := raw.Bytes
	for len(rest) > 0 {
		var part []byte
		next, err := asn1.Unmarshal(rest, &part)
		if err != nil {
			return nil, fmt.Errorf("cms: parsing constructed encrypted content: %w", err)
		}
		combined = append(combined, part...)
		rest = next
	}
	return combined, nil
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cms: empty plaintext")
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(data) {
		return nil, fmt.Errorf("cms: invalid PKCS#7 padding")
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("cms: invalid PKCS#7 padding")
		}
	}
	return data[:len(data)-pad], nil
}
