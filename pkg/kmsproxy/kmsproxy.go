// Package kmsproxy implements the enclave-side AWS KMS proxy: it intercepts
// the five KMS actions that return recipient-encrypted ciphertext, attaches
// an attestation document so KMS encrypts the response to the enclave's
// key, decrypts the CMS envelope that comes back, and substitutes the
// plaintext before returning the response to the caller. Every other KMS
// action is forwarded unmodified, re-signed under the enclave's own
// request (the original client-supplied signature is never relayed).
package kmsproxy

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/google/uuid"

	"github.com/cuemby/nitrobox/pkg/attestation"
	"github.com/cuemby/nitrobox/pkg/cms"
	"github.com/cuemby/nitrobox/pkg/keypair"
	"github.com/cuemby/nitrobox/pkg/log"
	"github.com/cuemby/nitrobox/pkg/metrics"
)

const (
	xAmzTarget     = "X-Amz-Target"
	xAmzCredential = "X-Amz-Credential"
	amzJSONType    = "application/x-amz-json-1.1"
	kmsServiceName = "kms"
)

// errKind classifies a handler error for response mapping: a
// malformed/untrusted client request is the caller's fault (400), an
// HSM/attestation/upstream-KMS failure is a 503-equivalent condition, and
// a CMS decrypt failure (algorithm/oid mismatch, bad ciphertext) is a 500.
type errKind int

const (
	errKindClient errKind = iota
	errKindUpstream
	errKindDecrypt
)

// proxyError carries the response-mapping classification alongside the
// underlying error so ServeHTTP never has to re-derive it from message text.
type proxyError struct {
	kind errKind
	err  error
}

func (e *proxyError) Error() string { return e.err.Error() }
func (e *proxyError) Unwrap() error { return e.err }

func clientError(err error) error   { return &proxyError{kind: errKindClient, err: err} }
func upstreamError(err error) error { return &proxyError{kind: errKindUpstream, err: err} }
func decryptError(err error) error  { return &proxyError{kind: errKindDecrypt, err: err} }

var attestingActions = []string{
	"TrentService.Decrypt",
	"TrentService.DeriveSharedSecret",
	"TrentService.GenerateDataKey",
	"TrentService.GenerateDataKeyPair",
	"TrentService.GenerateRandom",
}

var (
	headerCredentialRe = regexp.MustCompile(`AWS4-HMAC-SHA256 Credential=.*?/.*?/(.*?)/(.*?)/aws4_request`)
	queryCredentialRe  = regexp.MustCompile(`.*?/.*?/(.*?)/(.*?)/aws4_request`)
)

// HTTPClient is the subset of *http.Client the proxy needs, so tests can
// substitute a mock KMS backend.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config wires the proxy to its dependencies.
type Config struct {
	Client      HTTPClient
	Credentials awssdk.Credentials
	KeyPair     *keypair.KeyPair
	Attester    attestation.Provider
	Endpoints   EndpointProvider
}

// Handler is the http.Handler mounted on the enclave's loopback KMS proxy
// port; ingress traffic for the AWS SDK's configured KMS endpoint is
// redirected here via /etc/hosts or the SDK's endpoint override.
type Handler struct {
	config Config
	signer *v4.Signer
}

func NewHandler(cfg Config) *Handler {
	return &Handler{config: cfg, signer: v4.NewSigner()}
}

type credentialScope struct {
	region  string
	service string
}

func credentialScopeFromRequest(r *http.Request) (credentialScope, error) {
	var cred string
	var re *regexp.Regexp

	if authz := r.Header.Get("Authorization"); authz != "" {
		cred, re = authz, headerCredentialRe
	} else if q := r.URL.Query().Get(xAmzCredential); q != "" {
		cred, re = q, queryCredentialRe
	} else {
		return credentialScope{}, clientError(fmt.Errorf("kmsproxy: no AWS SigV4 credential found in the request"))
	}

	m := re.FindStringSubmatch(cred)
	if m == nil {
		return credentialScope{}, clientError(fmt.Errorf("kmsproxy: credential scope has an invalid format"))
	}
	return credentialScope{region: m[1], service: m[2]}, nil
}

func (c credentialScope) validate() error {
	if c.service != kmsServiceName {
		return clientError(fmt.Errorf("kmsproxy: request signed for a non-KMS service %q", c.service))
	}
	return nil
}

func isAttestingAction(r *http.Request, target string) bool {
	if r.Method != http.MethodPost || r.URL.Path != "/" || target == "" {
		return false
	}
	for _, a := range attestingActions {
		if strings.EqualFold(a, target) {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	l := log.WithTraceID(uuid.NewString())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}

	// TODO: Check the signature!!!

	target := r.Header.Get(xAmzTarget)
	l.Debug().Str("target", target).Msg("kms proxy request")

	var resp *http.Response
	attesting := isAttestingAction(r, target)
	if attesting {
		resp, err = h.handleAttestingAction(r, target, body)
	} else {
		resp, err = h.handleForward(r, target, body)
	}
	if err != nil {
		metrics.KMSProxyRequests.WithLabelValues("error").Inc()
		l.Error().Err(err).Msg("kms proxy request failed")
		writeHandlerError(w, err)
		return
	}
	defer resp.Body.Close()

	if attesting {
		metrics.KMSProxyRequests.WithLabelValues("attested").Inc()
	} else {
		metrics.KMSProxyRequests.WithLabelValues("forwarded").Inc()
	}

	if err := writeResponse(w, resp); err != nil {
		l.Error().Err(err).Msg("failed writing kms proxy response")
	}
}

func (h *Handler) handleForward(r *http.Request, target string, body []byte) (*http.Response, error) {
	scope, err := credentialScopeFromRequest(r)
	if err != nil {
		return nil, err
	}
	if err := scope.validate(); err != nil {
		return nil, err
	}

	authority := h.config.Endpoints.Endpoint(scope.region)
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = amzJSONType
	}

	out, err := h.buildOutgoing(r.Method, authority, r.URL.Path, target, contentType, body)
	if err != nil {
		return nil, err
	}
	return h.sign(out, scope.region, body)
}

func (h *Handler) handleAttestingAction(r *http.Request, target string, body []byte) (*http.Response, error) {
	scope, err := credentialScopeFromRequest(r)
	if err != nil {
		return nil, err
	}
	if err := scope.validate(); err != nil {
		return nil, err
	}

	var bodyObj map[string]interface{}
	if err := json.Unmarshal(body, &bodyObj); err != nil {
		return nil, clientError(fmt.Errorf("kmsproxy: decoding request body: %w", err))
	}

	pubDER, err := h.config.KeyPair.PublicKeyDER()
	if err != nil {
		return nil, upstreamError(fmt.Errorf("kmsproxy: marshalling public key: %w", err))
	}
	doc, err := h.config.Attester.Attest(attestation.Params{PublicKey: pubDER})
	if err != nil {
		return nil, upstreamError(fmt.Errorf("kmsproxy: requesting attestation document: %w", err))
	}

	bodyObj["Recipient"] = map[string]interface{}{
		"AttestationDocument":    base64.StdEncoding.EncodeToString(doc),
		"KeyEncryptionAlgorithm": "RSAES_OAEP_SHA_256",
	}

	newBody, err := json.Marshal(bodyObj)
	if err != nil {
		return nil, fmt.Errorf("kmsproxy: re-encoding request body: %w", err)
	}

	authority := h.config.Endpoints.Endpoint(scope.region)
	out, err := h.buildOutgoing(http.MethodPost, authority, "/", target, amzJSONType, newBody)
	if err != nil {
		return nil, err
	}

	resp, err := h.sign(out, scope.region, newBody)
	if err != nil {
		return nil, err
	}
	return h.decryptRecipientCiphertext(resp)
}

func (h *Handler) buildOutgoing(method, authority, path, target, contentType string, body []byte) (*http.Request, error) {
	req, err := http.NewRequest(method, "https://"+authority+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kmsproxy: building outgoing request: %w", err)
	}
	req.Header.Set(xAmzTarget, target)
	req.Header.Set("Content-Type", contentType)
	req.ContentLength = int64(len(body))
	return req, nil
}

func (h *Handler) sign(req *http.Request, region string, body []byte) (*http.Response, error) {
	hash := sha256.Sum256(body)
	if err := h.signer.SignHTTP(context.Background(), h.config.Credentials, req, hex.EncodeToString(hash[:]), kmsServiceName, region, time.Now()); err != nil {
		return nil, upstreamError(fmt.Errorf("kmsproxy: signing request: %w", err))
	}
	resp, err := h.config.Client.Do(req)
	if err != nil {
		return nil, upstreamError(fmt.Errorf("kmsproxy: sending request upstream: %w", err))
	}
	return resp, nil
}

// decryptRecipientCiphertext replaces a successful response's
// CiphertextForRecipient field with the plaintext recovered by unwrapping
// its CMS envelope; other responses are passed through untouched.
func (h *Handler) decryptRecipientCiphertext(resp *http.Response) (*http.Response, error) {
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, upstreamError(fmt.Errorf("kmsproxy: reading kms response: %w", err))
	}

	var respObj map[string]interface{}
	if err := json.Unmarshal(body, &respObj); err != nil {
		return nil, decryptError(fmt.Errorf("kmsproxy: kms response is not a JSON object: %w", err))
	}

	b64ciphertext, ok := respObj["CiphertextForRecipient"].(string)
	if !ok {
		return nil, decryptError(fmt.Errorf("kmsproxy: response is missing CiphertextForRecipient"))
	}
	ciphertext, err := base64.StdEncoding.DecodeString(b64ciphertext)
	if err != nil {
		return nil, decryptError(fmt.Errorf("kmsproxy: decoding CiphertextForRecipient: %w", err))
	}
	plaintext, err := cms.Decrypt(ciphertext, h.config.KeyPair.Private)
	if err != nil {
		return nil, decryptError(fmt.Errorf("kmsproxy: decrypting recipient ciphertext: %w", err))
	}

	delete(respObj, "CiphertextForRecipient")
	respObj["Plaintext"] = base64.StdEncoding.EncodeToString(plaintext)

	out, err := json.Marshal(respObj)
	if err != nil {
		return nil, fmt.Errorf("kmsproxy: re-encoding kms response: %w", err)
	}

	resp.Body = io.NopCloser(bytes.NewReader(out))
	resp.ContentLength = int64(len(out))
	resp.Header.Set("Content-Type", amzJSONType)
	resp.Header.Del("Content-Length")
	return resp, nil
}

// writeHandlerError maps a classified handler error to a response: an
// HSM/attestation/upstream-KMS failure is a 503-equivalent JSON error, a
// CMS decrypt failure is a 500 with a message describing the mismatch, and
// anything else (a malformed or untrusted client request) is a plain 400.
// Unclassified errors (local request building and JSON re-encoding
// failures) are also answered as a 503-equivalent JSON error.
func writeHandlerError(w http.ResponseWriter, err error) {
	var pe *proxyError
	if !errors.As(err, &pe) {
		writeJSONError(w, http.StatusServiceUnavailable, err)
		return
	}
	switch pe.kind {
	case errKindDecrypt:
		http.Error(w, pe.Error(), http.StatusInternalServerError)
	case errKindClient:
		http.Error(w, pe.Error(), http.StatusBadRequest)
	default:
		writeJSONError(w, http.StatusServiceUnavailable, pe)
	}
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", amzJSONType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": err.Error()})
}

func writeResponse(w http.ResponseWriter, resp *http.Response) error {
	for k, vs := range resp.Header {
		if strings.EqualFold(k, "Content-Length") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, err := io.Copy(w, resp.Body)
	return err
}
