package attestation

import (
	"encoding/base64"
	"encoding/json"
	"net/http"

	"github.com/cuemby/nitrobox/pkg/keypair"
	"github.com/cuemby/nitrobox/pkg/log"
)

// attestRequest is the JSON body accepted by POST /v1/attestation. Fields mirror
// the NSM request parameters: nonce and user_data base64-encoded, public_key
// as a PEM-encoded SPKI block.
type attestRequest struct {
	Nonce     string `json:"nonce,omitempty"`
	UserData  string `json:"user_data,omitempty"`
	PublicKey string `json:"public_key,omitempty"`
}

// Handler serves the in-enclave attestation API: a single endpoint that
// turns caller-supplied nonce/user_data/public_key into a signed CBOR
// attestation document.
type Handler struct {
	Provider Provider
}

func NewHandler(p Provider) *Handler {
	return &Handler{Provider: p}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/v1/attestation" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req attestRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	params, err := decodeParams(req)
	if err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	doc, err := h.Provider.Attest(params)
	if err != nil {
		log.Errorf("attestation request failed", err)
		http.Error(w, "attestation failed: "+err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/cbor")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func decodeParams(req attestRequest) (Params, error) {
	var p Params
	var err error
	if req.Nonce != "" {
		if p.Nonce, err = base64.StdEncoding.DecodeString(req.Nonce); err != nil {
			return Params{}, err
		}
	}
	if req.UserData != "" {
		if p.UserData, err = base64.StdEncoding.DecodeString(req.UserData); err != nil {
			return Params{}, err
		}
	}
	if req.PublicKey != "" {
		if p.PublicKey, err = keypair.ParseSPKIPEM([]byte(req.PublicKey)); err != nil {
			return Params{}, err
		}
	}
	return p, nil
}
