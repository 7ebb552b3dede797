package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/kernel/pkg/audit"
	"github.com/Mindburn-Labs/kernel/pkg/canonicalize"
	"github.com/Mindburn-Labs/kernel/pkg/manifest"
)

// signRequest is the body of POST /kernel/sign.
type signRequest struct {
	Manifest map[string]interface{} `json:"manifest"`
	SignerID string                 `json:"signerId,omitempty"`
	Version  string                 `json:"version,omitempty"`
}

// handleSign canonicalizes the submitted manifest, signs it through the
// configured Signer, and registers the resulting ManifestSignature.
func (s *Server) handleSign(w http.ResponseWriter, r *http.Request) {
	var req signRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteBadRequest(w, "invalid_request_body")
		return
	}
	if req.Manifest == nil {
		WriteBadRequest(w, "manifest_required")
		return
	}

	canonicalManifest, err := canonicalize.Canonicalize(req.Manifest)
	if err != nil {
		WriteBadRequest(w, "manifest_not_canonicalizable")
		return
	}

	sigB64, signerID, err := s.Signer.Sign(r.Context(), canonicalManifest)
	if err != nil {
		WriteInternal(w, err)
		return
	}

	manifestID, ok := req.Manifest["id"].(string)
	if !ok || manifestID == "" {
		manifestID = canonicalize.HashBytes(canonicalManifest)
	}

	sig, err := s.ManifestReg.Insert(r.Context(), manifest.Signature{
		ManifestID: manifestID,
		SignerID:   signerID,
		Signature:  sigB64,
		Version:    req.Version,
	})
	if err != nil {
		if errors.Is(err, manifest.ErrInvalidVersion) {
			WriteBadRequest(w, "invalid_version")
			return
		}
		WriteInternal(w, err)
		return
	}

	if _, err := s.AuditStore.Append(r.Context(), audit.AppendRequest{
		EventType: "manifest.signed",
		Payload: map[string]interface{}{
			"manifestId":          manifestID,
			"manifestSignatureId": sig.ID,
			"signerId":            signerID,
		},
	}); err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(sig)
}
