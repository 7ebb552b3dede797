package api

import (
	"encoding/json"
	"net/http"

	"github.com/Mindburn-Labs/kernel/pkg/audit"
	"github.com/Mindburn-Labs/kernel/pkg/canonicalize"
	"github.com/Mindburn-Labs/kernel/pkg/domain"
	"github.com/Mindburn-Labs/kernel/pkg/manifest"
)

// domainResponse is returned by every division/agent/allocate/eval route.
type domainResponse struct {
	ID                string              `json:"id"`
	ManifestSignature *manifest.Signature `json:"manifestSignature"`
}

// handleDomain returns the handler for one of the domain manifest routes.
// Per the documented contract it does nothing beyond: validate shape,
// canonicalize, sign, persist the record, and emit an audit event
// referencing manifestSignatureId — individual per-domain business logic is
// out of scope.
func (s *Server) handleDomain(kind domain.Kind) http.HandlerFunc {
	route := string(kind)
	return func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteBadRequest(w, "invalid_request_body")
			return
		}

		if err := s.Validator.Validate(route, body); err != nil {
			WriteBadRequest(w, "schema_validation_failed")
			return
		}

		canonicalBody, err := canonicalize.Canonicalize(body)
		if err != nil {
			WriteBadRequest(w, "manifest_not_canonicalizable")
			return
		}

		sigB64, signerID, err := s.Signer.Sign(r.Context(), canonicalBody)
		if err != nil {
			WriteInternal(w, err)
			return
		}

		id, _ := body["id"].(string)
		sig, err := s.ManifestReg.Insert(r.Context(), manifest.Signature{
			ManifestID: id,
			SignerID:   signerID,
			Signature:  sigB64,
		})
		if err != nil {
			WriteInternal(w, err)
			return
		}

		rec, err := s.DomainStore.Insert(r.Context(), domain.Record{
			ID:                  id,
			Kind:                kind,
			Body:                body,
			ManifestSignatureID: sig.ID,
		})
		if err != nil {
			WriteInternal(w, err)
			return
		}

		if _, err := s.AuditStore.Append(r.Context(), audit.AppendRequest{
			EventType: route + ".created",
			Payload: map[string]interface{}{
				"id":                  rec.ID,
				"manifestSignatureId": sig.ID,
			},
		}); err != nil {
			WriteInternal(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(domainResponse{ID: rec.ID, ManifestSignature: sig})
	}
}
