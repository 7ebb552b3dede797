package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/kernel/pkg/audit"
)

// auditAppendRequest is the body of POST /kernel/audit.
type auditAppendRequest struct {
	EventType string      `json:"eventType"`
	Payload   interface{} `json:"payload"`
	Metadata  interface{} `json:"metadata,omitempty"`
}

// handleAuditAppend appends a caller-supplied event directly onto the
// chain. Canonicalization, hash-chaining, and signing all happen inside
// AuditStore.Append.
func (s *Server) handleAuditAppend(w http.ResponseWriter, r *http.Request) {
	var req auditAppendRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteBadRequest(w, "invalid_request_body")
		return
	}
	if req.EventType == "" {
		WriteBadRequest(w, "event_type_required")
		return
	}

	event, err := s.AuditStore.Append(r.Context(), audit.AppendRequest{
		EventType: req.EventType,
		Payload:   req.Payload,
		Metadata:  req.Metadata,
	})
	if err != nil {
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(event)
}

// handleAuditGet returns the event with the requested id, or 404.
func (s *Server) handleAuditGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	event, err := s.AuditStore.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			WriteNotFound(w, "audit_event_not_found")
			return
		}
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(event)
}
