package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Mindburn-Labs/kernel/pkg/upgrade"
)

type upgradeSubmitRequest struct {
	Manifest          map[string]interface{} `json:"manifest"`
	ApproverSet       []string                `json:"approverSet"`
	RequiredApprovals int                     `json:"requiredApprovals"`
	SubmittedBy       string                  `json:"submittedBy"`
}

func (s *Server) handleUpgradeSubmit(w http.ResponseWriter, r *http.Request) {
	var req upgradeSubmitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteBadRequest(w, "invalid_request_body")
		return
	}
	if req.Manifest == nil || len(req.ApproverSet) == 0 {
		WriteBadRequest(w, "manifest_and_approver_set_required")
		return
	}

	upgradeReq, err := s.UpgradeEngine.Submit(r.Context(), req.Manifest, req.ApproverSet, req.RequiredApprovals, req.SubmittedBy)
	if err != nil {
		if errors.Is(err, upgrade.ErrVersionNotIncreasing) {
			WriteBadRequest(w, "version_not_increasing")
			return
		}
		WriteBadRequest(w, "invalid_upgrade_request")
		return
	}

	writeUpgrade(w, http.StatusCreated, upgradeReq)
}

type upgradeApproveRequest struct {
	ApproverID string `json:"approverId"`
	Signature  string `json:"signature"`
}

func (s *Server) handleUpgradeApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req upgradeApproveRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteBadRequest(w, "invalid_request_body")
		return
	}

	upgradeReq, err := s.UpgradeEngine.Approve(r.Context(), id, req.ApproverID, req.Signature)
	if err != nil {
		s.writeUpgradeError(w, err)
		return
	}

	writeUpgrade(w, http.StatusOK, upgradeReq)
}

func (s *Server) handleUpgradeApply(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	upgradeReq, err := s.UpgradeEngine.Apply(r.Context(), id)
	if err != nil {
		s.writeUpgradeError(w, err)
		return
	}

	writeUpgrade(w, http.StatusOK, upgradeReq)
}

type upgradeRejectRequest struct {
	RejectedBy string `json:"rejectedBy"`
	Reason     string `json:"reason"`
}

func (s *Server) handleUpgradeReject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req upgradeRejectRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		WriteBadRequest(w, "invalid_request_body")
		return
	}

	upgradeReq, err := s.UpgradeEngine.Reject(r.Context(), id, req.RejectedBy, req.Reason)
	if err != nil {
		s.writeUpgradeError(w, err)
		return
	}

	writeUpgrade(w, http.StatusOK, upgradeReq)
}

func (s *Server) writeUpgradeError(w http.ResponseWriter, err error) {
	if detail, ok := upgrade.QuorumDetail(err); ok {
		WriteErrorDetail(w, http.StatusBadRequest, "insufficient_quorum", detail)
		return
	}
	switch {
	case errors.Is(err, upgrade.ErrNotFound):
		WriteNotFound(w, "upgrade_not_found")
	case errors.Is(err, upgrade.ErrNotPending):
		WriteConflict(w, "upgrade_not_pending")
	case errors.Is(err, upgrade.ErrUnknownApprover):
		WriteBadRequest(w, "unknown_approver")
	case errors.Is(err, upgrade.ErrAlreadyApproved):
		WriteConflict(w, "approver_already_approved")
	case errors.Is(err, upgrade.ErrBadSignature):
		WriteBadRequest(w, "bad_approval_signature")
	default:
		WriteInternal(w, err)
	}
}

func writeUpgrade(w http.ResponseWriter, status int, req *upgrade.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(req)
}
