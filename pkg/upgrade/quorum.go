// Package upgrade implements the Upgrade Quorum Engine: a state machine
// that collects N-of-M approver signatures over a canonical manifest before
// the manifest may be applied, emitting an audit event at every transition.
package upgrade

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/Mindburn-Labs/kernel/pkg/audit"
	"github.com/Mindburn-Labs/kernel/pkg/canonicalize"
	"github.com/Mindburn-Labs/kernel/pkg/crypto"
	"github.com/Mindburn-Labs/kernel/pkg/manifest"
)

// Status is the lifecycle state of an UpgradeRequest. Transitions only move
// forward: pending -> approved-in-progress (still "pending" until quorum) ->
// applied, or pending -> rejected.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApplied  Status = "applied"
	StatusRejected Status = "rejected"
)

var (
	// ErrNotFound is returned when an upgrade ID is unknown.
	ErrNotFound = errors.New("upgrade: not found")
	// ErrNotPending is returned when approve/apply is attempted on an
	// upgrade that has already reached a terminal state.
	ErrNotPending = errors.New("upgrade: not pending")
	// ErrUnknownApprover is returned when the approver is not a member of
	// the configured approver set.
	ErrUnknownApprover = errors.New("upgrade: approver not in approver set")
	// ErrAlreadyApproved is returned when the same approver tries to
	// approve twice.
	ErrAlreadyApproved = errors.New("upgrade: approver has already approved")
	// ErrBadSignature is returned when an approval signature does not
	// verify against the approver's registered key over the canonical
	// manifest.
	ErrBadSignature = errors.New("upgrade: signature does not verify")
	// ErrInsufficientQuorum is returned by Apply when fewer than
	// requiredApprovals distinct approvals have been collected.
	ErrInsufficientQuorum = errors.New("upgrade: insufficient_quorum")
	// ErrVersionNotIncreasing is returned by Submit when manifest["version"]
	// does not parse as semver, or does not exceed the newest previously
	// registered ManifestSignature version for the same manifest["id"].
	ErrVersionNotIncreasing = errors.New("upgrade: version must be valid semver greater than the currently applied version")
)

// Approval is one recorded approver signature over the canonical manifest.
type Approval struct {
	ApproverID string    `json:"approverId"`
	Signature  string    `json:"signature"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// Request is an UpgradeRequest as described by the platform's data model.
type Request struct {
	UpgradeID         string                 `json:"upgradeId"`
	Manifest          map[string]interface{} `json:"manifest"`
	Status            Status                 `json:"status"`
	Approvals         []Approval             `json:"approvals"`
	RequiredApprovals int                    `json:"requiredApprovals"`
	ApproverSet       []string               `json:"approverSet"`
	SubmittedBy       string                 `json:"submittedBy"`
	SubmittedAt       time.Time              `json:"submittedAt"`
	AppliedAt         *time.Time             `json:"appliedAt,omitempty"`
}

func (r *Request) hasApproved(approverID string) bool {
	for _, a := range r.Approvals {
		if a.ApproverID == approverID {
			return true
		}
	}
	return false
}

func (r *Request) isApprover(approverID string) bool {
	for _, id := range r.ApproverSet {
		if id == approverID {
			return true
		}
	}
	return false
}

// InsufficientQuorumDetail is the structured payload attached to
// ErrInsufficientQuorum so HTTP handlers can surface
// {approvals, required} per the documented error contract.
type InsufficientQuorumDetail struct {
	Approvals int `json:"approvals"`
	Required  int `json:"required"`
}

// Engine is the Upgrade Quorum Engine. It is safe for concurrent use.
type Engine struct {
	mu       sync.Mutex
	requests map[string]*Request

	auditStore    audit.Store
	manifestReg   manifest.Registry
	kernelSigner  crypto.Signer
	approverKeys  *crypto.Registry
	clock         func() time.Time
}

// NewEngine constructs an Engine. approverKeys resolves an approver's
// registered public key for signature verification; kernelSigner signs the
// final ManifestSignature row recorded on apply.
func NewEngine(auditStore audit.Store, manifestReg manifest.Registry, kernelSigner crypto.Signer, approverKeys *crypto.Registry) *Engine {
	return &Engine{
		requests:     make(map[string]*Request),
		auditStore:   auditStore,
		manifestReg:  manifestReg,
		kernelSigner: kernelSigner,
		approverKeys: approverKeys,
		clock:        time.Now,
	}
}

// WithClock overrides the engine's clock, for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Submit creates a new UpgradeRequest in the pending state and emits an
// upgrade.submitted audit event. If manifestBody carries both "id" and
// "version" keys, version must parse as semver and must exceed the newest
// version already registered against that manifest id, so a submitted upgrade
// can never downgrade or replay a stale manifest.
func (e *Engine) Submit(ctx context.Context, manifestBody map[string]interface{}, approverSet []string, requiredApprovals int, submittedBy string) (*Request, error) {
	if requiredApprovals <= 0 || requiredApprovals > len(approverSet) {
		return nil, fmt.Errorf("upgrade: requiredApprovals must be between 1 and len(approverSet)")
	}
	if err := e.checkVersionIncreasing(ctx, manifestBody); err != nil {
		return nil, err
	}

	now := e.clock()
	req := &Request{
		UpgradeID:         uuid.New().String(),
		Manifest:          manifestBody,
		Status:            StatusPending,
		RequiredApprovals: requiredApprovals,
		ApproverSet:       approverSet,
		SubmittedBy:       submittedBy,
		SubmittedAt:       now,
	}

	e.mu.Lock()
	e.requests[req.UpgradeID] = req
	e.mu.Unlock()

	if _, err := e.auditStore.Append(ctx, audit.AppendRequest{
		EventType: "upgrade.submitted",
		Payload: map[string]interface{}{
			"upgradeId":         req.UpgradeID,
			"manifest":          req.Manifest,
			"requiredApprovals": req.RequiredApprovals,
			"approverSet":       req.ApproverSet,
			"submittedBy":       req.SubmittedBy,
		},
	}); err != nil {
		return nil, fmt.Errorf("upgrade: audit submit: %w", err)
	}

	return req, nil
}

// Approve records approverID's signature over the canonical manifest. The
// signature must verify against the approver's registered key.
func (e *Engine) Approve(ctx context.Context, upgradeID, approverID, signatureB64 string) (*Request, error) {
	e.mu.Lock()
	req, ok := e.requests[upgradeID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	if req.Status != StatusPending {
		e.mu.Unlock()
		return nil, ErrNotPending
	}
	if !req.isApprover(approverID) {
		e.mu.Unlock()
		return nil, ErrUnknownApprover
	}
	if req.hasApproved(approverID) {
		e.mu.Unlock()
		return nil, ErrAlreadyApproved
	}
	e.mu.Unlock()

	canonicalManifest, err := canonicalize.Canonicalize(req.Manifest)
	if err != nil {
		return nil, fmt.Errorf("upgrade: canonicalize manifest: %w", err)
	}
	if err := e.verifyApproval(approverID, canonicalManifest, signatureB64); err != nil {
		return nil, err
	}

	e.mu.Lock()
	// Re-check under lock in case of a concurrent approval racing us.
	if req.Status != StatusPending {
		e.mu.Unlock()
		return nil, ErrNotPending
	}
	if req.hasApproved(approverID) {
		e.mu.Unlock()
		return nil, ErrAlreadyApproved
	}
	req.Approvals = append(req.Approvals, Approval{
		ApproverID: approverID,
		Signature:  signatureB64,
		ApprovedAt: e.clock(),
	})
	e.mu.Unlock()

	if _, err := e.auditStore.Append(ctx, audit.AppendRequest{
		EventType: "upgrade.approval",
		Payload: map[string]interface{}{
			"upgradeId":  upgradeID,
			"approverId": approverID,
		},
	}); err != nil {
		return nil, fmt.Errorf("upgrade: audit approval: %w", err)
	}

	return req, nil
}

// checkVersionIncreasing is a no-op unless manifestBody carries both "id"
// and "version" string keys; when it does, it consults the Manifest
// Registry for that manifest id's prior signatures (the same "id" handleSign
// uses to key ManifestSignature rows) and requires the new version to
// exceed the highest one on record.
func (e *Engine) checkVersionIncreasing(ctx context.Context, manifestBody map[string]interface{}) error {
	manifestID, _ := manifestBody["id"].(string)
	versionStr, _ := manifestBody["version"].(string)
	if manifestID == "" || versionStr == "" {
		return nil
	}
	newVersion, err := semver.NewVersion(versionStr)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrVersionNotIncreasing, versionStr, err)
	}
	existing, err := e.manifestReg.List(ctx, manifestID)
	if err != nil {
		return fmt.Errorf("upgrade: list prior manifest signatures for %q: %w", manifestID, err)
	}
	if latest, ok := manifest.LatestVersion(existing); ok && !newVersion.GreaterThan(latest) {
		return fmt.Errorf("%w: %s is not greater than already-applied %s", ErrVersionNotIncreasing, newVersion, latest)
	}
	return nil
}

func (e *Engine) verifyApproval(approverID string, canonicalManifest []byte, signatureB64 string) error {
	entry, ok := e.approverKeys.Resolve(approverID)
	if !ok {
		return fmt.Errorf("%w: no registered key for %q", ErrUnknownApprover, approverID)
	}
	pub, ok := entry.PublicKey.(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("upgrade: approver %q key is not ed25519", approverID)
	}
	sig, err := crypto.DecodeSignature(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if !ed25519.Verify(pub, canonicalManifest, sig) {
		return ErrBadSignature
	}
	return nil
}

// Apply applies upgradeID if quorum has been reached, emitting
// upgrade.applied and registering the final ManifestSignature. If quorum has
// not been reached it returns ErrInsufficientQuorum carrying an
// InsufficientQuorumDetail; the request stays pending and no audit event is
// emitted, since the request remains eligible for further approvals or a
// later apply attempt — only Reject moves a request to a terminal state
// without reaching quorum.
func (e *Engine) Apply(ctx context.Context, upgradeID string) (*Request, error) {
	e.mu.Lock()
	req, ok := e.requests[upgradeID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	if req.Status != StatusPending {
		e.mu.Unlock()
		return nil, ErrNotPending
	}
	approvalCount := len(req.Approvals)
	e.mu.Unlock()

	if approvalCount < req.RequiredApprovals {
		return nil, &quorumError{detail: InsufficientQuorumDetail{Approvals: approvalCount, Required: req.RequiredApprovals}}
	}

	canonicalManifest, err := canonicalize.Canonicalize(req.Manifest)
	if err != nil {
		return nil, fmt.Errorf("upgrade: canonicalize manifest: %w", err)
	}
	sigB64, signerID, err := e.kernelSigner.Sign(ctx, canonicalManifest)
	if err != nil {
		return nil, fmt.Errorf("upgrade: sign manifest: %w", err)
	}

	manifestID, _ := req.Manifest["id"].(string)
	if manifestID == "" {
		manifestID = upgradeID
	}
	version, _ := req.Manifest["version"].(string)

	if _, err := e.manifestReg.Insert(ctx, manifest.Signature{
		ManifestID: manifestID,
		SignerID:   signerID,
		Signature:  sigB64,
		Version:    version,
	}); err != nil {
		return nil, fmt.Errorf("upgrade: register manifest signature: %w", err)
	}

	e.mu.Lock()
	now := e.clock()
	req.Status = StatusApplied
	req.AppliedAt = &now
	e.mu.Unlock()

	approvers := make([]string, 0, len(req.Approvals))
	for _, a := range req.Approvals {
		approvers = append(approvers, a.ApproverID)
	}

	if _, err := e.auditStore.Append(ctx, audit.AppendRequest{
		EventType: "upgrade.applied",
		Payload: map[string]interface{}{
			"upgradeId": upgradeID,
			"approvers": approvers,
			"signerId":  signerID,
		},
	}); err != nil {
		return nil, fmt.Errorf("upgrade: audit applied: %w", err)
	}

	return req, nil
}

// Reject transitions upgradeID from pending to rejected on explicit
// rejection, emitting upgrade.rejected. It is the only path that moves a
// request to the rejected status; a merely insufficient-quorum Apply leaves
// the request pending.
func (e *Engine) Reject(ctx context.Context, upgradeID, rejectedBy, reason string) (*Request, error) {
	e.mu.Lock()
	req, ok := e.requests[upgradeID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrNotFound
	}
	if req.Status != StatusPending {
		e.mu.Unlock()
		return nil, ErrNotPending
	}
	req.Status = StatusRejected
	e.mu.Unlock()

	if _, err := e.auditStore.Append(ctx, audit.AppendRequest{
		EventType: "upgrade.rejected",
		Payload: map[string]interface{}{
			"upgradeId":  upgradeID,
			"rejectedBy": rejectedBy,
			"reason":     reason,
			"approvals":  len(req.Approvals),
			"required":   req.RequiredApprovals,
		},
	}); err != nil {
		return nil, fmt.Errorf("upgrade: audit rejected: %w", err)
	}

	return req, nil
}

// Get returns the current state of upgradeID.
func (e *Engine) Get(upgradeID string) (*Request, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.requests[upgradeID]
	if !ok {
		return nil, ErrNotFound
	}
	return req, nil
}

type quorumError struct {
	detail InsufficientQuorumDetail
}

func (q *quorumError) Error() string {
	return fmt.Sprintf("upgrade: insufficient_quorum (approvals=%d required=%d)", q.detail.Approvals, q.detail.Required)
}

func (q *quorumError) Is(target error) bool {
	return target == ErrInsufficientQuorum
}

// QuorumDetail extracts the InsufficientQuorumDetail from err, if err wraps
// ErrInsufficientQuorum.
func QuorumDetail(err error) (InsufficientQuorumDetail, bool) {
	var qe *quorumError
	if errors.As(err, &qe) {
		return qe.detail, true
	}
	return InsufficientQuorumDetail{}, false
}

