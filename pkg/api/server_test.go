package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/Mindburn-Labs/kernel/pkg/audit"
	"github.com/Mindburn-Labs/kernel/pkg/auditpolicy"
	"github.com/Mindburn-Labs/kernel/pkg/crypto"
	"github.com/Mindburn-Labs/kernel/pkg/domain"
	"github.com/Mindburn-Labs/kernel/pkg/idempotency"
	"github.com/Mindburn-Labs/kernel/pkg/manifest"
	"github.com/Mindburn-Labs/kernel/pkg/schema"
	"github.com/Mindburn-Labs/kernel/pkg/upgrade"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	signer, err := crypto.NewLocalEd25519SignerGenerated()
	require.NoError(t, err)

	policy, err := auditpolicy.Compile("")
	require.NoError(t, err)

	auditStore := audit.NewMemoryStore(signer, policy)
	manifestReg := manifest.NewMemoryRegistry()
	domainStore := domain.NewMemoryStore()
	validator, err := schema.NewValidator("")
	require.NoError(t, err)

	approverRegistry, err := crypto.ParseRegistry([]byte(`{}`))
	require.NoError(t, err)
	engine := upgrade.NewEngine(auditStore, manifestReg, signer, approverRegistry)

	return &Server{
		Signer:        signer,
		AuditStore:    auditStore,
		ManifestReg:   manifestReg,
		DomainStore:   domainStore,
		UpgradeEngine: engine,
		Validator:     validator,
		IdempotencyDB: idempotency.NewMemoryStore(),
		BodyLimit:     1 << 20,
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}, idemKey string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestTracerRecordsOneSpanPerRequest(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	s := newTestServer(t)
	s.Tracer = tp.Tracer("test")
	h := s.Handler()

	rec := doJSON(t, h, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /health", spans[0].Name())
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuditAppendGenesisChainAndGet(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/kernel/audit",
		map[string]interface{}{"eventType": "test.a", "payload": map[string]interface{}{"n": 1}}, "k1")
	require.Equal(t, http.StatusAccepted, rec.Code)

	var event audit.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &event))
	assert.Equal(t, "", event.PrevHash)
	assert.NotEmpty(t, event.Hash)

	rec = doJSON(t, h, http.MethodGet, "/kernel/audit/"+event.ID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuditAppendRejectsUnknownFields(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/kernel/audit",
		map[string]interface{}{"eventType": "test.a", "payload": map[string]interface{}{"n": 1}, "bogus": "field"}, "k-audit-bad")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuditGetUnknownReturns404(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	rec := doJSON(t, h, http.MethodGet, "/kernel/audit/does-not-exist", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignIsIdempotentAcrossRetries(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	body := map[string]interface{}{"manifest": map[string]interface{}{"id": "m1"}}
	rec1 := doJSON(t, h, http.MethodPost, "/kernel/sign", body, "k-sign-1")
	require.Equal(t, http.StatusOK, rec1.Code)

	rec2 := doJSON(t, h, http.MethodPost, "/kernel/sign", body, "k-sign-1")
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, rec1.Body.String(), rec2.Body.String())

	sigs, err := s.ManifestReg.List(context.Background(), "m1")
	require.NoError(t, err)
	assert.Len(t, sigs, 1)
}

func TestSignRequiresIdempotencyKey(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	rec := doJSON(t, h, http.MethodPost, "/kernel/sign",
		map[string]interface{}{"manifest": map[string]interface{}{"id": "m1"}}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSignRejectsUnknownFields(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	body := map[string]interface{}{"manifest": map[string]interface{}{"id": "m-bad"}, "bogus": "field"}
	rec := doJSON(t, h, http.MethodPost, "/kernel/sign", body, "k-sign-bad")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDivisionRouteCreatesSignsAndAudits(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()

	rec := doJSON(t, h, http.MethodPost, "/kernel/division",
		map[string]interface{}{"id": "div-1", "name": "platform"}, "k-div-1")
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp domainResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "div-1", resp.ID)
	require.NotNil(t, resp.ManifestSignature)
	assert.NotEmpty(t, resp.ManifestSignature.ID)

	rec = doJSON(t, h, http.MethodGet, "/kernel/audit/does-not-exist", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code) // sanity: audit store reachable
}

func TestDivisionRouteRejectsMissingID(t *testing.T) {
	s := newTestServer(t)
	h := s.Handler()
	rec := doJSON(t, h, http.MethodPost, "/kernel/division", map[string]interface{}{"name": "no id"}, "k-div-bad")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpgradeFlowThroughHTTP(t *testing.T) {
	approver := mustApprover(t, "approver-1")
	registry, err := crypto.ParseRegistry(mustMarshalRegistry(t, approver))
	require.NoError(t, err)

	s := newTestServer(t)
	s.UpgradeEngine = upgrade.NewEngine(s.AuditStore, s.ManifestReg, s.Signer, registry)
	h := s.Handler()

	submitBody := map[string]interface{}{
		"manifest":          map[string]interface{}{"id": "upg-1"},
		"approverSet":       []string{approver.id},
		"requiredApprovals": 1,
		"submittedBy":       "operator-1",
	}
	rec := doJSON(t, h, http.MethodPost, "/kernel/upgrade", submitBody, "k-upgrade-submit")
	require.Equal(t, http.StatusCreated, rec.Code)

	var submitted upgrade.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	sigB64 := approver.sign(t, map[string]interface{}{"id": "upg-1"})
	approveBody := map[string]interface{}{"approverId": approver.id, "signature": sigB64}
	rec = doJSON(t, h, http.MethodPost, "/kernel/upgrade/"+submitted.UpgradeID+"/approve", approveBody, "k-upgrade-approve")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/kernel/upgrade/"+submitted.UpgradeID+"/apply", nil, "k-upgrade-apply")
	require.Equal(t, http.StatusOK, rec.Code)

	var applied upgrade.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &applied))
	assert.Equal(t, upgrade.StatusApplied, applied.Status)
}

func TestUpgradeApplyInsufficientQuorumReturnsDetail(t *testing.T) {
	approver1 := mustApprover(t, "a1")
	approver2 := mustApprover(t, "a2")
	registry, err := crypto.ParseRegistry(mustMarshalRegistry(t, approver1, approver2))
	require.NoError(t, err)

	s := newTestServer(t)
	s.UpgradeEngine = upgrade.NewEngine(s.AuditStore, s.ManifestReg, s.Signer, registry)
	h := s.Handler()

	submitBody := map[string]interface{}{
		"manifest":          map[string]interface{}{"id": "upg-2"},
		"approverSet":       []string{approver1.id, approver2.id},
		"requiredApprovals": 2,
	}
	rec := doJSON(t, h, http.MethodPost, "/kernel/upgrade", submitBody, "k-upgrade-submit-2")
	require.Equal(t, http.StatusCreated, rec.Code)
	var submitted upgrade.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = doJSON(t, h, http.MethodPost, "/kernel/upgrade/"+submitted.UpgradeID+"/apply", nil, "k-upgrade-apply-2")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var errBody map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errBody))
	assert.Equal(t, "insufficient_quorum", errBody["error"])
	assert.EqualValues(t, 0, errBody["approvals"])
	assert.EqualValues(t, 2, errBody["required"])

	// Apply still leaves the request pending — rejection requires the
	// explicit reject route.
	rec = doJSON(t, h, http.MethodPost, "/kernel/upgrade/"+submitted.UpgradeID+"/reject", map[string]interface{}{
		"rejectedBy": "security-lead",
		"reason":     "insufficient approvals before deadline",
	}, "k-upgrade-reject-2")
	require.Equal(t, http.StatusOK, rec.Code)

	var rejected upgrade.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rejected))
	assert.Equal(t, upgrade.StatusRejected, rejected.Status)

	rec = doJSON(t, h, http.MethodPost, "/kernel/upgrade/"+submitted.UpgradeID+"/apply", nil, "k-upgrade-apply-3")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUpgradeRejectUnknownFieldRejected(t *testing.T) {
	approver := mustApprover(t, "approver-unknown")
	registry, err := crypto.ParseRegistry(mustMarshalRegistry(t, approver))
	require.NoError(t, err)

	s := newTestServer(t)
	s.UpgradeEngine = upgrade.NewEngine(s.AuditStore, s.ManifestReg, s.Signer, registry)
	h := s.Handler()

	submitBody := map[string]interface{}{
		"manifest":          map[string]interface{}{"id": "upg-3"},
		"approverSet":       []string{approver.id},
		"requiredApprovals": 1,
	}
	rec := doJSON(t, h, http.MethodPost, "/kernel/upgrade", submitBody, "k-upgrade-submit-3")
	require.Equal(t, http.StatusCreated, rec.Code)
	var submitted upgrade.Request
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &submitted))

	rec = doJSON(t, h, http.MethodPost, "/kernel/upgrade/"+submitted.UpgradeID+"/reject", map[string]interface{}{
		"rejectedBy": "security-lead",
		"reason":     "test",
		"bogus":      "field",
	}, "k-upgrade-reject-3")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
