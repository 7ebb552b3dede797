package api

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mindburn-Labs/kernel/pkg/audit"
	"github.com/Mindburn-Labs/kernel/pkg/crypto"
	"github.com/Mindburn-Labs/kernel/pkg/domain"
	"github.com/Mindburn-Labs/kernel/pkg/idempotency"
	"github.com/Mindburn-Labs/kernel/pkg/manifest"
	"github.com/Mindburn-Labs/kernel/pkg/schema"
	"github.com/Mindburn-Labs/kernel/pkg/upgrade"
)

// Server holds the components the Kernel Orchestrator's HTTP surface binds
// together. It is assembled once at process startup by cmd/kernel and
// exposes a single http.Handler via Handler().
type Server struct {
	Signer         crypto.Signer
	AuditStore     audit.Store
	ManifestReg    manifest.Registry
	DomainStore    domain.Store
	UpgradeEngine  *upgrade.Engine
	Validator      *schema.Validator
	IdempotencyDB  idempotency.Store
	ResponseCache  *idempotency.ResponseCache
	RateLimiter    *PrincipalRateLimiter
	DevAuth        func(http.Handler) http.Handler // nil in production
	IdempotencyTTL time.Duration
	BodyLimit      int
	Tracer         trace.Tracer // nil disables per-request spans
}

// Handler builds the full Kernel HTTP surface: routing, then the shared
// middleware chain (auth -> rate limit -> idempotency), applied to every
// route; the idempotency middleware acts only on POST and passes the GET
// routes through untouched.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	mux.HandleFunc("POST /kernel/sign", s.handleSign)
	mux.HandleFunc("POST /kernel/audit", s.handleAuditAppend)
	mux.HandleFunc("GET /kernel/audit/{id}", s.handleAuditGet)

	mux.HandleFunc("POST /kernel/division", s.handleDomain(domain.KindDivision))
	mux.HandleFunc("POST /kernel/agent", s.handleDomain(domain.KindAgent))
	mux.HandleFunc("POST /kernel/allocate", s.handleDomain(domain.KindAllocate))
	mux.HandleFunc("POST /kernel/eval", s.handleDomain(domain.KindEval))

	mux.HandleFunc("GET /kernel/reason/{node}", s.handleReasonPassthrough)

	mux.HandleFunc("POST /kernel/upgrade", s.handleUpgradeSubmit)
	mux.HandleFunc("POST /kernel/upgrade/{id}/approve", s.handleUpgradeApprove)
	mux.HandleFunc("POST /kernel/upgrade/{id}/apply", s.handleUpgradeApply)
	mux.HandleFunc("POST /kernel/upgrade/{id}/reject", s.handleUpgradeReject)

	var handler http.Handler = mux
	handler = idempotency.Middleware(s.IdempotencyDB, s.ResponseCache, s.IdempotencyTTL, s.BodyLimit)(handler)
	if s.RateLimiter != nil {
		handler = s.RateLimiter.Middleware(handler)
	}
	if s.DevAuth != nil {
		handler = s.DevAuth(handler)
	}
	handler = withRequestLimit(handler, s.BodyLimit)
	return s.withRequestSpan(handler)
}

// withRequestSpan wraps next in a span covering the full request, derived
// from the request-scoped context every downstream DB/signer call already
// carries its deadline from (§5's cancellation model). A nil Tracer is a
// no-op, so Lite Mode and tests that build a bare Server incur no tracing
// overhead.
func (s *Server) withRequestSpan(next http.Handler) http.Handler {
	if s.Tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.Tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		defer span.End()
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withRequestLimit caps the size of every inbound request body, independent
// of the idempotency layer's response-body cap, so an oversized request
// never reaches a JSON decoder.
func withRequestLimit(next http.Handler, limit int) http.Handler {
	if limit <= 0 {
		limit = idempotency.DefaultBodyLimit
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, int64(limit))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if err := s.AuditStore.Ping(ctx); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "not_ready")
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReasonPassthrough(w http.ResponseWriter, _ *http.Request) {
	// The reasoning graph lives outside Kernel's core; this route exists
	// only so callers have one stable place to ask for it.
	WriteError(w, http.StatusNotImplemented, "reasoning_graph_not_configured")
}
