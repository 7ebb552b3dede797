package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Mindburn-Labs/kernel/pkg/auth"
)

func TestPrincipalRateLimiterAllowsBurstThenBlocks(t *testing.T) {
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	})

	rl := NewPrincipalRateLimiter(1, 2)
	wrapped := rl.Middleware(handler)

	ctx := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{ID: "svc-a"})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/kernel/audit/x", nil).WithContext(ctx)
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/kernel/audit/x", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, 2, calls)
}

func TestPrincipalRateLimiterIsolatesPerPrincipal(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rl := NewPrincipalRateLimiter(1, 1)
	wrapped := rl.Middleware(handler)

	ctxA := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{ID: "svc-a"})
	ctxB := auth.WithPrincipal(context.Background(), &auth.BasePrincipal{ID: "svc-b"})

	reqA := httptest.NewRequest(http.MethodGet, "/kernel/audit/x", nil).WithContext(ctxA)
	recA := httptest.NewRecorder()
	wrapped.ServeHTTP(recA, reqA)
	assert.Equal(t, http.StatusOK, recA.Code)

	reqB := httptest.NewRequest(http.MethodGet, "/kernel/audit/x", nil).WithContext(ctxB)
	recB := httptest.NewRecorder()
	wrapped.ServeHTTP(recB, reqB)
	assert.Equal(t, http.StatusOK, recB.Code, "a distinct principal must not be throttled by svc-a's budget")
}
