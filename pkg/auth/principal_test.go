package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithPrincipalRoundTrips(t *testing.T) {
	p := &BasePrincipal{ID: "svc-a", Roles: []string{"operator"}}
	ctx := WithPrincipal(context.Background(), p)

	got, err := GetPrincipal(ctx)
	require.NoError(t, err)
	assert.Equal(t, "svc-a", got.GetID())
	assert.True(t, got.HasRole("operator"))
	assert.False(t, got.HasRole("admin"))
}

func TestGetPrincipalMissingReturnsError(t *testing.T) {
	_, err := GetPrincipal(context.Background())
	assert.ErrorIs(t, err, ErrNoPrincipal)
}

func TestMustGetPrincipalPanicsWhenMissing(t *testing.T) {
	assert.Panics(t, func() {
		MustGetPrincipal(context.Background())
	})
}

func TestDevMiddlewareRefusedWhenSigningProxyRequired(t *testing.T) {
	_, err := DevMiddleware(true)
	assert.ErrorIs(t, err, ErrDevAuthDisabled)
}

func TestDevMiddlewareDerivesPrincipalFromHeader(t *testing.T) {
	mw, err := DevMiddleware(false)
	require.NoError(t, err)

	var captured Principal
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = GetPrincipal(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/kernel/audit/x", nil)
	req.Header.Set(DevPrincipalHeader, "ops-1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotNil(t, captured)
	assert.Equal(t, "ops-1", captured.GetID())
}

func TestDevMiddlewareDefaultsToAnonymous(t *testing.T) {
	mw, err := DevMiddleware(false)
	require.NoError(t, err)

	var captured Principal
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = GetPrincipal(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/kernel/audit/x", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.NotNil(t, captured)
	assert.Equal(t, "dev-anonymous", captured.GetID())
}
