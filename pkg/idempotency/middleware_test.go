package idempotency

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEchoHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
}

func TestMiddlewareRequiresIdempotencyKeyOnPost(t *testing.T) {
	store := NewMemoryStore()
	handlerCalls := 0
	mw := Middleware(store, nil, 0, 0)(newEchoHandler(&handlerCalls))

	req := httptest.NewRequest(http.MethodPost, "/kernel/audit", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, handlerCalls)
	assert.Contains(t, rec.Body.String(), "idempotency_key_required")
}

func TestMiddlewareReplaysIdenticalRetry(t *testing.T) {
	store := NewMemoryStore()
	handlerCalls := 0
	mw := Middleware(store, nil, 0, 0)(newEchoHandler(&handlerCalls))

	body := `{"eventType":"foo"}`

	req1 := httptest.NewRequest(http.MethodPost, "/kernel/audit", strings.NewReader(body))
	req1.Header.Set("Idempotency-Key", "key-1")
	rec1 := httptest.NewRecorder()
	mw.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusCreated, rec1.Code)
	require.Equal(t, 1, handlerCalls)

	req2 := httptest.NewRequest(http.MethodPost, "/kernel/audit", strings.NewReader(body))
	req2.Header.Set("Idempotency-Key", "key-1")
	rec2 := httptest.NewRecorder()
	mw.ServeHTTP(rec2, req2)

	assert.Equal(t, http.StatusCreated, rec2.Code)
	assert.Equal(t, rec1.Body.String(), rec2.Body.String())
	assert.Equal(t, 1, handlerCalls, "handler must not run twice for a replayed key")
}

func TestMiddlewareRejectsConflictingRetry(t *testing.T) {
	store := NewMemoryStore()
	handlerCalls := 0
	mw := Middleware(store, nil, 0, 0)(newEchoHandler(&handlerCalls))

	req1 := httptest.NewRequest(http.MethodPost, "/kernel/audit", strings.NewReader(`{"eventType":"foo"}`))
	req1.Header.Set("Idempotency-Key", "key-2")
	rec1 := httptest.NewRecorder()
	mw.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusCreated, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/kernel/audit", strings.NewReader(`{"eventType":"bar"}`))
	req2.Header.Set("Idempotency-Key", "key-2")
	rec2 := httptest.NewRecorder()
	mw.ServeHTTP(rec2, req2)

	assert.Equal(t, http.StatusPreconditionFailed, rec2.Code)
	assert.Contains(t, rec2.Body.String(), "idempotency_key_conflict")
	assert.Equal(t, 1, handlerCalls, "handler must not run for a conflicting key")
}

func TestMiddlewareRejectsOversizedResponse(t *testing.T) {
	store := NewMemoryStore()
	bigHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(bytes.Repeat([]byte("a"), 64))
	})
	mw := Middleware(store, nil, 0, 16)(bigHandler)

	req := httptest.NewRequest(http.MethodPost, "/kernel/audit", strings.NewReader(`{}`))
	req.Header.Set("Idempotency-Key", "key-3")
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Contains(t, rec.Body.String(), "idempotency_response_too_large")
}

func TestMiddlewarePassesThroughNonPostMethods(t *testing.T) {
	store := NewMemoryStore()
	handlerCalls := 0
	mw := Middleware(store, nil, 0, 0)(newEchoHandler(&handlerCalls))

	req := httptest.NewRequest(http.MethodGet, "/kernel/audit/abc", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, handlerCalls)
}

func TestMiddlewareDoesNotCacheErrorResponses(t *testing.T) {
	store := NewMemoryStore()
	calls := 0
	errHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"boom"}`))
	})
	mw := Middleware(store, nil, 0, 0)(errHandler)

	body := `{"eventType":"foo"}`
	req1 := httptest.NewRequest(http.MethodPost, "/kernel/audit", strings.NewReader(body))
	req1.Header.Set("Idempotency-Key", "key-4")
	rec1 := httptest.NewRecorder()
	mw.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusInternalServerError, rec1.Code)
	require.Equal(t, 1, calls)

	// A retry with an uncompleted reservation can't be replayed; the server
	// surfaces it as in-flight rather than silently retrying the handler.
	req2 := httptest.NewRequest(http.MethodPost, "/kernel/audit", strings.NewReader(body))
	req2.Header.Set("Idempotency-Key", "key-4")
	rec2 := httptest.NewRecorder()
	mw.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusConflict, rec2.Code)
	assert.Equal(t, 1, calls)
}
