package idempotency

import (
	"bytes"
	"io"
	"net/http"
	"time"
)

// responseCapture wraps http.ResponseWriter and buffers a handler's status
// and body, so the middleware can decide what reaches the client before
// anything is written to it. Header() still reaches the wrapped writer.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	return rc.body.Write(b)
}

// Middleware enforces Kernel's idempotency contract on mutating requests:
//   - Idempotency-Key is required on POST; its absence is 400.
//   - A new key reserves a row and the wrapped handler runs.
//   - An existing key with a matching request fingerprint replays the
//     cached response.
//   - An existing key with a different fingerprint is rejected with 412.
//   - A successful response exceeding bodyLimit is not cached; the client
//     instead receives 413.
func Middleware(store Store, cache *ResponseCache, ttl time.Duration, bodyLimit int) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if bodyLimit <= 0 {
		bodyLimit = DefaultBodyLimit
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("Idempotency-Key")
			if key == "" {
				writeJSONError(w, http.StatusBadRequest, "idempotency_key_required")
				return
			}

			rawBody, err := io.ReadAll(r.Body)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request_body")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(rawBody))

			requestHash, err := RequestHashBytes(r.Method, r.URL.Path, rawBody)
			if err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid_request_body")
				return
			}

			existing, found, err := store.Begin(r.Context(), key, r.Method, r.URL.Path, requestHash, ttl)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "idempotency_store_unavailable")
				return
			}

			if found {
				if existing.RequestHash != requestHash {
					writeJSONError(w, http.StatusPreconditionFailed, "idempotency_key_conflict")
					return
				}
				if existing.ResponseStatus != 0 {
					replay(w, existing)
					return
				}
				// Reserved by a concurrent request but not yet completed;
				// the caller has nothing authoritative to replay yet.
				writeJSONError(w, http.StatusConflict, "idempotency_key_in_flight")
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			success := capture.statusCode >= 200 && capture.statusCode < 300
			if success && capture.body.Len() > bodyLimit {
				writeJSONError(w, http.StatusRequestEntityTooLarge, "idempotency_response_too_large")
				return
			}
			w.WriteHeader(capture.statusCode)
			_, _ = w.Write(capture.body.Bytes())
			if !success {
				return
			}

			if err := store.Complete(r.Context(), key, capture.statusCode, capture.body.Bytes()); err == nil && cache != nil {
				cache.Set(r.Context(), key, capture.statusCode, capture.body.Bytes())
			}
		})
	}
}

func replay(w http.ResponseWriter, r *Record) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(r.ResponseStatus)
	_, _ = w.Write(r.ResponseBody)
}

func writeJSONError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + code + `"}`))
}
