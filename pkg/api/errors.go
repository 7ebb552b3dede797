// Package api implements the Kernel Orchestrator's HTTP surface: the thin
// coordination layer binding the canonicalizer, signer, audit store,
// manifest registry, idempotency layer, and upgrade quorum engine into the
// documented operation contracts.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// errorBody is Kernel's error response shape: a single machine-readable
// code, deliberately flatter than a full RFC 7807 problem document since
// every caller of this API is another internal service, not a browser.
type errorBody struct {
	Error string `json:"error"`
}

// WriteError writes {"error": code} with the given HTTP status.
func WriteError(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code})
}

// WriteErrorDetail writes {"error": code, ...detail} by merging an arbitrary
// detail payload alongside the error code, for responses such as
// insufficient_quorum that carry structured context.
func WriteErrorDetail(w http.ResponseWriter, status int, code string, detail interface{}) {
	merged := map[string]interface{}{"error": code}
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err == nil {
			var m map[string]interface{}
			if json.Unmarshal(raw, &m) == nil {
				for k, v := range m {
					merged[k] = v
				}
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(merged)
}

func WriteBadRequest(w http.ResponseWriter, code string) {
	WriteError(w, http.StatusBadRequest, code)
}

func WriteNotFound(w http.ResponseWriter, code string) {
	WriteError(w, http.StatusNotFound, code)
}

func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed")
}

func WriteConflict(w http.ResponseWriter, code string) {
	WriteError(w, http.StatusConflict, code)
}

func WritePreconditionFailed(w http.ResponseWriter, code string) {
	WriteError(w, http.StatusPreconditionFailed, code)
}

func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "rate_limited")
}

// WriteInternal logs err internally and returns a generic 500; err's
// contents are never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "internal_error")
}
