// Package verifier implements the offline Audit Verifier described in
// spec §4.8: given a signer registry and a full stream of audit events, it
// replays the hash chain and re-verifies every signature without touching
// a live Signer, a KMS proxy, or the network at all.
package verifier

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/kernel/pkg/audit"
	"github.com/Mindburn-Labs/kernel/pkg/canonicalize"
	kernelcrypto "github.com/Mindburn-Labs/kernel/pkg/crypto"
)

// Event is the minimal row shape the verifier replays. It mirrors
// audit.Event but is independent of that package so this tool carries zero
// dependency on the live server's write path.
type Event struct {
	ID        string
	EventType string
	Payload   json.RawMessage
	Timestamp string
	PrevHash  string
	Hash      string
	Signature string
	SignerID  string
}

// CheckResult is one named pass/fail verification step, reported back to
// the caller for both human and machine-readable (--json) output.
type CheckResult struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

// Report is the outcome of verifying an entire chain.
type Report struct {
	Verified  bool          `json:"verified"`
	HeadHash  string        `json:"headHash"`
	EventsOK  int           `json:"eventsVerified"`
	Checks    []CheckResult `json:"checks"`
	FirstFail string        `json:"firstFail,omitempty"`
}

// FetchEvents reads every audit event from db ordered by ts ascending. The
// Postgres and SQLite audit_events schemas both carry every column this
// query reads, so one query serves both.
func FetchEvents(ctx context.Context, db *sql.DB) ([]Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, event_type, payload, ts, prev_hash, hash, signature, signer_id
		FROM audit_events ORDER BY ts ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("verifier: query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []Event
	for rows.Next() {
		var e Event
		var payload []byte
		var ts interface{}
		if err := rows.Scan(&e.ID, &e.EventType, &payload, &ts, &e.PrevHash, &e.Hash, &e.Signature, &e.SignerID); err != nil {
			return nil, fmt.Errorf("verifier: scan event: %w", err)
		}
		e.Payload = payload
		e.Timestamp = formatTimestamp(ts)
		events = append(events, e)
	}
	return events, rows.Err()
}

// formatTimestamp normalizes the ts column, which the Postgres driver
// returns as time.Time and the SQLite driver returns as a string or byte
// slice (the column is stored as TEXT there).
func formatTimestamp(v interface{}) string {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case []byte:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func canonicalizePayload(raw json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return canonicalize.Canonicalize(v)
}

// VerifyChain replays events in order, checking the hash chain and every
// signature against registry. It stops at the first failed check, whether
// prevHash, hash or signature, and scans no further events, since every
// later hash depends on the one that failed.
func VerifyChain(events []Event, registry *kernelcrypto.Registry) *Report {
	report := &Report{Verified: true}

	prevHash := ""
	for i, e := range events {
		label := fmt.Sprintf("event[%d]:%s", i, e.ID)

		if e.PrevHash != prevHash {
			report.Checks = append(report.Checks, CheckResult{
				Name: label + ":prevHash", Pass: false,
				Reason: fmt.Sprintf("expected prevHash %q, got %q", prevHash, e.PrevHash),
			})
			report.Verified = false
			if report.FirstFail == "" {
				report.FirstFail = label + ":prevHash"
			}
			break
		}

		canonicalPayload, err := canonicalizePayload(e.Payload)
		if err != nil {
			report.Checks = append(report.Checks, CheckResult{Name: label + ":canonicalize", Pass: false, Reason: err.Error()})
			report.Verified = false
			if report.FirstFail == "" {
				report.FirstFail = label + ":canonicalize"
			}
			break
		}

		wantHash, err := audit.ComputeChainHash(canonicalPayload, e.PrevHash)
		if err != nil {
			report.Checks = append(report.Checks, CheckResult{Name: label + ":hash", Pass: false, Reason: err.Error()})
			report.Verified = false
			if report.FirstFail == "" {
				report.FirstFail = label + ":hash"
			}
			break
		}
		if wantHash != e.Hash {
			report.Checks = append(report.Checks, CheckResult{
				Name: label + ":hash", Pass: false,
				Reason: fmt.Sprintf("expected hash %q, computed %q", e.Hash, wantHash),
			})
			report.Verified = false
			if report.FirstFail == "" {
				report.FirstFail = label + ":hash"
			}
			break
		}
		report.Checks = append(report.Checks, CheckResult{Name: label + ":hash", Pass: true})

		sigErr := verifySignature(registry, e, canonicalPayload)
		if sigErr != nil {
			report.Checks = append(report.Checks, CheckResult{Name: label + ":signature", Pass: false, Reason: sigErr.Error()})
			report.Verified = false
			if report.FirstFail == "" {
				report.FirstFail = label + ":signature"
			}
			break
		}
		report.Checks = append(report.Checks, CheckResult{Name: label + ":signature", Pass: true})

		report.EventsOK++
		prevHash = e.Hash
		report.HeadHash = e.Hash
	}

	return report
}

func verifySignature(registry *kernelcrypto.Registry, e Event, canonicalPayload []byte) error {
	entry, ok := registry.Resolve(e.SignerID)
	if !ok {
		return fmt.Errorf("no registered key for signer %q", e.SignerID)
	}

	sig, err := kernelcrypto.DecodeSignature(e.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}

	switch entry.Algorithm {
	case kernelcrypto.AlgorithmEd25519:
		pub, ok := entry.PublicKey.(ed25519.PublicKey)
		if !ok {
			return fmt.Errorf("signer %q: registry key is not ed25519", e.SignerID)
		}
		// Ed25519 signatures are checked over the hash's hex string
		// bytes, not the decoded digest; see audit.Store.Append.
		if !ed25519.Verify(pub, []byte(e.Hash), sig) {
			return fmt.Errorf("signer %q: ed25519 signature does not verify", e.SignerID)
		}
		return nil
	case kernelcrypto.AlgorithmRSA_SHA256:
		pub, ok := entry.PublicKey.(*rsa.PublicKey)
		if !ok {
			return fmt.Errorf("signer %q: registry key is not rsa", e.SignerID)
		}
		prevHashBytes, err := decodePrevHash(e.PrevHash)
		if err != nil {
			return err
		}
		signedOver := append(append([]byte{}, canonicalPayload...), prevHashBytes...)
		digest := sha256.Sum256(signedOver)
		if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil); err == nil {
			return nil
		}
		if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err == nil {
			return nil
		}
		return fmt.Errorf("signer %q: rsa signature does not verify (tried PSS and PKCS1v15)", e.SignerID)
	default:
		return fmt.Errorf("signer %q: unsupported algorithm %q", e.SignerID, entry.Algorithm)
	}
}

func decodePrevHash(prevHash string) ([]byte, error) {
	if prevHash == "" {
		return nil, nil
	}
	return hex.DecodeString(prevHash)
}
