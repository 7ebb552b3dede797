package audit

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/Mindburn-Labs/kernel/pkg/canonicalize"
)

// computeChainHash implements the one hashing rule every Store
// implementation and the offline verifier must agree on:
//
//	hash = hex(SHA256(canonicalPayload ‖ hexdecode(prevHash)))
//
// prevHash is empty at genesis, in which case nothing is appended.
func computeChainHash(canonicalPayload []byte, prevHash string) (string, error) {
	h := sha256.New()
	h.Write(canonicalPayload)
	if prevHash != "" {
		prev, err := hex.DecodeString(prevHash)
		if err != nil {
			return "", err
		}
		h.Write(prev)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// CanonicalPayload canonicalizes v using the shared canonicalizer, the
// single cross-language contract every Kernel signature and hash payload is
// computed over.
func CanonicalPayload(v interface{}) ([]byte, error) {
	return canonicalize.Canonicalize(v)
}

// ComputeChainHash exports computeChainHash for the verifier package, which
// must recompute this exact function to replay the chain offline.
func ComputeChainHash(canonicalPayload []byte, prevHash string) (string, error) {
	return computeChainHash(canonicalPayload, prevHash)
}
