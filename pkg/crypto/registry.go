package crypto

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
)

// Algorithm identifies the signature scheme a registry entry was signed
// under.
type Algorithm string

const (
	AlgorithmEd25519  Algorithm = "Ed25519"
	AlgorithmRSA_SHA256 Algorithm = "RSA-SHA256"
)

// RegistryEntry is one externally-managed verification key, keyed by
// signerId. The Verifier reads signer keys from it; the live server uses
// the same type only for the upgrade engine's approver keys.
type RegistryEntry struct {
	SignerID  string
	PublicKey interface{} // ed25519.PublicKey or *rsa.PublicKey
	Algorithm Algorithm
}

// Registry resolves signerId to its active verification key.
type Registry struct {
	entries map[string]RegistryEntry
}

type rawEntry struct {
	PublicKey string `json:"publicKey"`
	Algorithm string `json:"algorithm"`
}

// LoadRegistryFile loads a signer registry from disk. The file is a JSON
// object mapping signerId to {publicKey, algorithm}. publicKey accepts PEM,
// base64 PKIX DER, or a raw 32-byte Ed25519 base64 key (used directly as an
// ed25519.PublicKey, the same value PKIX parsing yields); algorithm is
// Ed25519 whenever a raw 32-byte key is detected.
func LoadRegistryFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read signer registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry parses a signer registry document from raw JSON bytes.
func ParseRegistry(data []byte) (*Registry, error) {
	var raw map[string]rawEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("crypto: parse signer registry: %w", err)
	}

	reg := &Registry{entries: make(map[string]RegistryEntry, len(raw))}
	for signerID, re := range raw {
		pub, alg, err := decodePublicKey(re.PublicKey, re.Algorithm)
		if err != nil {
			return nil, fmt.Errorf("crypto: signer %q: %w", signerID, err)
		}
		reg.entries[signerID] = RegistryEntry{SignerID: signerID, PublicKey: pub, Algorithm: alg}
	}
	return reg, nil
}

// Resolve returns the registry entry for signerID, or false if unknown.
func (r *Registry) Resolve(signerID string) (RegistryEntry, bool) {
	e, ok := r.entries[signerID]
	return e, ok
}

func decodePublicKey(keyMaterial string, algorithmHint string) (interface{}, Algorithm, error) {
	// PEM form.
	if block, _ := pem.Decode([]byte(keyMaterial)); block != nil {
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, "", fmt.Errorf("parse PEM public key: %w", err)
		}
		return pub, algorithmFromKey(pub, algorithmHint), nil
	}

	raw, err := base64.StdEncoding.DecodeString(keyMaterial)
	if err != nil {
		return nil, "", fmt.Errorf("decode base64 public key: %w", err)
	}

	// Raw 32-byte Ed25519 key: returned as the same ed25519.PublicKey type
	// the PEM and DER paths produce, so downstream handling is uniform
	// regardless of source encoding.
	if len(raw) == ed25519.PublicKeySize {
		return ed25519.PublicKey(raw), AlgorithmEd25519, nil
	}

	// PKIX DER.
	pub, err := x509.ParsePKIXPublicKey(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse DER public key: %w", err)
	}
	return pub, algorithmFromKey(pub, algorithmHint), nil
}

func algorithmFromKey(pub interface{}, hint string) Algorithm {
	if hint != "" {
		return Algorithm(hint)
	}
	switch pub.(type) {
	case ed25519.PublicKey:
		return AlgorithmEd25519
	default:
		return AlgorithmRSA_SHA256
	}
}
