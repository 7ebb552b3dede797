// Package crypto provides the Signer capability abstraction: production
// code signs through a KMS/HSM proxy, local development signs with an
// in-process Ed25519 key, and an HMAC variant exists purely as a last-resort
// dev fallback that production deployments must refuse.
package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrSignerUnavailable is returned when a Signer cannot produce a signature
// and no fallback is permitted. Callers in fail-closed mode must treat this
// as fatal for the request.
var ErrSignerUnavailable = errors.New("crypto: signer unavailable")

// Signer produces and verifies signatures over arbitrary byte payloads. It
// is the sole capability abstraction Kernel signs through; callers never
// touch key material directly.
type Signer interface {
	// Sign returns an encoded signature over payload and the signerId that
	// produced it: base64 for the KMS proxy and Ed25519 variants, hex for
	// HMACDevSigner.
	Sign(ctx context.Context, payload []byte) (signatureB64 string, signerID string, err error)
	// Verify reports whether signatureB64 is a valid signature over payload
	// under signerID's key.
	Verify(ctx context.Context, payload []byte, signatureB64 string, signerID string) (bool, error)
}

// LocalEd25519Signer signs with an in-process Ed25519 key. signerID is
// derived from the public key so that rotated keys never collide.
type LocalEd25519Signer struct {
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	signerID string
}

// NewLocalEd25519Signer constructs a signer from a base64-encoded seed or
// full private key (32 or 64 raw bytes once decoded).
func NewLocalEd25519Signer(privKeyB64 string) (*LocalEd25519Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(privKeyB64)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode local signer key: %w", err)
	}

	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("crypto: local signer key must be %d or %d bytes, got %d",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}

	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, errors.New("crypto: derived public key has unexpected type")
	}

	return &LocalEd25519Signer{
		priv:     priv,
		pub:      pub,
		signerID: localSignerID(pub),
	}, nil
}

// NewLocalEd25519SignerGenerated creates a signer with a freshly generated
// key pair, used by the dev bootstrap path when no key is configured.
func NewLocalEd25519SignerGenerated() (*LocalEd25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate local signer key: %w", err)
	}
	return &LocalEd25519Signer{priv: priv, pub: pub, signerID: localSignerID(pub)}, nil
}

func localSignerID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "local-ed25519:" + hex.EncodeToString(sum[:4])
}

// DecodeSignature base64-decodes a signature produced by an Ed25519-backed
// Signer, for callers (such as the upgrade quorum engine) that verify
// directly against a Registry entry rather than through a Signer.
func DecodeSignature(sigB64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode signature: %w", err)
	}
	return raw, nil
}

// PublicKey returns the raw Ed25519 public key bytes.
func (s *LocalEd25519Signer) PublicKey() ed25519.PublicKey { return s.pub }

// SignerID returns the stable identifier for this signer's active key.
func (s *LocalEd25519Signer) SignerID() string { return s.signerID }

func (s *LocalEd25519Signer) Sign(_ context.Context, payload []byte) (string, string, error) {
	sig := ed25519.Sign(s.priv, payload)
	return base64.StdEncoding.EncodeToString(sig), s.signerID, nil
}

func (s *LocalEd25519Signer) Verify(_ context.Context, payload []byte, signatureB64 string, signerID string) (bool, error) {
	if signerID != s.signerID {
		return false, nil
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false, fmt.Errorf("crypto: decode signature: %w", err)
	}
	return ed25519.Verify(s.pub, payload, sig), nil
}

// HMACDevSigner is a deterministic HMAC-SHA256 "signer" for local
// development only. It must never be selected when REQUIRE_SIGNING_PROXY is
// set; the Kernel orchestrator enforces that guard, not this type.
type HMACDevSigner struct {
	secret   []byte
	signerID string
}

// NewHMACDevSigner constructs an HMAC dev-fallback signer keyed by secret.
func NewHMACDevSigner(secret string) *HMACDevSigner {
	sum := sha256.Sum256([]byte(secret))
	return &HMACDevSigner{
		secret:   []byte(secret),
		signerID: "hmac-dev:" + hex.EncodeToString(sum[:4]),
	}
}

func (s *HMACDevSigner) Sign(_ context.Context, payload []byte) (string, string, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), s.signerID, nil
}

func (s *HMACDevSigner) Verify(_ context.Context, payload []byte, signatureHex string, signerID string) (bool, error) {
	if signerID != s.signerID {
		return false, nil
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHex)), nil
}
