package crypto

import (
	"crypto/tls"
	"fmt"
	"time"
)

// SelectConfig carries the subset of Kernel configuration needed to choose
// and construct the active Signer variant at startup.
type SelectConfig struct {
	RequireSigningProxy bool
	KMSEndpoint         string
	KMSAPIKey           string
	KMSTimeoutMS        int
	ClientCert          *tls.Certificate // optional mTLS client cert for the KMS proxy
	LocalSignerKeyB64   string
	DevHMACSecret       string
}

// Select constructs the Signer variant dictated by cfg, enforcing the
// fail-closed policy: when RequireSigningProxy is set, only a successfully
// constructed KMSProxySigner is acceptable — any other configuration raises
// ErrSignerUnavailable rather than silently falling back.
func Select(cfg SelectConfig) (Signer, error) {
	kmsCfg := KMSProxyConfig{
		Endpoint: cfg.KMSEndpoint,
		APIKey:   cfg.KMSAPIKey,
		Timeout:  time.Duration(cfg.KMSTimeoutMS) * time.Millisecond,
	}
	if cfg.ClientCert != nil {
		kmsCfg.ClientCert = *cfg.ClientCert
		kmsCfg.HasMTLS = true
	}

	if cfg.RequireSigningProxy {
		if cfg.KMSEndpoint == "" {
			return nil, fmt.Errorf("%w: REQUIRE_SIGNING_PROXY=1 but no KMS endpoint configured", ErrSignerUnavailable)
		}
		signer, err := NewKMSProxySigner(kmsCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
		}
		return signer, nil
	}

	if cfg.KMSEndpoint != "" {
		return NewKMSProxySigner(kmsCfg)
	}

	if cfg.LocalSignerKeyB64 != "" {
		return NewLocalEd25519Signer(cfg.LocalSignerKeyB64)
	}

	if cfg.DevHMACSecret != "" {
		return NewHMACDevSigner(cfg.DevHMACSecret), nil
	}

	return NewLocalEd25519SignerGenerated()
}

