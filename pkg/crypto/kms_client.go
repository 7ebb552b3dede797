package crypto

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// KMSProxySigner signs and verifies by delegating to an external KMS/HSM
// HTTP proxy. It performs a single retry with a deterministic jittered
// backoff on transport errors or 5xx responses; any other failure mode
// (4xx, malformed response body) is returned immediately without retry.
type KMSProxySigner struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// KMSProxyConfig configures the KMS proxy HTTP client, including optional
// mTLS material.
type KMSProxyConfig struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	ClientCert tls.Certificate
	HasMTLS    bool
	CACertPool *tls.Config
}

// NewKMSProxySigner constructs a signer bound to a KMS proxy endpoint.
func NewKMSProxySigner(cfg KMSProxyConfig) (*KMSProxySigner, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: no KMS endpoint configured", ErrSignerUnavailable)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 3 * time.Second
	}

	transport := &http.Transport{}
	if cfg.HasMTLS {
		transport.TLSClientConfig = &tls.Config{
			Certificates: []tls.Certificate{cfg.ClientCert},
			MinVersion:   tls.VersionTLS12,
		}
	}

	return &KMSProxySigner{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout, Transport: transport},
	}, nil
}

type signRequest struct {
	PayloadB64 string `json:"payload_b64"`
	KeyID      string `json:"key_id,omitempty"`
}

type signResponse struct {
	SignatureB64 string `json:"signature_b64"`
	SignerID     string `json:"signer_id"`
}

type verifyRequest struct {
	PayloadB64   string `json:"payload_b64"`
	SignatureB64 string `json:"signature_b64"`
	SignerID     string `json:"signer_id"`
}

type verifyResponse struct {
	Verified bool `json:"verified"`
}

func (s *KMSProxySigner) Sign(ctx context.Context, payload []byte) (string, string, error) {
	body, err := json.Marshal(signRequest{PayloadB64: base64.StdEncoding.EncodeToString(payload)})
	if err != nil {
		return "", "", fmt.Errorf("%w: marshal sign request: %v", ErrSignerUnavailable, err)
	}

	var resp signResponse
	if err := s.doWithRetry(ctx, "/sign", body, &resp); err != nil {
		return "", "", err
	}
	if resp.SignatureB64 == "" || resp.SignerID == "" {
		return "", "", fmt.Errorf("%w: malformed KMS sign response: missing signature_b64 or signer_id", ErrSignerUnavailable)
	}
	return resp.SignatureB64, resp.SignerID, nil
}

func (s *KMSProxySigner) Verify(ctx context.Context, payload []byte, signatureB64 string, signerID string) (bool, error) {
	body, err := json.Marshal(verifyRequest{
		PayloadB64:   base64.StdEncoding.EncodeToString(payload),
		SignatureB64: signatureB64,
		SignerID:     signerID,
	})
	if err != nil {
		return false, fmt.Errorf("%w: marshal verify request: %v", ErrSignerUnavailable, err)
	}

	var resp verifyResponse
	if err := s.doWithRetry(ctx, "/verify", body, &resp); err != nil {
		return false, err
	}
	return resp.Verified, nil
}

// doWithRetry posts body to endpoint+path and decodes the response into out,
// retrying once on transport error or 5xx with a deterministic backoff.
func (s *KMSProxySigner) doWithRetry(ctx context.Context, path string, body []byte, out interface{}) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrSignerUnavailable, ctx.Err())
			case <-time.After(computeDeterministicBackoff(body, attempt)):
			}
		}

		status, respBody, err := s.post(ctx, path, body)
		if err != nil {
			lastErr = fmt.Errorf("%w: transport error: %v", ErrSignerUnavailable, err)
			continue
		}
		if status >= 500 {
			lastErr = fmt.Errorf("%w: KMS returned %d", ErrSignerUnavailable, status)
			continue
		}
		if status < 200 || status >= 300 {
			return fmt.Errorf("%w: KMS returned %d", ErrSignerUnavailable, status)
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: malformed KMS response: %v", ErrSignerUnavailable, err)
		}
		return nil
	}
	return lastErr
}

func (s *KMSProxySigner) post(ctx context.Context, path string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, respBody, nil
}
