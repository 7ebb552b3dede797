// Package config loads Kernel's process configuration from the
// environment, matching the defaulting idiom used across this codebase's
// other services: every value has a safe local-development fallback except
// the fail-closed flags, which default to the safer (stricter) setting only
// where specified.
package config

import (
	"os"
	"strconv"
	"strings"
)

// Config holds Kernel's full process configuration.
type Config struct {
	Port       string
	HealthPort string
	LogLevel   string

	DatabaseURL string
	RedisURL    string
	LiteMode    bool // true when DatabaseURL is unset: fall back to SQLite.

	SigningProxyURL     string
	SigningProxyAPIKey  string
	RequireSigningProxy bool

	KernelSignerKeyB64 string
	KernelKMSEndpoint  string
	KernelKMSKeyID     string
	KernelClientCert   string
	KernelClientKey    string
	KernelCACert       string
	KMSTimeoutMS       int

	DevHMACSigningSecret string

	UpgradeApproverIDs       []string
	UpgradeRequiredApprovals int
	ApproverRegistryFile     string

	IdempotencyResponseBodyLimit int

	AuditPolicyCEL string

	ArchiveS3Bucket  string
	ArchiveGCSBucket string

	SchemaDir string

	StreamBatchSize      int
	StreamPollIntervalMS int

	OTLPEndpoint string
	OTLPInsecure bool
}

// Load reads Config from the environment, applying defaults.
func Load() *Config {
	cfg := &Config{
		Port:       getenvDefault("PORT", "8080"),
		HealthPort: getenvDefault("HEALTH_PORT", "8081"),
		LogLevel:   getenvDefault("LOG_LEVEL", "info"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		SigningProxyURL:     os.Getenv("SIGNING_PROXY_URL"),
		SigningProxyAPIKey:  os.Getenv("SIGNING_PROXY_API_KEY"),
		RequireSigningProxy: os.Getenv("REQUIRE_SIGNING_PROXY") == "1",

		KernelSignerKeyB64: os.Getenv("KERNEL_SIGNER_KEY_B64"),
		KernelKMSEndpoint:  getenvFirst("KERNEL_KMS_ENDPOINT", "SIGNING_PROXY_URL"),
		KernelKMSKeyID:     os.Getenv("KERNEL_KMS_KEY_ID"),
		KernelClientCert:   os.Getenv("KERNEL_CLIENT_CERT"),
		KernelClientKey:    os.Getenv("KERNEL_CLIENT_KEY"),
		KernelCACert:       os.Getenv("KERNEL_CA_CERT"),
		KMSTimeoutMS:       getenvIntDefault("KMS_TIMEOUT_MS", 3000),

		DevHMACSigningSecret: os.Getenv("REPOWRITER_SIGNING_SECRET"),

		UpgradeApproverIDs:       splitNonEmpty(os.Getenv("UPGRADE_APPROVER_IDS")),
		UpgradeRequiredApprovals: getenvIntDefault("UPGRADE_REQUIRED_APPROVALS", 1),
		ApproverRegistryFile:     os.Getenv("KERNEL_APPROVER_REGISTRY_FILE"),

		IdempotencyResponseBodyLimit: getenvIntDefault("IDEMPOTENCY_RESPONSE_BODY_LIMIT", 1<<20),

		AuditPolicyCEL: getenvDefault("AUDIT_POLICY_CEL", "true"),

		ArchiveS3Bucket:  os.Getenv("ARCHIVE_S3_BUCKET"),
		ArchiveGCSBucket: os.Getenv("ARCHIVE_GCS_BUCKET"),

		SchemaDir: os.Getenv("KERNEL_SCHEMA_DIR"),

		StreamBatchSize:      getenvIntDefault("STREAM_BATCH_SIZE", 50),
		StreamPollIntervalMS: getenvIntDefault("STREAM_POLL_INTERVAL_MS", 1000),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure: os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "1",
	}
	cfg.LiteMode = cfg.DatabaseURL == ""
	return cfg
}

func getenvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvFirst(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func getenvIntDefault(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func splitNonEmpty(csv string) []string {
	if csv == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(csv, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
