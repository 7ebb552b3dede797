package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func withEnv(t *testing.T, kv map[string]string, fn func()) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
	fn()
}

func TestLoadDefaults(t *testing.T) {
	clearKernelEnv(t)
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.LiteMode)
	assert.False(t, cfg.RequireSigningProxy)
	assert.Equal(t, 1<<20, cfg.IdempotencyResponseBodyLimit)
	assert.Equal(t, "true", cfg.AuditPolicyCEL)
	assert.Equal(t, 1, cfg.UpgradeRequiredApprovals)
	assert.Nil(t, cfg.UpgradeApproverIDs)
}

func TestLoadParsesApproverList(t *testing.T) {
	clearKernelEnv(t)
	withEnv(t, map[string]string{
		"UPGRADE_APPROVER_IDS":       "A, B,C",
		"UPGRADE_REQUIRED_APPROVALS": "3",
	}, func() {
		cfg := Load()
		assert.Equal(t, []string{"A", "B", "C"}, cfg.UpgradeApproverIDs)
		assert.Equal(t, 3, cfg.UpgradeRequiredApprovals)
	})
}

func TestLoadDatabaseURLDisablesLiteMode(t *testing.T) {
	clearKernelEnv(t)
	withEnv(t, map[string]string{
		"DATABASE_URL": "postgres://kernel@localhost:5432/kernel?sslmode=disable",
	}, func() {
		cfg := Load()
		assert.False(t, cfg.LiteMode)
	})
}

func TestLoadRequireSigningProxy(t *testing.T) {
	clearKernelEnv(t)
	withEnv(t, map[string]string{"REQUIRE_SIGNING_PROXY": "1"}, func() {
		cfg := Load()
		assert.True(t, cfg.RequireSigningProxy)
	})
}

func clearKernelEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"PORT", "HEALTH_PORT", "LOG_LEVEL", "DATABASE_URL", "REDIS_URL",
		"SIGNING_PROXY_URL", "SIGNING_PROXY_API_KEY", "REQUIRE_SIGNING_PROXY",
		"KERNEL_SIGNER_KEY_B64", "KERNEL_KMS_ENDPOINT", "KERNEL_KMS_KEY_ID",
		"KERNEL_CLIENT_CERT", "KERNEL_CLIENT_KEY", "KERNEL_CA_CERT", "KMS_TIMEOUT_MS",
		"REPOWRITER_SIGNING_SECRET", "UPGRADE_APPROVER_IDS", "UPGRADE_REQUIRED_APPROVALS",
		"IDEMPOTENCY_RESPONSE_BODY_LIMIT", "AUDIT_POLICY_CEL", "ARCHIVE_S3_BUCKET",
		"ARCHIVE_GCS_BUCKET", "KERNEL_SCHEMA_DIR", "STREAM_BATCH_SIZE", "STREAM_POLL_INTERVAL_MS",
		"KERNEL_APPROVER_REGISTRY_FILE",
	} {
		os.Unsetenv(k)
	}
}
