package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"

	"github.com/Mindburn-Labs/kernel/pkg/config"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd runs local environment checks: Go runtime, persistence
// configuration, Postgres reachability, and signer availability.
//
// Exit codes:
//
//	0 = all checks pass
//	1 = one or more checks failed
func runDoctorCmd(stdout, _ io.Writer) int {
	var results []checkResult
	allOK := true

	results = append(results, checkResult{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	})

	cfg := config.Load()

	if cfg.LiteMode {
		results = append(results, checkResult{
			Name:   "database_url",
			Status: "warn",
			Detail: "DATABASE_URL not set; running in Lite Mode (SQLite, no Redis)",
		})
	} else {
		results = append(results, checkResult{Name: "database_url", Status: "ok", Detail: "set"})

		if _, err := exec.LookPath("pg_isready"); err == nil {
			if err := exec.Command("pg_isready").Run(); err != nil {
				results = append(results, checkResult{Name: "postgres", Status: "fail", Detail: "pg_isready failed"})
				allOK = false
			} else {
				results = append(results, checkResult{Name: "postgres", Status: "ok", Detail: "pg_isready succeeded"})
			}
		} else {
			results = append(results, checkResult{Name: "postgres", Status: "warn", Detail: "pg_isready not found in PATH"})
		}
	}

	switch {
	case cfg.KernelKMSEndpoint != "":
		results = append(results, checkResult{Name: "signer", Status: "ok", Detail: "KMS proxy configured: " + cfg.KernelKMSEndpoint})
	case cfg.RequireSigningProxy:
		results = append(results, checkResult{Name: "signer", Status: "fail", Detail: "REQUIRE_SIGNING_PROXY=1 but no KMS endpoint configured"})
		allOK = false
	case cfg.KernelSignerKeyB64 != "":
		results = append(results, checkResult{Name: "signer", Status: "ok", Detail: "local Ed25519 key configured"})
	case cfg.DevHMACSigningSecret != "":
		results = append(results, checkResult{Name: "signer", Status: "warn", Detail: "HMAC dev signer in use, not for production"})
	default:
		results = append(results, checkResult{Name: "signer", Status: "warn", Detail: "no signer configured; an ephemeral key will be generated at startup"})
	}

	if cfg.ApproverRegistryFile == "" {
		results = append(results, checkResult{Name: "approver_registry", Status: "warn", Detail: "KERNEL_APPROVER_REGISTRY_FILE not set; upgrades can never reach quorum"})
	} else if _, err := os.Stat(cfg.ApproverRegistryFile); err != nil {
		results = append(results, checkResult{Name: "approver_registry", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		results = append(results, checkResult{Name: "approver_registry", Status: "ok", Detail: cfg.ApproverRegistryFile})
	}

	if cfg.SchemaDir == "" {
		results = append(results, checkResult{Name: "schema_dir", Status: "warn", Detail: "KERNEL_SCHEMA_DIR not set; using built-in defaults"})
	} else if _, err := os.Stat(cfg.SchemaDir); err != nil {
		results = append(results, checkResult{Name: "schema_dir", Status: "fail", Detail: err.Error()})
		allOK = false
	} else {
		results = append(results, checkResult{Name: "schema_dir", Status: "ok", Detail: cfg.SchemaDir})
	}

	data, _ := json.MarshalIndent(results, "", "  ")
	_, _ = fmt.Fprintln(stdout, string(data))

	if !allOK {
		return 1
	}
	return 0
}
