package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/kernel/pkg/crypto"
	"github.com/Mindburn-Labs/kernel/pkg/verifier"
)

// runVerifyCmd implements `kernel verify`: an offline replay of the audit
// hash chain and every event signature, independent of any live Signer or
// KMS proxy. See §4.8.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		databaseURL  string
		registryFile string
		liteDBPath   string
		jsonOutput   bool
		jsonOutFile  string
	)

	cmd.StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	cmd.StringVar(&liteDBPath, "lite-db", "", "Path to a Lite Mode SQLite database file (used when --database-url is empty)")
	cmd.StringVar(&registryFile, "registry", os.Getenv("KERNEL_SIGNER_REGISTRY_FILE"), "Path to the signer verification key registry (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the verification report as JSON")
	cmd.StringVar(&jsonOutFile, "json-out", "", "Write the structured verification report to a file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	if registryFile == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --registry is required")
		return 2
	}

	registry, err := crypto.LoadRegistryFile(registryFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: loading signer registry: %v\n", err)
		return 2
	}

	var db *sql.DB
	switch {
	case databaseURL != "":
		db, err = sql.Open("postgres", databaseURL)
	case liteDBPath != "":
		db, err = sql.Open("sqlite", "file:"+liteDBPath)
	default:
		_, _ = fmt.Fprintln(stderr, "Error: one of --database-url or --lite-db is required")
		return 2
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: opening database: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	events, err := verifier.FetchEvents(ctx, db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: fetching audit events: %v\n", err)
		return 2
	}

	report := verifier.VerifyChain(events, registry)

	if jsonOutFile != "" {
		data, _ := json.MarshalIndent(report, "", "  ")
		if writeErr := os.WriteFile(jsonOutFile, data, 0o644); writeErr != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write verification report: %v\n", writeErr)
			return 2
		}
		_, _ = fmt.Fprintf(stdout, "Verification report written to %s\n", jsonOutFile)
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Verified {
		_, _ = fmt.Fprintf(stdout, "audit chain verification PASSED\n")
		_, _ = fmt.Fprintf(stdout, "events verified: %d\n", report.EventsOK)
		_, _ = fmt.Fprintf(stdout, "head hash: %s\n", report.HeadHash)
	} else {
		_, _ = fmt.Fprintf(stdout, "audit chain verification FAILED\n")
		_, _ = fmt.Fprintf(stdout, "first failure: %s\n", report.FirstFail)
		for _, c := range report.Checks {
			if !c.Pass {
				_, _ = fmt.Fprintf(stdout, "  - %s: %s\n", c.Name, c.Reason)
			}
		}
	}

	if !report.Verified {
		return 1
	}
	return 0
}
