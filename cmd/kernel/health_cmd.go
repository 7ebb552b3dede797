package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/Mindburn-Labs/kernel/pkg/config"
)

// runHealthCmd checks a running kernel server's /health endpoint, matching
// the platform's other binaries' CLI health probe.
func runHealthCmd(stdout, stderr io.Writer) int {
	port := os.Getenv("HEALTH_PORT")
	if port == "" {
		port = config.Load().HealthPort
	}

	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "kernel: health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "kernel: health check failed: status %d\n", resp.StatusCode)
		return 1
	}

	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}
