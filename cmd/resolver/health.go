package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// runHealth probes the readiness endpoint of a resolver running on this
// host and reports the outcome. Exit 0 means ready.
func runHealth(stdout io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%s/readyz", port))
	if err != nil {
		fmt.Fprintf(stdout, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stdout, "Health check failed: readyz returned %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}
