package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestRun_Help verifies that the help command prints usage and exits 0.
func TestRun_Help(t *testing.T) {
	args := []string{"resolver", "--help"}
	var stdout, stderr bytes.Buffer

	exitCode := Run(args, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "Usage: resolver")
	assert.Contains(t, stdout.String(), "sync")
}

// TestRun_Version verifies the version command output.
func TestRun_Version(t *testing.T) {
	args := []string{"resolver", "version"}
	var stdout, stderr bytes.Buffer

	exitCode := Run(args, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "verana-trust-resolver")
}

// TestRun_Unknown verifies that unknown commands output a warning and
// default to server.
func TestRun_Unknown(t *testing.T) {
	args := []string{"resolver", "unknown-command"}
	var stdout, stderr bytes.Buffer

	originalRunServer := startServer
	defer func() { startServer = originalRunServer }()
	called := false
	startServer = func() int {
		called = true
		return 0
	}

	exitCode := Run(args, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.Contains(t, stdout.String(), "Unknown command")
	assert.True(t, called, "Expected runServer to be called")
}

// TestRun_NoArgs verifies that a bare invocation starts the server.
func TestRun_NoArgs(t *testing.T) {
	args := []string{"resolver"}
	var stdout, stderr bytes.Buffer

	originalRunServer := startServer
	defer func() { startServer = originalRunServer }()
	called := false
	startServer = func() int {
		called = true
		return 0
	}

	exitCode := Run(args, &stdout, &stderr)

	assert.Equal(t, 0, exitCode)
	assert.True(t, called)
}

// TestRun_Health_Fail verifies the health subcommand reports an
// unreachable resolver.
func TestRun_Health_Fail(t *testing.T) {
	t.Setenv("PORT", "0")

	args := []string{"resolver", "health"}
	var stdout, stderr bytes.Buffer

	exitCode := Run(args, &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stdout.String(), "Health check failed")
}

// TestRun_Sync_MissingConfig verifies sync refuses to start without the
// required configuration.
func TestRun_Sync_MissingConfig(t *testing.T) {
	t.Setenv("INDEXER_URL", "")
	t.Setenv("VPR_NETWORK", "")
	t.Setenv("ALLOWED_ECOSYSTEM_DIDS", "")

	args := []string{"resolver", "sync"}
	var stdout, stderr bytes.Buffer

	exitCode := Run(args, &stdout, &stderr)

	assert.Equal(t, 1, exitCode)
	assert.Contains(t, stderr.String(), "INDEXER_URL")
}
