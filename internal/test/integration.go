package test

import (
	"os"
	"testing"
)

// Integration skips the test unless SHELLPIPE_INTEGRATION is set.
// Integration tests need external resources such as a Docker daemon or AWS credentials.
func Integration(t *testing.T) {
	t.Helper()
	if os.Getenv("SHELLPIPE_INTEGRATION") == "" {
		t.Skip("skipping integration test, set SHELLPIPE_INTEGRATION=1 to run")
	}
}
