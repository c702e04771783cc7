package integration_test

import (
	"os"
	"testing"
)

func requireLong(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if os.Getenv("TANAKA_SKIP_INTEGRATION") != "" {
		t.Skip("TANAKA_SKIP_INTEGRATION is set")
	}
}
