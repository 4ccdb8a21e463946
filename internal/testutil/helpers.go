// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package testutil

import (
	"os"
	"runtime"
	"testing"
)

// RequireVM skips the test unless TUNWALL_VM_TEST is set. Tests that create
// interfaces or routes should only run inside a disposable VM.
func RequireVM(t *testing.T) {
	t.Helper()
	if os.Getenv("TUNWALL_VM_TEST") == "" {
		t.Skip("Skipping test: requires TUNWALL_VM_TEST environment")
	}
}

// RequireRoot skips the test unless it runs as root on Linux.
func RequireRoot(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skipf("Skipping test: requires linux, running on %s", runtime.GOOS)
	}
	if os.Geteuid() != 0 {
		t.Skip("Skipping test: requires root")
	}
}
