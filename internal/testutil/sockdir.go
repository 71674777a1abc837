// Package testutil holds helpers shared by package tests.
package testutil

import (
	"os"
	"testing"
)

// SocketDir returns a short-lived directory for unix sockets. t.TempDir
// embeds the test name and can push socket paths past the sun_path limit.
func SocketDir(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ck")
	if err != nil {
		t.Fatalf("creating socket dir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}
