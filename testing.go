package bindfixture

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
)

// toolAvailabilityCache caches the results of tool availability checks
// so a test binary looks each executable up once
var (
	toolAvailabilityCache = make(map[string]bool)
	toolAvailabilityMu    sync.RWMutex
)

// checkToolCached reports whether tool is an executable file. Absolute
// paths are checked directly, bare names are looked up in PATH.
func checkToolCached(tool string) bool {
	toolAvailabilityMu.RLock()
	if available, ok := toolAvailabilityCache[tool]; ok {
		toolAvailabilityMu.RUnlock()
		return available
	}
	toolAvailabilityMu.RUnlock()

	toolAvailabilityMu.Lock()
	defer toolAvailabilityMu.Unlock()

	if available, ok := toolAvailabilityCache[tool]; ok {
		return available
	}

	var available bool
	if filepath.IsAbs(tool) {
		info, err := os.Stat(tool)
		available = err == nil && !info.IsDir() && info.Mode()&0o111 != 0
	} else {
		_, err := exec.LookPath(tool)
		available = err == nil
	}
	toolAvailabilityCache[tool] = available
	return available
}

// RequireTool skips the test if tool is not installed
func RequireTool(t testing.TB, tool string) {
	t.Helper()
	if !checkToolCached(tool) {
		t.Skipf("%s not found, skipping test (install it to run this test)", tool)
	}
}

// RequireBIND skips the test unless named and rndc are installed where
// LoadPaths says they are, and returns those paths
func RequireBIND(t testing.TB) Paths {
	t.Helper()
	paths, err := LoadPaths()
	if err != nil {
		t.Fatalf("loading install paths: %v", err)
	}
	RequireTool(t, paths.Named)
	RequireTool(t, paths.Rndc)
	return paths
}

// RequireNotShort skips the test if running in short mode
func RequireNotShort(t testing.TB) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// NewTestServer starts a Server for the duration of a test and stops it
// during the test's cleanup. A missing BIND installation skips the test;
// any other start failure fails it with the daemon's log attached.
func NewTestServer(t testing.TB, opts ...Option) *Server {
	t.Helper()

	srv, err := NewServer(opts...)
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}

	if err := srv.Start(context.Background()); err != nil {
		if IsEnvironmentError(err) {
			t.Skipf("bind not usable: %v", err)
		}
		logDetails(t, srv)
		t.Fatalf("starting server: %v", err)
	}

	t.Cleanup(func() {
		if err := srv.Stop(context.Background()); err != nil {
			t.Errorf("stopping server: %v", err)
		}
		if t.Failed() {
			logDetails(t, srv)
		}
	})
	return srv
}

func logDetails(t testing.TB, srv *Server) {
	t.Helper()
	for _, key := range []string{DetailLog, DetailStopOut, DetailStopErr} {
		if v := srv.Details()[key]; v != "" {
			t.Logf("%s:\n%s", key, v)
		}
	}
}
