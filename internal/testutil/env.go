// Package testutil provides utilities for testing goclip in isolation.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// envVars lists every variable goclip reads, so tests start from a clean
// slate regardless of the developer's shell.
var envVars = []string{
	"GOCLIP_CONFIG",
	"GOCLIP_CACHE_DIR",
	"GOCLIP_BUNDLE_DIR",
	"GOCLIP_TIMEOUT",
	"GOCLIP_RETRIES",
	"GOCLIP_BACKOFF",
	"GOCLIP_MAX_BACKOFF",
	"GOCLIP_CHUNKS",
	"GOCLIP_MIRRORS",
	"GOCLIP_DOWNLOAD_CONTEXT",
	"GOCLIP_LAUNCH_MODE",
	"GOCLIP_ENTRY_POINT",
	"GOCLIP_PATCH_ONLY",
	"GOCLIP_LOG_LEVEL",
	"GOCLIP_LIBRARIES",
	"GOCLIP_ARTIFACT",
}

// Env holds the isolated directories created by SetupTestEnv.
type Env struct {
	Root     string
	CacheDir string
	WorkDir  string
}

// SetupTestEnv clears goclip's environment variables and points the cache
// at a fresh temporary directory. Cleanup is handled by t.TempDir and
// t.Setenv.
func SetupTestEnv(t *testing.T) *Env {
	t.Helper()

	root := t.TempDir()
	env := &Env{
		Root:     root,
		CacheDir: filepath.Join(root, "cache"),
		WorkDir:  filepath.Join(root, "work"),
	}

	for _, name := range envVars {
		t.Setenv(name, "")
	}
	t.Setenv("GOCLIP_CACHE_DIR", env.CacheDir)

	for _, dir := range []string{env.CacheDir, env.WorkDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatalf("failed to create test directory %s: %v", dir, err)
		}
	}
	return env
}

// WriteFile writes data to root/rel, creating parent directories.
func WriteFile(t *testing.T, root, rel string, data []byte) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	return p
}
