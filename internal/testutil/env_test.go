package testutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/luminolmc/goclip/internal/testutil"
)

func TestSetupTestEnv(t *testing.T) {
	t.Setenv("GOCLIP_MIRRORS", "https://leaked.example.com")

	env := testutil.SetupTestEnv(t)

	if got := os.Getenv("GOCLIP_CACHE_DIR"); got != env.CacheDir {
		t.Errorf("GOCLIP_CACHE_DIR = %q, want %q", got, env.CacheDir)
	}
	if got := os.Getenv("GOCLIP_MIRRORS"); got != "" {
		t.Errorf("GOCLIP_MIRRORS = %q, want cleared", got)
	}
	for _, dir := range []string{env.CacheDir, env.WorkDir} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("directory %s not created: %v", dir, err)
		}
	}
}

func TestSetupTestEnv_Isolation(t *testing.T) {
	var first, second string
	t.Run("first", func(t *testing.T) {
		first = testutil.SetupTestEnv(t).Root
	})
	t.Run("second", func(t *testing.T) {
		second = testutil.SetupTestEnv(t).Root
	})
	if first == second {
		t.Errorf("tests share root %s", first)
	}
}

func TestWriteFile(t *testing.T) {
	root := t.TempDir()
	p := testutil.WriteFile(t, root, "a/b/c.txt", []byte("hi"))

	if p != filepath.Join(root, "a", "b", "c.txt") {
		t.Errorf("WriteFile() path = %s", p)
	}
	data, err := os.ReadFile(p)
	if err != nil || string(data) != "hi" {
		t.Errorf("ReadFile() = %q, %v", data, err)
	}
}
