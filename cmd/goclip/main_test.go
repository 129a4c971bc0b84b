package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"

	"github.com/luminolmc/goclip/internal/bundle"
	"github.com/luminolmc/goclip/internal/clip"
	"github.com/luminolmc/goclip/internal/config"
	"github.com/luminolmc/goclip/internal/fetch"
	"github.com/luminolmc/goclip/internal/logging"
	"github.com/luminolmc/goclip/internal/patch"
	"github.com/luminolmc/goclip/internal/testutil"
)

// writeBundle writes a bundle whose single patch turns the base file into
// output, and returns the bundle directory and the base path.
func writeBundle(t *testing.T, root string, output []byte) (string, string) {
	t.Helper()

	base := bytes.Repeat([]byte("public base artifact\n"), 64)
	basePath := testutil.WriteFile(t, root, "mirror/base.bin", base)

	payload, err := patch.Diff(base, output)
	if err != nil {
		t.Fatalf("Diff() error: %v", err)
	}

	dir := filepath.Join(root, "bundle")
	w, err := bundle.NewWriter(dir)
	if err != nil {
		t.Fatal(err)
	}
	spec := patch.Spec{
		Location:       bundle.LocationVersions,
		BaseDigest:     digest.FromBytes(base),
		PatchDigest:    digest.FromBytes(payload),
		ExpectedDigest: digest.FromBytes(output),
		BasePath:       "base.bin",
		PatchPath:      "app.patch",
		OutputPath:     "app",
	}
	steps := []error{
		w.SetContext(bundle.DownloadContext{Digest: spec.BaseDigest, URL: basePath, FileName: "base.bin"}),
		w.AddPatch(spec, payload),
		w.AddFile(bundle.FileEntry{Location: bundle.LocationVersions, Digest: spec.ExpectedDigest, ID: "app", Path: "app"}, nil),
		w.SetEntryPoint(bundle.EntryPoint{Path: "versions/app"}),
		w.Close(),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("bundle step %d: %v", i, err)
		}
	}
	return dir, basePath
}

func TestRunWithoutBundle(t *testing.T) {
	testutil.SetupTestEnv(t)

	var stderr bytes.Buffer
	code := run(context.Background(), nil, &stderr)
	if code != clip.ExitConfig {
		t.Errorf("run() = %d, want %d", code, clip.ExitConfig)
	}
	if !strings.HasPrefix(stderr.String(), "goclip: start failed: ") {
		t.Errorf("stderr = %q", stderr.String())
	}
	if !strings.Contains(stderr.String(), "GOCLIP_BUNDLE_DIR") {
		t.Errorf("stderr does not mention GOCLIP_BUNDLE_DIR: %q", stderr.String())
	}
}

func TestRunInvalidConfig(t *testing.T) {
	testutil.SetupTestEnv(t)
	t.Setenv("GOCLIP_LAUNCH_MODE", "fork")

	var stderr bytes.Buffer
	if code := run(context.Background(), nil, &stderr); code != clip.ExitConfig {
		t.Errorf("run() = %d, want %d", code, clip.ExitConfig)
	}
	if !strings.Contains(stderr.String(), "launch_mode") {
		t.Errorf("stderr = %q, want launch_mode error", stderr.String())
	}
}

func TestRunPatchOnly(t *testing.T) {
	env := testutil.SetupTestEnv(t)
	output := []byte("rebuilt program bytes, not executable")
	dir, _ := writeBundle(t, env.Root, output)
	t.Setenv("GOCLIP_BUNDLE_DIR", dir)
	t.Setenv("GOCLIP_PATCH_ONLY", "true")

	var stderr bytes.Buffer
	if code := run(context.Background(), nil, &stderr); code != clip.ExitOK {
		t.Fatalf("run() = %d, stderr: %s", code, stderr.String())
	}

	hex := digest.FromBytes(output).Encoded()
	obj := filepath.Join(env.CacheDir, "objects", "sha256", hex[:2], hex)
	got, err := os.ReadFile(obj)
	if err != nil {
		t.Fatalf("patched output not in cache: %v", err)
	}
	if !bytes.Equal(got, output) {
		t.Error("cached output differs")
	}
}

func TestRunFetchFailure(t *testing.T) {
	env := testutil.SetupTestEnv(t)
	dir, basePath := writeBundle(t, env.Root, []byte("anything"))
	if err := os.Remove(basePath); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GOCLIP_BUNDLE_DIR", dir)
	t.Setenv("GOCLIP_RETRIES", "1")

	var stderr bytes.Buffer
	if code := run(context.Background(), nil, &stderr); code != clip.ExitFetch {
		t.Errorf("run() = %d, want %d; stderr: %s", code, clip.ExitFetch, stderr.String())
	}
	if !strings.Contains(stderr.String(), "goclip: fetch failed: NotFound: ") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestRunLaunchesChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts are not executable on windows")
	}
	env := testutil.SetupTestEnv(t)
	script := []byte("#!/bin/sh\n[ -n \"$GOCLIP_ARTIFACT\" ] || exit 9\nexit 3\n")
	dir, _ := writeBundle(t, env.Root, script)
	t.Setenv("GOCLIP_BUNDLE_DIR", dir)
	t.Setenv("GOCLIP_LAUNCH_MODE", "child")

	var stderr bytes.Buffer
	if code := run(context.Background(), []string{"--flag"}, &stderr); code != 3 {
		t.Errorf("run() = %d, want child exit code 3; stderr: %s", code, stderr.String())
	}
}

func TestDownloadContextAuto(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cn":
			_, _ = w.Write([]byte("CN\n"))
		case "/us":
			_, _ = w.Write([]byte(`{"countryCode":"US"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tests := []struct {
		name     string
		setting  string
		endpoint string
		want     string
	}{
		{name: "explicit_name_kept", setting: "eu", endpoint: "/cn", want: "eu"},
		{name: "mapped_country", setting: config.AutoDownloadContext, endpoint: "/cn", want: "cn"},
		{name: "unmapped_country", setting: config.AutoDownloadContext, endpoint: "/us", want: ""},
		{name: "lookup_failure", setting: config.AutoDownloadContext, endpoint: "/missing", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.DownloadContext = tt.setting
			cfg.CountryEndpoints = []string{srv.URL + tt.endpoint}
			f := fetch.New(fetch.Options{Client: srv.Client(), Timeout: time.Second})

			got := downloadContext(context.Background(), cfg, f, logging.Nop())
			if got != tt.want {
				t.Errorf("downloadContext() = %q, want %q", got, tt.want)
			}
		})
	}
}
