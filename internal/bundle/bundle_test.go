package bundle

import (
	"archive/zip"
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"

	"github.com/luminolmc/goclip/internal/patch"
)

var (
	hexA = strings.Repeat("a", 64)
	hexB = strings.Repeat("b", 64)
	hexC = strings.Repeat("c", 64)
	hexD = strings.Repeat("d", 64)
)

func sha(h string) digest.Digest {
	return digest.NewDigestFromEncoded(digest.SHA256, h)
}

func TestLoadFullManifest(t *testing.T) {
	fsys := fstest.MapFS{
		"META-INF/download-context":    {Data: []byte(hexA + "\thttps://example.com/base.jar\tbase.jar\n")},
		"META-INF/download-context-cn": {Data: []byte(hexA + "\thttps://mirror.example.cn/base.jar\tbase.jar\n")},
		"META-INF/patches.list": {Data: []byte("# generated\n\n" +
			"versions\t" + hexA + "\t" + hexB + "\t" + hexC + "\tbase.jar\tserver.patch\tserver\n")},
		"META-INF/versions/server.patch": {Data: []byte("BSDIFF40...")},
		"META-INF/libraries.list":        {Data: []byte(hexD + "\tcom.example:lib:1.0\tcom/example/lib-1.0.jar\r\n")},
		"META-INF/libraries/com/example/lib-1.0.jar": {Data: []byte("lib")},
		"META-INF/entry-point": {Data: []byte("versions/server\n")},
		"META-INF/keyring.asc": {Data: []byte("-----BEGIN PGP PUBLIC KEY BLOCK-----")},
	}

	b, err := Load(fsys)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	wantPatches := []patch.Spec{{
		Location:       "versions",
		BaseDigest:     sha(hexA),
		PatchDigest:    sha(hexB),
		ExpectedDigest: sha(hexC),
		BasePath:       "base.jar",
		PatchPath:      "server.patch",
		OutputPath:     "server",
	}}
	if diff := cmp.Diff(wantPatches, b.Patches); diff != "" {
		t.Errorf("Patches mismatch (-want +got):\n%s", diff)
	}

	wantLibs := []FileEntry{{Location: "libraries", Digest: sha(hexD), ID: "com.example:lib:1.0", Path: "com/example/lib-1.0.jar"}}
	if diff := cmp.Diff(wantLibs, b.Libraries); diff != "" {
		t.Errorf("Libraries mismatch (-want +got):\n%s", diff)
	}

	def, ok := b.Context("")
	if !ok || def.URL != "https://example.com/base.jar" || def.FileName != "base.jar" {
		t.Errorf("default context = %+v, %v", def, ok)
	}
	cn, _ := b.Context("cn")
	if cn.Name != "cn" || !strings.Contains(cn.URL, "mirror.example.cn") {
		t.Errorf("cn context = %+v", cn)
	}
	if fallback, _ := b.Context("unknown"); fallback.Name != "" {
		t.Errorf("unknown context should fall back to default, got %+v", fallback)
	}
	if diff := cmp.Diff([]string{"cn"}, b.ContextNames()); diff != "" {
		t.Errorf("ContextNames mismatch:\n%s", diff)
	}

	if b.EntryPoint == nil || b.EntryPoint.Path != "versions/server" {
		t.Errorf("EntryPoint = %+v", b.EntryPoint)
	}
	if len(b.Keyring) == 0 {
		t.Error("Keyring not loaded")
	}

	payload, err := b.PatchPayload(b.Patches[0])
	if err != nil || string(payload) != "BSDIFF40..." {
		t.Errorf("PatchPayload() = %q, %v", payload, err)
	}
	if !b.Embedded(b.Libraries[0]) {
		t.Error("library should be embedded")
	}
	if !b.PatchedOutput(FileEntry{Location: "versions", Path: "server"}) {
		t.Error("versions/server should be a patched output")
	}
}

func TestLoadErrors(t *testing.T) {
	ctx := hexA + "\thttps://example.com/base.jar\tbase.jar\n"

	tests := []struct {
		name    string
		files   fstest.MapFS
		wantErr string
	}{
		{
			name:    "no_meta_inf",
			files:   fstest.MapFS{"other.txt": {Data: []byte("x")}},
			wantErr: ErrEmptyBundle.Error(),
		},
		{
			name:    "empty_meta_inf",
			files:   fstest.MapFS{"META-INF/readme": {Data: []byte("x")}},
			wantErr: ErrEmptyBundle.Error(),
		},
		{
			name: "patches_without_context",
			files: fstest.MapFS{
				"META-INF/patches.list": {Data: []byte("versions\t" + hexA + "\t" + hexB + "\t" + hexC + "\tb\tp\to\n")},
			},
			wantErr: "without a corresponding",
		},
		{
			name:    "context_wrong_fields",
			files:   fstest.MapFS{"META-INF/download-context": {Data: []byte(hexA + "\tonly-two\n")}},
			wantErr: "malformed download context",
		},
		{
			name:    "context_bad_hash",
			files:   fstest.MapFS{"META-INF/download-context": {Data: []byte("xyz\turl\tfile\n")}},
			wantErr: "download-context:1",
		},
		{
			name: "patch_line_short",
			files: fstest.MapFS{
				"META-INF/download-context": {Data: []byte(ctx)},
				"META-INF/patches.list":     {Data: []byte("\nversions\t" + hexA + "\n")},
			},
			wantErr: "patches.list:2",
		},
		{
			name: "mirror_not_http",
			files: fstest.MapFS{
				"META-INF/download-context": {Data: []byte(ctx)},
				"META-INF/mirrors.list":     {Data: []byte("# built in\nhttps://ok.example.com\nftp://old.example.com\n")},
			},
			wantErr: "mirrors.list:3",
		},
		{
			name: "patch_location_unknown",
			files: fstest.MapFS{
				"META-INF/download-context": {Data: []byte(ctx)},
				"META-INF/patches.list":     {Data: []byte("..\t" + hexA + "\t" + hexB + "\t" + hexC + "\tb\tp\to\n")},
			},
			wantErr: "unknown location",
		},
		{
			name: "patch_path_escapes",
			files: fstest.MapFS{
				"META-INF/download-context": {Data: []byte(ctx)},
				"META-INF/patches.list":     {Data: []byte("versions\t" + hexA + "\t" + hexB + "\t" + hexC + "\tb\t../../etc/passwd\to\n")},
			},
			wantErr: "invalid path",
		},
		{
			name: "library_bad_line",
			files: fstest.MapFS{
				"META-INF/libraries.list": {Data: []byte(hexD + "\tid\n")},
			},
			wantErr: "libraries.list:1",
		},
		{
			name: "entry_point_absolute",
			files: fstest.MapFS{
				"META-INF/download-context": {Data: []byte(ctx)},
				"META-INF/entry-point":      {Data: []byte("/usr/bin/evil\n")},
			},
			wantErr: "invalid path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.files)
			if err == nil {
				t.Fatal("expected error, got none")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseEntryPoint(t *testing.T) {
	ep, err := ParseEntryPoint("versions/server.tar.gz\tbin/server")
	if err != nil {
		t.Fatalf("ParseEntryPoint() error: %v", err)
	}
	if ep.Path != "versions/server.tar.gz" || ep.Member != "bin/server" {
		t.Errorf("got %+v", ep)
	}

	for _, bad := range []string{"", "a\tb\tc", "x\t../y"} {
		if _, err := ParseEntryPoint(bad); err == nil {
			t.Errorf("ParseEntryPoint(%q) expected error", bad)
		}
	}
}

func TestWriterRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir)
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}

	spec := patch.Spec{
		Location:       LocationVersions,
		BaseDigest:     sha(hexA),
		PatchDigest:    sha(hexB),
		ExpectedDigest: sha(hexC),
		BasePath:       "base.bin",
		PatchPath:      "app.patch",
		OutputPath:     "app",
	}
	steps := []error{
		w.SetContext(DownloadContext{Digest: sha(hexA), URL: "https://example.com/base.bin", FileName: "base.bin"}),
		w.SetContext(DownloadContext{Name: "eu", Digest: sha(hexA), URL: "https://eu.example.com/base.bin", FileName: "base.bin"}),
		w.AddPatch(spec, []byte("payload")),
		w.AddFile(FileEntry{Location: LocationVersions, Digest: sha(hexC), ID: "app", Path: "app"}, nil),
		w.AddFile(FileEntry{Location: LocationLibraries, Digest: sha(hexD), ID: "lib", Path: "lib/one.so"}, []byte("lib")),
		w.SetEntryPoint(EntryPoint{Path: "versions/app"}),
		w.AddMirror("https://mirror.example.com/files"),
		w.Close(),
	}
	for i, err := range steps {
		if err != nil {
			t.Fatalf("step %d error: %v", i, err)
		}
	}

	b, err := Load(os.DirFS(dir))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if diff := cmp.Diff([]patch.Spec{spec}, b.Patches); diff != "" {
		t.Errorf("Patches mismatch (-want +got):\n%s", diff)
	}
	if len(b.Versions) != 1 || len(b.Libraries) != 1 || len(b.Contexts) != 2 {
		t.Errorf("got %d versions, %d libraries, %d contexts", len(b.Versions), len(b.Libraries), len(b.Contexts))
	}
	if diff := cmp.Diff([]string{"https://mirror.example.com/files"}, b.Mirrors); diff != "" {
		t.Errorf("Mirrors mismatch (-want +got):\n%s", diff)
	}
	data, err := b.ReadFile("libraries/lib/one.so")
	if err != nil || string(data) != "lib" {
		t.Errorf("ReadFile() = %q, %v", data, err)
	}
	if _, err := b.ReadFile("libraries/missing"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("ReadFile(missing) = %v, want not-exist", err)
	}
}

func TestWriterRejectsUnknownPatchLocation(t *testing.T) {
	w, err := NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewWriter() error: %v", err)
	}
	spec := patch.Spec{Location: "META-INF", PatchPath: "app.patch", OutputPath: "app"}
	if err := w.AddPatch(spec, []byte("payload")); err == nil || !strings.Contains(err.Error(), "unknown patch location") {
		t.Errorf("AddPatch() error = %v, want unknown patch location", err)
	}
}

func TestBaseMember(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("bin/server")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("server bytes")); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}

	got, err := BaseMember(buf.Bytes(), "bin/server")
	if err != nil {
		t.Fatalf("BaseMember() error: %v", err)
	}
	if string(got) != "server bytes" {
		t.Errorf("BaseMember() = %q", got)
	}

	if _, err := BaseMember(buf.Bytes(), "bin/missing"); err == nil {
		t.Error("expected error for missing member")
	}
	if _, err := BaseMember([]byte("not a zip"), "bin/server"); err == nil {
		t.Error("expected error for non-zip base")
	}
}
