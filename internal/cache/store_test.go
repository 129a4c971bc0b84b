package cache

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/opencontainers/go-digest"

	"github.com/luminolmc/goclip/internal/artifact"
)

func fixedNow(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func newTestStore(t *testing.T, now func() time.Time) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), Options{Now: now})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	return s
}

// snapshot lists every file under dir with its contents.
func snapshot(t *testing.T, dir string) map[string]string {
	t.Helper()
	files := map[string]string{}
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		files[rel] = string(b)
		return nil
	})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	return files
}

func TestOpenRequiresDir(t *testing.T) {
	if _, err := Open("", Options{}); err == nil {
		t.Error("expected error for empty dir")
	}
}

func TestPutGet(t *testing.T) {
	s := newTestStore(t, nil)
	a := artifact.New("server", "1.0", []byte("payload bytes"))

	if _, err := s.Get(a.Digest); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get() before Put = %v, want ErrMiss", err)
	}
	if s.Has(a.Digest) {
		t.Fatal("Has() = true before Put")
	}

	if err := s.Put(a); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	got, err := s.Get(a.Digest)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if string(got.Data) != "payload bytes" || got.Digest != a.Digest {
		t.Errorf("Get() = %q %s", got.Data, got.Digest)
	}

	path, err := s.Path(a.Digest)
	if err != nil {
		t.Fatalf("Path() error: %v", err)
	}
	enc := a.Digest.Encoded()
	want := filepath.Join(s.Dir(), "objects", "sha256", enc[:2], enc)
	if path != want {
		t.Errorf("Path() = %s, want %s", path, want)
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s := newTestStore(t, fixedNow(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))
	a := artifact.New("lib", "", []byte("same bytes"))

	if err := s.Put(a); err != nil {
		t.Fatalf("first Put() error: %v", err)
	}
	once := snapshot(t, s.Dir())

	if err := s.Put(a); err != nil {
		t.Fatalf("second Put() error: %v", err)
	}
	twice := snapshot(t, s.Dir())

	if diff := cmp.Diff(once, twice); diff != "" {
		t.Errorf("store changed after second Put (-once +twice):\n%s", diff)
	}

	entries, err := s.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("List() returned %d entries, want 1", len(entries))
	}
}

func TestPutRejectsMismatchedArtifact(t *testing.T) {
	s := newTestStore(t, nil)
	a := artifact.New("x", "", []byte("real"))
	a.Data = []byte("tampered")

	if err := s.Put(a); err == nil {
		t.Fatal("expected error storing artifact whose bytes do not match its digest")
	}
	if s.Has(a.Digest) {
		t.Error("mismatched artifact was stored")
	}
}

func TestPutLeavesNoTempFiles(t *testing.T) {
	s := newTestStore(t, nil)
	for i := 0; i < 3; i++ {
		if err := s.Put(artifact.New("x", "", []byte{byte(i)})); err != nil {
			t.Fatalf("Put() error: %v", err)
		}
	}

	tmp, err := os.ReadDir(filepath.Join(s.Dir(), "tmp"))
	if err != nil {
		t.Fatalf("read tmp dir: %v", err)
	}
	if len(tmp) != 0 {
		t.Errorf("tmp dir has %d leftover files", len(tmp))
	}
}

func TestConcurrentPutSameDigest(t *testing.T) {
	s := newTestStore(t, nil)
	a := artifact.New("big", "", make([]byte, 1<<20))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Put(a)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Put() error: %v", err)
		}
	}

	got, err := s.Get(a.Digest)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got.Size() != a.Size() {
		t.Errorf("size = %d, want %d", got.Size(), a.Size())
	}
}

func TestGetRemovesCorruptObject(t *testing.T) {
	s := newTestStore(t, nil)
	a := artifact.New("x", "", []byte("original content"))
	if err := s.Put(a); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	path, _ := s.objectPath(a.Digest)
	if err := os.WriteFile(path, []byte("flipped content!"), 0o644); err != nil {
		t.Fatalf("corrupt object: %v", err)
	}

	if _, err := s.Get(a.Digest); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get() of corrupt object = %v, want ErrMiss", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt object was not removed")
	}

	// The store heals on the next Put.
	if err := s.Put(a); err != nil {
		t.Fatalf("Put() after corruption error: %v", err)
	}
	if _, err := s.Get(a.Digest); err != nil {
		t.Errorf("Get() after heal error: %v", err)
	}
}

func TestInvalidDigest(t *testing.T) {
	s := newTestStore(t, nil)
	if _, err := s.Get(digest.Digest("nonsense")); !errors.Is(err, ErrInvalidDigest) {
		t.Errorf("Get() = %v, want ErrInvalidDigest", err)
	}
	if s.Has(digest.Digest("nonsense")) {
		t.Error("Has() = true for invalid digest")
	}
}

func TestGetUpdatesLastValidated(t *testing.T) {
	dir := t.TempDir()
	t0 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	s, err := Open(dir, Options{Now: fixedNow(t0)})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	a := artifact.New("x", "", []byte("content"))
	if err := s.Put(a); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	t1 := t0.Add(48 * time.Hour)
	later, err := Open(dir, Options{Now: fixedNow(t1)})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if _, err := later.Get(a.Digest); err != nil {
		t.Fatalf("Get() error: %v", err)
	}

	entries, err := later.List()
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(entries) != 1 || !entries[0].LastValidated.Equal(t1) {
		t.Errorf("LastValidated = %v, want %v", entries[0].LastValidated, t1)
	}
}
