// Package cache implements the content-addressed artifact store.
//
// Objects live at <dir>/objects/<algorithm>/<first two hex>/<hex> and are
// written to <dir>/tmp first, then renamed into place, so a reader never
// observes a partial object. Objects are never rewritten. The file mtime
// records when the object was last validated and drives Prune.
package cache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opencontainers/go-digest"

	"github.com/luminolmc/goclip/internal/artifact"
	"github.com/luminolmc/goclip/internal/logging"
)

// DefaultMemoSize bounds how many validated objects are remembered per process.
const DefaultMemoSize = 256

var (
	// ErrMiss is returned by Get when no valid object exists for a digest.
	ErrMiss = errors.New("cache: miss")
	// ErrInvalidDigest is returned for digests the store cannot address.
	ErrInvalidDigest = errors.New("cache: invalid digest")
)

// Options configures a Store.
type Options struct {
	// Now stamps validated objects and ages them for Prune. Nil means
	// time.Now.
	Now      func() time.Time
	Logger   logging.Logger
	MemoSize int
}

// stamp identifies an object file state that has already been hashed.
type stamp struct {
	size    int64
	modTime time.Time
}

// Store is a content-addressed artifact store on the local filesystem.
// It is safe for concurrent use; concurrent writers of the same digest
// race harmlessly since both rename identical bytes into place.
type Store struct {
	dir string
	now func() time.Time
	log logging.Logger

	memo *lru.Cache[digest.Digest, stamp]

	mu   sync.Mutex
	pins map[digest.Digest]int
}

// Open creates the store directory layout under dir if needed.
func Open(dir string, opts Options) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory is required")
	}

	for _, sub := range []string{"objects", "tmp"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.MemoSize <= 0 {
		opts.MemoSize = DefaultMemoSize
	}
	memo, err := lru.New[digest.Digest, stamp](opts.MemoSize)
	if err != nil {
		return nil, fmt.Errorf("create validation memo: %w", err)
	}

	return &Store{
		dir:  dir,
		now:  opts.Now,
		log:  logging.OrNop(opts.Logger),
		memo: memo,
		pins: make(map[digest.Digest]int),
	}, nil
}

// Dir returns the store root.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) objectPath(d digest.Digest) (string, error) {
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDigest, err)
	}
	enc := d.Encoded()
	return filepath.Join(s.dir, "objects", d.Algorithm().String(), enc[:2], enc), nil
}

// Get returns the artifact stored under d. The object is re-hashed unless
// it was already validated by this process and has not changed since; a
// corrupt object is removed and reported as ErrMiss.
func (s *Store) Get(d digest.Digest) (artifact.Artifact, error) {
	path, err := s.objectPath(d)
	if err != nil {
		return artifact.Artifact{}, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return artifact.Artifact{}, ErrMiss
		}
		return artifact.Artifact{}, fmt.Errorf("read cache object: %w", err)
	}

	if !s.memoValid(d, path) {
		if d.Algorithm().FromBytes(data) != d {
			s.log.Warn("removing corrupt cache object", "digest", d, "path", path)
			s.memo.Remove(d)
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				s.log.Warn("remove corrupt cache object failed", "path", path, "error", err)
			}
			return artifact.Artifact{}, ErrMiss
		}
	}

	s.touch(d, path)
	return artifact.Artifact{Name: artifact.Short(d), Digest: d, Data: data}, nil
}

// Has reports whether an object for d exists, without validating it.
func (s *Store) Has(d digest.Digest) bool {
	path, err := s.objectPath(d)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Path returns the on-disk path of a valid object for d, validating it the
// same way Get does.
func (s *Store) Path(d digest.Digest) (string, error) {
	if _, err := s.Get(d); err != nil {
		return "", err
	}
	return s.objectPath(d)
}

// Put stores a. Storing a digest that is already present is a no-op.
// The artifact must hash to its own digest.
func (s *Store) Put(a artifact.Artifact) error {
	path, err := s.objectPath(a.Digest)
	if err != nil {
		return err
	}
	if !a.Matches(a.Digest) {
		return fmt.Errorf("cache: refusing to store %s: content does not match digest", a.Digest)
	}

	if info, err := os.Stat(path); err == nil && info.Size() == a.Size() {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create object dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Join(s.dir, "tmp"), artifact.Short(a.Digest)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	cleanupNeeded := true
	defer func() {
		tmpFile.Close()
		if cleanupNeeded {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(a.Data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	cleanupNeeded = false

	s.touch(a.Digest, path)
	s.log.Debug("stored cache object", "digest", a.Digest, "bytes", a.Size())
	return nil
}

// Pin protects d from Prune for the lifetime of this process until the
// returned release function is called.
func (s *Store) Pin(d digest.Digest) (release func()) {
	s.mu.Lock()
	s.pins[d]++
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.pins[d]--; s.pins[d] <= 0 {
				delete(s.pins, d)
			}
		})
	}
}

func (s *Store) pinned(d digest.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins[d] > 0
}

// touch records now as the last-validated time of d.
func (s *Store) touch(d digest.Digest, path string) {
	now := s.now()
	if err := os.Chtimes(path, now, now); err != nil {
		s.log.Debug("update cache object timestamp failed", "path", path, "error", err)
	}
	if info, err := os.Stat(path); err == nil {
		s.memo.Add(d, stamp{size: info.Size(), modTime: info.ModTime()})
	}
}

func (s *Store) memoValid(d digest.Digest, path string) bool {
	st, ok := s.memo.Get(d)
	if !ok {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() == st.size && info.ModTime().Equal(st.modTime)
}
