package cache

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
)

// DefaultGrace keeps objects validated within this window out of Prune's
// reach; any run using an object validated it at startup.
const DefaultGrace = time.Hour

const pruneLockName = "prune.lock"

// Entry describes one stored object.
type Entry struct {
	Digest        digest.Digest
	Path          string
	Size          int64
	LastValidated time.Time
}

// List returns every object in the store, least recently validated first.
func (s *Store) List() ([]Entry, error) {
	root := filepath.Join(s.dir, "objects")
	var entries []Entry

	err := filepath.WalkDir(root, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if de.IsDir() || !de.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if len(parts) != 3 {
			return nil
		}
		d := digest.NewDigestFromEncoded(digest.Algorithm(parts[0]), parts[2])
		if d.Validate() != nil {
			return nil
		}

		info, err := de.Info()
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Digest:        d,
			Path:          path,
			Size:          info.Size(),
			LastValidated: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk cache objects: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastValidated.Equal(entries[j].LastValidated) {
			return entries[i].LastValidated.Before(entries[j].LastValidated)
		}
		return entries[i].Digest < entries[j].Digest
	})
	return entries, nil
}

// PruneOptions bounds the store. Zero values disable a bound.
type PruneOptions struct {
	// MaxBytes is the total size the store should fit in.
	MaxBytes int64
	// MaxAge removes objects not validated within this duration.
	MaxAge time.Duration
	// Grace protects recently validated objects. Zero means DefaultGrace;
	// negative disables the protection.
	Grace time.Duration
	// DryRun reports what would be removed without removing it.
	DryRun bool
}

// PruneResult reports what Prune removed.
type PruneResult struct {
	Removed    []Entry
	Kept       int
	FreedBytes int64
}

// Prune evicts least-recently-validated objects according to opts. Pinned
// objects and objects inside the grace window are never removed. Only one
// Prune runs at a time per store directory.
func (s *Store) Prune(opts PruneOptions) (*PruneResult, error) {
	l, err := acquireLock(s.dir, pruneLockName)
	if err != nil {
		return nil, err
	}
	defer l.release()

	entries, err := s.List()
	if err != nil {
		return nil, err
	}

	grace := opts.Grace
	if grace == 0 {
		grace = DefaultGrace
	}
	now := s.now()

	var total int64
	for _, e := range entries {
		total += e.Size
	}

	result := &PruneResult{}
	for _, e := range entries {
		protected := s.pinned(e.Digest) || (grace > 0 && now.Sub(e.LastValidated) < grace)
		expired := opts.MaxAge > 0 && now.Sub(e.LastValidated) > opts.MaxAge
		oversize := opts.MaxBytes > 0 && total > opts.MaxBytes

		if protected || (!expired && !oversize) {
			result.Kept++
			continue
		}

		if !opts.DryRun {
			if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
				return result, fmt.Errorf("remove %s: %w", e.Digest, err)
			}
			s.memo.Remove(e.Digest)
		}
		s.log.Debug("pruned cache object", "digest", e.Digest, "bytes", e.Size, "dry_run", opts.DryRun)
		total -= e.Size
		result.FreedBytes += e.Size
		result.Removed = append(result.Removed, e)
	}

	return result, nil
}
