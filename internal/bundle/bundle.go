// Package bundle reads the manifest and payloads embedded in a launcher.
//
// A bundle is any fs.FS with a META-INF directory:
//
//	META-INF/download-context        sha256 \t url \t file name
//	META-INF/download-context-<name> alternate source for the base
//	META-INF/patches.list            location \t base \t patch \t output \t base path \t patch path \t output path
//	META-INF/versions.list           sha256 \t id \t path
//	META-INF/libraries.list          sha256 \t id \t path
//	META-INF/entry-point             location/output path [\t archive member]
//	META-INF/keyring.asc             armored OpenPGP keys for base signatures
//	META-INF/mirrors.list            http(s) mirror base URL, one per line
//
// Blank lines and lines starting with '#' are ignored.
package bundle

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"sort"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/luminolmc/goclip/internal/artifact"
	"github.com/luminolmc/goclip/internal/patch"
)

// Root is the directory holding the manifest files.
const Root = "META-INF"

const (
	// LocationVersions holds the launchable outputs.
	LocationVersions = "versions"
	// LocationLibraries holds supporting files.
	LocationLibraries = "libraries"
)

const contextFile = "download-context"

// ErrEmptyBundle is returned when the bundle carries nothing to fetch,
// patch or launch.
var ErrEmptyBundle = errors.New("bundle has no download context, patches or files")

// DownloadContext names where the base artifact comes from.
type DownloadContext struct {
	// Name is "" for the default context.
	Name     string
	Digest   digest.Digest
	URL      string
	FileName string
}

// FileEntry is one versions.list or libraries.list line.
type FileEntry struct {
	Location string
	Digest   digest.Digest
	ID       string
	Path     string
}

// EntryPoint names the launch target.
type EntryPoint struct {
	// Path is "<location>/<output path>".
	Path string
	// Member selects a file inside an archive output; empty for plain executables.
	Member string
}

// Bundle is a parsed manifest plus access to the payloads next to it.
type Bundle struct {
	fsys fs.FS

	Contexts   map[string]DownloadContext
	Patches    []patch.Spec
	Versions   []FileEntry
	Libraries  []FileEntry
	EntryPoint *EntryPoint
	Keyring    []byte
	// Mirrors are the bundle's built-in mirror base URLs.
	Mirrors []string
}

// Load parses the manifest in fsys. Patch payloads are read lazily.
func Load(fsys fs.FS) (*Bundle, error) {
	b := &Bundle{fsys: fsys, Contexts: map[string]DownloadContext{}}

	if err := b.loadContexts(); err != nil {
		return nil, err
	}

	var err error
	if b.Patches, err = loadPatches(fsys); err != nil {
		return nil, err
	}
	if b.Versions, err = loadFileEntries(fsys, LocationVersions); err != nil {
		return nil, err
	}
	if b.Libraries, err = loadFileEntries(fsys, LocationLibraries); err != nil {
		return nil, err
	}
	if b.EntryPoint, err = loadEntryPoint(fsys); err != nil {
		return nil, err
	}
	if b.Keyring, err = readOptional(fsys, "keyring.asc"); err != nil {
		return nil, err
	}
	if b.Mirrors, err = loadMirrors(fsys); err != nil {
		return nil, err
	}

	if len(b.Patches) > 0 {
		if _, ok := b.Contexts[""]; !ok {
			return nil, fmt.Errorf("patches.list found without a corresponding %s file", contextFile)
		}
	}
	if len(b.Contexts) == 0 && len(b.Patches) == 0 && len(b.Versions) == 0 && len(b.Libraries) == 0 {
		return nil, ErrEmptyBundle
	}

	return b, nil
}

// Context returns the named download context. An empty name, or a name the
// bundle does not carry, yields the default context; ok is false only when
// no default exists.
func (b *Bundle) Context(name string) (DownloadContext, bool) {
	if name != "" {
		if c, ok := b.Contexts[name]; ok {
			return c, true
		}
	}
	c, ok := b.Contexts[""]
	return c, ok
}

// ContextNames returns the alternate context names, sorted.
func (b *Bundle) ContextNames() []string {
	var names []string
	for name := range b.Contexts {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// PatchPayload reads the payload for spec from META-INF/<location>/<patch path>.
func (b *Bundle) PatchPayload(spec patch.Spec) ([]byte, error) {
	p := path.Join(Root, spec.Location, spec.PatchPath)
	data, err := fs.ReadFile(b.fsys, p)
	if err != nil {
		return nil, fmt.Errorf("read patch payload %s: %w", p, err)
	}
	return data, nil
}

// ReadFile reads a bundle-relative path below META-INF. It returns an
// error wrapping fs.ErrNotExist when the bundle does not embed it.
func (b *Bundle) ReadFile(name string) ([]byte, error) {
	return fs.ReadFile(b.fsys, path.Join(Root, name))
}

// Embedded reports whether a file entry ships inside the bundle.
func (b *Bundle) Embedded(e FileEntry) bool {
	_, err := fs.Stat(b.fsys, path.Join(Root, e.Location, e.Path))
	return err == nil
}

// PatchedOutput reports whether e is produced by a patch rather than fetched.
func (b *Bundle) PatchedOutput(e FileEntry) bool {
	for _, p := range b.Patches {
		if p.Location == e.Location && p.OutputPath == e.Path {
			return true
		}
	}
	return false
}

func (b *Bundle) loadContexts() error {
	entries, err := fs.ReadDir(b.fsys, Root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrEmptyBundle
		}
		return fmt.Errorf("read %s: %w", Root, err)
	}

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, contextFile) {
			continue
		}

		var ctxName string
		switch {
		case name == contextFile:
		case strings.HasPrefix(name, contextFile+"-"):
			ctxName = strings.TrimPrefix(name, contextFile+"-")
		default:
			continue
		}

		lines, err := readLines(b.fsys, name)
		if err != nil {
			return err
		}
		if len(lines) != 1 {
			return fmt.Errorf("%s: expected exactly one entry, found %d", name, len(lines))
		}

		c, err := parseContext(lines[0].text)
		if err != nil {
			return fmt.Errorf("%s:%d: %w", name, lines[0].num, err)
		}
		c.Name = ctxName
		b.Contexts[ctxName] = c
	}
	return nil
}

func parseContext(line string) (DownloadContext, error) {
	parts := strings.Split(line, "\t")
	if len(parts) != 3 {
		return DownloadContext{}, fmt.Errorf("malformed download context: %q", line)
	}
	d, err := artifact.ParseDigest(parts[0])
	if err != nil {
		return DownloadContext{}, err
	}
	if parts[1] == "" || parts[2] == "" {
		return DownloadContext{}, fmt.Errorf("malformed download context: %q", line)
	}
	return DownloadContext{Digest: d, URL: parts[1], FileName: parts[2]}, nil
}

func loadPatches(fsys fs.FS) ([]patch.Spec, error) {
	lines, err := readLines(fsys, "patches.list")
	if err != nil || lines == nil {
		return nil, err
	}

	specs := make([]patch.Spec, 0, len(lines))
	for _, l := range lines {
		parts := strings.Split(l.text, "\t")
		if len(parts) != 7 {
			return nil, fmt.Errorf("patches.list:%d: malformed patch entry: %q", l.num, l.text)
		}
		if parts[0] != LocationVersions && parts[0] != LocationLibraries {
			return nil, fmt.Errorf("patches.list:%d: unknown location %q", l.num, parts[0])
		}

		var ds [3]digest.Digest
		for i := range ds {
			if ds[i], err = artifact.ParseDigest(parts[i+1]); err != nil {
				return nil, fmt.Errorf("patches.list:%d: %w", l.num, err)
			}
		}
		if err := checkRelPath(parts[5]); err != nil {
			return nil, fmt.Errorf("patches.list:%d: patch path: %w", l.num, err)
		}
		if err := checkRelPath(parts[6]); err != nil {
			return nil, fmt.Errorf("patches.list:%d: output path: %w", l.num, err)
		}

		specs = append(specs, patch.Spec{
			Location:       parts[0],
			BaseDigest:     ds[0],
			PatchDigest:    ds[1],
			ExpectedDigest: ds[2],
			BasePath:       parts[4],
			PatchPath:      parts[5],
			OutputPath:     parts[6],
		})
	}
	return specs, nil
}

func loadFileEntries(fsys fs.FS, location string) ([]FileEntry, error) {
	name := location + ".list"
	lines, err := readLines(fsys, name)
	if err != nil || lines == nil {
		return nil, err
	}

	entries := make([]FileEntry, 0, len(lines))
	for _, l := range lines {
		parts := strings.Split(l.text, "\t")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%s:%d: malformed entry: %q", name, l.num, l.text)
		}
		d, err := artifact.ParseDigest(parts[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, l.num, err)
		}
		if err := checkRelPath(parts[2]); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, l.num, err)
		}
		entries = append(entries, FileEntry{Location: location, Digest: d, ID: parts[1], Path: parts[2]})
	}
	return entries, nil
}

func loadMirrors(fsys fs.FS) ([]string, error) {
	lines, err := readLines(fsys, "mirrors.list")
	if err != nil || len(lines) == 0 {
		return nil, err
	}
	mirrors := make([]string, 0, len(lines))
	for _, l := range lines {
		m := strings.TrimSpace(l.text)
		if err := CheckMirror(m); err != nil {
			return nil, fmt.Errorf("mirrors.list:%d: %w", l.num, err)
		}
		mirrors = append(mirrors, m)
	}
	return mirrors, nil
}

// CheckMirror rejects mirror URLs that are not absolute http or https URLs.
func CheckMirror(m string) error {
	u, err := url.Parse(m)
	if err != nil {
		return fmt.Errorf("invalid mirror URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("mirror URL must use https:// or http:// scheme (got: %q)", m)
	}
	if u.Host == "" {
		return fmt.Errorf("mirror URL has no host: %q", m)
	}
	return nil
}

func loadEntryPoint(fsys fs.FS) (*EntryPoint, error) {
	lines, err := readLines(fsys, "entry-point")
	if err != nil || lines == nil {
		return nil, err
	}
	if len(lines) != 1 {
		return nil, fmt.Errorf("entry-point: expected exactly one entry, found %d", len(lines))
	}
	return ParseEntryPoint(lines[0].text)
}

// ParseEntryPoint parses "<location>/<path>[\t<member>]".
func ParseEntryPoint(s string) (*EntryPoint, error) {
	parts := strings.Split(strings.TrimSpace(s), "\t")
	if len(parts) > 2 || parts[0] == "" {
		return nil, fmt.Errorf("malformed entry point: %q", s)
	}
	if err := checkRelPath(parts[0]); err != nil {
		return nil, fmt.Errorf("entry point: %w", err)
	}
	ep := &EntryPoint{Path: parts[0]}
	if len(parts) == 2 {
		if err := checkRelPath(parts[1]); err != nil {
			return nil, fmt.Errorf("entry point member: %w", err)
		}
		ep.Member = parts[1]
	}
	return ep, nil
}

// checkRelPath rejects absolute paths and paths escaping their directory.
func checkRelPath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if !fs.ValidPath(p) {
		return fmt.Errorf("invalid path %q", p)
	}
	return nil
}

type line struct {
	num  int
	text string
}

// readLines returns the significant lines of META-INF/name, or nil when the
// file does not exist.
func readLines(fsys fs.FS, name string) ([]line, error) {
	data, err := readOptional(fsys, name)
	if err != nil || data == nil {
		return nil, err
	}

	var lines []line
	for i, raw := range strings.Split(string(data), "\n") {
		text := strings.TrimRight(raw, "\r")
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		lines = append(lines, line{num: i + 1, text: text})
	}
	if lines == nil {
		lines = []line{}
	}
	return lines, nil
}

func readOptional(fsys fs.FS, name string) ([]byte, error) {
	data, err := fs.ReadFile(fsys, path.Join(Root, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return data, nil
}
