package bundle

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/luminolmc/goclip/internal/patch"
)

// Writer lays out a bundle directory that Load can read back. List files
// are written by Close.
type Writer struct {
	root      string
	patches   []string
	versions  []string
	libraries []string
	mirrors   []string
}

// NewWriter writes a bundle rooted at dir (META-INF is created inside it).
func NewWriter(dir string) (*Writer, error) {
	root := filepath.Join(dir, Root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create bundle dir: %w", err)
	}
	return &Writer{root: root}, nil
}

func hexOf(d digest.Digest) string {
	return d.Encoded()
}

func (w *Writer) write(rel string, data []byte) error {
	p := filepath.Join(w.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", rel, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// SetContext writes a download context. An empty c.Name writes the default.
func (w *Writer) SetContext(c DownloadContext) error {
	name := contextFile
	if c.Name != "" {
		name += "-" + c.Name
	}
	line := strings.Join([]string{hexOf(c.Digest), c.URL, c.FileName}, "\t")
	return w.write(name, []byte(line+"\n"))
}

// AddPatch stores payload at <location>/<patch path> and records spec.
func (w *Writer) AddPatch(spec patch.Spec, payload []byte) error {
	if spec.Location != LocationVersions && spec.Location != LocationLibraries {
		return fmt.Errorf("unknown patch location %q", spec.Location)
	}
	if err := checkRelPath(spec.PatchPath); err != nil {
		return err
	}
	if err := w.write(spec.Location+"/"+spec.PatchPath, payload); err != nil {
		return err
	}
	w.patches = append(w.patches, strings.Join([]string{
		spec.Location,
		hexOf(spec.BaseDigest),
		hexOf(spec.PatchDigest),
		hexOf(spec.ExpectedDigest),
		spec.BasePath,
		spec.PatchPath,
		spec.OutputPath,
	}, "\t"))
	return nil
}

// AddFile records a versions or libraries entry. When data is non-nil the
// file is embedded in the bundle; otherwise it is fetched from mirrors.
func (w *Writer) AddFile(e FileEntry, data []byte) error {
	if err := checkRelPath(e.Path); err != nil {
		return err
	}
	if data != nil {
		if err := w.write(e.Location+"/"+e.Path, data); err != nil {
			return err
		}
	}

	line := strings.Join([]string{hexOf(e.Digest), e.ID, e.Path}, "\t")
	switch e.Location {
	case LocationVersions:
		w.versions = append(w.versions, line)
	case LocationLibraries:
		w.libraries = append(w.libraries, line)
	default:
		return fmt.Errorf("unknown location %q", e.Location)
	}
	return nil
}

// SetEntryPoint writes the entry-point file.
func (w *Writer) SetEntryPoint(ep EntryPoint) error {
	line := ep.Path
	if ep.Member != "" {
		line += "\t" + ep.Member
	}
	return w.write("entry-point", []byte(line+"\n"))
}

// SetKeyring embeds armored OpenPGP public keys.
func (w *Writer) SetKeyring(armored []byte) error {
	return w.write("keyring.asc", armored)
}

// AddMirror records a built-in mirror base URL.
func (w *Writer) AddMirror(m string) error {
	if err := CheckMirror(m); err != nil {
		return err
	}
	w.mirrors = append(w.mirrors, m)
	return nil
}

// Close writes the list files.
func (w *Writer) Close() error {
	lists := []struct {
		name  string
		lines []string
	}{
		{"patches.list", w.patches},
		{"versions.list", w.versions},
		{"libraries.list", w.libraries},
		{"mirrors.list", w.mirrors},
	}
	for _, l := range lists {
		if len(l.lines) == 0 {
			continue
		}
		if err := w.write(l.name, []byte(strings.Join(l.lines, "\n")+"\n")); err != nil {
			return err
		}
	}
	return nil
}
