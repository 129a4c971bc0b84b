package launch

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// archiveKind is detected from magic bytes, not the file name; cached
// objects carry no extension.
type archiveKind int

const (
	archiveNone archiveKind = iota
	archiveTarGz
	archiveZip
)

func detectArchive(path string) (archiveKind, error) {
	f, err := os.Open(path)
	if err != nil {
		return archiveNone, err
	}
	defer f.Close()

	head := make([]byte, 4)
	n, _ := io.ReadFull(f, head)
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, []byte{0x1f, 0x8b}):
		return archiveTarGz, nil
	case bytes.HasPrefix(head, []byte("PK\x03\x04")), bytes.HasPrefix(head, []byte("PK\x05\x06")):
		return archiveZip, nil
	default:
		return archiveNone, nil
	}
}

// unpack extracts archivePath into destDir once. Extraction goes to a
// sibling temp directory which is renamed into place, so destDir is either
// absent or complete.
func unpack(archivePath, destDir string) error {
	if info, err := os.Stat(destDir); err == nil && info.IsDir() {
		return nil
	}

	kind, err := detectArchive(archivePath)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(destDir), 0o755); err != nil {
		return fmt.Errorf("create unpack dir: %w", err)
	}
	tmp, err := os.MkdirTemp(filepath.Dir(destDir), ".unpack-*")
	if err != nil {
		return fmt.Errorf("create unpack dir: %w", err)
	}
	defer os.RemoveAll(tmp)

	switch kind {
	case archiveTarGz:
		err = extractTarGz(archivePath, tmp)
	case archiveZip:
		err = extractZip(archivePath, tmp)
	default:
		return &Error{Kind: KindIncompatibleFormat, Target: archivePath, Err: errors.New("archive member requested but target is not a .tar.gz or .zip archive")}
	}
	if err != nil {
		return err
	}

	if err := os.Rename(tmp, destDir); err != nil {
		// Another run finished first.
		if info, statErr := os.Stat(destDir); statErr == nil && info.IsDir() {
			return nil
		}
		return fmt.Errorf("rename unpack dir: %w", err)
	}
	return nil
}

// safeJoin returns destDir/name, rejecting names that escape destDir.
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, filepath.FromSlash(name))
	if target != filepath.Clean(destDir) && !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path: %s", name)
	}
	return target, nil
}

// checkLink rejects symlinks that are absolute or resolve outside destDir.
func checkLink(destDir, target, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("illegal symlink target: %s -> %s", target, linkname)
	}
	resolved := filepath.Join(filepath.Dir(target), linkname)
	if !strings.HasPrefix(resolved, filepath.Clean(destDir)+string(os.PathSeparator)) {
		return fmt.Errorf("illegal symlink target: %s -> %s", target, linkname)
	}
	return nil
}

func extractTarGz(archivePath, destDir string) error {
	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer archiveFile.Close()

	gzipReader, err := gzip.NewReader(archiveFile)
	if err != nil {
		return fmt.Errorf("create gzip reader: %w", err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := writeFile(target, tarReader, os.FileMode(header.Mode)&0o777); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := checkLink(destDir, target, header.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("create parent dir for %s: %w", target, err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return fmt.Errorf("create symlink %s: %w", target, err)
			}
		default:
			// Devices, fifos and hard links are skipped.
		}
	}
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}
	defer r.Close()

	for _, zf := range r.File {
		target, err := safeJoin(destDir, zf.Name)
		if err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", target, err)
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			continue
		}

		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("open %s: %w", zf.Name, err)
		}
		err = writeFile(target, rc, zf.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create parent dir for %s: %w", target, err)
	}
	if mode == 0 {
		mode = 0o644
	}
	outFile, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("create file %s: %w", target, err)
	}
	if _, err := io.Copy(outFile, r); err != nil {
		outFile.Close()
		return fmt.Errorf("write file %s: %w", target, err)
	}
	return outFile.Close()
}

// setExecutable adds execute bits for everyone who can read the file.
func setExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode&0o111 != 0 {
		return nil
	}
	if err := os.Chmod(path, mode|(mode&0o444)>>2); err != nil {
		return fmt.Errorf("set executable: %w", err)
	}
	return nil
}
