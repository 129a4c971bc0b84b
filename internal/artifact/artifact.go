// Package artifact defines the immutable payload type passed between the
// fetcher, the patch engine, the cache and the launcher.
package artifact

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/opencontainers/go-digest"
)

// Artifact is an immutable byte payload identified by its content digest.
// Callers must not modify Data after construction.
type Artifact struct {
	Name    string
	Version string
	Digest  digest.Digest
	Data    []byte
}

// New builds an artifact and computes its SHA-256 digest.
func New(name, version string, data []byte) Artifact {
	return Artifact{
		Name:    name,
		Version: version,
		Digest:  digest.SHA256.FromBytes(data),
		Data:    data,
	}
}

// Size returns the payload length in bytes.
func (a Artifact) Size() int64 {
	return int64(len(a.Data))
}

// String returns "name@version (digest)" for log lines.
func (a Artifact) String() string {
	if a.Version == "" {
		return fmt.Sprintf("%s (%s)", a.Name, a.Digest)
	}
	return fmt.Sprintf("%s@%s (%s)", a.Name, a.Version, a.Digest)
}

// Matches reports whether the payload hashes to want.
func (a Artifact) Matches(want digest.Digest) bool {
	if err := want.Validate(); err != nil {
		return false
	}
	return want.Algorithm().FromBytes(a.Data) == want
}

// ParseDigest accepts either a full digest ("sha256:abc...") or the bare
// lowercase/uppercase hex SHA-256 used by bundle manifests.
func ParseDigest(s string) (digest.Digest, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty digest")
	}

	if strings.Contains(s, ":") {
		d, err := digest.Parse(s)
		if err != nil {
			return "", fmt.Errorf("parse digest %q: %w", s, err)
		}
		return d, nil
	}

	if len(s) != 64 {
		return "", fmt.Errorf("parse digest %q: expected 64 hex characters, got %d", s, len(s))
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("parse digest %q: %w", s, err)
	}

	d := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(s))
	if err := d.Validate(); err != nil {
		return "", fmt.Errorf("parse digest %q: %w", s, err)
	}
	return d, nil
}

// Short returns the first 12 hex characters of d, for log lines and paths.
func Short(d digest.Digest) string {
	enc := d.Encoded()
	if len(enc) > 12 {
		return enc[:12]
	}
	return enc
}
