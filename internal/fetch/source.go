package fetch

import (
	"net/url"
	"path"
	"strings"
)

// BundleScheme prefixes sources read from the embedded bundle.
const BundleScheme = "bundle:"

type sourceKind int

const (
	sourceFile sourceKind = iota
	sourceBundle
	sourceHTTP
)

func classify(src string) (sourceKind, string) {
	switch {
	case strings.HasPrefix(src, BundleScheme):
		return sourceBundle, strings.TrimPrefix(src, BundleScheme)
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return sourceHTTP, src
	case strings.HasPrefix(src, "file://"):
		if u, err := url.Parse(src); err == nil {
			return sourceFile, u.Path
		}
		return sourceFile, strings.TrimPrefix(src, "file://")
	default:
		return sourceFile, src
	}
}

// MirrorURLs returns primary followed by one candidate per mirror, each
// made by replacing the scheme and host of primary with the mirror's and
// prefixing the mirror's path. Non-HTTP primaries get no mirrors.
// Duplicates are dropped.
func MirrorURLs(primary string, mirrors []string) []string {
	out := []string{primary}
	if kind, _ := classify(primary); kind != sourceHTTP {
		return out
	}
	pu, err := url.Parse(primary)
	if err != nil {
		return out
	}

	seen := map[string]bool{primary: true}
	for _, m := range mirrors {
		mu, err := url.Parse(m)
		if err != nil || mu.Host == "" {
			continue
		}
		u := *pu
		u.Scheme = mu.Scheme
		u.Host = mu.Host
		u.User = mu.User
		u.Path = path.Join("/", mu.Path, pu.Path)
		u.RawPath = ""
		s := u.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// JoinMirror returns the URL of rel under a mirror base URL.
func JoinMirror(mirror, rel string) string {
	return strings.TrimRight(mirror, "/") + "/" + strings.TrimLeft(rel, "/")
}

// redact hides credentials in src for logs and errors.
func redact(src string) string {
	if kind, _ := classify(src); kind != sourceHTTP {
		return src
	}
	u, err := url.Parse(src)
	if err != nil || u.User == nil {
		return src
	}
	return u.Redacted()
}
