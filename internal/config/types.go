package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/luminolmc/goclip/internal/bundle"
)

// LaunchMode selects how the target receives control.
type LaunchMode string

const (
	// LaunchExec replaces the goclip process image with the target.
	LaunchExec LaunchMode = "exec"
	// LaunchChild runs the target as a supervised child process.
	LaunchChild LaunchMode = "child"
)

// Config is the resolved runtime configuration.
type Config struct {
	// CacheDir is the root of the content-addressed store.
	CacheDir string
	// BundleDir, when set, replaces the embedded bundle with a directory
	// containing META-INF.
	BundleDir string

	// Timeout applies to each network attempt.
	Timeout time.Duration
	// Retries is the number of attempts per source.
	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Chunks is the number of concurrent range requests for one download;
	// 1 disables ranged downloads.
	Chunks       int
	MinChunkSize int64
	// Mirrors are base URLs tried after the primary source.
	Mirrors []string

	// DownloadContext names an alternate base source from the bundle, or
	// AutoDownloadContext.
	DownloadContext string
	// CountryEndpoints are the geolocation URLs used by AutoDownloadContext;
	// empty selects the fetcher's defaults.
	CountryEndpoints []string
	// CountryContexts maps ISO country codes to download context names.
	CountryContexts map[string]string
	LaunchMode      LaunchMode
	// EntryPoint overrides the bundle's entry point.
	EntryPoint string
	// PatchOnly stops after the artifacts are reconstructed and cached.
	PatchOnly bool
	LogLevel  string
}

// Default returns the built-in configuration.
func Default() *Config {
	mode := LaunchExec
	if runtime.GOOS == "windows" {
		mode = LaunchChild
	}
	return &Config{
		CacheDir:        defaultCacheDir(),
		Timeout:         30 * time.Second,
		Retries:         3,
		InitialBackoff:  500 * time.Millisecond,
		MaxBackoff:      10 * time.Second,
		Chunks:          4,
		MinChunkSize:    8 << 20,
		CountryContexts: map[string]string{"CN": "cn"},
		LaunchMode:      mode,
		LogLevel:        "warn",
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "goclip")
	}
	return ".goclip-cache"
}

// Validate checks field ranges and formats.
func (c *Config) Validate() error {
	if c.CacheDir == "" {
		return &ValidationError{Field: "cache_dir", Message: "cannot be empty"}
	}
	if c.Timeout <= 0 {
		return &ValidationError{Field: "timeout", Message: fmt.Sprintf("must be positive, got %s", c.Timeout)}
	}
	if c.Retries < 1 {
		return &ValidationError{Field: "retries", Message: fmt.Sprintf("must be at least 1, got %d", c.Retries)}
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return &ValidationError{Field: "backoff", Message: "cannot be negative"}
	}
	if c.MaxBackoff > 0 && c.InitialBackoff > c.MaxBackoff {
		return &ValidationError{
			Field:   "backoff",
			Message: fmt.Sprintf("initial backoff %s exceeds max backoff %s", c.InitialBackoff, c.MaxBackoff),
		}
	}
	if c.Chunks < 1 || c.Chunks > 64 {
		return &ValidationError{Field: "chunks", Message: fmt.Sprintf("must be between 1 and 64, got %d", c.Chunks)}
	}
	if c.MinChunkSize < 0 {
		return &ValidationError{Field: "min_chunk_size", Message: "cannot be negative"}
	}
	for i, m := range c.Mirrors {
		if err := validateMirror(m); err != nil {
			return &ValidationError{Field: fmt.Sprintf("mirrors[%d]", i), Message: err.Error()}
		}
	}
	for i, u := range c.CountryEndpoints {
		if err := validateMirror(u); err != nil {
			return &ValidationError{Field: fmt.Sprintf("country_endpoints[%d]", i), Message: err.Error()}
		}
	}
	for code, name := range c.CountryContexts {
		if len(code) != 2 || strings.ToUpper(code) != code || name == "" {
			return &ValidationError{Field: "country_contexts", Message: fmt.Sprintf("want upper-case two-letter code to context name, got %q = %q", code, name)}
		}
	}
	switch c.LaunchMode {
	case LaunchExec, LaunchChild:
	default:
		return &ValidationError{Field: "launch_mode", Message: fmt.Sprintf("must be %q or %q, got %q", LaunchExec, LaunchChild, c.LaunchMode)}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return &ValidationError{Field: "log_level", Message: fmt.Sprintf("unknown level %q", c.LogLevel)}
	}
	return nil
}

// ValidationError represents a config validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return "config validation failed for " + e.Field + ": " + e.Message
	}
	return "config validation failed: " + e.Message
}

func validateMirror(m string) error {
	return bundle.CheckMirror(m)
}
