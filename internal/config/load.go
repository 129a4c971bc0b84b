package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/luminolmc/goclip/internal/platform"
)

// LoadOptions controls where Load looks for settings.
type LoadOptions struct {
	// Detector feeds the Lua platform table; nil uses platform.NewDetector.
	Detector platform.Detector
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
	// WorkDir is searched for DefaultConfigFile; defaults to the process
	// working directory.
	WorkDir string
}

// Load resolves defaults, the Lua file and the environment, then validates
// the result. It returns the path of the Lua file used, or "" when none was.
func Load(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	getenv := opts.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	detector := opts.Detector
	if detector == nil {
		detector = platform.NewDetector()
	}

	cfg := Default()

	file, explicit := getenv(EnvConfig), true
	if file == "" {
		explicit = false
		file = filepath.Join(opts.WorkDir, DefaultConfigFile)
	}
	if _, err := os.Stat(file); err == nil {
		parsed, err := NewParser(detector).ParseFile(ctx, file, cfg)
		if err != nil {
			return nil, file, fmt.Errorf("%s: %w", file, err)
		}
		cfg = parsed
	} else if explicit || !errors.Is(err, os.ErrNotExist) {
		return nil, file, fmt.Errorf("config file: %w", err)
	} else {
		file = ""
	}

	if err := ApplyEnv(cfg, getenv); err != nil {
		return nil, file, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, file, err
	}
	return cfg, file, nil
}

// ApplyEnv overrides cfg with every non-empty GOCLIP_* variable.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	str(EnvCacheDir, &cfg.CacheDir)
	str(EnvBundleDir, &cfg.BundleDir)
	str(EnvDownloadContext, &cfg.DownloadContext)
	str(EnvEntryPoint, &cfg.EntryPoint)
	str(EnvLogLevel, &cfg.LogLevel)
	if v := strings.TrimSpace(getenv(EnvLaunchMode)); v != "" {
		cfg.LaunchMode = LaunchMode(strings.ToLower(v))
	}
	if v := getenv(EnvMirrors); strings.TrimSpace(v) != "" {
		cfg.Mirrors = nil
		for _, m := range strings.Split(v, ",") {
			if m = strings.TrimSpace(m); m != "" {
				cfg.Mirrors = append(cfg.Mirrors, m)
			}
		}
	}

	durations := []struct {
		name string
		dst  *time.Duration
	}{
		{EnvTimeout, &cfg.Timeout},
		{EnvBackoff, &cfg.InitialBackoff},
		{EnvMaxBackoff, &cfg.MaxBackoff},
	}
	for _, d := range durations {
		v := strings.TrimSpace(getenv(d.name))
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return &ValidationError{Field: d.name, Message: err.Error()}
		}
		*d.dst = parsed
	}

	ints := []struct {
		name string
		dst  *int
	}{
		{EnvRetries, &cfg.Retries},
		{EnvChunks, &cfg.Chunks},
	}
	for _, n := range ints {
		v := strings.TrimSpace(getenv(n.name))
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return &ValidationError{Field: n.name, Message: fmt.Sprintf("expected integer, got %q", v)}
		}
		*n.dst = parsed
	}

	if v := strings.TrimSpace(getenv(EnvPatchOnly)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &ValidationError{Field: EnvPatchOnly, Message: fmt.Sprintf("expected boolean, got %q", v)}
		}
		cfg.PatchOnly = b
	}
	return nil
}
