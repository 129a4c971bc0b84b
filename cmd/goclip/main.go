// Command goclip rebuilds a program from a public base artifact and the
// binary patches embedded in it, then launches the result. Arguments are
// forwarded to the launched program unchanged; goclip itself is configured
// through goclip.lua and GOCLIP_* environment variables.
package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/luminolmc/goclip/internal/bundle"
	"github.com/luminolmc/goclip/internal/cache"
	"github.com/luminolmc/goclip/internal/clip"
	"github.com/luminolmc/goclip/internal/config"
	"github.com/luminolmc/goclip/internal/fetch"
	"github.com/luminolmc/goclip/internal/launch"
	"github.com/luminolmc/goclip/internal/logging"
	"github.com/luminolmc/goclip/internal/platform"
)

// Version will be set at build time via -ldflags
var Version = "v0.1.0"

//go:embed all:META-INF
var embedded embed.FS

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stderr))
}

// run executes one goclip run and returns the process exit code.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	wd, err := os.Getwd()
	if err != nil {
		return fail(stderr, &clip.PhaseError{Phase: clip.StateStart, Err: err})
	}

	cfg, cfgFile, err := config.Load(ctx, config.LoadOptions{WorkDir: wd})
	if err != nil {
		return fail(stderr, &clip.PhaseError{Phase: clip.StateStart, Err: errors.New(config.FormatError(err, false))})
	}

	log, sync := logging.New(stderr, cfg.LogLevel)
	defer func() { _ = sync() }()
	log.Debug("configuration loaded", append([]interface{}{"file", cfgFile, "version", Version}, cfg.LogFields()...)...)

	b, err := loadBundle(cfg.BundleDir)
	if err != nil {
		return fail(stderr, &clip.PhaseError{Phase: clip.StateStart, Err: err})
	}

	opts, err := wire(ctx, cfg, b, log)
	if err != nil {
		return fail(stderr, &clip.PhaseError{Phase: clip.StateStart, Err: err})
	}
	opts.Args = args
	opts.WorkDir = wd

	o, err := clip.New(opts)
	if err != nil {
		return fail(stderr, &clip.PhaseError{Phase: clip.StateStart, Err: err})
	}
	code, err := o.Run(ctx)
	if err != nil {
		log.Debug("run failed", "run", o.RunID(), "error", fmt.Sprintf("%+v", err))
		return fail(stderr, err)
	}
	return code
}

// loadBundle reads the bundle from dir, or the embedded one when dir is
// empty.
func loadBundle(dir string) (*bundle.Bundle, error) {
	var fsys fs.FS = embedded
	if dir != "" {
		fsys = os.DirFS(dir)
	}
	b, err := bundle.Load(fsys)
	if errors.Is(err, bundle.ErrEmptyBundle) && dir == "" {
		return nil, fmt.Errorf("%w; set %s to a bundle directory", err, config.EnvBundleDir)
	}
	return b, err
}

// wire builds the run components from cfg.
func wire(ctx context.Context, cfg *config.Config, b *bundle.Bundle, log logging.Logger) (clip.Options, error) {
	var (
		fetchCache fetch.Cache
		clipStore  clip.Store
	)
	store, err := cache.Open(cfg.CacheDir, cache.Options{Logger: log})
	if err != nil {
		log.Warn("cache unavailable, continuing without it", "dir", cfg.CacheDir, "error", err)
	} else {
		fetchCache, clipStore = store, store
	}

	var sigs *fetch.SignatureVerifier
	if len(b.Keyring) > 0 {
		if sigs, err = fetch.NewSignatureVerifier(b.Keyring); err != nil {
			return clip.Options{}, fmt.Errorf("bundle keyring: %w", err)
		}
	}

	info, err := platform.NewDetector().Detect(ctx)
	if err != nil {
		return clip.Options{}, fmt.Errorf("detect platform: %w", err)
	}

	fetcher := fetch.New(fetch.Options{
		Cache:          fetchCache,
		Embedded:       b,
		Timeout:        cfg.Timeout,
		Retries:        cfg.Retries,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		Chunks:         cfg.Chunks,
		MinChunkSize:   cfg.MinChunkSize,
		Signatures:     sigs,
		Logger:         log,
	})

	launcher := launch.New(launch.Options{
		Mode:      launch.Mode(cfg.LaunchMode),
		UnpackDir: filepath.Join(cfg.CacheDir, "unpacked"),
		Platform:  info,
		Logger:    log,
	})

	return clip.Options{
		Bundle:          b,
		Fetcher:         fetcher,
		Store:           clipStore,
		Launcher:        launcher,
		DownloadContext: downloadContext(ctx, cfg, fetcher, log),
		Mirrors:         cfg.Mirrors,
		EntryPoint:      cfg.EntryPoint,
		PatchOnly:       cfg.PatchOnly,
		Logger:          log,
	}, nil
}

// downloadContext resolves AutoDownloadContext to the context configured for
// the caller's country. Lookup failures select the default context.
func downloadContext(ctx context.Context, cfg *config.Config, f *fetch.Fetcher, log logging.Logger) string {
	if cfg.DownloadContext != config.AutoDownloadContext {
		return cfg.DownloadContext
	}
	country, err := f.Country(ctx, cfg.CountryEndpoints)
	if err != nil {
		log.Warn("country lookup failed, using the default download context", "error", err)
		return ""
	}
	name := cfg.CountryContexts[country]
	log.Info("download context selected", "country", country, "context", name)
	return name
}

// fail prints the single-line diagnostic and returns the exit code for err.
func fail(w io.Writer, err error) int {
	c := color.New(color.FgRed)
	if isTerminal(w) {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	_, _ = c.Fprintf(w, "goclip: %v\n", err)
	return clip.ExitCode(err)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
