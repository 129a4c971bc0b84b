// Package clip sequences a goclip run: fetch the base and supporting files,
// rebuild the patched outputs, cache them and launch the entry point.
//
// A run moves through Start, Fetching, Patching, Caching and Launching to
// Done, or to Failed from any state. Failures are wrapped in *PhaseError and
// mapped to process exit codes by ExitCode.
package clip

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/errgroup"

	"github.com/luminolmc/goclip/internal/artifact"
	"github.com/luminolmc/goclip/internal/bundle"
	"github.com/luminolmc/goclip/internal/fetch"
	"github.com/luminolmc/goclip/internal/launch"
	"github.com/luminolmc/goclip/internal/logging"
	"github.com/luminolmc/goclip/internal/patch"
)

// Variables added to the launched program's environment.
const (
	EnvLibraries = "GOCLIP_LIBRARIES"
	EnvArtifact  = "GOCLIP_ARTIFACT"
)

// DefaultConcurrency bounds parallel library fetches.
const DefaultConcurrency = 4

// Fetcher retrieves verified artifacts.
type Fetcher interface {
	Fetch(ctx context.Context, req fetch.Request) (artifact.Artifact, error)
}

// Store is the content-addressed cache.
type Store interface {
	Get(d digest.Digest) (artifact.Artifact, error)
	Put(a artifact.Artifact) error
	Has(d digest.Digest) bool
	Path(d digest.Digest) (string, error)
	Pin(d digest.Digest) (release func())
}

// Launcher starts the entry point.
type Launcher interface {
	Launch(ctx context.Context, lc launch.Context) (int, error)
}

// Options configures a run.
type Options struct {
	Bundle   *bundle.Bundle
	Fetcher  Fetcher
	Store    Store // optional
	Launcher Launcher

	// DownloadContext selects an alternate base source.
	DownloadContext string
	// Mirrors are tried before the mirrors the bundle carries.
	Mirrors []string
	// EntryPoint overrides the bundle's entry point.
	EntryPoint string
	// PatchOnly ends the run after caching.
	PatchOnly bool

	Args    []string
	Env     []string // nil means os.Environ()
	WorkDir string
	// RunDir receives outputs that are not in the cache. Defaults to a
	// per-run directory under os.TempDir().
	RunDir      string
	Concurrency int

	Observer Observer
	Logger   logging.Logger
	Now      func() time.Time
}

// Orchestrator runs one bundle. It is not reusable.
type Orchestrator struct {
	opts  Options
	runID string
	log   logging.Logger
	state State

	entry    *bundle.EntryPoint
	baseCtx  bundle.DownloadContext
	needBase bool
	base     *artifact.Artifact

	mu       sync.Mutex
	outputs  map[string]artifact.Artifact
	patched  []string
	releases []func()
}

// New validates opts and creates an orchestrator with a fresh run id.
func New(opts Options) (*Orchestrator, error) {
	if opts.Bundle == nil {
		return nil, errors.New("bundle is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.Launcher == nil && !opts.PatchOnly {
		return nil, errors.New("launcher is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Mirrors = mergeMirrors(opts.Mirrors, opts.Bundle.Mirrors)

	runID := uuid.NewString()
	return &Orchestrator{
		opts:    opts,
		runID:   runID,
		log:     logging.With(logging.OrNop(opts.Logger), "run", runID),
		outputs: map[string]artifact.Artifact{},
	}, nil
}

// RunID identifies this run in logs.
func (o *Orchestrator) RunID() string { return o.runID }

// State returns the current state.
func (o *Orchestrator) State() State { return o.state }

// Run executes the run and returns the launched program's exit code. In
// exec mode a successful launch does not return.
func (o *Orchestrator) Run(ctx context.Context) (int, error) {
	defer o.releasePins()

	if err := o.start(); err != nil {
		return 0, o.fail(err)
	}

	steps := []struct {
		state State
		fn    func(context.Context) error
	}{
		{StateFetching, o.fetch},
		{StatePatching, o.patch},
		{StateCaching, o.cache},
	}
	for _, step := range steps {
		o.transition(step.state, nil)
		if err := step.fn(ctx); err != nil {
			return 0, o.fail(err)
		}
	}

	if o.opts.PatchOnly {
		o.log.Info("patch-only run complete", "outputs", len(o.outputs))
		o.transition(StateDone, nil)
		return 0, nil
	}

	o.transition(StateLaunching, nil)
	code, err := o.launch(ctx)
	if err != nil {
		return 0, o.fail(err)
	}
	o.transition(StateDone, nil)
	return code, nil
}

func (o *Orchestrator) transition(to State, err error) {
	from := o.state
	o.state = to
	o.log.Debug("state", "from", from.String(), "to", to.String())
	if o.opts.Observer != nil {
		o.opts.Observer(Transition{RunID: o.runID, From: from, To: to, Err: err, At: o.opts.Now()})
	}
}

// fail wraps err with the current phase unless it already carries one.
func (o *Orchestrator) fail(err error) error {
	var pe *PhaseError
	if !errors.As(err, &pe) {
		pe = &PhaseError{Phase: o.state, Err: err}
	}
	o.transition(StateFailed, pe)
	o.log.Debug("run failed", "phase", pe.Phase.String(), "error", fmt.Sprintf("%+v", pe.Err))
	return pe
}

func (o *Orchestrator) pin(d digest.Digest) {
	if o.opts.Store == nil {
		return
	}
	release := o.opts.Store.Pin(d)
	o.mu.Lock()
	o.releases = append(o.releases, release)
	o.mu.Unlock()
}

func (o *Orchestrator) releasePins() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, r := range o.releases {
		r()
	}
	o.releases = nil
}

func (o *Orchestrator) start() error {
	b := o.opts.Bundle

	switch {
	case o.opts.EntryPoint != "":
		ep, err := bundle.ParseEntryPoint(o.opts.EntryPoint)
		if err != nil {
			return fmt.Errorf("entry point override: %w", err)
		}
		o.entry = ep
	case b.EntryPoint != nil:
		o.entry = b.EntryPoint
	case !o.opts.PatchOnly:
		return errors.New("bundle has no entry point")
	}

	for _, spec := range b.Patches {
		if o.opts.Store == nil || !o.opts.Store.Has(spec.ExpectedDigest) {
			o.needBase = true
			break
		}
	}
	if len(b.Patches) > 0 {
		dc, ok := b.Context(o.opts.DownloadContext)
		if !ok {
			return errors.New("bundle has patches but no download context")
		}
		if o.opts.DownloadContext != "" && dc.Name != o.opts.DownloadContext {
			o.log.Warn("unknown download context, using default", "context", o.opts.DownloadContext)
		}
		o.baseCtx = dc
	}

	o.log.Info("run started",
		"patches", len(b.Patches),
		"versions", len(b.Versions),
		"libraries", len(b.Libraries),
		"need_base", o.needBase,
	)
	return nil
}

func (o *Orchestrator) fetch(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.opts.Concurrency)

	if o.needBase {
		g.Go(func() error { return o.fetchBase(gctx) })
	}

	b := o.opts.Bundle
	for _, e := range append(append([]bundle.FileEntry(nil), b.Versions...), b.Libraries...) {
		if b.PatchedOutput(e) {
			continue
		}
		g.Go(func() error {
			a, err := o.opts.Fetcher.Fetch(gctx, fetch.Request{
				Name:    e.ID,
				Sources: o.entrySources(e),
				Digest:  e.Digest,
			})
			if err != nil {
				return err
			}
			o.pin(a.Digest)
			o.mu.Lock()
			o.outputs[e.Location+"/"+e.Path] = a
			o.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func mergeMirrors(lists ...[]string) []string {
	var out []string
	seen := map[string]bool{}
	for _, l := range lists {
		for _, m := range l {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out
}

// entrySources lists the embedded copy first, then each mirror.
func (o *Orchestrator) entrySources(e bundle.FileEntry) []string {
	sources := []string{fetch.BundleScheme + e.Location + "/" + e.Path}
	for _, m := range o.opts.Mirrors {
		sources = append(sources, fetch.JoinMirror(m, e.Path))
	}
	return sources
}

// fetchBase fetches the base from the selected context, falling back to
// the default context when a named one fails.
func (o *Orchestrator) fetchBase(ctx context.Context) error {
	signed := len(o.opts.Bundle.Keyring) > 0
	req := func(dc bundle.DownloadContext) fetch.Request {
		return fetch.Request{
			Name:    dc.FileName,
			Sources: fetch.MirrorURLs(dc.URL, o.opts.Mirrors),
			Digest:  dc.Digest,
			Signed:  signed,
		}
	}

	a, err := o.opts.Fetcher.Fetch(ctx, req(o.baseCtx))
	if err != nil && o.baseCtx.Name != "" && ctx.Err() == nil {
		if def, ok := o.opts.Bundle.Contexts[""]; ok {
			o.log.Warn("download context failed, falling back to default", "context", o.baseCtx.Name, "error", err)
			o.baseCtx = def
			a, err = o.opts.Fetcher.Fetch(ctx, req(def))
		}
	}
	if err != nil {
		return err
	}

	o.pin(a.Digest)
	o.base = &a
	return nil
}

func (o *Orchestrator) patch(ctx context.Context) error {
	b := o.opts.Bundle
	for _, spec := range b.Patches {
		key := spec.Target()

		if o.opts.Store != nil {
			if cached, err := o.opts.Store.Get(spec.ExpectedDigest); err == nil {
				o.log.Debug("reusing cached output", "output", key)
				cached.Name = spec.OutputPath
				o.pin(cached.Digest)
				o.outputs[key] = cached
				continue
			}
		}

		if o.base == nil {
			// A cached output vanished after start; fetch the base now.
			if err := o.fetchBase(ctx); err != nil {
				return &PhaseError{Phase: StateFetching, Err: err}
			}
		}

		payload, err := b.PatchPayload(spec)
		if err != nil {
			return &patch.Error{Kind: patch.KindCorruptPatch, Target: key, Detail: "patch payload missing from bundle", Err: err}
		}
		spec.Payload = payload

		base, err := o.resolveBase(spec)
		if err != nil {
			return err
		}

		out, err := patch.ApplyArtifact(base, spec)
		if err != nil {
			return err
		}
		o.log.Info("patched", "output", key, "size", out.Size())
		o.pin(out.Digest)
		o.outputs[key] = out
		o.patched = append(o.patched, key)
	}
	return nil
}

// resolveBase returns the whole base artifact, or the named member of a zip
// base.
func (o *Orchestrator) resolveBase(spec patch.Spec) (artifact.Artifact, error) {
	if spec.BasePath == "" || spec.BasePath == o.baseCtx.FileName {
		return *o.base, nil
	}

	data, err := bundle.BaseMember(o.base.Data, spec.BasePath)
	if err != nil {
		return artifact.Artifact{}, &patch.Error{Kind: patch.KindBaseMismatch, Target: spec.Target(), Detail: "resolve base member " + spec.BasePath, Err: err}
	}
	return artifact.New(spec.BasePath, o.base.Version, data), nil
}

// cache stores patched outputs. Failures are logged; the run continues
// from memory.
func (o *Orchestrator) cache(context.Context) error {
	if o.opts.Store == nil {
		return nil
	}
	for _, key := range o.patched {
		a := o.outputs[key]
		if err := o.opts.Store.Put(a); err != nil {
			o.log.Warn("cache write failed", "output", key, "error", err)
			continue
		}
		o.log.Debug("cached output", "output", key, "digest", artifact.Short(a.Digest))
	}
	return nil
}

func (o *Orchestrator) launch(ctx context.Context) (int, error) {
	ep := o.entry
	target, ok := o.outputs[ep.Path]
	if !ok {
		return 0, &launch.Error{Kind: launch.KindEntryPointMissing, Target: ep.Path, Err: errors.New("not produced by this bundle")}
	}

	targetPath, err := o.materialize(ep.Path, target)
	if err != nil {
		return 0, &launch.Error{Kind: launch.KindStartFailed, Target: ep.Path, Err: err}
	}

	var libs []string
	for _, e := range o.opts.Bundle.Libraries {
		key := e.Location + "/" + e.Path
		a, ok := o.outputs[key]
		if !ok {
			continue
		}
		p, err := o.materialize(key, a)
		if err != nil {
			return 0, &launch.Error{Kind: launch.KindStartFailed, Target: key, Err: err}
		}
		libs = append(libs, p)
	}

	env := o.opts.Env
	if env == nil {
		env = os.Environ()
	}
	env = append(env[:len(env):len(env)],
		EnvLibraries+"="+strings.Join(libs, string(os.PathListSeparator)),
		EnvArtifact+"="+targetPath,
	)

	o.log.Info("launching", "entry_point", ep.Path, "member", ep.Member, "libraries", len(libs))
	return o.opts.Launcher.Launch(ctx, launch.Context{
		Target: targetPath,
		Member: ep.Member,
		Digest: target.Digest,
		Args:   o.opts.Args,
		Env:    env,
		Dir:    o.opts.WorkDir,
	})
}

// materialize returns an on-disk path holding a: the cache object when
// present, otherwise a file under the run directory.
func (o *Orchestrator) materialize(key string, a artifact.Artifact) (string, error) {
	if o.opts.Store != nil {
		if p, err := o.opts.Store.Path(a.Digest); err == nil {
			return p, nil
		}
	}

	dir := o.opts.RunDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "goclip-"+o.runID)
	}
	p := filepath.Join(dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	if err := os.WriteFile(p, a.Data, 0o755); err != nil {
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	o.log.Debug("materialized output", "output", key, "path", p)
	return p, nil
}
