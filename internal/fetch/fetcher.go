// Package fetch resolves artifacts by digest from the cache, the embedded
// bundle, local files or HTTP mirrors.
//
// Sources are tried in order. Each source gets a bounded number of attempts
// with exponential backoff; only transient failures are retried. Bytes are
// verified against the expected digest (and an OpenPGP signature when
// requested) before they reach the cache or the caller.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/opencontainers/go-digest"

	"github.com/luminolmc/goclip/internal/artifact"
	"github.com/luminolmc/goclip/internal/cache"
	"github.com/luminolmc/goclip/internal/logging"
)

const (
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 30 * time.Second
	// DefaultRetries is the number of attempts per source.
	DefaultRetries = 3
	// DefaultMaxSize matches the largest output a patch may declare.
	DefaultMaxSize int64 = 4 << 30
)

// Cache is the subset of the cache store the fetcher uses.
type Cache interface {
	Get(d digest.Digest) (artifact.Artifact, error)
	Put(a artifact.Artifact) error
}

// Embedded reads files shipped inside the launcher.
type Embedded interface {
	ReadFile(name string) ([]byte, error)
}

// Attempt describes a failed attempt that is about to be retried.
type Attempt struct {
	Source string
	Number int
	Err    error
	Wait   time.Duration
}

// Options configures a Fetcher. Zero values select defaults.
type Options struct {
	Cache    Cache
	Embedded Embedded
	Client   *http.Client

	Timeout        time.Duration
	Retries        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Chunks         int
	MinChunkSize   int64
	// MaxSize bounds the bytes accepted from one HTTP source. Zero means
	// DefaultMaxSize.
	MaxSize int64

	// Signatures verifies detached signatures for requests with Signed set.
	Signatures *SignatureVerifier
	// Observer is called before each retry wait.
	Observer func(Attempt)
	Logger   logging.Logger
}

// Request names the artifact to fetch.
type Request struct {
	Name    string
	Version string
	// Sources are tried in order.
	Sources []string
	Digest  digest.Digest
	// Signed requires a detached signature next to the source.
	Signed bool
}

// Fetcher retrieves verified artifacts.
type Fetcher struct {
	cache    Cache
	embedded Embedded
	client   *http.Client

	timeout        time.Duration
	retries        int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	chunks         int
	minChunkSize   int64
	maxSize        int64
	userAgent      string

	signatures *SignatureVerifier
	observer   func(Attempt)
	log        logging.Logger
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	f := &Fetcher{
		cache:          opts.Cache,
		embedded:       opts.Embedded,
		client:         opts.Client,
		timeout:        opts.Timeout,
		retries:        opts.Retries,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		chunks:         opts.Chunks,
		minChunkSize:   opts.MinChunkSize,
		maxSize:        opts.MaxSize,
		userAgent:      DefaultUserAgent,
		signatures:     opts.Signatures,
		observer:       opts.Observer,
		log:            logging.OrNop(opts.Logger),
	}
	if f.client == nil {
		f.client = newHTTPClient()
	}
	if f.timeout <= 0 {
		f.timeout = DefaultTimeout
	}
	if f.retries <= 0 {
		f.retries = DefaultRetries
	}
	if f.initialBackoff <= 0 {
		f.initialBackoff = 500 * time.Millisecond
	}
	if f.maxBackoff <= 0 {
		f.maxBackoff = 10 * time.Second
	}
	if f.chunks <= 0 {
		f.chunks = 1
	}
	if f.maxSize <= 0 {
		f.maxSize = DefaultMaxSize
	}
	return f
}

// Fetch returns the artifact matching req.Digest. The cache is consulted
// first; on a miss each source is tried in order and the first verified
// payload is cached and returned.
//
// When every source fails, an integrity failure from any source takes
// precedence over other kinds; otherwise the last error is returned.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (artifact.Artifact, error) {
	if err := req.Digest.Validate(); err != nil {
		return artifact.Artifact{}, &Error{Kind: KindIntegrityMismatch, Name: req.Name, Err: fmt.Errorf("invalid expected digest: %w", err)}
	}

	if f.cache != nil {
		a, err := f.cache.Get(req.Digest)
		if err == nil {
			f.log.Debug("cache hit", "name", req.Name, "digest", artifact.Short(req.Digest))
			a.Name, a.Version = req.Name, req.Version
			return a, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			f.log.Warn("cache read failed", "name", req.Name, "error", err)
		}
	}

	if len(req.Sources) == 0 {
		return artifact.Artifact{}, &Error{Kind: KindNotFound, Name: req.Name, Err: errors.New("no sources")}
	}

	var lastErr, integrityErr *Error
	for _, src := range req.Sources {
		a, err := f.fetchSource(ctx, req, src)
		if err == nil {
			f.store(a)
			return a, nil
		}
		if ctx.Err() != nil {
			return artifact.Artifact{}, &Error{Kind: KindTransientIO, Name: req.Name, Source: redact(src), Err: ctx.Err()}
		}

		fe := &Error{Kind: kindOf(err), Name: req.Name, Source: redact(src), Err: err}
		f.log.Info("source failed", "name", req.Name, "source", fe.Source, "kind", fe.Kind.String(), "error", err)
		lastErr = fe
		if fe.Kind == KindIntegrityMismatch && integrityErr == nil {
			integrityErr = fe
		}
	}

	if integrityErr != nil {
		return artifact.Artifact{}, integrityErr
	}
	return artifact.Artifact{}, lastErr
}

func (f *Fetcher) fetchSource(ctx context.Context, req Request, src string) (artifact.Artifact, error) {
	data, err := f.retry(ctx, src)
	if err != nil {
		return artifact.Artifact{}, err
	}

	a := artifact.New(req.Name, req.Version, data)
	if !a.Matches(req.Digest) {
		return artifact.Artifact{}, integrity("expected %s, got %s", req.Digest, a.Digest)
	}

	if req.Signed {
		if err := f.checkSignature(ctx, src, data); err != nil {
			return artifact.Artifact{}, err
		}
	}
	return a, nil
}

func (f *Fetcher) checkSignature(ctx context.Context, src string, data []byte) error {
	if f.signatures == nil {
		return integrity("signature required but no keyring configured")
	}

	var lastErr error
	for _, suffix := range SignatureSuffixes {
		sig, err := f.retry(ctx, src+suffix)
		if err != nil {
			if kindOf(err) == KindNotFound {
				lastErr = err
				continue
			}
			return err
		}
		if err := f.signatures.Verify(data, sig); err != nil {
			return integrity("%w", err)
		}
		f.log.Debug("signature verified", "source", redact(src+suffix))
		return nil
	}
	return integrity("no signature found: %w", lastErr)
}

// retry runs get for src with exponential backoff. Non-transient failures
// stop immediately.
func (f *Fetcher) retry(ctx context.Context, src string) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialBackoff
	b.MaxInterval = f.maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.1

	attempt := 0
	data, err := backoff.Retry(ctx, func() ([]byte, error) {
		attempt++
		actx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()

		data, err := f.get(actx, src)
		if err == nil {
			return data, nil
		}
		if kindOf(err) != KindTransientIO {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(f.retries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			f.log.Debug("retrying", "source", redact(src), "attempt", attempt, "wait", wait, "error", err)
			if f.observer != nil {
				f.observer(Attempt{Source: src, Number: attempt, Err: err, Wait: wait})
			}
		}),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		if attempt > 1 {
			err = fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		return nil, err
	}
	return data, nil
}

func (f *Fetcher) get(ctx context.Context, src string) ([]byte, error) {
	kind, ref := classify(src)
	switch kind {
	case sourceBundle:
		if f.embedded == nil {
			return nil, notFound("no embedded bundle")
		}
		data, err := f.embedded.ReadFile(ref)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, notFound("%w", err)
			}
			return nil, transient("%w", err)
		}
		return data, nil
	case sourceHTTP:
		return f.getHTTP(ctx, ref)
	default:
		data, err := os.ReadFile(ref)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, notFound("%w", err)
			}
			return nil, transient("%w", err)
		}
		return data, nil
	}
}

// store caches a; failures are logged and never fail the fetch.
func (f *Fetcher) store(a artifact.Artifact) {
	if f.cache == nil {
		return
	}
	if err := f.cache.Put(a); err != nil {
		f.log.Warn("cache write failed", "name", a.Name, "digest", artifact.Short(a.Digest), "error", err)
		return
	}
	f.log.Debug("cached", "name", a.Name, "digest", artifact.Short(a.Digest), "size", a.Size())
}
