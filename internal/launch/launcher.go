// Package launch hands control to a reconstructed artifact.
//
// The target is a native executable or script on disk, or a member of a
// .tar.gz or .zip artifact which is unpacked once under the unpack root. In
// exec mode the goclip process image is replaced; in child mode the target
// runs as a supervised child whose exit code is returned.
package launch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/opencontainers/go-digest"

	"github.com/luminolmc/goclip/internal/logging"
	"github.com/luminolmc/goclip/internal/platform"
)

// Mode selects how control is transferred.
type Mode string

const (
	ModeExec  Mode = "exec"
	ModeChild Mode = "child"
)

// Context is everything the launcher needs to start the target.
type Context struct {
	// Target is the artifact path on disk.
	Target string
	// Member selects a file inside an archive target.
	Member string
	// Digest names the unpack directory; computed from Target when empty.
	Digest digest.Digest
	Args   []string
	Env    []string
	Dir    string
}

// Options configures a Launcher.
type Options struct {
	Mode Mode
	// UnpackDir holds extracted archive targets, one directory per digest.
	UnpackDir string
	// Platform decides format compatibility; nil means the running host.
	Platform *platform.Info
	// Exec replaces the process image; defaults to syscall.Exec where
	// available.
	Exec   func(path string, argv, env []string) error
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger logging.Logger
}

// Launcher starts launch targets.
type Launcher struct {
	mode      Mode
	unpackDir string
	goos      string
	exec      func(string, []string, []string) error
	stdin     io.Reader
	stdout    io.Writer
	stderr    io.Writer
	log       logging.Logger
}

// New creates a Launcher.
func New(opts Options) *Launcher {
	l := &Launcher{
		mode:      opts.Mode,
		unpackDir: opts.UnpackDir,
		goos:      runtime.GOOS,
		exec:      opts.Exec,
		stdin:     opts.Stdin,
		stdout:    opts.Stdout,
		stderr:    opts.Stderr,
		log:       logging.OrNop(opts.Logger),
	}
	if opts.Platform != nil && opts.Platform.OS != "" {
		l.goos = opts.Platform.OS
	}
	if l.mode == "" {
		l.mode = ModeExec
	}
	if l.exec == nil {
		l.exec = execve
	}
	if l.stdin == nil {
		l.stdin = os.Stdin
	}
	if l.stdout == nil {
		l.stdout = os.Stdout
	}
	if l.stderr == nil {
		l.stderr = os.Stderr
	}
	return l
}

// Resolve returns the executable path for lc, unpacking archives as needed,
// and checks that it exists and can run on this host.
func (l *Launcher) Resolve(lc Context) (string, error) {
	name := lc.Target
	if lc.Member != "" {
		name += "!" + lc.Member
	}

	if _, err := os.Stat(lc.Target); err != nil {
		return "", &Error{Kind: KindEntryPointMissing, Target: name, Err: err}
	}

	path := lc.Target
	if lc.Member != "" {
		var err error
		if path, err = l.resolveMember(lc); err != nil {
			return "", err
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", &Error{Kind: KindEntryPointMissing, Target: name, Err: err}
	}
	if info.IsDir() {
		return "", &Error{Kind: KindEntryPointMissing, Target: name, Err: errors.New("entry point is a directory")}
	}

	format, err := sniff(path)
	if err != nil {
		return "", &Error{Kind: KindEntryPointMissing, Target: name, Err: err}
	}
	if !Compatible(format, l.goos) {
		return "", &Error{Kind: KindIncompatibleFormat, Target: name, Err: fmt.Errorf("%s executable cannot run on %s", format, l.goos)}
	}

	if l.goos != "windows" {
		if err := setExecutable(path); err != nil {
			return "", &Error{Kind: KindStartFailed, Target: name, Err: err}
		}
	}
	l.log.Debug("entry point resolved", "path", path, "format", format.String())
	return path, nil
}

func (l *Launcher) resolveMember(lc Context) (string, error) {
	name := lc.Target + "!" + lc.Member
	if l.unpackDir == "" {
		return "", &Error{Kind: KindEntryPointMissing, Target: name, Err: errors.New("no unpack directory configured")}
	}

	d := lc.Digest
	if d == "" {
		var err error
		if d, err = fileDigest(lc.Target); err != nil {
			return "", &Error{Kind: KindEntryPointMissing, Target: name, Err: err}
		}
	}

	dir := filepath.Join(l.unpackDir, d.Encoded())
	if err := unpack(lc.Target, dir); err != nil {
		var le *Error
		if errors.As(err, &le) {
			return "", err
		}
		var pe *fs.PathError
		var lnk *os.LinkError
		if errors.As(err, &pe) || errors.As(err, &lnk) {
			return "", &Error{Kind: KindStartFailed, Target: name, Err: err}
		}
		return "", &Error{Kind: KindIncompatibleFormat, Target: name, Err: err}
	}

	path, err := safeJoin(dir, lc.Member)
	if err != nil {
		return "", &Error{Kind: KindEntryPointMissing, Target: name, Err: err}
	}
	return path, nil
}

// Launch starts the target. In exec mode a successful launch does not
// return. In child mode the child's exit code is returned with a nil error
// once it exits; a non-zero code is not an error.
func (l *Launcher) Launch(ctx context.Context, lc Context) (int, error) {
	path, err := l.Resolve(lc)
	if err != nil {
		return 0, err
	}

	env := lc.Env
	if env == nil {
		env = os.Environ()
	}

	if l.mode == ModeExec {
		if lc.Dir != "" {
			if err := os.Chdir(lc.Dir); err != nil {
				return 0, &Error{Kind: KindStartFailed, Target: path, Err: err}
			}
		}
		argv := append([]string{path}, lc.Args...)
		l.log.Info("exec", "path", path, "args", len(lc.Args))
		err := l.exec(path, argv, env)
		if !errors.Is(err, errors.ErrUnsupported) {
			return 0, l.startError(path, err)
		}
		l.log.Debug("exec unsupported, running as child")
	}

	return l.runChild(ctx, path, lc, env)
}

func (l *Launcher) startError(path string, err error) error {
	if errors.Is(err, syscall.ENOEXEC) {
		return &Error{Kind: KindIncompatibleFormat, Target: path, Err: err}
	}
	return &Error{Kind: KindStartFailed, Target: path, Err: err}
}

func (l *Launcher) runChild(ctx context.Context, path string, lc Context, env []string) (int, error) {
	cmd := exec.CommandContext(ctx, path, lc.Args...)
	cmd.Env = env
	cmd.Dir = lc.Dir
	cmd.Stdin = l.stdin
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr

	if err := cmd.Start(); err != nil {
		return 0, l.startError(path, err)
	}
	l.log.Info("child started", "path", path, "pid", cmd.Process.Pid)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-sigs:
				_ = cmd.Process.Signal(sig)
			case <-done:
				return
			}
		}
	}()

	err := cmd.Wait()
	signal.Stop(sigs)
	close(done)

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			// Killed by a signal.
			code = 1
		}
		l.log.Info("child exited", "path", path, "code", code)
		return code, nil
	}
	return 0, &Error{Kind: KindStartFailed, Target: path, Err: err}
}

func fileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return digest.FromReader(f)
}
