package fetch

import (
	"errors"
	"fmt"
)

// Kind classifies a fetch failure.
type Kind int

const (
	// KindNotFound means the source does not have the artifact. Not retried.
	KindNotFound Kind = iota + 1
	// KindTransientIO covers network errors, timeouts, 5xx and short reads.
	// Retried with backoff.
	KindTransientIO
	// KindIntegrityMismatch means the bytes or their signature did not
	// verify. The artifact is never cached.
	KindIntegrityMismatch
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindTransientIO:
		return "TransientIO"
	case KindIntegrityMismatch:
		return "IntegrityMismatch"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrNotFound          = errors.New("not found")
	ErrTransientIO       = errors.New("transient I/O")
	ErrIntegrityMismatch = errors.New("integrity mismatch")
)

func (k Kind) sentinel() error {
	switch k {
	case KindNotFound:
		return ErrNotFound
	case KindTransientIO:
		return ErrTransientIO
	case KindIntegrityMismatch:
		return ErrIntegrityMismatch
	default:
		return nil
	}
}

// Error is returned by Fetch.
type Error struct {
	Kind   Kind
	Name   string // artifact name
	Source string // source that produced the error, if any
	Err    error
}

func (e *Error) Error() string {
	msg := "fetch " + e.Name
	if e.Source != "" {
		msg += " from " + e.Source
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	var errs []error
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// attemptError is the per-attempt failure before it is attributed to an
// artifact name.
type attemptError struct {
	kind Kind
	err  error
}

func (e *attemptError) Error() string { return e.err.Error() }
func (e *attemptError) Unwrap() error { return e.err }

func notFound(format string, args ...any) error {
	return &attemptError{kind: KindNotFound, err: fmt.Errorf(format, args...)}
}

func transient(format string, args ...any) error {
	return &attemptError{kind: KindTransientIO, err: fmt.Errorf(format, args...)}
}

func integrity(format string, args ...any) error {
	return &attemptError{kind: KindIntegrityMismatch, err: fmt.Errorf(format, args...)}
}

// kindOf reports the kind of an attempt error. Unclassified errors are
// treated as transient.
func kindOf(err error) Kind {
	var ae *attemptError
	if errors.As(err, &ae) {
		return ae.kind
	}
	return KindTransientIO
}
