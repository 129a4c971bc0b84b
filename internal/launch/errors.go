package launch

import (
	"errors"
	"fmt"
)

// Kind classifies a launch failure.
type Kind int

const (
	// KindEntryPointMissing means the target file or archive member does not exist.
	KindEntryPointMissing Kind = iota + 1
	// KindIncompatibleFormat means the target is not runnable on this host.
	KindIncompatibleFormat
	// KindStartFailed means the OS refused to start a valid target.
	KindStartFailed
)

func (k Kind) String() string {
	switch k {
	case KindEntryPointMissing:
		return "EntryPointMissing"
	case KindIncompatibleFormat:
		return "IncompatibleFormat"
	case KindStartFailed:
		return "StartFailed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrEntryPointMissing  = errors.New("entry point missing")
	ErrIncompatibleFormat = errors.New("incompatible format")
	ErrStartFailed        = errors.New("start failed")
)

// Error is returned by Resolve and Launch.
type Error struct {
	Kind   Kind
	Target string
	Err    error
}

func (e *Error) Error() string {
	msg := "launch " + e.Target + ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	var s error
	switch e.Kind {
	case KindEntryPointMissing:
		s = ErrEntryPointMissing
	case KindIncompatibleFormat:
		s = ErrIncompatibleFormat
	case KindStartFailed:
		s = ErrStartFailed
	}
	errs := []error{}
	if s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
