package patch

import (
	"errors"
	"fmt"
)

// Kind classifies a patch failure.
type Kind int

const (
	// KindCorruptPatch means the patch payload is malformed or truncated.
	KindCorruptPatch Kind = iota + 1
	// KindBaseMismatch means the base artifact is not the one the patch was made against.
	KindBaseMismatch
	// KindIntegrityMismatch means the reconstructed payload does not hash to the expected digest.
	KindIntegrityMismatch
)

// Sentinel errors matching each Kind through errors.Is.
var (
	ErrCorruptPatch      = errors.New("corrupt patch")
	ErrBaseMismatch      = errors.New("base mismatch")
	ErrIntegrityMismatch = errors.New("integrity mismatch")
)

func (k Kind) String() string {
	switch k {
	case KindCorruptPatch:
		return "CorruptPatch"
	case KindBaseMismatch:
		return "BaseMismatch"
	case KindIntegrityMismatch:
		return "IntegrityMismatch"
	default:
		return "Unknown"
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindCorruptPatch:
		return ErrCorruptPatch
	case KindBaseMismatch:
		return ErrBaseMismatch
	case KindIntegrityMismatch:
		return ErrIntegrityMismatch
	default:
		return nil
	}
}

// Error is returned by Apply and ApplyArtifact.
type Error struct {
	Kind   Kind
	Target string // output path or artifact name, may be empty
	Detail string
	Err    error // underlying cause, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Target != "" {
		msg = fmt.Sprintf("%s: %s", e.Target, msg)
	}
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the cause and the kind sentinel.
func (e *Error) Unwrap() []error {
	errs := []error{e.Kind.sentinel()}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

func corrupt(detail string, cause error) *Error {
	return &Error{Kind: KindCorruptPatch, Detail: detail, Err: cause}
}
