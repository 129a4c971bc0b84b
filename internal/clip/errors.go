package clip

import (
	"errors"
	"fmt"

	"github.com/luminolmc/goclip/internal/fetch"
	"github.com/luminolmc/goclip/internal/launch"
	"github.com/luminolmc/goclip/internal/patch"
)

// Process exit codes.
const (
	ExitOK        = 0
	ExitConfig    = 1
	ExitFetch     = 2
	ExitPatch     = 3
	ExitIntegrity = 4
	ExitLaunch    = 5
)

// PhaseError records the state a run failed in.
type PhaseError struct {
	Phase State
	Err   error
}

// Error renders "<phase> failed: <kind>: <detail>".
func (e *PhaseError) Error() string {
	kind, detail := Describe(e.Err)
	return fmt.Sprintf("%s failed: %s: %s", e.Phase, kind, detail)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Describe splits err into the kind of its component error and the rest of
// the message.
func Describe(err error) (kind, detail string) {
	var fe *fetch.Error
	var pe *patch.Error
	var le *launch.Error
	switch {
	case errors.As(err, &fe):
		detail = fe.Name
		if fe.Source != "" {
			detail += " from " + fe.Source
		}
		if fe.Err != nil {
			detail += ": " + fe.Err.Error()
		}
		return fe.Kind.String(), detail
	case errors.As(err, &pe):
		detail = pe.Target
		for _, part := range []string{pe.Detail, errString(pe.Err)} {
			if part == "" {
				continue
			}
			if detail != "" {
				detail += ": "
			}
			detail += part
		}
		return pe.Kind.String(), detail
	case errors.As(err, &le):
		detail = le.Target
		if le.Err != nil {
			detail += ": " + le.Err.Error()
		}
		return le.Kind.String(), detail
	case err == nil:
		return "None", ""
	default:
		return "Error", err.Error()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ExitCode maps a run error to the process exit code. Integrity failures
// from any phase map to ExitIntegrity.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, fetch.ErrIntegrityMismatch) || errors.Is(err, patch.ErrIntegrityMismatch) {
		return ExitIntegrity
	}

	var pe *PhaseError
	if errors.As(err, &pe) {
		switch pe.Phase {
		case StateFetching:
			return ExitFetch
		case StatePatching:
			return ExitPatch
		case StateLaunching:
			return ExitLaunch
		}
	}
	return ExitConfig
}
