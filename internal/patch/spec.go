package patch

import (
	"fmt"

	"github.com/opencontainers/go-digest"

	"github.com/luminolmc/goclip/internal/artifact"
)

// Spec ties a patch payload to the base it applies to and the output it
// must produce.
type Spec struct {
	// Location groups outputs ("versions" or "libraries").
	Location string
	// BaseDigest identifies the payload the patch was computed against.
	BaseDigest digest.Digest
	// PatchDigest identifies the patch payload itself.
	PatchDigest digest.Digest
	// ExpectedDigest identifies the reconstructed output.
	ExpectedDigest digest.Digest
	// BasePath names the base: the whole base artifact, or a member of it.
	BasePath string
	// PatchPath is the bundle-relative path of the patch payload.
	PatchPath string
	// OutputPath is where the output lives inside Location.
	OutputPath string
	// Payload holds the patch bytes once loaded from the bundle.
	Payload []byte
}

// Target returns "location/output" for log lines and errors.
func (s Spec) Target() string {
	if s.Location == "" {
		return s.OutputPath
	}
	return s.Location + "/" + s.OutputPath
}

// ApplyArtifact applies spec to base. It fails with BaseMismatch when base
// is not the artifact the patch was made for and with IntegrityMismatch
// when the result does not hash to spec.ExpectedDigest. No artifact is
// returned on failure.
func ApplyArtifact(base artifact.Artifact, spec Spec) (artifact.Artifact, error) {
	target := spec.Target()

	if base.Digest != spec.BaseDigest {
		return artifact.Artifact{}, &Error{
			Kind:   KindBaseMismatch,
			Target: target,
			Detail: fmt.Sprintf("base is %s, patch expects %s", base.Digest, spec.BaseDigest),
		}
	}

	if spec.PatchDigest != "" && digest.SHA256.FromBytes(spec.Payload) != spec.PatchDigest {
		return artifact.Artifact{}, &Error{
			Kind:   KindCorruptPatch,
			Target: target,
			Detail: fmt.Sprintf("patch payload does not match %s", spec.PatchDigest),
		}
	}

	out, err := Apply(base.Data, spec.Payload)
	if err != nil {
		if pe, ok := err.(*Error); ok {
			pe.Target = target
			return artifact.Artifact{}, pe
		}
		return artifact.Artifact{}, &Error{Kind: KindCorruptPatch, Target: target, Err: err}
	}

	result := artifact.New(spec.OutputPath, base.Version, out)
	if result.Digest != spec.ExpectedDigest {
		return artifact.Artifact{}, &Error{
			Kind:   KindIntegrityMismatch,
			Target: target,
			Detail: fmt.Sprintf("got %s, want %s", result.Digest, spec.ExpectedDigest),
		}
	}

	return result, nil
}
