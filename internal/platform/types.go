// Package platform detects the host OS, architecture and Linux distribution.
//
// The launcher uses it to reject entry points built for another OS, and the
// config loader exposes it to Lua as a read-only platform table so one config
// file can pick mirrors or download contexts per host.
package platform

import "context"

// Linux distribution family constants.
const (
	FamilyDebian  = "debian"  // Debian, Ubuntu, Linux Mint
	FamilyRHEL    = "rhel"    // RHEL, CentOS, Rocky Linux, AlmaLinux
	FamilyFedora  = "fedora"  // Fedora
	FamilySUSE    = "suse"    // openSUSE, SLES
	FamilyArch    = "arch"    // Arch Linux, Manjaro
	FamilyAlpine  = "alpine"  // Alpine Linux
	FamilyUnknown = "unknown" // Unrecognized distributions
)

// Info contains platform detection information.
type Info struct {
	OS       string // "linux", "darwin", "windows", ...
	Arch     string // normalized: "amd64", "arm64", "386", ...
	ArchRaw  string // value reported by the runtime
	Platform string // distro ID (Linux only, e.g. "ubuntu")
	Family   string // canonical family (Linux only)
	Version  string // distro version (Linux only)
}

// Distro contains Linux distribution information.
type Distro struct {
	ID      string
	Family  string
	Version string
}

// GetDistro returns distro information, or nil off Linux or when distro
// detection failed.
func (i *Info) GetDistro() *Distro {
	if i.OS != "linux" || i.Platform == "" {
		return nil
	}
	return &Distro{ID: i.Platform, Family: i.Family, Version: i.Version}
}

func (i *Info) IsLinux() bool   { return i.OS == "linux" }
func (i *Info) IsMacOS() bool   { return i.OS == "darwin" }
func (i *Info) IsWindows() bool { return i.OS == "windows" }
func (i *Info) IsAMD64() bool   { return i.Arch == "amd64" }
func (i *Info) IsARM64() bool   { return i.Arch == "arm64" }

// Key is a short "os-arch" identifier, e.g. "linux-amd64".
func (i *Info) Key() string {
	return i.OS + "-" + i.Arch
}

// Detector is the interface for platform detection.
type Detector interface {
	Detect(ctx context.Context) (*Info, error)
}

// Static is a Detector returning fixed info. Tests and callers that already
// know the platform use it.
type Static Info

// Detect returns a copy of s.
func (s Static) Detect(context.Context) (*Info, error) {
	info := Info(s)
	return &info, nil
}
