// Package platform detects the host OS and architecture and exposes them as
// formula template variables and as a read-only Lua table for config files.
// Linux distribution details come from gopsutil; detection failures there
// degrade to OS/arch only.
package platform

import (
	"context"

	"github.com/ZebulonRouseFrantzich/keg/internal/formula"
)

// Linux distribution family constants
const (
	FamilyDebian  = "debian"
	FamilyRHEL    = "rhel"
	FamilyFedora  = "fedora"
	FamilySUSE    = "suse"
	FamilyArch    = "arch"
	FamilyAlpine  = "alpine"
	FamilyUnknown = "unknown"
)

// Info contains platform detection information.
type Info struct {
	OS       string // "linux", "darwin", "windows"
	Arch     string // normalized GOARCH: "amd64", "arm64", "arm", "386"
	ArchRaw  string // GOARCH as reported by the runtime
	Machine  string // uname-style name used in release assets: "x86_64", "aarch64"
	Platform string // distro ID (Linux only, e.g., "ubuntu")
	Family   string // canonical family (e.g., "debian")
	Version  string // distro version (Linux only, e.g., "22.04")
}

// TemplateVars returns the variables a formula URL template may reference
func (i *Info) TemplateVars() formula.Vars {
	return formula.Vars{
		formula.VarOS:      i.OS,
		formula.VarArch:    i.Arch,
		formula.VarMachine: i.Machine,
	}
}

// IsLinux returns true if the platform is Linux.
func (i *Info) IsLinux() bool {
	return i.OS == "linux"
}

// IsMacOS returns true if the platform is macOS.
func (i *Info) IsMacOS() bool {
	return i.OS == "darwin"
}

// IsWindows returns true if the platform is Windows.
func (i *Info) IsWindows() bool {
	return i.OS == "windows"
}

// IsAMD64 returns true if the architecture is amd64.
func (i *Info) IsAMD64() bool {
	return i.Arch == "amd64"
}

// IsARM64 returns true if the architecture is arm64.
func (i *Info) IsARM64() bool {
	return i.Arch == "arm64"
}

// Detector is the interface for platform detection.
type Detector interface {
	Detect(ctx context.Context) (*Info, error)
}

// StaticDetector returns a fixed Info. Useful when the caller already knows
// the target platform, and in tests.
type StaticDetector struct {
	Info Info
}

// Detect returns a copy of the fixed Info
func (s StaticDetector) Detect(ctx context.Context) (*Info, error) {
	info := s.Info
	return &info, nil
}
