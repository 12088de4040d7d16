// Package target is the static host-to-target-triple lookup table consumed
// by the toolchain provisioner (download URL construction) and the build
// orchestrator (effective target resolution, including the "host" alias).
package target

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/arncore/konvoy/internal/errs"
)

// Triple names an <os>_<arch> pair in the backend compiler's vocabulary.
type Triple struct {
	OS   string
	Arch string
	// Name is the compiler's own spelling of this target, e.g. "linux_x64".
	Name string
	// CompilerArg is the flag value passed to select this target.
	CompilerArg string
}

func (t Triple) String() string { return t.Name }

var known = []Triple{
	{OS: "linux", Arch: "amd64", Name: "linux_x64", CompilerArg: "linux_x64"},
	{OS: "linux", Arch: "arm64", Name: "linux_arm64", CompilerArg: "linux_arm64"},
	{OS: "darwin", Arch: "amd64", Name: "macos_x64", CompilerArg: "macos_x64"},
	{OS: "darwin", Arch: "arm64", Name: "macos_arm64", CompilerArg: "macos_arm64"},
	{OS: "windows", Arch: "amd64", Name: "mingw_x64", CompilerArg: "mingw_x64"},
}

// hostOSArch translates runtime.GOOS/GOARCH into the pair known[] indexes.
func hostOSArch() (string, string) {
	return runtime.GOOS, runtime.GOARCH
}

// Host returns the triple matching the running OS/architecture.
func Host() (Triple, error) {
	osName, arch := hostOSArch()
	for _, t := range known {
		if t.OS == osName && t.Arch == arch {
			return t, nil
		}
	}
	return Triple{}, errs.New(errs.UnsupportedHost, "unsupported host %s/%s", osName, arch)
}

// Parse resolves a user-supplied target string. The literal "host" resolves
// to the detected host triple.
func Parse(s string) (Triple, error) {
	if s == "" || strings.EqualFold(s, "host") {
		return Host()
	}
	for _, t := range known {
		if t.Name == s {
			return t, nil
		}
	}
	return Triple{}, errs.New(errs.UnsupportedHost, "unknown target %q", s)
}

// All enumerates every known target, used by registry-dependency resolution
// to populate a per-target hash set.
func All() []Triple {
	out := make([]Triple, len(known))
	copy(out, known)
	return out
}

// DownloadURL constructs the compiler/runtime tarball URL for a triple and
// version, from a fixed lookup table keyed by OS/arch as the spec requires.
func DownloadURL(baseURL, version string, t Triple) string {
	return fmt.Sprintf("%s/%s/konvoy-compiler-%s-%s.tar.gz", strings.TrimRight(baseURL, "/"), version, version, t.Name)
}

// RuntimeDownloadURL constructs the embedded-JRE tarball URL for a triple.
func RuntimeDownloadURL(baseURL, jreVersion string, t Triple) string {
	return fmt.Sprintf("%s/jre/%s/jre-%s-%s.tar.gz", strings.TrimRight(baseURL, "/"), jreVersion, jreVersion, t.Name)
}
