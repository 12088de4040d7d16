package cmd

import (
	"os"

	"github.com/spf13/pflag"

	"github.com/arncore/konvoy/internal/orchestrator"
)

// defaultDistURL is where the toolchain provisioner downloads compiler and
// runtime tarballs from; overridable via KONVOY_DIST_URL for self-hosted
// mirrors.
const defaultDistURL = "https://dl.konvoy-lang.org/dist"

// buildFlags is the common flag set shared by build, run, and test.
type buildFlags struct {
	target  string
	release bool
	force   bool
	locked  bool
	trace   bool
}

func (f *buildFlags) addFlags(flags *pflag.FlagSet) {
	flags.StringVar(&f.target, "target", "", "target triple to build for (default: host)")
	flags.BoolVar(&f.release, "release", false, "build with optimisations enabled")
	flags.BoolVar(&f.force, "force", false, "ignore cached artifacts and tarball-hash mismatches")
	flags.BoolVar(&f.locked, "locked", false, "fail rather than write an out-of-date lockfile")
	flags.BoolVar(&f.trace, "trace", false, "write a chrome://tracing trace_event file of the build")
}

func (f *buildFlags) options(verbose bool) orchestrator.Options {
	return orchestrator.Options{
		Target:  f.target,
		Release: f.release,
		Verbose: verbose,
		Force:   f.force,
		Locked:  f.locked,
		Trace:   f.trace,
	}
}

func distURL() string {
	if v, ok := os.LookupEnv("KONVOY_DIST_URL"); ok {
		return v
	}
	return defaultDistURL
}
