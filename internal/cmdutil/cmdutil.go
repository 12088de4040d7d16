// Package cmdutil holds functionality to run konvoy via cobra: flag parsing
// and the configuration common to every subcommand. Grounded on the
// teacher's own cmdutil.Helper/CmdBase split, stripped of the client/config
// remote-cache and daemon concerns the teacher needs for a JS monorepo but
// this engine does not.
package cmdutil

import (
	"os"

	"github.com/spf13/pflag"

	"github.com/arncore/konvoy/internal/fsutil"
	"github.com/arncore/konvoy/internal/logger"
)

// Helper holds configuration values passed via flag/env that every konvoy
// subcommand needs, and drives construction of a CmdBase.
type Helper struct {
	// Version is the konvoy build version.
	Version string

	verbosity   int
	rawCwd      string
}

// NewHelper returns a Helper for the given version string.
func NewHelper(version string) *Helper {
	return &Helper{Version: version}
}

// AddFlags registers the flags common to every konvoy command.
func (h *Helper) AddFlags(flags *pflag.FlagSet) {
	flags.CountVarP(&h.verbosity, "verbose", "v", "increase logging verbosity")
	flags.StringVar(&h.rawCwd, "cwd", "", "the project directory to operate in (default: current directory)")
}

// ProjectDir resolves --cwd against the process's actual working directory:
// an absolute --cwd is returned as given and a relative one is joined onto
// the working directory. The result is not canonicalised.
func (h *Helper) ProjectDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if h.rawCwd == "" {
		return cwd, nil
	}
	if fsutil.IsAbs(h.rawCwd) {
		return h.rawCwd, nil
	}
	return cwd + string(os.PathSeparator) + h.rawCwd, nil
}

// Verbose reports whether any -v flags were passed.
func (h *Helper) Verbose() bool { return h.verbosity > 0 }

// GetCmdBase constructs a CmdBase from this Helper's resolved flags.
func (h *Helper) GetCmdBase() (*CmdBase, error) {
	projectDir, err := h.ProjectDir()
	if err != nil {
		return nil, err
	}
	return &CmdBase{
		ProjectDir: projectDir,
		Log:        logger.New(h.verbosity),
		Version:    h.Version,
		Verbose:    h.Verbose(),
	}, nil
}

// CmdBase encompasses the configured components every konvoy command uses.
type CmdBase struct {
	ProjectDir string
	Log        logger.Logger
	Version    string
	Verbose    bool
}
