package cmdutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestProjectDirDefaultsToWorkingDirectory(t *testing.T) {
	flags := pflag.NewFlagSet("test-flags", pflag.ContinueOnError)
	h := NewHelper("test-version")
	h.AddFlags(flags)

	cwd, err := os.Getwd()
	require.NoError(t, err)

	dir, err := h.ProjectDir()
	require.NoError(t, err)
	require.Equal(t, cwd, dir)
}

func TestProjectDirHonoursAbsoluteCwdFlag(t *testing.T) {
	flags := pflag.NewFlagSet("test-flags", pflag.ContinueOnError)
	h := NewHelper("test-version")
	h.AddFlags(flags)

	abs := t.TempDir()
	require.NoError(t, flags.Set("cwd", abs))

	dir, err := h.ProjectDir()
	require.NoError(t, err)
	require.Equal(t, abs, dir)
}

func TestVerboseReflectsFlagCount(t *testing.T) {
	flags := pflag.NewFlagSet("test-flags", pflag.ContinueOnError)
	h := NewHelper("test-version")
	h.AddFlags(flags)
	require.False(t, h.Verbose())

	require.NoError(t, flags.Set("verbose", "1"))
	require.True(t, h.Verbose())
}

func TestGetCmdBasePopulatesVersionAndProjectDir(t *testing.T) {
	flags := pflag.NewFlagSet("test-flags", pflag.ContinueOnError)
	h := NewHelper("1.2.3")
	h.AddFlags(flags)

	dir := t.TempDir()
	require.NoError(t, flags.Set("cwd", dir))

	base, err := h.GetCmdBase()
	require.NoError(t, err)
	require.Equal(t, "1.2.3", base.Version)
	require.Equal(t, filepath.Clean(dir), filepath.Clean(base.ProjectDir))
}
