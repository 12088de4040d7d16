// Package home resolves the per-user root the toolchain provisioner installs
// into ($HOME/.konvoy or equivalent), honoring HOME/USERPROFILE and the
// <COMPILER>_HOME override for an existing unmanaged install.
package home

import (
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	homedir "github.com/mitchellh/go-homedir"
)

// CompilerHomeEnv is the environment variable that, when set, points at an
// existing unmanaged compiler install, bypassing the provisioner entirely.
const CompilerHomeEnv = "KONVOY_COMPILER_HOME"

// Root returns the per-user konvoy root: $HOME/.konvoy (or the platform
// equivalent via HOME/USERPROFILE resolution).
func Root() (string, error) {
	dir, err := homedir.Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ".konvoy"), nil
}

// ToolchainsDir returns <root>/toolchains.
func ToolchainsDir() (string, error) {
	root, err := Root()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "toolchains"), nil
}

// ToolsDir returns the cache directory housing downloaded auxiliary tools
// such as the linter. Unlike the toolchain root, these are disposable,
// re-downloadable artifacts, so they live under the platform's XDG cache
// home (XDG_CACHE_HOME, or its per-OS default) rather than alongside the
// toolchain install.
func ToolsDir() (string, error) {
	return xdg.CacheFile(filepath.Join("konvoy", "tools"))
}

// CompilerHomeOverride returns the configured unmanaged compiler install
// path, if the override environment variable is set.
func CompilerHomeOverride() (string, bool) {
	v := os.Getenv(CompilerHomeEnv)
	return v, v != ""
}
