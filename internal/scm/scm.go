// Package scm resolves the artifact store's cache root: the shared
// repository root when the project lives inside a linked git worktree, the
// project itself otherwise, with a non-following symlink probe guarding
// against a planted-symlink redirection attack. Grounded on the teacher's
// fs.FindupFrom git-root discovery (internal/scm's own .git lookup, and
// internal/run's scope/root resolution), generalised from "find the
// monorepo root" to "find the shared worktree root, honouring git's
// worktree commondir indirection".
package scm

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/arncore/konvoy/internal/logger"
)

// CacheDirName is the fixed cache subdirectory name under the chosen root.
const CacheDirName = ".konvoy/cache"

// ResolveCacheRoot returns the directory that should hold the content
// -addressed artifact store for a project rooted at projectDir.
func ResolveCacheRoot(projectDir string, log logger.Logger) string {
	shared, ok := sharedRepoRoot(projectDir)
	if !ok {
		return filepath.Join(projectDir, CacheDirName)
	}

	if !pathIsSymlinkFree(shared, log) {
		log.Warnf("cache root %s contains a symlinked path component, refusing to share it; using the per-project cache instead", shared)
		return filepath.Join(projectDir, CacheDirName)
	}

	return filepath.Join(shared, CacheDirName)
}

// sharedRepoRoot walks up from dir looking for a .git entry. If found and it
// names a linked worktree (a .git file rather than directory, per git's
// worktree layout), it resolves the worktree's commondir indirection to the
// main repository's working tree, which is the shared cache root. A plain
// repository (.git directory) has no sibling worktrees, so its own root is
// returned as both "found" and "shared".
func sharedRepoRoot(dir string) (string, bool) {
	gitPath, root, found := findupGit(dir)
	if !found {
		return "", false
	}

	info, err := os.Lstat(gitPath)
	if err != nil {
		return "", false
	}

	if info.IsDir() {
		return root, true
	}

	// Linked worktree: .git is a file containing "gitdir: <path>".
	data, err := os.ReadFile(gitPath)
	if err != nil {
		return "", false
	}
	gitdirLine := strings.TrimSpace(string(data))
	gitdirLine = strings.TrimPrefix(gitdirLine, "gitdir:")
	worktreeGitDir := strings.TrimSpace(gitdirLine)
	if !filepath.IsAbs(worktreeGitDir) {
		worktreeGitDir = filepath.Join(root, worktreeGitDir)
	}

	commonDirFile := filepath.Join(worktreeGitDir, "commondir")
	commonData, err := os.ReadFile(commonDirFile)
	if err != nil {
		// Not actually a linked worktree (or an old git layout); treat this
		// project as its own shared root.
		return root, true
	}
	commonRel := strings.TrimSpace(string(commonData))
	commonDir := commonRel
	if !filepath.IsAbs(commonDir) {
		commonDir = filepath.Join(worktreeGitDir, commonRel)
	}

	// commonDir is the main repository's .git directory; its parent is the
	// shared working tree that should host the cache.
	return filepath.Dir(filepath.Clean(commonDir)), true
}

// findupGit walks up from dir looking for a .git entry, returning its path
// and the directory that contains it.
func findupGit(dir string) (gitPath string, root string, found bool) {
	cur := dir
	for {
		candidate := filepath.Join(cur, ".git")
		if _, err := os.Lstat(candidate); err == nil {
			return candidate, cur, true
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", "", false
		}
		cur = parent
	}
}

// pathIsSymlinkFree walks path from root to leaf performing a non-following
// lstat on every component, refusing to trust a path where any component is
// itself a symlink (an attacker could otherwise redirect cache I/O outside
// the intended tree).
func pathIsSymlinkFree(path string, log logger.Logger) bool {
	clean := filepath.Clean(path)
	vol := filepath.VolumeName(clean)
	rest := strings.TrimPrefix(clean, vol)
	parts := strings.Split(filepath.ToSlash(rest), "/")

	cur := vol
	if vol == "" {
		cur = "/"
	}
	for _, part := range parts {
		if part == "" {
			continue
		}
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if err != nil {
			// Component doesn't exist yet (it will be created); nothing to
			// probe further down a path that doesn't exist.
			return true
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return false
		}
	}
	return true
}
