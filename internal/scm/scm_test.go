package scm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arncore/konvoy/internal/logger"
)

func TestResolveCacheRootFallsBackWithoutGit(t *testing.T) {
	dir := t.TempDir()
	got := ResolveCacheRoot(dir, logger.Silent())
	require.Equal(t, filepath.Join(dir, CacheDirName), got)
}

func TestResolveCacheRootUsesRepoRootForPlainRepo(t *testing.T) {
	repo := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(repo, ".git"), 0o755))
	project := filepath.Join(repo, "sub", "project")
	require.NoError(t, os.MkdirAll(project, 0o755))

	got := ResolveCacheRoot(project, logger.Silent())
	require.Equal(t, filepath.Join(repo, CacheDirName), got)
}

func TestResolveCacheRootFollowsWorktreeCommondir(t *testing.T) {
	main := t.TempDir()
	mainGitDir := filepath.Join(main, ".git")
	require.NoError(t, os.MkdirAll(mainGitDir, 0o755))

	worktreeParent := t.TempDir()
	worktree := filepath.Join(worktreeParent, "wt")
	require.NoError(t, os.MkdirAll(worktree, 0o755))

	worktreeGitDir := filepath.Join(mainGitDir, "worktrees", "wt")
	require.NoError(t, os.MkdirAll(worktreeGitDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(worktreeGitDir, "commondir"), []byte("../.."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(worktree, ".git"), []byte("gitdir: "+worktreeGitDir+"\n"), 0o644))

	got := ResolveCacheRoot(worktree, logger.Silent())
	require.Equal(t, filepath.Join(main, CacheDirName), got)
}

func TestResolveCacheRootRefusesSymlinkedSharedPath(t *testing.T) {
	real := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(real, ".git"), 0o755))

	linkParent := t.TempDir()
	link := filepath.Join(linkParent, "repo-link")
	require.NoError(t, os.Symlink(real, link))

	project := filepath.Join(link, "sub")
	// project's parent component ("repo-link") is a symlink; findupGit
	// finds <link>/.git through it and reports the link path itself as the
	// shared root, and that root is refused because its path contains a
	// symlink component, so the per-project cache dir is used instead.
	require.NoError(t, os.MkdirAll(filepath.Join(real, "sub"), 0o755))

	got := ResolveCacheRoot(project, logger.Silent())
	require.Equal(t, filepath.Join(project, CacheDirName), got)
}
