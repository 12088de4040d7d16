// Package fsutil collects the filesystem collaborators the engine's core
// subsystems consume: a non-following recursive walk, hard-link-then-copy
// materialisation, idempotent directory creation/deletion, and a
// .konvoyignore filter. Adapted from the teacher's internal/fs helpers,
// generalised away from its package.json-era assumptions.
package fsutil

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/karrick/godirwalk"
	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/yookoala/realpath"
)

// DirPermissions are the default bits applied to directories konvoy creates.
const DirPermissions = 0o775

// EnsureDir idempotently creates a directory (and its parents).
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, DirPermissions)
}

// RemoveAll idempotently, recursively removes a path. Removing a path that
// does not exist is not an error.
func RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// Canonicalize resolves symlinks and relative segments, the same operation
// the resolver and cache-root selection use to defeat path-escape and
// symlink-redirection attempts.
func Canonicalize(path string) (string, error) {
	return realpath.Realpath(path)
}

// WalkFiles performs a recursive, symlink-non-following walk of root,
// invoking fn for every regular file. godirwalk.Walk does not follow
// directory symlinks by default, which is what prevents an infinite loop
// under a cyclic symlink tree.
func WalkFiles(root string, fn func(path string, de *godirwalk.Dirent) error) error {
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	return godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsSymlink() {
				// Never follow symlinks, and never treat them as sources.
				if de.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if de.IsDir() {
				return nil
			}
			return fn(path, de)
		},
		Unsorted:            true,
		AllowNonDirectoryRoot: true,
	})
}

// CollectSources walks srcDir for files matching the given extension.
// Returns srcDir-relative, slash-separated paths in sorted order. No ignore
// file is applied; see CollectSourcesWithIgnore for that.
func CollectSources(srcDir string, ext string) ([]string, error) {
	return collect(srcDir, ext, nil)
}

// CollectSourcesWithIgnore is CollectSources plus a loaded ignore matcher.
func CollectSourcesWithIgnore(srcDir string, ext string, ignoreFile string) ([]string, error) {
	var matcher *gitignore.GitIgnore
	if ignoreFile != "" {
		if _, err := os.Stat(ignoreFile); err == nil {
			m, err := gitignore.CompileIgnoreFile(ignoreFile)
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", ignoreFile, err)
			}
			matcher = m
		}
	}
	return collect(srcDir, ext, matcher)
}

func collect(srcDir string, ext string, matcher *gitignore.GitIgnore) ([]string, error) {
	var out []string
	suffix := "." + strings.TrimPrefix(ext, ".")
	err := WalkFiles(srcDir, func(path string, de *godirwalk.Dirent) error {
		if !strings.HasSuffix(path, suffix) {
			return nil
		}
		rel, relErr := filepath.Rel(srcDir, path)
		if relErr != nil {
			return relErr
		}
		relSlash := filepath.ToSlash(rel)
		if matcher != nil && matcher.MatchesPath(relSlash) {
			return nil
		}
		out = append(out, relSlash)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// CopyFile copies src to dst, creating dst's parent directory as needed.
func CopyFile(src, dst string) error {
	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// LinkOrCopy hard-links src to dst, falling back to a byte copy when the
// link fails (typically EXDEV, a cross-device link). The link or copy goes
// to a same-directory temp path that is then renamed over dst, so an
// existing dst never makes linking fail and a concurrent materialise to the
// same destination can never observe a truncated file.
func LinkOrCopy(src, dst string) error {
	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.konvoy-tmp-%d", dst, os.Getpid())
	_ = os.Remove(tmp)

	if err := os.Link(src, tmp); err == nil {
		return os.Rename(tmp, dst)
	}

	// Cross-device or otherwise unlinkable: copy into the temp path, then
	// atomically rename it into the final destination.
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// HashFiles reads every sorted relative path under root and writes their
// bytes to w, concatenated with a stable separator, for callers that pass a
// hasher as w (see the resolver's source-tree hash).
func HashFiles(root string, relPaths []string, w io.Writer) error {
	for _, rel := range relPaths {
		f, err := os.Open(filepath.Join(root, rel))
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "path:%s\x00", rel); err != nil {
			f.Close()
			return err
		}
		if _, err := io.Copy(w, f); err != nil {
			f.Close()
			return err
		}
		if _, err := w.Write([]byte{0}); err != nil {
			f.Close()
			return err
		}
		f.Close()
	}
	return nil
}

// ParentComponentCount returns how many leading ".." segments a slash- or
// OS-separated relative path has, used by the resolver to enforce the
// maximum-ancestor-escape rule without touching the filesystem.
func ParentComponentCount(rel string) int {
	rel = filepath.ToSlash(filepath.Clean(rel))
	parts := strings.Split(rel, "/")
	count := 0
	for _, p := range parts {
		if p == ".." {
			count++
			continue
		}
		break
	}
	return count
}

// IsAbs reports whether p is an absolute path on the current OS.
func IsAbs(p string) bool { return filepath.IsAbs(p) }
