// Package cachekey computes the build engine's cache key: a single SHA-256
// folding every input that can influence a compiled artifact, so that
// byte-identical inputs always produce byte-identical keys regardless of
// unrelated state (file mtimes, directory iteration order, lockfile
// formatting). Grounded on the teacher's internal/fs hash-folding helpers
// (HashFileHashes et al.), generalised from a package-graph task hash to a
// single-project compiler cache key; the fold itself is exactly the
// algorithm named in the engine's design, so it is built directly on
// crypto/sha256 rather than a generic struct-hashing library — see DESIGN.md.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/arncore/konvoy/internal/fsutil"
	"github.com/arncore/konvoy/internal/target"
)

// konvoyIgnoreFile is the optional gitignore-syntax source filter read from
// a dependency's root alongside its manifest; see fsutil.CollectSourcesWithIgnore.
const konvoyIgnoreFile = ".konvoyignore"

// Profile names the build configuration; it is folded into the key as-is,
// except when Inputs.Test is set, which appends "-test" so test and
// non-test artifacts for the same sources never collide in the store.
type Profile string

const (
	Debug   Profile = "debug"
	Release Profile = "release"
)

// Inputs is every value the cache key folds in, per the engine's design:
// manifest/lockfile canonical text, toolchain identity, target and profile,
// host identity, the source tree, and ordered dependency artifact hashes.
type Inputs struct {
	ManifestText          string
	LockfileText          string
	CompilerVersion       string
	CompilerFingerprint   string
	Target                target.Triple
	Profile               Profile
	Test                  bool
	SourcesDir            string
	SourceExtension       string
	DependencyArtifactSHA []string // ordered: topological, one per direct dependency

	// TestSubdir is the sibling subtree nested under SourcesDir that holds
	// test sources (e.g. "test"). It is excluded from a non-test build's
	// hash and included whole for a test build, per the scoping rule.
	TestSubdir string
}

// separator delimits fields so that, e.g., ("ab","c") and ("a","bc") never
// collide.
const separator = "\x00"

// Compute folds Inputs into the 256-bit cache key, hex-encoded.
func Compute(in Inputs) (string, error) {
	excludeSubdir := ""
	if !in.Test {
		excludeSubdir = in.TestSubdir
	}
	sourcesHash, err := sourceTreeHash(in.SourcesDir, in.SourceExtension, excludeSubdir)
	if err != nil {
		return "", fmt.Errorf("hashing source tree: %w", err)
	}

	profile := string(in.Profile)
	if in.Test {
		profile += "-test"
	}

	h := sha256.New()
	write := func(field string) {
		io.WriteString(h, field)
		io.WriteString(h, separator)
	}

	write(in.ManifestText)
	write(in.LockfileText)
	write(in.CompilerVersion)
	write(in.CompilerFingerprint)
	write(in.Target.Name)
	write(profile)
	write(sourcesHash)
	write(runtime.GOOS)
	write(runtime.GOARCH)

	io.WriteString(h, fmt.Sprintf("deps:%d", len(in.DependencyArtifactSHA)))
	io.WriteString(h, separator)
	for _, depSHA := range in.DependencyArtifactSHA {
		write(depSHA)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// sourceTreeHash collects sourcesDir's files matching ext via fsutil's
// godirwalk-backed, .konvoyignore-aware walker — the same collector the
// resolver and orchestrator use for the identical concern, so symlink
// handling and ignore-matching can never diverge between them — hashes
// each file individually, then folds the sorted (path, per-file-hash)
// pairs into one digest: a hash of hashes, not a hash of concatenated file
// bytes, so large source trees don't need to be re-read byte-for-byte by
// the outer fold.
func sourceTreeHash(sourcesDir, ext, excludeSubdir string) (string, error) {
	ignoreFile := filepath.Join(filepath.Dir(sourcesDir), konvoyIgnoreFile)
	relPaths, err := fsutil.CollectSourcesWithIgnore(sourcesDir, ext, ignoreFile)
	if err != nil {
		return "", err
	}
	if excludeSubdir != "" {
		filtered := relPaths[:0:0]
		for _, rel := range relPaths {
			if rel == excludeSubdir || strings.HasPrefix(rel, excludeSubdir+"/") {
				continue
			}
			filtered = append(filtered, rel)
		}
		relPaths = filtered
	}
	if len(relPaths) == 0 {
		// No matching sources folds to a fixed sentinel rather than
		// erroring here; callers check for an empty source list before
		// reaching the cache key (see errs.NoSources).
		return "no-sources", nil
	}

	outer := sha256.New()
	for _, rel := range relPaths {
		fileHash, err := hashFile(filepath.Join(sourcesDir, rel))
		if err != nil {
			return "", err
		}
		io.WriteString(outer, rel)
		io.WriteString(outer, separator)
		io.WriteString(outer, fileHash)
		io.WriteString(outer, separator)
	}
	return hex.EncodeToString(outer.Sum(nil)), nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
